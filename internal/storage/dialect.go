package storage

import (
	"fmt"
	"strings"
	"time"
)

// Dialect abstracts the SQL differences between SQLite and PostgreSQL so the
// upsert and query paths can be written once with ? placeholders.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// Rebind converts ? placeholders into the dialect's native form.
	Rebind(query string) string

	// Table returns the (schema-qualified) table name.
	Table(name string) string

	// AutoIncrement returns the column definition for an auto-incrementing primary key.
	AutoIncrement() string

	// TimestampType returns the column type for timestamps.
	// SQLite: "TEXT" (fixed-width UTC), PostgreSQL: "TIMESTAMPTZ".
	TimestampType() string

	// JSONType returns the column type for JSON documents.
	JSONType() string

	// RealType returns the column type for floating point values.
	RealType() string

	// BigIntType returns the column type for 64-bit integers.
	BigIntType() string

	// TimeValue converts a time into a bind parameter for a TimestampType column.
	TimeValue(t time.Time) any

	// SchemaStatements returns statements run before table creation.
	SchemaStatements() []string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

var _ Dialect = SQLiteDialect{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Rebind(query string) string { return query }

func (SQLiteDialect) Table(name string) string { return name }

func (SQLiteDialect) AutoIncrement() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (SQLiteDialect) TimestampType() string { return "TEXT" }

func (SQLiteDialect) JSONType() string { return "TEXT" }

func (SQLiteDialect) RealType() string { return "REAL" }

func (SQLiteDialect) BigIntType() string { return "INTEGER" }

func (SQLiteDialect) TimeValue(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func (SQLiteDialect) SchemaStatements() []string { return nil }

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct {
	// Schema qualifies every table; empty means the connection's search_path.
	Schema string
}

var _ Dialect = PostgresDialect{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) Rebind(query string) string { return ConvertPlaceholders(query) }

func (d PostgresDialect) Table(name string) string {
	if d.Schema == "" {
		return name
	}
	return d.Schema + "." + name
}

func (PostgresDialect) AutoIncrement() string { return "BIGSERIAL PRIMARY KEY" }

func (PostgresDialect) TimestampType() string { return "TIMESTAMPTZ" }

func (PostgresDialect) JSONType() string { return "JSONB" }

func (PostgresDialect) RealType() string { return "DOUBLE PRECISION" }

func (PostgresDialect) BigIntType() string { return "BIGINT" }

func (PostgresDialect) TimeValue(t time.Time) any { return t }

func (d PostgresDialect) SchemaStatements() []string {
	if d.Schema == "" {
		return nil
	}
	return []string{fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", d.Schema)}
}

// ConvertPlaceholders converts SQLite-style ? placeholders to PostgreSQL-style $n placeholders.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}
