package storage

import (
	"database/sql"
	"time"
)

// sqliteTimeLayout is fixed-width so lexical order equals chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// parseStoredTime reads SQLite fixed-width text and PostgreSQL timestamptz values,
// which database/sql renders as RFC 3339 when scanned into a string.
func parseStoredTime(v sql.NullString) Timestamp {
	if !v.Valid || v.String == "" {
		return Timestamp{}
	}
	for _, layout := range []string{time.RFC3339Nano, sqliteTimeLayout, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, v.String); err == nil {
			return Timestamp{Time: t, Valid: true}
		}
	}
	return Timestamp{Raw: v.String, Valid: true}
}
