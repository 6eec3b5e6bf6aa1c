package storage

import (
	"context"
	"database/sql"
	"fmt"
)

func schemaStatements(d Dialect) []string {
	stmts := append([]string(nil), d.SchemaStatements()...)

	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        app_id %s,
        app_name TEXT NOT NULL UNIQUE,
        created_at %s NOT NULL
	)`, d.Table("applications"), d.AutoIncrement(), d.TimestampType()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        dev_eui TEXT PRIMARY KEY,
        app_name TEXT NOT NULL REFERENCES %s (app_name),
        device_name TEXT,
        first_seen %s,
        last_seen %s
	)`, d.Table("devices"), d.Table("applications"), d.TimestampType(), d.TimestampType()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        uplink_id %s,
        inserted_at %s NOT NULL,
        app_id TEXT,
        app_name TEXT NOT NULL,
        dev_eui TEXT NOT NULL,
        device_name TEXT,
        ts %s,
        fcnt %s,
        fport INTEGER,
        data_hex TEXT NOT NULL,
        data_text TEXT,
        data_json %s,
        rssi_dbm %s,
        snr_db %s,
        dr INTEGER,
        freq_hz %s,
        raw %s,
        UNIQUE (dev_eui, fcnt, data_hex)
	)`, d.Table("uplinks"), d.AutoIncrement(), d.TimestampType(), d.TimestampType(),
			d.BigIntType(), d.JSONType(), d.RealType(), d.RealType(), d.BigIntType(), d.JSONType()),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_uplinks_dev_eui_upper ON %s (UPPER(dev_eui))`, d.Table("uplinks")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_uplinks_ts ON %s (ts)`, d.Table("uplinks")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_devices_app_name ON %s (app_name)`, d.Table("devices")),
	)
	return stmts
}

// migrate bootstraps the schema. Every statement is idempotent.
func migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range schemaStatements(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}
