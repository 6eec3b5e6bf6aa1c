package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aminovpavel/lorapipe/internal/decode"
)

// Outcome reports what Upsert did with an uplink.
type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeDeduplicated
)

func (o Outcome) String() string {
	if o == OutcomeDeduplicated {
		return "deduplicated"
	}
	return "inserted"
}

// Upsert records an uplink in one transaction: it ensures the application row,
// merges the device row and inserts the uplink unless its dedup key
// (dev_eui, fcnt, data_hex) already exists.
func (s *Store) Upsert(ctx context.Context, up decode.Uplink) (Outcome, error) {
	devEUI, err := decode.NormalizeDevEUI(up.DevEUI)
	if err != nil {
		return OutcomeInserted, err
	}
	devEUI = strings.ToUpper(devEUI)

	start := time.Now()
	outcome, err := s.upsert(ctx, devEUI, up)
	if err != nil {
		s.metrics.IncStoreErrors()
		return outcome, err
	}
	s.metrics.ObserveUplinkStored(outcome.String(), time.Since(start).Seconds())
	return outcome, nil
}

func (s *Store) upsert(ctx context.Context, devEUI string, up decode.Uplink) (outcome Outcome, err error) {
	now := s.now()
	tsValue, seenValue := s.timestampValues(up.Timestamp, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeInserted, storeErr("begin", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.Warn("rollback failed", slog.Any("error", rbErr))
			}
		}
	}()

	d := s.dialect

	_, err = tx.ExecContext(ctx, d.Rebind(fmt.Sprintf(
		`INSERT INTO %s (app_name, created_at) VALUES (?, ?) ON CONFLICT (app_name) DO NOTHING`,
		d.Table("applications"))),
		up.ApplicationName, d.TimeValue(now))
	if err != nil {
		return OutcomeInserted, storeErr("ensure_application", err)
	}

	devices := d.Table("devices")
	_, err = tx.ExecContext(ctx, d.Rebind(fmt.Sprintf(`INSERT INTO %s AS cur (dev_eui, app_name, device_name, first_seen, last_seen)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (dev_eui) DO UPDATE SET
            app_name = excluded.app_name,
            device_name = COALESCE(excluded.device_name, cur.device_name),
            last_seen = COALESCE(excluded.last_seen, cur.last_seen)`, devices)),
		devEUI,
		up.ApplicationName,
		nullString(up.DeviceName),
		seenValue,
		seenValue,
	)
	if err != nil {
		return OutcomeInserted, storeErr("upsert_device", err)
	}

	res, err := tx.ExecContext(ctx, d.Rebind(fmt.Sprintf(`INSERT INTO %s (
        inserted_at,
        app_id,
        app_name,
        dev_eui,
        device_name,
        ts,
        fcnt,
        fport,
        data_hex,
        data_text,
        data_json,
        rssi_dbm,
        snr_db,
        dr,
        freq_hz,
        raw
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (dev_eui, fcnt, data_hex) DO NOTHING`, d.Table("uplinks"))),
		d.TimeValue(now),
		nullString(up.ApplicationID),
		up.ApplicationName,
		devEUI,
		nullString(up.DeviceName),
		tsValue,
		nullInt64(up.FCnt),
		nullInt64(up.FPort),
		up.Payload.Hex,
		nullString(up.Payload.Text),
		nullBytes(up.Payload.JSON),
		nullFloat64(up.RSSI),
		nullFloat64(up.SNR),
		nullInt64(up.DR),
		nullInt64(up.Frequency),
		nullBytes(up.Raw),
	)
	if err != nil {
		return OutcomeInserted, storeErr("insert_uplink", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return OutcomeInserted, storeErr("insert_uplink", err)
	}

	if err = tx.Commit(); err != nil {
		return OutcomeInserted, storeErr("commit", err)
	}

	if affected == 0 {
		return OutcomeDeduplicated, nil
	}
	return OutcomeInserted, nil
}

// timestampValues returns the bind values for uplinks.ts and the device seen columns.
// A raw unparsed timestamp is handed to PostgreSQL for native parsing; SQLite keeps
// it verbatim in ts and falls back to now for the device columns.
func (s *Store) timestampValues(ts decode.Timestamp, now time.Time) (tsValue, seenValue any) {
	switch {
	case !ts.Time.IsZero():
		v := s.dialect.TimeValue(ts.Time)
		return v, v
	case ts.Raw != "":
		if s.dialect.Name() == "postgres" {
			return ts.Raw, ts.Raw
		}
		return ts.Raw, s.dialect.TimeValue(now)
	default:
		return nil, s.dialect.TimeValue(now)
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes binds JSON documents as text so both TEXT and JSONB columns accept them.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
