// Package replay re-ingests stored uplink envelopes into a store.
package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
	"github.com/aminovpavel/lorapipe/internal/observability"
	"github.com/aminovpavel/lorapipe/internal/storage"
)

// Topic is reported as the message topic of replayed envelopes.
const Topic = "replay"

// Options configures how rows are selected from the source database.
type Options struct {
	StartID          int64
	EndID            int64
	Limit            int
	MaxEnvelopeBytes int
	Logger           *slog.Logger
}

// Stats summarises a replay run.
type Stats struct {
	Read         int
	Inserted     int
	Deduplicated int
	Skipped      int
}

// ReplaySQLite reads the raw envelopes kept in the uplinks table of a SQLite
// database and feeds them through decoder into writer. Rows that fail to decode
// are skipped; a store failure aborts the run. Replaying twice is harmless
// because the writer deduplicates.
func ReplaySQLite(ctx context.Context, sourcePath string, decoder decode.Decoder, writer storage.Writer, opts Options) (Stats, error) {
	var stats Stats
	if sourcePath == "" {
		return stats, errors.New("replay: source sqlite path must be provided")
	}
	if decoder == nil {
		return stats, errors.New("replay: decoder must not be nil")
	}
	if writer == nil {
		return stats, errors.New("replay: writer must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NoOpLogger()
	}

	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return stats, fmt.Errorf("replay: resolve path %s: %w", sourcePath, err)
	}
	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return stats, fmt.Errorf("replay: open source sqlite: %w", err)
	}
	defer db.Close()

	query, args := buildQuery(opts)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return stats, fmt.Errorf("replay: query uplinks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id         int64
			insertedAt sql.NullString
			raw        sql.NullString
		)
		if err := rows.Scan(&id, &insertedAt, &raw); err != nil {
			return stats, fmt.Errorf("replay: scan row: %w", err)
		}
		stats.Read++

		if !raw.Valid || raw.String == "" {
			stats.Skipped++
			continue
		}
		if opts.MaxEnvelopeBytes > 0 && len(raw.String) > opts.MaxEnvelopeBytes {
			stats.Skipped++
			continue
		}

		msg := mqtt.Message{
			Topic:   Topic,
			Payload: []byte(raw.String),
			Time:    receivedAt(insertedAt),
		}
		up, err := decoder.Decode(ctx, msg)
		if err != nil {
			stats.Skipped++
			logger.Warn("skipping row", slog.Int64("uplink_id", id), slog.Any("error", err))
			continue
		}

		outcome, err := writer.Upsert(ctx, up)
		if err != nil {
			return stats, fmt.Errorf("replay: store uplink id %d: %w", id, err)
		}
		switch outcome {
		case storage.OutcomeInserted:
			stats.Inserted++
		case storage.OutcomeDeduplicated:
			stats.Deduplicated++
		}

		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
	}

	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("replay: iterate rows: %w", err)
	}
	return stats, nil
}

func buildQuery(opts Options) (string, []any) {
	query := `SELECT uplink_id, inserted_at, raw FROM uplinks WHERE 1 = 1`

	args := make([]any, 0, 3)
	if opts.StartID > 0 {
		query += ` AND uplink_id >= ?`
		args = append(args, opts.StartID)
	}
	if opts.EndID > 0 {
		query += ` AND uplink_id <= ?`
		args = append(args, opts.EndID)
	}

	query += ` ORDER BY uplink_id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return query, args
}

func receivedAt(v sql.NullString) time.Time {
	if v.Valid {
		if t, ok := (decode.TimestampResolver{Location: time.UTC}).ParseTime(v.String); ok {
			return t
		}
	}
	return time.Now().UTC()
}
