//go:build integration

package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aminovpavel/lorapipe/internal/observability"
	"github.com/aminovpavel/lorapipe/internal/storage"
	"github.com/aminovpavel/lorapipe/internal/testutil"
)

func openPostgresStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("lorapipe_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	store, err := storage.Open(ctx, storage.Config{Driver: "postgres", DSN: dsn, Schema: "iot"},
		storage.WithLogger(observability.NoOpLogger()))
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresUpsertAndQuery(t *testing.T) {
	store := openPostgresStore(t)
	ctx := context.Background()

	up := buildUplink(t, testutil.NewEnvelope().With("data", "e30=").Without("data_encode"))
	outcome, err := store.Upsert(ctx, up)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if outcome != storage.OutcomeInserted {
		t.Fatalf("expected inserted, got %s", outcome)
	}
	outcome, err = store.Upsert(ctx, up)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if outcome != storage.OutcomeDeduplicated {
		t.Fatalf("expected deduplicated, got %s", outcome)
	}

	// Second uplink with an empty device name must not erase the stored one.
	next := buildUplink(t, testutil.NewEnvelope().With("fCnt", 9).With("deviceName", ""))
	if _, err := store.Upsert(ctx, next); err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	var name string
	if err := store.DB().QueryRowContext(ctx, `SELECT device_name FROM iot.devices WHERE dev_eui = $1`, testutil.TestDevEUI).Scan(&name); err != nil {
		t.Fatalf("query device: %v", err)
	}
	if name != "Electrons" {
		t.Fatalf("expected device name to survive, got %q", name)
	}

	rows, err := store.ListUplinks(ctx, testutil.TestDevEUI, storage.Page{Limit: 10}, true)
	if err != nil {
		t.Fatalf("list uplinks: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	var jsonRow *storage.UplinkRow
	for i := range rows {
		if rows[i].DataHex == "7B7D" {
			jsonRow = &rows[i]
		}
	}
	if jsonRow == nil || string(jsonRow.DataJSON) != "{}" {
		t.Fatalf("expected JSONB payload {}, got %+v", jsonRow)
	}
	if !jsonRow.TS.Valid || jsonRow.TS.Time.Unix() != 1700000000 {
		t.Fatalf("unexpected ts %+v", jsonRow.TS)
	}

	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 || devices[0].UplinkCount != 2 {
		t.Fatalf("unexpected devices %+v", devices)
	}
}
