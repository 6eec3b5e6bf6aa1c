package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aminovpavel/lorapipe/internal/observability"
)

// Config selects and tunes the backing database.
type Config struct {
	Driver              string
	Path                string
	DSN                 string
	Schema              string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	MaintenanceInterval time.Duration
}

// Store owns the database pool and implements the uplink upsert and read queries.
type Store struct {
	cfg     Config
	db      *sql.DB
	dialect Dialect

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	maintenanceStop chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
}

// Option configures the store.
type Option func(*Store)

// WithLogger injects a structured logger into the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock overrides the clock used for inserted_at and missing device timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the configured database, bootstraps the schema and, for SQLite,
// starts periodic maintenance.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		cfg:             cfg,
		logger:          slog.Default(),
		now:             time.Now,
		maintenanceStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	switch NormalizeDriver(cfg.Driver) {
	case "sqlite":
		s.db, err = openSQLite(ctx, cfg)
		s.dialect = SQLiteDialect{}
	case "postgres":
		s.db, err = openPostgres(ctx, cfg)
		s.dialect = PostgresDialect{Schema: strings.TrimSpace(cfg.Schema)}
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		s.db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		s.db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		s.db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := migrate(ctx, s.db, s.dialect); err != nil {
		s.db.Close()
		return nil, err
	}

	if s.dialect.Name() == "sqlite" {
		s.startMaintenance(ctx)
	}

	s.logger.Info("store opened", slog.String("driver", s.dialect.Name()))
	return s, nil
}

// NormalizeDriver maps driver aliases onto "sqlite" or "postgres".
func NormalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

// DB exposes the underlying pool for tools that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("storage: not open")
	}
	return s.db.PingContext(ctx)
}

// HealthCheck pings the database and names the driver on success.
func (s *Store) HealthCheck(ctx context.Context) (string, error) {
	if err := s.Ping(ctx); err != nil {
		return "", err
	}
	return s.dialect.Name(), nil
}

// Close stops maintenance, checkpoints SQLite and closes the pool.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.maintenanceStop)
		s.wg.Wait()
		if s.db == nil {
			return
		}
		if s.dialect.Name() == "sqlite" {
			s.runFinalMaintenance()
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) startMaintenance(ctx context.Context) {
	if s.cfg.MaintenanceInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.maintenanceStop:
				return
			case <-ticker.C:
				if err := s.runMaintenance(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("sqlite maintenance failed", slog.Any("error", err))
				}
			}
		}
	}()
}

func (s *Store) runMaintenance(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("maintenance: wal_checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("maintenance: optimize: %w", err)
	}
	s.logger.Info("sqlite maintenance completed", slog.Duration("duration", time.Since(start)))
	return nil
}

func (s *Store) runFinalMaintenance() {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("final maintenance checkpoint failed", slog.Any("error", err))
	}
	if _, err := s.db.Exec("PRAGMA optimize"); err != nil {
		s.logger.Warn("final maintenance optimize failed", slog.Any("error", err))
	}
}
