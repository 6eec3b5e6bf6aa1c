// Package api serves the read-only uplink queries and the downlink command endpoint over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/downlink"
	"github.com/aminovpavel/lorapipe/internal/observability"
	"github.com/aminovpavel/lorapipe/internal/storage"
)

const (
	defaultAddress     = ":8080"
	defaultMaxPageSize = 500
	shutdownPeriod     = 5 * time.Second
)

// Reader is the subset of the store used by the read endpoints.
type Reader interface {
	ListDevices(ctx context.Context) ([]storage.DeviceSummary, error)
	ListUplinks(ctx context.Context, devEUI string, page storage.Page, full bool) ([]storage.UplinkRow, error)
	LatestUplinks(ctx context.Context, devEUI string, n int, full bool) ([]storage.UplinkRow, error)
}

// Downlinker publishes downlink commands.
type Downlinker interface {
	Publish(ctx context.Context, req downlink.Request) (downlink.Ack, error)
}

var (
	_ Reader     = (*storage.Store)(nil)
	_ Downlinker = (*downlink.Publisher)(nil)
)

// Option customises the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithCache overrides the response cache, mainly for tests.
func WithCache(cache cacheLayer) Option {
	return func(s *Server) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// Server wraps the HTTP router and its dependencies.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	reader    Reader
	downlinks Downlinker
	cache     cacheLayer
	resolver  decode.TimestampResolver

	srv       *http.Server
	closeOnce sync.Once
}

// New constructs a Server. When the cache is enabled the redis connection is checked here.
func New(ctx context.Context, cfg Config, reader Reader, downlinks Downlinker, opts ...Option) (*Server, error) {
	if reader == nil {
		return nil, errors.New("api: reader is nil")
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > defaultMaxPageSize {
		cfg.MaxPageSize = defaultMaxPageSize
	}
	if cfg.Location == nil {
		cfg.Location = decode.DefaultLocation
	}

	s := &Server{
		cfg:       cfg,
		logger:    observability.NoOpLogger(),
		reader:    reader,
		downlinks: downlinks,
		resolver:  decode.TimestampResolver{Location: cfg.Location},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		cache, err := newCache(ctx, cfg.Cache)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}

	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Handler builds the routed handler chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAPIKey)
	api.HandleFunc("/uplinks/devices", s.cached(s.listDevices)).Methods(http.MethodGet)
	api.HandleFunc("/uplinks/{devEUI}", s.cached(s.listUplinks(false))).Methods(http.MethodGet)
	api.HandleFunc("/uplinks/{devEUI}/full", s.cached(s.listUplinks(true))).Methods(http.MethodGet)
	api.HandleFunc("/uplinks/{devEUI}/latest", s.cached(s.latestUplink(false))).Methods(http.MethodGet)
	api.HandleFunc("/uplinks/{devEUI}/latest/full", s.cached(s.latestUplink(true))).Methods(http.MethodGet)
	api.HandleFunc("/uplinks/{devEUI}/last10", s.cached(s.lastUplinks)).Methods(http.MethodGet)
	api.HandleFunc("/downlink", s.publishDownlink).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)(handlers.CompressHandler(r))
}

// Run starts serving requests until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("api server shutdown error", slog.Any("error", err))
		}
	}()

	s.logger.Info("api server listening", slog.String("address", s.cfg.Address))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

// Close releases the cache connection.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cache != nil {
			err = s.cache.Close()
		}
	})
	return err
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("panic while serving request", slog.String("panic", fmt.Sprint(v...)))
}
