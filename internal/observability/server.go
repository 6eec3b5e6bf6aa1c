package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe is one named component consulted by /healthz. Check returns a short
// status word on success.
type Probe struct {
	Name  string
	Check func(ctx context.Context) (string, error)
}

// ServerConfig controls the metrics and health listener.
type ServerConfig struct {
	Address      string
	Logger       *slog.Logger
	Metrics      *Metrics
	Probes       []Probe
	ProbeTimeout time.Duration
}

// HealthReport is the /healthz response body.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// Server hosts /metrics and /healthz.
type Server struct {
	cfg ServerConfig
	srv *http.Server
}

// NewServer prepares the observability listener; the address defaults to :2112.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = ":2112"
	}
	if cfg.Logger == nil {
		cfg.Logger = NoOpLogger()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}

	s := &Server{cfg: cfg}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.health)

	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the endpoint mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Report runs every probe and folds in the store health flag.
func (s *Server) Report(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok", Components: map[string]string{}}
	if !s.cfg.Metrics.Healthy() {
		report.Status = "unhealthy"
		report.Components["store_writes"] = "failing"
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	for _, p := range s.cfg.Probes {
		status, err := p.Check(ctx)
		if err != nil {
			report.Status = "unhealthy"
			report.Components[p.Name] = err.Error()
			s.cfg.Logger.Warn("health probe failed", slog.String("probe", p.Name), slog.Any("error", err))
			continue
		}
		report.Components[p.Name] = status
	}
	return report
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report := s.Report(r.Context())
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// Run serves until ctx is cancelled, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.cfg.Logger.Error("observability server shutdown error", slog.Any("error", err))
		}
	}()

	s.cfg.Logger.Info("observability server listening", slog.String("address", s.cfg.Address))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
