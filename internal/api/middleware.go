package api

import (
	"bytes"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

const apiKeyHeader = "X-API-Key"

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			writeError(w, http.StatusInternalServerError, "API key is not configured")
			return
		}
		got := r.Header.Get(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTPRequest(route, strconv.Itoa(rec.status), elapsed.Seconds())
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed))
	})
}

// cachedResponse buffers a handler's output so successful reads can be stored.
type cachedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *cachedResponse) Header() http.Header { return c.header }

func (c *cachedResponse) Write(p []byte) (int, error) { return c.body.Write(p) }

func (c *cachedResponse) WriteHeader(code int) { c.status = code }

// cached serves GET responses from the cache keyed by path and query. Only 200
// responses are stored.
func (s *Server) cached(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, disabled := s.cache.(noopCache); disabled {
			h(w, r)
			return
		}
		key := r.URL.Path + "?" + r.URL.Query().Encode()

		data, ok, err := s.cache.Get(r.Context(), key)
		switch {
		case err != nil:
			s.metrics.IncCacheLookup("error")
			s.logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		case ok:
			s.metrics.IncCacheLookup("hit")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
			return
		default:
			s.metrics.IncCacheLookup("miss")
		}

		buf := &cachedResponse{header: w.Header(), status: http.StatusOK}
		h(buf, r)

		w.WriteHeader(buf.status)
		_, _ = w.Write(buf.body.Bytes())

		if buf.status == http.StatusOK {
			if err := s.cache.Set(r.Context(), key, buf.body.Bytes()); err != nil {
				s.logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
			}
		}
	}
}
