package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncMessagesReceived()
	m.IncDecodeErrors("invalid_dev_eui")
	m.IncStoreErrors()
	m.ObserveUplinkStored("inserted", 0.01)
	m.IncDroppedMessages()
	m.SetBusState(2)
	m.IncDownlinks("ok")
	m.ObserveHTTPRequest("/api/uplinks/devices", "200", 0.01)
	m.IncCacheLookup("hit")
	if !m.Healthy() {
		t.Fatalf("nil metrics should report healthy")
	}
}

func TestMetricsHealthTransitions(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()), WithNamespace("test"))

	m.IncDecodeErrors("malformed_envelope")
	if !m.Healthy() {
		t.Fatalf("decode errors must not mark the service unhealthy")
	}

	m.IncStoreErrors()
	if m.Healthy() {
		t.Fatalf("expected unhealthy after store error")
	}

	m.ObserveUplinkStored("inserted", 0.002)
	if !m.Healthy() {
		t.Fatalf("expected healthy after a successful store")
	}

	m.ObserveUplinkStored("deduplicated", 0.001)
	if got := testutil.ToFloat64(m.uplinksStored.WithLabelValues("deduplicated")); got != 1 {
		t.Fatalf("expected one deduplicated outcome, got %v", got)
	}
}

func TestLoggerLevelsAndServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", JSON: true, Service: "lorapipe", Version: "1.2.3", Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible", "dev_eui", "BE078DDB76F70371")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	for _, want := range []string{`"dev_eui":"BE078DDB76F70371"`, `"service":"lorapipe"`, `"version":"1.2.3"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in output: %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{" WARNING ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"warn+2", slog.LevelWarn + 2},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("%q: expected %v, got %v (%v)", tt.in, tt.want, got, err)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestHealthEndpointReportsComponents(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	mqttState := "subscribed"
	srv := NewServer(ServerConfig{
		Metrics: m,
		Probes: []Probe{
			{Name: "store", Check: func(context.Context) (string, error) { return "sqlite", nil }},
			{Name: "mqtt", Check: func(context.Context) (string, error) {
				if mqttState != "subscribed" {
					return mqttState, errors.New("mqtt: " + mqttState)
				}
				return mqttState, nil
			}},
		},
	})

	get := func() (int, HealthReport) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var report HealthReport
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatalf("decode report: %v", err)
		}
		return rec.Code, report
	}

	code, report := get()
	if code != http.StatusOK || report.Status != "ok" {
		t.Fatalf("expected healthy report, got %d %+v", code, report)
	}
	if report.Components["store"] != "sqlite" || report.Components["mqtt"] != "subscribed" {
		t.Fatalf("unexpected components %+v", report.Components)
	}

	mqttState = "connecting"
	code, report = get()
	if code != http.StatusServiceUnavailable || report.Components["mqtt"] != "mqtt: connecting" {
		t.Fatalf("expected 503 with mqtt failure, got %d %+v", code, report)
	}

	mqttState = "subscribed"
	m.IncStoreErrors()
	code, report = get()
	if code != http.StatusServiceUnavailable || report.Components["store_writes"] != "failing" {
		t.Fatalf("expected 503 after store error, got %d %+v", code, report)
	}
}
