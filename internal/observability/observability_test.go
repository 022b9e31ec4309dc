package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"CustodyLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// counterSum adds up every series of a counter family.
func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		" WARN": zerolog.WarnLevel,
		"trace": zerolog.TraceLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetrics_ObserveOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.ObserveOp("deposit", "", time.Millisecond)
	m.ObserveOp("deposit", "STALE_PRICE", time.Millisecond)
	m.ObserveOp("deposit", "STALE_PRICE", time.Millisecond)

	if got := counterSum(t, reg, "custody_core_ops_applied_total"); got != 1 {
		t.Errorf("applied: got %v, want 1", got)
	}
	if got := counterSum(t, reg, "custody_core_ops_rejected_total"); got != 2 {
		t.Errorf("rejected: got %v, want 2", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *observability.Metrics
	m.ObserveOp("deposit", "", time.Second)
	m.ObservePolicy(1, 2, 3)
	m.ObservePublishDrop()
	m.ObservePersistBatch(1, 1, time.Second)
}

func TestHealthChecker(t *testing.T) {
	h := observability.NewHealthChecker()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before ready: got %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readiness after ready: got %d", rec.Code)
	}
}

func TestHealthChecker_DependencyChecks(t *testing.T) {
	h := observability.NewHealthChecker()
	mux := http.NewServeMux()
	h.Register(mux)
	h.SetReady(true)

	var natsDown atomic.Bool
	h.AddCheck("postgres", func(context.Context) error { return nil })
	h.AddCheck("nats", func(context.Context) error {
		if natsDown.Load() {
			return errors.New("connection closed")
		}
		return nil
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("all checks passing: got %d", rec.Code)
	}

	natsDown.Store(true)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing check: got %d", rec.Code)
	}
	var body struct {
		Status  string            `json:"status"`
		Failing map[string]string `json:"failing"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Failing["nats"] != "connection closed" || len(body.Failing) != 1 {
		t.Errorf("body: %+v", body)
	}

	// Liveness ignores dependencies.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness: got %d", rec.Code)
	}
}
