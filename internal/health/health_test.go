package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/health"
)

func fixedClock() *clock.Mock {
	return &clock.Mock{T: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestLivenessHandler(t *testing.T) {
	h := health.NewHandler(fixedClock())

	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("liveness status = %d, want 200", rec.Code)
	}

	var got health.Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got.Status != "ok" {
		t.Errorf("Status = %q, want %q", got.Status, "ok")
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	h := health.NewHandler(fixedClock())

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 503 {
		t.Fatalf("readiness status = %d, want 503", rec.Code)
	}
}

func TestReadinessHandler_ReadyWithPassingChecks(t *testing.T) {
	h := health.NewHandler(fixedClock(), health.Checker{
		Name:  "database",
		Check: func(ctx context.Context) error { return nil },
	})
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 200 {
		t.Fatalf("readiness status = %d, want 200", rec.Code)
	}

	var got health.Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got.Checks["database"] != "ok" {
		t.Errorf("database check = %q, want %q", got.Checks["database"], "ok")
	}
}

func TestReadinessHandler_FailingCheck(t *testing.T) {
	h := health.NewHandler(fixedClock(), health.Checker{
		Name:  "database",
		Check: func(ctx context.Context) error { return errors.New("connection refused") },
	})
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 503 {
		t.Fatalf("readiness status = %d, want 503", rec.Code)
	}

	var got health.Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got.Checks["database"] != "connection refused" {
		t.Errorf("database check = %q, want the check error", got.Checks["database"])
	}
}
