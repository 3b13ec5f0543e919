package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleReadyz_NoReadyFuncDefaultsOK(t *testing.T) {
	svc := New(":0", Deps{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHandleReadyz_FailingReadyReturns503(t *testing.T) {
	svc := New(":0", Deps{Ready: func() error { return errors.New("store unreachable") }}, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleHealth_ReportsOKWithNoServices(t *testing.T) {
	svc := New(":0", Deps{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var report healthReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != "ok" {
		t.Errorf("status = %q, want ok", report.Status)
	}
	if report.Version != Version {
		t.Errorf("version = %q, want %q", report.Version, Version)
	}
}

func TestHandleHealth_MetricsRouteServed(t *testing.T) {
	svc := New(":0", Deps{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
