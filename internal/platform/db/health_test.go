package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestLivenessHandler(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := LivenessHandler("consult-server", time.Now().Add(-90*time.Second))
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
	if body["service"] != "consult-server" {
		t.Errorf("expected service consult-server, got %q", body["service"])
	}
	if body["uptime"] == "" {
		t.Error("expected uptime to be reported")
	}
}

func TestReadyHandler(t *testing.T) {
	ok := Check{Name: "database", Ping: func(context.Context) error { return nil }}
	down := Check{Name: "bus", Ping: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name   string
		checks []Check
		code   int
		status string
	}{
		{"all pass", []Check{ok}, http.StatusOK, "ready"},
		{"one fails", []Check{ok, down}, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/health/ready", nil), rec)
			if err := ReadyHandler(tt.checks...)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("expected status %q, got %q", tt.status, body.Status)
			}
			if body.Checks["database"] != "ok" {
				t.Errorf("expected database ok, got %q", body.Checks["database"])
			}
			if len(tt.checks) == 2 && body.Checks["bus"] != "connection refused" {
				t.Errorf("expected the failing check to carry its error, got %q", body.Checks["bus"])
			}
		})
	}
}
