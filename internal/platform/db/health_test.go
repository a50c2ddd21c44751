package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestPingHandler_Healthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := PingHandler(PingFunc(func(ctx context.Context) error { return nil }), nil)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
}

func TestPingHandler_Unhealthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	stats := func() *PoolStats { return &PoolStats{Backend: "sqlite", Healthy: true} }
	h := PingHandler(PingFunc(func(ctx context.Context) error { return errors.New("disk I/O error") }), stats)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string    `json:"status"`
		Error  string    `json:"error"`
		Pool   PoolStats `json:"pool"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "unhealthy" || body.Error != "disk I/O error" {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Pool.Healthy {
		t.Error("expected pool to be marked unhealthy")
	}
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "patho.db")
	conn, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer conn.Close()

	var one int
	if err := conn.QueryRow(`SELECT 1`).Scan(&one); err != nil {
		t.Fatalf("query: %v", err)
	}
	if one != 1 {
		t.Errorf("expected 1, got %d", one)
	}
}

func TestOpenSQLite_ForeignKeysOnEveryConnection(t *testing.T) {
	conn, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "patho.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer conn.Close()
	// Without idle connections each query dials a fresh one.
	conn.SetMaxIdleConns(0)

	for i := 0; i < 3; i++ {
		var on int
		if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&on); err != nil {
			t.Fatalf("query: %v", err)
		}
		if on != 1 {
			t.Fatalf("connection %d: expected foreign_keys=1, got %d", i, on)
		}
	}
}
