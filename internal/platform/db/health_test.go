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
	"github.com/rs/zerolog"
)

type healthBody struct {
	Status string     `json:"status"`
	Error  string     `json:"error"`
	Pool   *PoolStats `json:"pool"`
}

func callHealth(t *testing.T, h echo.HandlerFunc) (int, healthBody) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	h := healthHandler(
		func(context.Context) error { return nil },
		func() *PoolStats { return &PoolStats{Driver: "postgres", TotalConns: 3, Healthy: true} },
	)

	code, body := callHealth(t, h)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Status != "healthy" || body.Pool == nil || body.Pool.TotalConns != 3 {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestHealthHandler_PingFailure(t *testing.T) {
	h := healthHandler(
		func(context.Context) error { return errors.New("connection refused") },
		func() *PoolStats { return &PoolStats{Driver: "postgres", Healthy: true} },
	)

	code, body := callHealth(t, h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if body.Status != "unhealthy" || body.Error != "connection refused" {
		t.Errorf("unexpected body %+v", body)
	}
	if body.Pool.Healthy {
		t.Error("pool must be reported unhealthy when ping fails")
	}
}

func TestHealthHandler_PingHasDeadline(t *testing.T) {
	h := healthHandler(
		func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			return nil
		},
		func() *PoolStats { return &PoolStats{} },
	)
	if code, body := callHealth(t, h); code != http.StatusOK {
		t.Errorf("expected ping with deadline, got %d %+v", code, body)
	}
}

func TestSQLiteHealthHandler(t *testing.T) {
	gdb, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "health.sqlite"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	code, body := callHealth(t, SQLiteHealthHandler(gdb))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", code, body.Error)
	}
	if body.Pool == nil || body.Pool.Driver != "sqlite" {
		t.Errorf("expected sqlite stats, got %+v", body.Pool)
	}

	_ = sqlDB.Close()
	if code, _ := callHealth(t, SQLiteHealthHandler(gdb)); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after close, got %d", code)
	}
}
