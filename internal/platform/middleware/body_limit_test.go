package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

const attachmentPath = "/api/v1/occurrences/ocorrencias_enfermagem/abc/attachments"

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},        // default
		{"invalid", 1 << 20}, // default on error
		{"-5", 1 << 20},
	}

	for _, tt := range tests {
		got := parseLimit(tt.input)
		if got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	e := echo.New()
	body := strings.NewReader(`{"tipo_triagem":["atraso"]}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/occurrences/ocorrencias_enfermagem/abc/triage", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if len(b) == 0 {
			t.Error("expected non-empty body")
		}
		called = true
		return c.String(http.StatusOK, "ok")
	}

	if err := BodyLimit("1M", 10<<20)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimit_RejectsOversizedBody_ContentLength(t *testing.T) {
	e := echo.New()
	largeBody := bytes.Repeat([]byte("x"), 2048)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/occurrences/intake/ocorrencias_pacientes", bytes.NewReader(largeBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		t.Error("handler should not be called when body exceeds limit")
		return c.String(http.StatusCreated, "created")
	}

	if err := BodyLimit("1K", 10<<20)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !strings.Contains(body["message"], "1024") {
		t.Errorf("expected limit in message, got %q", body["message"])
	}
}

func TestBodyLimit_UsesUploadLimitForAttachments(t *testing.T) {
	e := echo.New()
	payload := bytes.Repeat([]byte("x"), 4096)
	req := httptest.NewRequest(http.MethodPost, attachmentPath, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.String(http.StatusCreated, "ok")
	}

	if err := BodyLimit("1K", 8<<10)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected upload within the upload limit to pass")
	}
}

func TestBodyLimit_RejectsUploadOverLimit(t *testing.T) {
	e := echo.New()
	payload := bytes.Repeat([]byte("x"), multipartOverhead+2048)
	req := httptest.NewRequest(http.MethodPost, attachmentPath, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		t.Error("handler should not be called when upload exceeds limit")
		return nil
	}

	if err := BodyLimit("512", 1024)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}

func TestBodyLimit_SkipsNilBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/occurrences", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}

	if err := BodyLimit("1M", 10<<20)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called for GET with no body")
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	e := echo.New()
	largeBody := bytes.Repeat([]byte("a"), 1024)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/occurrences/intake/ocorrencias_pacientes", bytes.NewReader(largeBody))
	req.ContentLength = -1 // unknown length
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	}

	err := BodyLimit("512", 10<<20)(handler)(c)
	if err == nil {
		t.Fatal("expected error when reading body exceeds limit")
	}

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", httpErr.Code)
	}
}

func TestIsAttachmentUpload(t *testing.T) {
	e := echo.New()
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, attachmentPath, true},
		{http.MethodPost, attachmentPath + "/", true},
		{http.MethodGet, attachmentPath, false},
		{http.MethodPost, "/api/v1/occurrences/intake/ocorrencias_pacientes", false},
	}
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(tt.method, tt.path, nil), httptest.NewRecorder())
		if got := IsAttachmentUpload(c); got != tt.want {
			t.Errorf("IsAttachmentUpload(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}
