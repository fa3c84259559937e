package blobstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testKey, "https://ocorrencias.test/")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	disk, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"disk":   disk,
	}
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestStore_PutGetDelete(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := "ocorrencias_enfermagem/abc/foto.png"
			if err := store.Put(ctx, p, []byte("png-bytes"), "image/png"); err != nil {
				t.Fatalf("Put: %v", err)
			}

			obj, err := store.Get(ctx, p)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(obj.Data) != "png-bytes" {
				t.Errorf("expected content, got %q", obj.Data)
			}
			if obj.ContentType != "image/png" {
				t.Errorf("expected image/png, got %s", obj.ContentType)
			}
			if obj.Size != 9 {
				t.Errorf("expected size 9, got %d", obj.Size)
			}

			if err := store.Delete(ctx, p); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, p); !errors.Is(err, ErrObjectNotFound) {
				t.Errorf("expected ErrObjectNotFound after delete, got %v", err)
			}
			if err := store.Delete(ctx, p); !errors.Is(err, ErrObjectNotFound) {
				t.Errorf("expected ErrObjectNotFound on second delete, got %v", err)
			}
		})
	}
}

func TestStore_RejectsUnsafePaths(t *testing.T) {
	bad := []string{"", "/etc/passwd", "../secret", "a/../../b", "a\\b", "."}
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range bad {
				if err := store.Put(context.Background(), p, []byte("x"), "text/plain"); !errors.Is(err, ErrInvalidPath) {
					t.Errorf("path %q: expected ErrInvalidPath, got %v", p, err)
				}
			}
		})
	}
}

func TestInMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	_ = store.Put(ctx, "a/b.txt", []byte("abc"), "text/plain")

	obj, _ := store.Get(ctx, "a/b.txt")
	obj.Data[0] = 'z'

	again, _ := store.Get(ctx, "a/b.txt")
	if string(again.Data) != "abc" {
		t.Errorf("expected stored content unchanged, got %q", again.Data)
	}
}

func TestDiskStore_RequiresRoot(t *testing.T) {
	if _, err := NewDiskStore("  "); err == nil {
		t.Error("expected error for empty root")
	}
}

func TestDiskStore_MetadataSidecarNotAddressable(t *testing.T) {
	disk, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	_ = disk.Put(context.Background(), "x/y.pdf", []byte("pdf"), "application/pdf")
	if _, err := disk.Get(context.Background(), "x/y.pdf"+metaSuffix); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for sidecar, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Signer tests
// ---------------------------------------------------------------------------

func TestNewSigner_ShortKey(t *testing.T) {
	if _, err := NewSigner([]byte("short"), "http://x"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestSigner_SignAndVerify(t *testing.T) {
	s := newTestSigner(t)
	raw, err := s.Sign("revisoes_laudo/id-1/laudo final.pdf", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !strings.HasPrefix(raw, "https://ocorrencias.test/files/revisoes_laudo/id-1/laudo%20final.pdf?token=") {
		t.Fatalf("unexpected url %s", raw)
	}

	u, _ := url.Parse(raw)
	token := u.Query().Get("token")
	if err := s.Verify(token, "revisoes_laudo/id-1/laudo final.pdf"); err != nil {
		t.Errorf("expected valid token, got %v", err)
	}
	if err := s.Verify(token, "revisoes_laudo/id-1/other.pdf"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected token bound to its path, got %v", err)
	}
}

func TestSigner_Expired(t *testing.T) {
	s := newTestSigner(t)
	issued := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issued }
	raw, _ := s.Sign("a/b.png", time.Minute)
	u, _ := url.Parse(raw)

	s.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if err := s.Verify(u.Query().Get("token"), "a/b.png"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected expired token to fail, got %v", err)
	}
}

func TestSigner_WrongKey(t *testing.T) {
	s := newTestSigner(t)
	other, _ := NewSigner([]byte("another-signing-key-of-32-bytes!"), "http://x")
	raw, _ := other.Sign("a/b.png", time.Hour)
	u, _ := url.Parse(raw)
	if err := s.Verify(u.Query().Get("token"), "a/b.png"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected foreign token to fail, got %v", err)
	}
}

func TestSigner_RejectsBadInput(t *testing.T) {
	s := newTestSigner(t)
	if _, err := s.Sign("a/b.png", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
	if _, err := s.Sign("../b.png", time.Hour); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
	if err := s.Verify("", "a/b.png"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Bucket tests
// ---------------------------------------------------------------------------

func TestBucket_CreateSignedURL(t *testing.T) {
	b := NewBucket(NewInMemoryStore(), newTestSigner(t))
	ctx := context.Background()

	if _, err := b.CreateSignedURL(ctx, "missing.png", time.Hour); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}

	_ = b.Put(ctx, "x/present.png", []byte("p"), "image/png")
	u, err := b.CreateSignedURL(ctx, "x/present.png", time.Hour)
	if err != nil {
		t.Fatalf("CreateSignedURL: %v", err)
	}
	if !strings.Contains(u, "/files/x/present.png?token=") {
		t.Errorf("unexpected url %s", u)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newDownloadServer(t *testing.T) (*echo.Echo, *Bucket) {
	t.Helper()
	signer := newTestSigner(t)
	store := NewInMemoryStore()
	e := echo.New()
	NewHandler(store, signer).RegisterRoutes(e.Group(""))
	return e, NewBucket(store, signer)
}

func TestHandler_Download(t *testing.T) {
	e, b := newDownloadServer(t)
	ctx := context.Background()
	_ = b.Put(ctx, "relatos_livres/id-9/nota.txt", []byte("conteudo"), "text/plain")

	signed, err := b.CreateSignedURL(ctx, "relatos_livres/id-9/nota.txt", time.Hour)
	if err != nil {
		t.Fatalf("CreateSignedURL: %v", err)
	}
	u, _ := url.Parse(signed)

	req := httptest.NewRequest(http.MethodGet, u.RequestURI(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "conteudo" {
		t.Errorf("expected body, got %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("expected text/plain, got %s", ct)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "nota.txt") {
		t.Errorf("expected file name in disposition, got %s", rec.Header().Get("Content-Disposition"))
	}
}

func TestHandler_DownloadInvalidToken(t *testing.T) {
	e, b := newDownloadServer(t)
	_ = b.Put(context.Background(), "a/b.txt", []byte("x"), "text/plain")

	req := httptest.NewRequest(http.MethodGet, "/files/a/b.txt?token=forged", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_DownloadDeletedObject(t *testing.T) {
	e, b := newDownloadServer(t)
	ctx := context.Background()
	_ = b.Put(ctx, "a/gone.txt", []byte("x"), "text/plain")
	signed, _ := b.CreateSignedURL(ctx, "a/gone.txt", time.Hour)
	_ = b.Delete(ctx, "a/gone.txt")

	u, _ := url.Parse(signed)
	req := httptest.NewRequest(http.MethodGet, u.RequestURI(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
