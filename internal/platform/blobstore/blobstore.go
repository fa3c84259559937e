// Package blobstore stores occurrence attachments and snapshot documents.
// It defines the Store interface with in-memory and filesystem backends, a
// Bucket that pairs a Store with signed download URLs, and the Echo handler
// that serves those URLs.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrFileTooLarge   = errors.New("file exceeds maximum allowed size")
	ErrInvalidPath    = errors.New("invalid object path")
)

// MaxObjectSize is the largest object accepted by any backend (100 MB).
const MaxObjectSize = 100 * 1024 * 1024

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Object is a stored object with its content type.
type Object struct {
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
	Data        []byte    `json:"-"`
}

// Store is a flat key/value object backend. Paths use forward slashes.
type Store interface {
	Put(ctx context.Context, p string, data []byte, contentType string) error
	Get(ctx context.Context, p string) (*Object, error)
	Delete(ctx context.Context, p string) error
}

// cleanPath rejects absolute paths and parent references.
func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", ErrInvalidPath
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", ErrInvalidPath
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// InMemoryStore is a thread-safe Store for tests and development.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string]*Object)}
}

func (s *InMemoryStore) Put(_ context.Context, p string, data []byte, contentType string) error {
	key, err := cleanPath(p)
	if err != nil {
		return err
	}
	if int64(len(data)) > MaxObjectSize {
		return ErrFileTooLarge
	}
	obj := &Object{
		Path:        key,
		ContentType: contentType,
		Size:        int64(len(data)),
		StoredAt:    time.Now().UTC(),
		Data:        append([]byte(nil), data...),
	}
	s.mu.Lock()
	s.objects[key] = obj
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, p string) (*Object, error) {
	key, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := *obj // copy
	out.Data = append([]byte(nil), obj.Data...)
	return &out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, p string) error {
	key, err := cleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}

// ---------------------------------------------------------------------------
// Filesystem implementation
// ---------------------------------------------------------------------------

// DiskStore keeps objects under a root directory. The content type is kept
// in a sidecar file next to each object.
type DiskStore struct {
	root string
}

const metaSuffix = ".meta.json"

type diskMeta struct {
	ContentType string    `json:"content_type"`
	StoredAt    time.Time `json:"stored_at"`
}

// NewDiskStore creates root when missing.
func NewDiskStore(root string) (*DiskStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("object store directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store directory: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) file(p string) (string, error) {
	key, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(key, metaSuffix) {
		return "", ErrInvalidPath
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *DiskStore) Put(_ context.Context, p string, data []byte, contentType string) error {
	name, err := s.file(p)
	if err != nil {
		return err
	}
	if int64(len(data)) > MaxObjectSize {
		return ErrFileTooLarge
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	meta, err := json.Marshal(diskMeta{ContentType: contentType, StoredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.WriteFile(name+metaSuffix, meta, 0o644); err != nil {
		return fmt.Errorf("write object metadata: %w", err)
	}
	return nil
}

func (s *DiskStore) Get(_ context.Context, p string) (*Object, error) {
	name, err := s.file(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	obj := &Object{Path: p, Size: int64(len(data)), Data: data, ContentType: "application/octet-stream"}
	if raw, err := os.ReadFile(name + metaSuffix); err == nil {
		var meta diskMeta
		if json.Unmarshal(raw, &meta) == nil {
			if meta.ContentType != "" {
				obj.ContentType = meta.ContentType
			}
			obj.StoredAt = meta.StoredAt
		}
	}
	return obj, nil
}

func (s *DiskStore) Delete(_ context.Context, p string) error {
	name, err := s.file(p)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("delete object: %w", err)
	}
	_ = os.Remove(name + metaSuffix)
	return nil
}

// ---------------------------------------------------------------------------
// Bucket
// ---------------------------------------------------------------------------

// Bucket is a Store whose objects are read back through signed URLs.
type Bucket struct {
	Store
	signer *Signer
}

func NewBucket(store Store, signer *Signer) *Bucket {
	return &Bucket{Store: store, signer: signer}
}

// CreateSignedURL returns a time-limited download URL for p. The object must
// exist.
func (b *Bucket) CreateSignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	if _, err := b.Store.Get(ctx, p); err != nil {
		return "", err
	}
	return b.signer.Sign(p, ttl)
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// Handler serves signed download URLs. Its routes carry no session auth: the
// token in the URL is the credential.
type Handler struct {
	store  Store
	signer *Signer
}

func NewHandler(store Store, signer *Signer) *Handler {
	return &Handler{store: store, signer: signer}
}

// RegisterRoutes mounts GET /files/* on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/files/*", h.Download)
}

// Download handles GET /files/<path>?token=...
func (h *Handler) Download(c echo.Context) error {
	p := c.Param("*")
	if err := h.signer.Verify(c.QueryParam("token"), p); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "invalid or expired download link")
	}

	obj, err := h.store.Get(c.Request().Context(), p)
	if err != nil {
		switch {
		case errors.Is(err, ErrObjectNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		case errors.Is(err, ErrInvalidPath):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read file")
		}
	}

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, path.Base(obj.Path)))
	c.Response().Header().Set("Cache-Control", "private, no-store")
	return c.Stream(http.StatusOK, obj.ContentType, io.NopCloser(bytes.NewReader(obj.Data)))
}
