// Package reporting turns frozen occurrence snapshots into stored documents.
// PDFClient asks an external renderer for a PDF; DocumentWriter keeps a JSON
// rendition in the object store when no renderer is configured.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrRenderer is returned when the renderer answers with a non-2xx status.
var ErrRenderer = errors.New("pdf renderer rejected the request")

// ObjectWriter stores a document and hands back a URL to read it.
type ObjectWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	CreateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// ---------------------------------------------------------------------------
// PDF renderer client
// ---------------------------------------------------------------------------

type renderRequest struct {
	Key      string `json:"key"`
	Template string `json:"template"`
	Data     any    `json:"data"`
}

type renderResponse struct {
	URL string `json:"url"`
}

// ClientOption configures a PDFClient.
type ClientOption func(*PDFClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(p *PDFClient) { p.httpClient = c }
}

// WithTemplate selects the renderer template.
func WithTemplate(name string) ClientOption {
	return func(p *PDFClient) { p.template = name }
}

// PDFClient posts snapshots to the renderer at baseURL + "/render". The
// renderer stores the PDF and answers with its URL.
type PDFClient struct {
	baseURL    string
	template   string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewPDFClient(baseURL string, logger zerolog.Logger, opts ...ClientOption) *PDFClient {
	c := &PDFClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		template:   "ocorrencia",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GenerateSnapshot renders snapshot under key and returns the stored URL.
func (c *PDFClient) GenerateSnapshot(ctx context.Context, key string, snapshot any) (string, error) {
	body, err := json.Marshal(renderRequest{Key: key, Template: c.template, Data: snapshot})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call pdf renderer: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrRenderer, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out renderResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.URL == "" {
		return "", fmt.Errorf("%w: response without url", ErrRenderer)
	}

	c.logger.Debug().
		Str("key", key).
		Dur("duration", time.Since(start)).
		Msg("snapshot rendered")
	return out.URL, nil
}

// ---------------------------------------------------------------------------
// Object store fallback
// ---------------------------------------------------------------------------

// DocumentWriter stores the snapshot as indented JSON at
// "snapshots/<key>.json" and returns a signed URL to it.
type DocumentWriter struct {
	objects ObjectWriter
	ttl     time.Duration
}

func NewDocumentWriter(objects ObjectWriter, ttl time.Duration) *DocumentWriter {
	return &DocumentWriter{objects: objects, ttl: ttl}
}

func (w *DocumentWriter) GenerateSnapshot(ctx context.Context, key string, snapshot any) (string, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	path := "snapshots/" + key + ".json"
	if err := w.objects.Put(ctx, path, data, "application/json"); err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	return w.objects.CreateSignedURL(ctx, path, w.ttl)
}
