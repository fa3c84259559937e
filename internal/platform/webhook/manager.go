// Package webhook delivers occurrence events to registered HTTP endpoints.
// Bodies are signed with HMAC-SHA256, every attempt is kept in a delivery
// log, and an Echo handler exposes endpoint administration.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radiologia/ocorrencias/pkg/pagination"
)

var (
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Endpoint is a registered destination. An empty TenantID receives events
// of every tenant.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery records one attempt to deliver an event to an endpoint.
type Delivery struct {
	ID           string          `json:"id"`
	EndpointID   string          `json:"endpoint_id"`
	EventType    string          `json:"event_type"`
	ResourceID   string          `json:"resource_id"`
	TenantID     string          `json:"tenant_id"`
	Payload      json.RawMessage `json:"payload"`
	StatusCode   int             `json:"status_code"`
	ResponseBody string          `json:"response_body,omitempty"`
	Duration     time.Duration   `json:"duration_ns"`
	Attempt      int             `json:"attempt"`
	Status       string          `json:"status"` // "success", "failed"
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store persists endpoints and the delivery log.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID string) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, endpointID string) ([]*Delivery, error)
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
}

// InMemoryStore is a thread-safe Store. Endpoints configured at startup are
// registered again on every boot, so nothing needs to survive a restart.
type InMemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[string]*Endpoint
	deliveries    map[string]*Delivery
	endpointOrder []string
	deliveryOrder []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string]*Delivery),
	}
}

func (s *InMemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
	s.endpointOrder = append(s.endpointOrder, ep.ID)
	return nil
}

func (s *InMemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	c := *ep
	return &c, nil
}

// ListEndpoints returns the endpoints that receive events of tenantID. An
// empty tenantID lists every endpoint.
func (s *InMemoryStore) ListEndpoints(_ context.Context, tenantID string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Endpoint{}
	for _, id := range s.endpointOrder {
		ep := s.endpoints[id]
		if tenantID == "" || ep.TenantID == "" || ep.TenantID == tenantID {
			c := *ep
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return ErrEndpointNotFound
	}
	c := *ep
	s.endpoints[ep.ID] = &c
	return nil
}

func (s *InMemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	for i, eid := range s.endpointOrder {
		if eid == id {
			s.endpointOrder = append(s.endpointOrder[:i], s.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		s.deliveryOrder = append(s.deliveryOrder, d.ID)
	}
	s.deliveries[d.ID] = d
	return nil
}

// ListDeliveries returns the attempts for endpointID, newest first.
func (s *InMemoryStore) ListDeliveries(_ context.Context, endpointID string) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Delivery{}
	for i := len(s.deliveryOrder) - 1; i >= 0; i-- {
		d := s.deliveries[s.deliveryOrder[i]]
		if d.EndpointID == endpointID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) { n.httpClient = c }
}

// Notifier publishes events to every matching active endpoint. A failed
// delivery is logged and recorded; it is retried only on request.
type Notifier struct {
	store      Store
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewNotifier(store Store, logger zerolog.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// RegisterEndpoint validates and stores a new endpoint. An empty secret is
// replaced by a random one; no events means every event.
func (n *Notifier) RegisterEndpoint(ctx context.Context, rawURL, secret, tenantID string, events []string) (*Endpoint, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
		secret = s
	}
	if len(events) == 0 {
		events = []string{"*"}
	}
	ep := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		TenantID:  tenantID,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	if err := n.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (n *Notifier) setStatus(ctx context.Context, id, status string) error {
	ep, err := n.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return n.store.UpdateEndpoint(ctx, ep)
}

// eventMatches reports whether pattern covers eventType. Patterns are exact
// ("ocorrencia.concluida"), a prefix ("ocorrencia.*"), a suffix
// ("*.concluida") or "*".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func endpointMatchesEvent(ep *Endpoint, eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Publish sends payload as the JSON body to every active endpoint that
// subscribes to eventType for tenantID. It returns an error when any
// delivery failed.
func (n *Notifier) Publish(ctx context.Context, eventType, resourceID, tenantID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	endpoints, err := n.store.ListEndpoints(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}

	var failed []string
	for _, ep := range endpoints {
		if ep.Status != "active" || !endpointMatchesEvent(ep, eventType) {
			continue
		}
		d := &Delivery{
			ID:         uuid.New().String(),
			EndpointID: ep.ID,
			EventType:  eventType,
			ResourceID: resourceID,
			TenantID:   tenantID,
			Payload:    body,
			Attempt:    1,
		}
		n.deliver(ctx, ep, d)
		if d.Status != "success" {
			failed = append(failed, fmt.Sprintf("%s: %s", ep.URL, d.Error))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d webhook deliveries failed: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}

// deliver signs d.Payload, POSTs it to ep and records the attempt.
func (n *Notifier) deliver(ctx context.Context, ep *Endpoint, d *Delivery) {
	sig := SignPayload(d.Payload, ep.Secret)
	d.CreatedAt = time.Now().UTC()

	defer func() {
		if err := n.store.RecordDelivery(ctx, d); err != nil {
			n.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to record webhook delivery")
		}
		if d.Status != "success" {
			n.logger.Warn().
				Str("endpoint_id", ep.ID).
				Str("event", d.EventType).
				Str("resource_id", d.ResourceID).
				Int("status_code", d.StatusCode).
				Str("error", d.Error).
				Msg("webhook delivery failed")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-Event", d.EventType)
	req.Header.Set("X-Webhook-Delivery", d.ID)
	req.Header.Set("X-Webhook-Timestamp", d.CreatedAt.Format(time.RFC3339))

	start := time.Now()
	resp, err := n.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
		return
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = "success"
	} else {
		d.Status = "failed"
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
}

// RetryDelivery sends a recorded delivery again as a new attempt.
func (n *Notifier) RetryDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	original, err := n.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := n.store.GetEndpoint(ctx, original.EndpointID)
	if err != nil {
		return nil, err
	}
	d := &Delivery{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventType:  original.EventType,
		ResourceID: original.ResourceID,
		TenantID:   original.TenantID,
		Payload:    original.Payload,
		Attempt:    original.Attempt + 1,
	}
	n.deliver(ctx, ep, d)
	return d, nil
}

// TestEndpoint sends a synthetic event to check connectivity.
func (n *Notifier) TestEndpoint(ctx context.Context, endpointID string) (*Delivery, error) {
	ep, err := n.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]any{
		"evento":    "webhook.teste",
		"id":        ep.ID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	d := &Delivery{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventType:  "webhook.teste",
		ResourceID: ep.ID,
		TenantID:   ep.TenantID,
		Payload:    body,
		Attempt:    1,
	}
	n.deliver(ctx, ep, d)
	return d, nil
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler exposes endpoint administration.
type Handler struct {
	notifier *Notifier
}

func NewHandler(notifier *Notifier) *Handler {
	return &Handler{notifier: notifier}
}

// RegisterRoutes binds the admin routes to g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.RegisterEndpoint)
	g.GET("", h.ListEndpoints)
	g.GET("/:id", h.GetEndpoint)
	g.DELETE("/:id", h.DeleteEndpoint)
	g.POST("/:id/test", h.TestEndpoint)
	g.GET("/:id/deliveries", h.ListDeliveries)
	g.POST("/:id/pause", h.PauseEndpoint)
	g.POST("/:id/resume", h.ResumeEndpoint)
	g.POST("/deliveries/:id/retry", h.RetryDelivery)
}

type registerRequest struct {
	URL      string   `json:"url"`
	Secret   string   `json:"secret"`
	TenantID string   `json:"tenant_id"`
	Events   []string `json:"events"`
}

func notFound(err error) error {
	if errors.Is(err, ErrEndpointNotFound) || errors.Is(err, ErrDeliveryNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// redacted hides the secret outside the registration response.
func redacted(ep *Endpoint) *Endpoint {
	c := *ep
	c.Secret = ""
	return &c
}

// RegisterEndpoint handles POST /webhooks.
func (h *Handler) RegisterEndpoint(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.notifier.RegisterEndpoint(c.Request().Context(), req.URL, req.Secret, req.TenantID, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

// ListEndpoints handles GET /webhooks.
func (h *Handler) ListEndpoints(c echo.Context) error {
	eps, err := h.notifier.store.ListEndpoints(c.Request().Context(), c.QueryParam("tenant_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pg := pagination.FromContext(c)
	page := pagination.Page(eps, pg)
	out := make([]*Endpoint, 0, len(page))
	for _, ep := range page {
		out = append(out, redacted(ep))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, len(eps), pg.Limit, pg.Offset))
}

// GetEndpoint handles GET /webhooks/:id.
func (h *Handler) GetEndpoint(c echo.Context) error {
	ep, err := h.notifier.store.GetEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, redacted(ep))
}

// DeleteEndpoint handles DELETE /webhooks/:id.
func (h *Handler) DeleteEndpoint(c echo.Context) error {
	if err := h.notifier.store.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return notFound(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// TestEndpoint handles POST /webhooks/:id/test.
func (h *Handler) TestEndpoint(c echo.Context) error {
	d, err := h.notifier.TestEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, d)
}

// ListDeliveries handles GET /webhooks/:id/deliveries.
func (h *Handler) ListDeliveries(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.notifier.store.GetEndpoint(ctx, id); err != nil {
		return notFound(err)
	}
	logs, err := h.notifier.store.ListDeliveries(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(logs, pg), len(logs), pg.Limit, pg.Offset))
}

// PauseEndpoint handles POST /webhooks/:id/pause.
func (h *Handler) PauseEndpoint(c echo.Context) error {
	if err := h.notifier.setStatus(c.Request().Context(), c.Param("id"), "paused"); err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeEndpoint handles POST /webhooks/:id/resume.
func (h *Handler) ResumeEndpoint(c echo.Context) error {
	if err := h.notifier.setStatus(c.Request().Context(), c.Param("id"), "active"); err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "active"})
}

// RetryDelivery handles POST /webhooks/deliveries/:id/retry.
func (h *Handler) RetryDelivery(c echo.Context) error {
	d, err := h.notifier.RetryDelivery(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, d)
}
