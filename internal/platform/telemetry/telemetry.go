// Package telemetry keeps in-process HTTP and event metrics for the
// occurrence service and serves them in the Prometheus text exposition
// format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Config holds the telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram. Bucket counts are stored
// non-cumulative; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// above every boundary: only the +Inf bucket sees it
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// LabelsKey joins label values into a store key.
func LabelsKey(values ...string) string {
	return strings.Join(values, "|")
}

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func (s *histogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// durationBuckets are HTTP request duration boundaries in seconds.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Provider owns all metric state for the process.
type Provider struct {
	cfg Config

	durations *histogramStore // method|route|status
	requests  *counterStore   // method|route|status
	events    *counterStore   // event|result
	active    int64
}

func NewProvider(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ocorrencias"
	}
	return &Provider{
		cfg:       cfg,
		durations: &histogramStore{items: make(map[string]*histogram)},
		requests:  &counterStore{items: make(map[string]*int64)},
		events:    &counterStore{items: make(map[string]*int64)},
	}
}

// Resource returns the attributes identifying this process.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

// ActiveRequests returns the number of requests currently in flight.
func (p *Provider) ActiveRequests() int64 {
	return atomic.LoadInt64(&p.active)
}

// RequestCount returns how many requests matched the given labels.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	return p.requests.get(LabelsKey(method, route, strconv.Itoa(status)))
}

// RequestDuration returns the latency histogram count and sum for the labels.
func (p *Provider) RequestDuration(method, route string, status int) (int64, float64) {
	h := p.durations.get(LabelsKey(method, route, strconv.Itoa(status)))
	if h == nil {
		return 0, 0
	}
	return h.Count(), h.Sum()
}

// EventCount returns how many publishes of eventType ended with result.
func (p *Provider) EventCount(eventType, result string) int64 {
	return p.events.get(LabelsKey(eventType, result))
}

// ---------------------------------------------------------------------------
// HTTP middleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request count, latency and in-flight requests
// labeled by method, route template and status.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.Enabled {
				return next(c)
			}

			atomic.AddInt64(&p.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&p.active, -1)
			elapsed := time.Since(start).Seconds()

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}

			key := LabelsKey(c.Request().Method, route, strconv.Itoa(status))
			p.requests.add(key, 1)
			p.durations.getOrCreate(key, durationBuckets).Observe(elapsed)
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Event instrumentation
// ---------------------------------------------------------------------------

// Publisher matches the outbound event notifier.
type Publisher interface {
	Publish(ctx context.Context, eventType, resourceID, tenantID string, payload map[string]any) error
}

type countingPublisher struct {
	next Publisher
	p    *Provider
}

// InstrumentPublisher wraps next so every publish is counted by event type
// and result.
func (p *Provider) InstrumentPublisher(next Publisher) Publisher {
	return &countingPublisher{next: next, p: p}
}

func (c *countingPublisher) Publish(ctx context.Context, eventType, resourceID, tenantID string, payload map[string]any) error {
	err := c.next.Publish(ctx, eventType, resourceID, tenantID, payload)
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	c.p.events.add(LabelsKey(eventType, result), 1)
	return err
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves every metric in the text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP ocorrencias_build_info Build information.\n")
		b.WriteString("# TYPE ocorrencias_build_info gauge\n")
		fmt.Fprintf(&b, "ocorrencias_build_info{service=%q,version=%q,environment=%q} 1\n\n",
			p.cfg.ServiceName, p.cfg.ServiceVersion, p.cfg.Environment)

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.ActiveRequests())

		b.WriteString("# HELP http_server_requests_total HTTP requests by method, route and status.\n")
		b.WriteString("# TYPE http_server_requests_total counter\n")
		requests := p.requests.snapshot()
		for _, key := range sortedKeys(requests) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			fmt.Fprintf(&b, "http_server_requests_total{method=%q,route=%q,status_code=%q} %d\n",
				parts[0], parts[1], parts[2], requests[key])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		durations := p.durations.snapshot()
		for _, key := range sortedKeys(durations) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, durations[key])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP ocorrencias_events_total Outbound occurrence events by type and result.\n")
		b.WriteString("# TYPE ocorrencias_events_total counter\n")
		events := p.events.snapshot()
		for _, key := range sortedKeys(events) {
			parts := strings.SplitN(key, "|", 2)
			if len(parts) != 2 {
				continue
			}
			fmt.Fprintf(&b, "ocorrencias_events_total{event=%q,result=%q} %d\n", parts[0], parts[1], events[key])
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
