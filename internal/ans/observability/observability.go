// Package observability implements the "Observability collaborator"
// an abstract audit sink the core depends on only through
// its interface, plus a small operational-counter registry.
package observability

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a single audit record. Kind is one of: registered, renewed,
// revoked, resolved, ocsp_fallback, signature_failure, http_request.
type Event struct {
	Kind      string
	RequestID string
	Subject   string
	Detail    string
	At        time.Time
}

// AuditSink receives audit events. The core depends only on this
// interface, never on a concrete transport.
type AuditSink interface {
	Record(evt Event)
}

// NoopAuditSink discards every event; useful as a default in tests and
// components constructed without an explicit sink.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(Event) {}

// SlogAuditSink logs each event as structured output through an
// *slog.Logger, backed in production by a samber/slog-multi
// fan-out handler.
type SlogAuditSink struct {
	Logger *slog.Logger
}

// NewSlogAuditSink wraps logger (the default logger when nil).
func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlogAuditSink{Logger: logger}
}

func (s *SlogAuditSink) Record(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	s.Logger.Info("audit",
		slog.String("kind", evt.Kind),
		slog.String("request_id", evt.RequestID),
		slog.String("subject", evt.Subject),
		slog.String("detail", evt.Detail),
		slog.Time("at", evt.At),
	)
}

// MultiAuditSink fans an event out to every sink in order.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(evt Event) {
	for _, sink := range m {
		sink.Record(evt)
	}
}

// MetricsRegistry is a small, process-wide counter/gauge registry for
// operational counts, independent of the audit trail.
type MetricsRegistry struct {
	mu      sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

func (r *MetricsRegistry) IncrementCounter(name string) { r.AddToCounter(name, 1) }

func (r *MetricsRegistry) AddToCounter(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[name] += delta
}

func (r *MetricsRegistry) GetCounter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counters[name]
}

func (r *MetricsRegistry) SetGauge(name string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[name] = value
}

func (r *MetricsRegistry) IncrementGauge(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[name]++
}

func (r *MetricsRegistry) DecrementGauge(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[name]--
}

func (r *MetricsRegistry) GetGauge(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.gauges[name]
}
