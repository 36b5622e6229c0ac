// Package metrics exposes ingestion observability: a narrow interface
// components call through, with a concrete Prometheus-backed
// implementation underneath.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the narrow interface every ingestion component reports through.
// Tests can substitute a no-op or recording implementation without pulling
// in Prometheus.
type Sink interface {
	MessagesIngested(topicID string, n int)
	ReconnectAttempt(topicID string)
	BackfillPage(topicID string)
	ProjectionError(topicID string)
	SetCursorSequence(topicID string, seq int64)
}

// Prometheus is the default Sink, registering its collectors on the given
// registerer (pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests).
type Prometheus struct {
	messages     *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	backfillPage *prometheus.CounterVec
	projErrors   *prometheus.CounterVec
	cursorSeq    *prometheus.GaugeVec
}

// NewPrometheus builds and registers the ingestion metric collectors.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcs_messages_ingested_total",
			Help: "Messages durably materialized per topic.",
		}, []string{"topic"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcs_reconnect_attempts_total",
			Help: "Reconnect attempts per topic since process start.",
		}, []string{"topic"}),
		backfillPage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcs_backfill_pages_total",
			Help: "Historical REST pages fetched per topic.",
		}, []string{"topic"}),
		projErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcs_projection_errors_total",
			Help: "Projection write failures per topic.",
		}, []string{"topic"}),
		cursorSeq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hcs_cursor_sequence_number",
			Help: "Last durably materialized sequence number per topic.",
		}, []string{"topic"}),
	}
	reg.MustRegister(p.messages, p.reconnects, p.backfillPage, p.projErrors, p.cursorSeq)
	return p
}

func (p *Prometheus) MessagesIngested(topicID string, n int) {
	p.messages.WithLabelValues(topicID).Add(float64(n))
}

func (p *Prometheus) ReconnectAttempt(topicID string) {
	p.reconnects.WithLabelValues(topicID).Inc()
}

func (p *Prometheus) BackfillPage(topicID string) {
	p.backfillPage.WithLabelValues(topicID).Inc()
}

func (p *Prometheus) ProjectionError(topicID string) {
	p.projErrors.WithLabelValues(topicID).Inc()
}

func (p *Prometheus) SetCursorSequence(topicID string, seq int64) {
	p.cursorSeq.WithLabelValues(topicID).Set(float64(seq))
}

// Noop discards everything; useful as the default in tests.
type Noop struct{}

func (Noop) MessagesIngested(string, int)     {}
func (Noop) ReconnectAttempt(string)          {}
func (Noop) BackfillPage(string)              {}
func (Noop) ProjectionError(string)           {}
func (Noop) SetCursorSequence(string, int64)  {}
