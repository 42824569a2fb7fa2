// Package metrics holds the Prometheus collectors of the capture server.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/smtp-capture-lite/internal/email"
)

var (
	Sessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpcapture_sessions_total",
			Help: "Accepted SMTP connections.",
		},
	)
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpcapture_sessions_active",
			Help: "SMTP sessions currently open.",
		},
	)
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpcapture_commands_total",
			Help: "SMTP commands handled, by verb and reply code.",
		},
		[]string{
			"verb",
			"code",
		},
	)
	Transactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpcapture_transactions_total",
			Help: "Completed DATA phases. Result values: captured, filtered, toolarge, aborted.",
		},
		[]string{
			"result",
		},
	)
	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpcapture_auth_failures_total",
			Help: "Failed AUTH exchanges.",
		},
	)
	MaterializeFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpcapture_materialize_fallbacks_total",
			Help: "Messages that could not be decomposed and were stored as raw text.",
		},
	)
	ListenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpcapture_listener_failures_total",
			Help: "Errors returned by message listeners.",
		},
		[]string{
			"listener",
		},
	)
	StoredEmails = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpcapture_stored_emails",
			Help: "Emails currently held by the in-memory store.",
		},
	)

	messageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smtpcapture_message_size_bytes",
			Help:    "Size of captured messages in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
	)
	messageParts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpcapture_message_parts_total",
			Help: "Decomposed parts of captured messages. Kind values: content, attachment, inlineimage.",
		},
		[]string{
			"kind",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Listener records the shape of every captured message.
type Listener struct{}

// NewListener creates a metrics Listener.
func NewListener() *Listener {
	return &Listener{}
}

// OnMessageReceived observes size and part counts of msg.
func (l *Listener) OnMessageReceived(_ context.Context, msg *email.Email) error {
	messageSize.Observe(float64(len(msg.RawData)))
	messageParts.WithLabelValues("content").Add(float64(len(msg.Contents)))
	messageParts.WithLabelValues("attachment").Add(float64(len(msg.Attachments)))
	messageParts.WithLabelValues("inlineimage").Add(float64(len(msg.InlineImages)))
	return nil
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return "metrics"
}
