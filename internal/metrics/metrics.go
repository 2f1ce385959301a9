// Package metrics implements Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
)

// Decode failure reasons used as label values.
const (
	ReasonIncomplete = "incomplete"
	ReasonMalformed  = "malformed"
	ReasonOther      = "other"
)

// Metrics holds the collectors of one chain process. Collectors are
// registered on the Registerer passed to New so tests can use a private
// registry.
type Metrics struct {
	// RecordsTotal counts records handed out by each instrumented stage
	RecordsTotal *prometheus.CounterVec

	// ClassificationsTotal counts classifier results by kind
	ClassificationsTotal *prometheus.CounterVec

	// DecodeFailuresTotal counts parser failures recovered by the classifier
	DecodeFailuresTotal *prometheus.CounterVec

	// PayloadBytes tracks the size of classified payloads
	PayloadBytes prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chains_records_total",
				Help: "Total number of records produced per stage",
			},
			[]string{"stage"},
		),
		ClassificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chains_classifications_total",
				Help: "Total number of TCP records classified, by result kind",
			},
			[]string{"kind"},
		),
		DecodeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chains_decode_failures_total",
				Help: "Total number of payload decode failures, by parser and reason",
			},
			[]string{"parser", "reason"},
		),
		PayloadBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chains_classified_payload_bytes",
				Help:    "Size of classified TCP payloads in bytes",
				Buckets: prometheus.ExponentialBuckets(16, 4, 8), // 16B to 256KiB
			},
		),
	}
}

// Classified implements classifier.Observer.
func (m *Metrics) Classified(rec *core.FlowRecord, c core.Classification) {
	m.ClassificationsTotal.WithLabelValues(c.Kind().String()).Inc()
	m.PayloadBytes.Observe(float64(len(rec.Payload)))
}

// DecodeFailed implements classifier.Observer.
func (m *Metrics) DecodeFailed(parser string, err error) {
	m.DecodeFailuresTotal.WithLabelValues(parser, failureReason(err)).Inc()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrDecodeIncomplete):
		return ReasonIncomplete
	case errors.Is(err, core.ErrDecodeMalformed):
		return ReasonMalformed
	default:
		return ReasonOther
	}
}

// Instrument wraps p so that every record it yields is counted under
// stage.
func (m *Metrics) Instrument(stage string, p chain.Producer) chain.Producer {
	return &countingProducer{
		upstream: p,
		counter:  m.RecordsTotal.WithLabelValues(stage),
	}
}

type countingProducer struct {
	upstream chain.Producer
	counter  prometheus.Counter
}

func (c *countingProducer) Next() (*core.FlowRecord, error) {
	rec, err := c.upstream.Next()
	if err == nil {
		c.counter.Inc()
	}
	return rec, err
}
