package historycache

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	addResultInserted        = "inserted"
	addResultDuplicate       = "duplicate"
	addResultInvalid         = "invalid"
	addResultEvictedOnInsert = "evicted_on_insert"

	backfillResultSkipped     = "skipped"
	backfillResultFetched     = "fetched"
	backfillResultFailed      = "failed"
	backfillResultUnavailable = "unavailable"
)

// metrics owns the module collectors. A nil *metrics records nothing.
type metrics struct {
	adds          *prometheus.CounterVec
	evictions     prometheus.Counter
	swept         prometheus.Counter
	backfills     *prometheus.CounterVec
	conversations prometheus.GaugeFunc
}

func newMetrics(cache *Cache) *metrics {
	return &metrics{
		adds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otogi",
			Subsystem: "history_cache",
			Name:      "adds_total",
			Help:      "Records offered to the history cache, by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otogi",
			Subsystem: "history_cache",
			Name:      "evictions_total",
			Help:      "Records evicted from full conversation buckets.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otogi",
			Subsystem: "history_cache",
			Name:      "swept_conversations_total",
			Help:      "Conversation buckets removed by the staleness sweeper.",
		}),
		backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otogi",
			Subsystem: "history_cache",
			Name:      "backfills_total",
			Help:      "History requests by backfill outcome.",
		}, []string{"result"}),
		conversations: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "otogi",
			Subsystem: "history_cache",
			Name:      "conversations",
			Help:      "Conversation buckets currently cached.",
		}, func() float64 {
			return float64(cache.Len())
		}),
	}
}

func (m *metrics) register(registerer prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{m.adds, m.evictions, m.swept, m.backfills, m.conversations} {
		if err := registerer.Register(collector); err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}
			return fmt.Errorf("register history cache metrics: %w", err)
		}
	}

	return nil
}

func (m *metrics) observeAdd(result string) {
	if m == nil {
		return
	}
	m.adds.WithLabelValues(result).Inc()
}

func (m *metrics) observeEvictions(count int) {
	if m == nil || count == 0 {
		return
	}
	m.evictions.Add(float64(count))
}

func (m *metrics) observeSwept(count int) {
	if m == nil || count == 0 {
		return
	}
	m.swept.Add(float64(count))
}

func (m *metrics) observeBackfill(result string) {
	if m == nil {
		return
	}
	m.backfills.WithLabelValues(result).Inc()
}
