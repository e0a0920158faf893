package typing

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	pingResultSent   = "sent"
	pingResultFailed = "failed"
)

type metrics struct {
	pings  *prometheus.CounterVec
	loops  prometheus.GaugeFunc
	leases prometheus.GaugeFunc
}

func newMetrics(coordinator *Coordinator) *metrics {
	return &metrics{
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otogi",
			Subsystem: "typing",
			Name:      "pings_total",
			Help:      "Typing indicator pings, by result.",
		}, []string{"result"}),
		loops: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "otogi",
			Subsystem: "typing",
			Name:      "active_loops",
			Help:      "Conversations with a running keep-alive loop.",
		}, func() float64 {
			loops, _ := coordinator.activeCounts()
			return float64(loops)
		}),
		leases: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "otogi",
			Subsystem: "typing",
			Name:      "leases",
			Help:      "Typing leases currently held.",
		}, func() float64 {
			_, leases := coordinator.activeCounts()
			return float64(leases)
		}),
	}
}

func (m *metrics) register(registerer prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{m.pings, m.loops, m.leases} {
		if err := registerer.Register(collector); err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}
			return fmt.Errorf("register typing metrics: %w", err)
		}
	}

	return nil
}

func (m *metrics) observePing(result string) {
	m.pings.WithLabelValues(result).Inc()
}
