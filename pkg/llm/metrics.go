package llm

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"otogi-agent/pkg/otogi"
)

type providerMetrics struct {
	requests *prometheus.CounterVec
	streams  *prometheus.HistogramVec
}

func registerProviderMetrics(registerer prometheus.Registerer) (*providerMetrics, error) {
	metrics := &providerMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otogi",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Generation requests, by provider key and result.",
		}, []string{"provider", "result"}),
		streams: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "otogi",
			Subsystem: "llm",
			Name:      "stream_duration_seconds",
			Help:      "Time from request to stream close, by provider key.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
	}
	for _, collector := range []prometheus.Collector{metrics.requests, metrics.streams} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return metrics, nil
}

func (m *providerMetrics) wrap(key string, provider otogi.LLMProvider) otogi.LLMProvider {
	return &instrumentedProvider{key: key, next: provider, metrics: m}
}

type instrumentedProvider struct {
	key     string
	next    otogi.LLMProvider
	metrics *providerMetrics
}

func (p *instrumentedProvider) GenerateStream(ctx context.Context, req otogi.LLMGenerateRequest) (otogi.LLMStream, error) {
	started := time.Now()
	stream, err := p.next.GenerateStream(ctx, req)
	if err != nil {
		p.metrics.requests.WithLabelValues(p.key, "open_error").Inc()
		return nil, err
	}

	return &instrumentedStream{LLMStream: stream, provider: p, started: started}, nil
}

// instrumentedStream records one result per stream, on EOF, on the first
// error, or on Close when neither happened.
type instrumentedStream struct {
	otogi.LLMStream
	provider *instrumentedProvider
	started  time.Time
	once     sync.Once
}

func (s *instrumentedStream) Recv(ctx context.Context) (otogi.LLMGenerateChunk, error) {
	chunk, err := s.LLMStream.Recv(ctx)
	switch {
	case errors.Is(err, io.EOF):
		s.finish("ok")
	case err != nil:
		s.finish("stream_error")
	}

	return chunk, err
}

func (s *instrumentedStream) Close() error {
	s.finish("abandoned")
	return s.LLMStream.Close()
}

func (s *instrumentedStream) finish(result string) {
	s.once.Do(func() {
		s.provider.metrics.requests.WithLabelValues(s.provider.key, result).Inc()
		s.provider.metrics.streams.WithLabelValues(s.provider.key).Observe(time.Since(s.started).Seconds())
	})
}
