package inference

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type channelMetrics struct {
	transcriptions metric.Int64Counter
	latency        metric.Float64Histogram
}

func newChannelMetrics(meter metric.Meter, c *Channel) (*channelMetrics, error) {
	counter, err := meter.Int64Counter("dictate.inference.transcriptions", metric.WithDescription("Transcriptions settled by the inference worker"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("dictate.inference.latency_ms", metric.WithDescription("Time from request to worker answer"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("dictate.inference.state", metric.WithDescription("Channel state: 0 unloaded, 1 loading, 2 ready, 3 error"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(c.State()))
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return &channelMetrics{transcriptions: counter, latency: latency}, nil
}

func (m *channelMetrics) recordTranscription(call *transcribeCall, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.transcriptions.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(time.Since(call.started).Microseconds())/1000, attrs)
}
