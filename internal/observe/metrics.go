// Package observe records recorder metrics through the OpenTelemetry
// Metrics API. Tests should use [NewMetrics] with their own
// [metric.MeterProvider]; [DefaultMetrics] binds to the global provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/petems/micrec"

// Session outcomes used as the "outcome" attribute.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics holds the recorder's instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// SessionsStarted counts sessions that reached Recording. Attribute: format.
	SessionsStarted metric.Int64Counter

	// SessionsEnded counts terminal sessions. Attributes: format, outcome.
	SessionsEnded metric.Int64Counter

	// FramesEncoded counts frames handed to an encoder. Attribute: format.
	FramesEncoded metric.Int64Counter

	// FramesDropped counts frames lost to a full delivery queue. Attribute: backend.
	FramesDropped metric.Int64Counter

	// FinishDuration tracks how long Encoder.Finish took. Attribute: format.
	FinishDuration metric.Float64Histogram

	// ActiveSessions is the number of sessions currently capturing.
	ActiveSessions metric.Int64UpDownCounter
}

var finishBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsStarted, err = m.Int64Counter("micrec.sessions.started",
		metric.WithDescription("Recording sessions that started capturing, by format."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("micrec.sessions.ended",
		metric.WithDescription("Recording sessions that reached a terminal state, by format and outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesEncoded, err = m.Int64Counter("micrec.frames.encoded",
		metric.WithDescription("PCM frames passed to an encoder, by format."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("micrec.frames.dropped",
		metric.WithDescription("PCM frames discarded by a full delivery queue, by backend."),
	); err != nil {
		return nil, err
	}
	if met.FinishDuration, err = m.Float64Histogram("micrec.encoder.finish.duration",
		metric.WithDescription("Time spent producing the final blob, by format."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(finishBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("micrec.sessions.active",
		metric.WithDescription("Sessions currently capturing audio."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance bound to
// [otel.GetMeterProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordSessionStarted(ctx context.Context, format string) {
	attrs := metric.WithAttributes(attribute.String("format", format))
	m.SessionsStarted.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1, attrs)
}

// RecordSessionEnded records a terminal outcome. wasActive says whether the
// session had been counted as started.
func (m *Metrics) RecordSessionEnded(ctx context.Context, format, outcome string, wasActive bool) {
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format),
		attribute.String("outcome", outcome),
	))
	if wasActive {
		m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("format", format)))
	}
}

func (m *Metrics) RecordFrameEncoded(ctx context.Context, format string) {
	m.FramesEncoded.Add(ctx, 1, metric.WithAttributes(attribute.String("format", format)))
}

func (m *Metrics) RecordFramesDropped(ctx context.Context, backend string, n uint64) {
	if n == 0 {
		return
	}
	m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("backend", backend)))
}

func (m *Metrics) RecordFinishDuration(ctx context.Context, format string, d time.Duration) {
	m.FinishDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("format", format)))
}
