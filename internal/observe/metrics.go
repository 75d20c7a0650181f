// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge so the standard
// /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([Default]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name for all converse metrics.
const meterName = "github.com/GriffinCanCode/converse"

// Metrics holds the metric instruments for the audio pipeline. All fields
// are safe for concurrent use; the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	// FramesSent counts captured frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames the transport refused under backpressure.
	FramesDropped metric.Int64Counter

	// ChunksReceived counts audio chunks received from the service.
	ChunksReceived metric.Int64Counter

	// MalformedFrames counts inbound PCM frames with unexpected byte lengths.
	MalformedFrames metric.Int64Counter

	// TurnsCompleted counts finalized conversation turns.
	TurnsCompleted metric.Int64Counter

	// Interruptions counts mid-playback interruption signals.
	Interruptions metric.Int64Counter

	// PlaybackLead tracks how far the output clock runs ahead of real time
	// after each enqueue, in seconds.
	PlaybackLead metric.Float64Histogram

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// leadBuckets defines histogram bucket boundaries (in seconds) sized for
// the playback queue depth of a conversational exchange.
var leadBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("converse.capture.frames_sent",
		metric.WithDescription("Captured audio frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("converse.capture.frames_dropped",
		metric.WithDescription("Captured audio frames dropped under transport backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("converse.playback.chunks_received",
		metric.WithDescription("Synthesized audio chunks received from the service."),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("converse.playback.malformed_frames",
		metric.WithDescription("Inbound PCM frames with unexpected byte lengths."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("converse.session.turns_completed",
		metric.WithDescription("Finalized conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("converse.session.interruptions",
		metric.WithDescription("Mid-playback interruption signals."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("converse.playback.lead",
		metric.WithDescription("Output clock lead over real time after enqueue."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("converse.session.active",
		metric.WithDescription("Live conversation sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide Metrics built from the global meter
// provider. Instruments are no-ops until [InitProvider] has run.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// A failing provider leaves metrics disabled rather than
			// crashing the pipeline.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
