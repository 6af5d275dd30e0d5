package batch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-notes/internal/batch"

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeFailed    outcome = "failed"
	outcomeTimeout   outcome = "timeout"
	outcomeCanceled  outcome = "canceled"
	outcomeDisabled  outcome = "disabled"
)

type metrics struct {
	items       metric.Int64Counter
	annotations metric.Int64Counter
	duration    metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	// names are static, creation errors are ignored
	m.items, _ = meter.Int64Counter("loqa.notes.items",
		metric.WithDescription("Recordings processed by outcome"))
	m.annotations, _ = meter.Int64Counter("loqa.notes.annotations",
		metric.WithDescription("Annotation attempts by outcome"))
	m.duration, _ = meter.Float64Histogram("loqa.notes.transcription.duration",
		metric.WithDescription("Transcription call latency"),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) item(ctx context.Context, o outcome) {
	if m.items != nil {
		m.items.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
	}
}

func (m *metrics) annotation(ctx context.Context, o outcome) {
	if m.annotations != nil {
		m.annotations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
	}
}

func (m *metrics) transcription(ctx context.Context, d time.Duration, o outcome) {
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", string(o))))
	}
}
