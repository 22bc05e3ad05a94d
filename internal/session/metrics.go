package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-dictate/internal/session"

type metrics struct {
	sessions     metric.Int64Counter
	startFailure metric.Int64Counter
	cancels      metric.Int64Counter
	results      metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &metrics{}
	m.sessions, _ = meter.Int64Counter("dictation.sessions.started",
		metric.WithDescription("Dictation sessions acknowledged by the engine"))
	m.startFailure, _ = meter.Int64Counter("dictation.sessions.start_failures",
		metric.WithDescription("Dictation sessions that failed to start"))
	m.cancels, _ = meter.Int64Counter("dictation.sessions.canceled",
		metric.WithDescription("Dictation sessions canceled by the engine"))
	m.results, _ = meter.Int64Counter("dictation.results",
		metric.WithDescription("Recognition results delivered to the host"))
	return m
}

func (m *metrics) sessionStarted() {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(context.Background(), 1)
}

func (m *metrics) startFailed() {
	if m == nil || m.startFailure == nil {
		return
	}
	m.startFailure.Add(context.Background(), 1)
}

func (m *metrics) canceled() {
	if m == nil || m.cancels == nil {
		return
	}
	m.cancels.Add(context.Background(), 1)
}

func (m *metrics) result(final bool) {
	if m == nil || m.results == nil {
		return
	}
	m.results.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("final", final)))
}
