package service

import (
	"context"

	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessionsStarted   metric.Int64Counter
	sessionsStopped   metric.Int64Counter
	transcriptUpdates metric.Int64Counter
	sessionsActive    metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	started, err := meter.Int64Counter("loqa.dictation.sessions.started",
		metric.WithDescription("Dictation sessions started"))
	if err != nil {
		return nil, err
	}
	stopped, err := meter.Int64Counter("loqa.dictation.sessions.stopped",
		metric.WithDescription("Dictation sessions stopped, by reason"))
	if err != nil {
		return nil, err
	}
	updates, err := meter.Int64Counter("loqa.dictation.transcript.updates",
		metric.WithDescription("Transcript changes delivered to listeners"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("loqa.dictation.sessions.active",
		metric.WithDescription("Dictation sessions currently capturing"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		sessionsStarted:   started,
		sessionsStopped:   stopped,
		transcriptUpdates: updates,
		sessionsActive:    active,
	}, nil
}

func (m *metrics) started(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
	m.sessionsActive.Add(ctx, 1)
}

func (m *metrics) stopped(ctx context.Context, reason dictation.StopReason) {
	if m == nil {
		return
	}
	m.sessionsStopped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason.String())))
	m.sessionsActive.Add(ctx, -1)
}

func (m *metrics) transcriptUpdated(ctx context.Context) {
	if m == nil {
		return
	}
	m.transcriptUpdates.Add(ctx, 1)
}
