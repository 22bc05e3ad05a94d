package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle position of a recognition session.
type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrCredentialInvalid = errors.New("speech credentials missing or invalid")
	ErrEngineStart       = errors.New("recognition engine failed to start")
	ErrEngineStop        = errors.New("recognition engine failed to stop")
)

// Options tune a session's blocking waits. A zero StartTimeout waits for the
// engine's start acknowledgment for as long as the caller's context allows.
type Options struct {
	Locale       string
	StartTimeout time.Duration
	StopTimeout  time.Duration

	// Providers default to the otel globals when nil.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

const notifyTimeout = 2 * time.Second

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
