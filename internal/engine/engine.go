package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/async"
)

// Kind tags a recognition event.
type Kind int

const (
	SessionStarted Kind = iota
	SessionStopped
	PartialResult
	FinalResult
	Canceled
)

func (k Kind) String() string {
	switch k {
	case SessionStarted:
		return "session_started"
	case SessionStopped:
		return "session_stopped"
	case PartialResult:
		return "partial_result"
	case FinalResult:
		return "final_result"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a message from the engine. Text is set for results, Reason for cancellations.
type Event struct {
	Kind   Kind
	Text   string
	Reason string
}

// Credentials identify the caller to the recognition service.
type Credentials struct {
	SubscriptionID string
	Region         string
	Endpoint       string
}

// Source is the pull side of an audio capture source.
type Source interface {
	Read(buf []byte) int
}

// Client is a continuous streaming recognizer. Events are delivered on a single
// channel that stays open for the client's lifetime; after Close no further
// events are sent.
type Client interface {
	Configure(creds Credentials, locale string) error
	BindAudioSource(src Source) error
	StartAsync(ctx context.Context) *async.Future
	StopAsync(ctx context.Context) *async.Future
	Events() <-chan Event
	Close() error
}

// Factory builds a fresh client for each recognition session.
type Factory func() (Client, error)

var (
	ErrNotConfigured = errors.New("engine not configured")
	ErrNoAudioSource = errors.New("no audio source bound")
	ErrClosed        = errors.New("engine client closed")
)

// EndOfStream is the cancel reason reported when the audio source runs dry.
const EndOfStream = "EndOfStream"

const eventBuffer = 64

// emitter owns the event channel shared by the client implementations.
type emitter struct {
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newEmitter() *emitter {
	return &emitter{
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

func (e *emitter) emit(evt Event) {
	select {
	case <-e.closed:
		return
	default:
	}
	select {
	case e.events <- evt:
	case <-e.closed:
	}
}

func (e *emitter) Events() <-chan Event {
	return e.events
}

func (e *emitter) shut() bool {
	first := false
	e.closeOnce.Do(func() {
		close(e.closed)
		first = true
	})
	return first
}

func (e *emitter) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}
