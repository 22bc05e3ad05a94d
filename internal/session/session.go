package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/engine"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/transcript"
)

// Session drives one continuous recognition run: it owns the capture source,
// the engine client and the committed transcript from Start until Stop,
// cancellation or replacement.
//
// Engine events are consumed by a single dispatcher goroutine. Handlers and
// lifecycle transitions are serialized by mu, and notifications are emitted
// while mu is held so hosts observe them in state order. Notifiers must not
// call back into the session.
type Session struct {
	id         string
	creds      engine.Credentials
	opts       Options
	mic        *audio.Microphone
	factory    engine.Factory
	notifier   notify.Notifier
	metrics    *metrics
	log        *slog.Logger
	transcript *transcript.Accumulator

	mu       sync.Mutex
	state    State
	started  bool
	released bool
	client   engine.Client
	source   *audio.CaptureSource

	quit         chan struct{}
	quitOnce     sync.Once
	dispatchDone chan struct{}
}

func newSession(id string, creds engine.Credentials, opts Options, mic *audio.Microphone, factory engine.Factory, notifier notify.Notifier, m *metrics, log *slog.Logger) *Session {
	return &Session{
		id:           id,
		creds:        creds,
		opts:         opts,
		mic:          mic,
		factory:      factory,
		notifier:     notifier,
		metrics:      m,
		log:          log.With(slog.String("session_id", id)),
		transcript:   transcript.NewAccumulator(),
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript is the committed text of the running session; empty once it has ended.
func (s *Session) Transcript() string {
	return s.transcript.Text()
}

// Start acquires the microphone, builds and starts an engine client, and
// blocks until the engine acknowledges. A device failure is returned as an
// error and leaves the session Idle; an engine failure releases everything
// and reports false. So does an engine that ends the session before
// acknowledging the start.
func (s *Session) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return false, fmt.Errorf("session %s cannot start from %s", s.id, state)
	}
	s.state = Starting
	s.mu.Unlock()

	src, err := s.mic.Acquire(s.id)
	if err != nil {
		s.mu.Lock()
		s.state = Idle
		s.mu.Unlock()
		close(s.dispatchDone)
		return false, err
	}
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	client, err := s.factory()
	if err != nil {
		s.abortStart(fmt.Errorf("build engine client: %w", err), false)
		return false, nil
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if err := client.Configure(s.creds, s.opts.Locale); err != nil {
		s.abortStart(fmt.Errorf("configure engine: %w", err), false)
		return false, nil
	}
	if err := client.BindAudioSource(src); err != nil {
		s.abortStart(fmt.Errorf("bind audio source: %w", err), false)
		return false, nil
	}

	go s.dispatch(client.Events())

	waitCtx := ctx
	if s.opts.StartTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.opts.StartTimeout)
		defer cancel()
	}
	if err := client.StartAsync(waitCtx).Wait(waitCtx); err != nil {
		s.abortStart(err, true)
		return false, nil
	}

	s.mu.Lock()
	switch s.state {
	case Starting:
		s.state = Active
		s.announceStartedLocked()
	case Active:
	default:
		state := s.state
		s.mu.Unlock()
		s.log.Warn("dictation session ended before start was acknowledged", slog.String("state", state.String()))
		s.metrics.startFailed()
		return false, nil
	}
	s.mu.Unlock()
	s.log.Info("dictation session started")
	return true, nil
}

func (s *Session) abortStart(cause error, dispatching bool) {
	s.log.Error("failed to start dictation session", slogError(fmt.Errorf("%w: %w", ErrEngineStart, cause)))
	s.metrics.startFailed()
	s.closeQuit()
	if dispatching {
		<-s.dispatchDone
	} else {
		close(s.dispatchDone)
	}
	s.mu.Lock()
	if s.state == Starting {
		s.state = Failed
	}
	s.releaseLocked()
	s.mu.Unlock()
}

// Stop asks the engine to stop, waits up to the stop timeout and releases
// every resource regardless of the outcome. It returns false when the engine
// reported a stop failure, or without side effects when a Start or Stop is
// still in flight; Manager serializes lifecycle calls so it never sees that.
// An idle or ended session still emits a stopped notification.
func (s *Session) Stop(ctx context.Context) bool {
	s.mu.Lock()
	switch s.state {
	case Starting, Stopping:
		state := s.state
		s.mu.Unlock()
		s.log.Warn("stop ignored while a lifecycle transition is in flight", slog.String("state", state.String()))
		return false
	}
	if s.state != Active {
		s.emitLocked(notify.Stopped(s.id, ""))
		s.mu.Unlock()
		return true
	}
	s.state = Stopping
	client := s.client
	s.mu.Unlock()

	waitCtx := ctx
	if s.opts.StopTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.opts.StopTimeout)
		defer cancel()
	}
	err := client.StopAsync(waitCtx).Wait(waitCtx)
	reason := ""
	if err != nil {
		s.log.Warn("dictation session stop failed", slogError(fmt.Errorf("%w: %w", ErrEngineStop, err)))
		reason = err.Error()
	}

	s.closeQuit()
	<-s.dispatchDone

	s.mu.Lock()
	s.state = Stopped
	s.releaseLocked()
	s.emitLocked(notify.Stopped(s.id, reason))
	s.mu.Unlock()
	s.log.Info("dictation session stopped")
	return err == nil
}

// Close tears the session down without notifying the host. It is used when a
// new session replaces this one.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Idle {
		s.state = Stopped
		s.mu.Unlock()
		return
	}
	s.closeQuit()
	if s.state != Failed {
		s.state = Stopped
	}
	s.releaseLocked()
	s.mu.Unlock()
	<-s.dispatchDone
}

func (s *Session) closeQuit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Session) dispatch(events <-chan engine.Event) {
	defer close(s.dispatchDone)
	for {
		select {
		case evt := <-events:
			if !s.handle(evt) {
				return
			}
		case <-s.quit:
			for {
				select {
				case evt := <-events:
					if !s.handle(evt) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handle applies one engine event. It returns false once the session has ended.
func (s *Session) handle(evt engine.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch evt.Kind {
	case engine.SessionStarted:
		if s.state == Starting {
			s.state = Active
		}
		if s.state == Active {
			s.announceStartedLocked()
		}
	case engine.PartialResult:
		if s.state != Active && s.state != Stopping {
			return true
		}
		s.metrics.result(false)
		s.emitLocked(notify.Received(s.id, s.transcript.Preview(evt.Text), false))
	case engine.FinalResult:
		if s.state != Active && s.state != Stopping {
			return true
		}
		committed := s.transcript.Commit(evt.Text)
		s.metrics.result(true)
		s.emitLocked(notify.Received(s.id, committed, true))
	case engine.SessionStopped, engine.Canceled:
		if s.state != Active && s.state != Starting {
			return s.state != Stopped && s.state != Failed
		}
		s.log.Info("dictation session ended by engine", slog.String("kind", evt.Kind.String()), slog.String("reason", evt.Reason))
		if evt.Kind == engine.Canceled {
			s.metrics.canceled()
		}
		s.state = Stopped
		s.releaseLocked()
		s.emitLocked(notify.Stopped(s.id, evt.Reason))
		return false
	}
	return true
}

func (s *Session) announceStartedLocked() {
	if s.started {
		return
	}
	s.started = true
	s.metrics.sessionStarted()
	s.emitLocked(notify.Started(s.id))
}

func (s *Session) emitLocked(evt notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	s.notifier.Emit(ctx, evt)
}

func (s *Session) releaseLocked() {
	if s.released {
		return
	}
	s.released = true
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.Warn("failed to close engine client", slogError(err))
		}
	}
	if s.source != nil {
		if err := s.mic.Release(s.source); err != nil {
			s.log.Warn("failed to release capture source", slogError(err))
		}
	}
	s.transcript.Reset()
}
