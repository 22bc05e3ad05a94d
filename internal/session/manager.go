package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/engine"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Manager is the host-facing dictation surface. It holds the installed
// credentials and at most one live session; starting a new session tears the
// previous one down first. Lifecycle calls are serialized.
type Manager struct {
	mic      *audio.Microphone
	factory  engine.Factory
	notifier notify.Notifier
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics

	lifecycle sync.Mutex

	mu      sync.RWMutex
	creds   *engine.Credentials
	current *Session
}

func NewManager(mic *audio.Microphone, factory engine.Factory, notifier notify.Notifier, opts Options, log *slog.Logger) *Manager {
	if notifier == nil {
		notifier = notify.Discard
	}
	if opts.Locale == "" {
		opts.Locale = "en-US"
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Manager{
		mic:      mic,
		factory:  factory,
		notifier: notifier,
		opts:     opts,
		log:      log.With(slog.String("component", "dictation")),
		tracer:   tp.Tracer(instrumentationName),
		metrics:  newMetrics(opts.MeterProvider),
	}
}

// Install validates and stores the engine credentials used by later sessions.
func (m *Manager) Install(creds engine.Credentials) error {
	if strings.TrimSpace(creds.SubscriptionID) == "" || strings.TrimSpace(creds.Region) == "" {
		return fmt.Errorf("%w: subscription id and region are required", ErrCredentialInvalid)
	}
	m.mu.Lock()
	m.creds = &creds
	m.mu.Unlock()
	m.log.Info("speech credentials installed", slog.String("region", creds.Region))
	return nil
}

// Installed reports whether credentials are present.
func (m *Manager) Installed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds != nil
}

// Available reports whether dictation can run in this process.
func (m *Manager) Available() bool {
	return m.mic != nil && m.factory != nil
}

// Start replaces any existing session with a new one and starts it.
func (m *Manager) Start(ctx context.Context) (bool, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	ctx, span := m.tracer.Start(ctx, "dictation.start")
	defer span.End()

	m.mu.RLock()
	creds, prev := m.creds, m.current
	m.mu.RUnlock()
	if creds == nil {
		span.SetStatus(codes.Error, ErrCredentialInvalid.Error())
		return false, ErrCredentialInvalid
	}
	if prev != nil {
		prev.Close()
	}

	sess := newSession(uuid.NewString(), *creds, m.opts, m.mic, m.factory, m.notifier, m.metrics, m.log)
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	span.SetAttributes(attribute.String("dictation.session_id", sess.ID()))

	ok, err := sess.Start(ctx)
	if err != nil {
		m.mu.Lock()
		if m.current == sess {
			m.current = nil
		}
		m.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if !ok {
		span.SetStatus(codes.Error, ErrEngineStart.Error())
	}
	return ok, err
}

// Stop stops the current session. With no session it only notifies the host.
func (m *Manager) Stop(ctx context.Context) bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	ctx, span := m.tracer.Start(ctx, "dictation.stop")
	defer span.End()

	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == nil {
		notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		m.notifier.Emit(notifyCtx, notify.Stopped("", ""))
		return true
	}
	span.SetAttributes(attribute.String("dictation.session_id", cur.ID()))
	ok := cur.Stop(ctx)
	if !ok {
		span.SetStatus(codes.Error, ErrEngineStop.Error())
	}
	return ok
}

// Close tears down the current session without notifying the host.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
}

func (m *Manager) State() State {
	if cur := m.session(); cur != nil {
		return cur.State()
	}
	return Idle
}

func (m *Manager) Transcript() string {
	if cur := m.session(); cur != nil {
		return cur.Transcript()
	}
	return ""
}

func (m *Manager) SessionID() string {
	if cur := m.session(); cur != nil {
		return cur.ID()
	}
	return ""
}

func (m *Manager) session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
