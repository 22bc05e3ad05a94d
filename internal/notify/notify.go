package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Event is a host notification.
type Event = protocol.SpeechEvent

// Notifier delivers host notifications. Emit is fire-and-forget: failures are
// logged by the implementation and never reach the recognition session.
type Notifier interface {
	Emit(ctx context.Context, evt Event)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, evt Event)

func (f Func) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

// Fanout delivers each event to every notifier in order.
type Fanout []Notifier

func (f Fanout) Emit(ctx context.Context, evt Event) {
	for _, n := range f {
		if n != nil {
			n.Emit(ctx, evt)
		}
	}
}

// Discard drops every event.
var Discard Notifier = Func(func(context.Context, Event) {})

// Started builds a speech.started notification.
func Started(sessionID string) Event {
	return Event{Name: protocol.EventStarted, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// Stopped builds a speech.stopped notification; reason is empty on a clean stop.
func Stopped(sessionID, reason string) Event {
	return Event{Name: protocol.EventStopped, SessionID: sessionID, Error: reason, Timestamp: time.Now().UTC()}
}

// Received builds a speech.received notification carrying the transcript so far.
func Received(sessionID, text string, final bool) Event {
	return Event{Name: protocol.EventReceived, SessionID: sessionID, Text: text, Final: final, Timestamp: time.Now().UTC()}
}

// Logger writes every notification to the structured log.
type Logger struct {
	log *slog.Logger
}

func NewLogger(log *slog.Logger) *Logger {
	return &Logger{log: log.With(slog.String("component", "notify"))}
}

func (l *Logger) Emit(_ context.Context, evt Event) {
	attrs := []any{slog.String("event", evt.Name), slog.String("session_id", evt.SessionID)}
	switch evt.Name {
	case protocol.EventReceived:
		attrs = append(attrs, slog.String("text", evt.Text), slog.Bool("final", evt.Final))
	case protocol.EventStopped:
		if evt.Error != "" {
			attrs = append(attrs, slog.String("error", evt.Error))
		}
	}
	l.log.Info("dictation event", attrs...)
}

// Bus publishes notifications as JSON on NATS.
type Bus struct {
	client *bus.Client
	prefix string
	log    *slog.Logger
}

func NewBus(client *bus.Client, prefix string, log *slog.Logger) *Bus {
	return &Bus{client: client, prefix: prefix, log: log.With(slog.String("component", "notify-bus"))}
}

func (b *Bus) Emit(_ context.Context, evt Event) {
	subject := protocol.EventSubject(b.prefix, evt.Name)
	if err := b.client.PublishJSON(subject, evt); err != nil {
		b.log.Warn("failed to publish dictation event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Store records notifications in the event store timeline.
type Store struct {
	store  *eventstore.Store
	locale string
	log    *slog.Logger
}

func NewStore(store *eventstore.Store, locale string, log *slog.Logger) *Store {
	return &Store{store: store, locale: locale, log: log.With(slog.String("component", "notify-store"))}
}

func (s *Store) Emit(ctx context.Context, evt Event) {
	if evt.SessionID == "" {
		return
	}
	if evt.Name == protocol.EventStarted {
		if err := s.store.BeginSession(ctx, evt.SessionID, s.locale); err != nil {
			s.log.Warn("failed to record session start", slog.String("session_id", evt.SessionID), slog.String("error", err.Error()))
		}
	}
	err := s.store.AppendEvent(ctx, eventstore.Event{
		SessionID: evt.SessionID,
		Type:      evt.Name,
		Text:      evt.Text,
		Final:     evt.Final,
		Error:     evt.Error,
		CreatedAt: evt.Timestamp,
	})
	if err != nil {
		s.log.Warn("failed to record dictation event", slog.String("session_id", evt.SessionID), slog.String("error", err.Error()))
	}
	if evt.Name == protocol.EventStopped {
		if err := s.store.EndSession(ctx, evt.SessionID, evt.Error); err != nil {
			s.log.Warn("failed to record session end", slog.String("session_id", evt.SessionID), slog.String("error", err.Error()))
		}
	}
}
