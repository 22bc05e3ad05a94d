package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/engine"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/nats-io/nats.go"
)

// Dictation is the manager surface driven by control requests.
type Dictation interface {
	Install(creds engine.Credentials) error
	Available() bool
	Start(ctx context.Context) (bool, error)
	Stop(ctx context.Context) bool
	State() session.State
	Transcript() string
	SessionID() string
}

// Handle executes one control action and reports the resulting state.
func Handle(ctx context.Context, d Dictation, action string, req protocol.ControlRequest) protocol.ControlResponse {
	resp := protocol.ControlResponse{OK: true}
	switch action {
	case protocol.ControlInstall:
		if req.Credentials == nil {
			resp.OK = false
			resp.Error = fmt.Sprintf("%s: credentials required", session.ErrCredentialInvalid)
			break
		}
		err := d.Install(engine.Credentials{
			SubscriptionID: req.Credentials.SubscriptionID,
			Region:         req.Credentials.Region,
			Endpoint:       req.Credentials.Endpoint,
		})
		if err != nil {
			resp.OK = false
			resp.Error = err.Error()
		}
	case protocol.ControlStart:
		ok, err := d.Start(ctx)
		resp.OK = ok
		if err != nil {
			resp.Error = err.Error()
		}
	case protocol.ControlStop:
		resp.OK = d.Stop(ctx)
	case protocol.ControlStatus, protocol.ControlAvailable:
	default:
		resp.OK = false
		resp.Error = fmt.Sprintf("unknown control action %q", action)
	}
	resp.State = d.State().String()
	resp.SessionID = d.SessionID()
	resp.Transcript = d.Transcript()
	resp.Available = d.Available()
	return resp
}

var actions = []string{
	protocol.ControlInstall,
	protocol.ControlStart,
	protocol.ControlStop,
	protocol.ControlStatus,
	protocol.ControlAvailable,
}

// Service answers control requests on NATS.
type Service struct {
	cfg       config.ControlConfig
	bus       *bus.Client
	dictation Dictation
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	mu        sync.Mutex
	ready     bool
}

// NewService builds the control responder. timeout bounds each request's
// lifecycle call; zero leaves only the service context.
func NewService(parent context.Context, cfg config.ControlConfig, busClient *bus.Client, d Dictation, timeout time.Duration) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		dictation: d,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	for _, action := range actions {
		subject := protocol.ControlSubject(s.cfg.SubjectPrefix, action)
		sub, err := s.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
			s.handleRequest(action, msg)
		})
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.bus.Logger().Info("dictation control listening", slog.String("prefix", s.cfg.SubjectPrefix))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(action string, msg *nats.Msg) {
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.bus.Logger().Warn("failed to decode control request", slog.String("action", action), slogError(err))
			s.respond(msg, protocol.ControlResponse{Error: fmt.Sprintf("decode request: %v", err)})
			return
		}
	}
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.respond(msg, Handle(ctx, s.dictation, action, req))
}

func (s *Service) respond(msg *nats.Msg, resp protocol.ControlResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.bus.Logger().Warn("failed to encode control response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.bus.Logger().Warn("failed to send control response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
