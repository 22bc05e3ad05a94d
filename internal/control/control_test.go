package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/engine"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDictation struct {
	mu        sync.Mutex
	creds     *engine.Credentials
	state     session.State
	startErr  error
	stopCalls int
}

func (f *fakeDictation) Install(creds engine.Credentials) error {
	if creds.SubscriptionID == "" || creds.Region == "" {
		return session.ErrCredentialInvalid
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = &creds
	return nil
}

func (f *fakeDictation) Available() bool { return true }

func (f *fakeDictation) Start(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creds == nil {
		return false, session.ErrCredentialInvalid
	}
	if f.startErr != nil {
		return false, f.startErr
	}
	f.state = session.Active
	return true, nil
}

func (f *fakeDictation) Stop(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.state = session.Stopped
	return true
}

func (f *fakeDictation) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDictation) Transcript() string {
	if f.State() == session.Active {
		return "hello"
	}
	return ""
}

func (f *fakeDictation) SessionID() string {
	if f.State() == session.Idle {
		return ""
	}
	return "session-1"
}

func TestHandleLifecycle(t *testing.T) {
	ctx := context.Background()
	d := &fakeDictation{}

	resp := Handle(ctx, d, protocol.ControlStart, protocol.ControlRequest{})
	if resp.OK || !strings.Contains(resp.Error, "credentials") || resp.State != "idle" {
		t.Fatalf("expected credential failure, got %+v", resp)
	}

	resp = Handle(ctx, d, protocol.ControlInstall, protocol.ControlRequest{})
	if resp.OK {
		t.Fatalf("install without credentials should fail")
	}
	resp = Handle(ctx, d, protocol.ControlInstall, protocol.ControlRequest{Credentials: &protocol.Credentials{SubscriptionID: "sub", Region: "westus"}})
	if !resp.OK {
		t.Fatalf("install failed: %+v", resp)
	}

	resp = Handle(ctx, d, protocol.ControlStart, protocol.ControlRequest{})
	if !resp.OK || resp.State != "active" || resp.Transcript != "hello" || resp.SessionID != "session-1" {
		t.Fatalf("unexpected start response %+v", resp)
	}

	resp = Handle(ctx, d, protocol.ControlStop, protocol.ControlRequest{})
	if !resp.OK || resp.State != "stopped" || resp.Transcript != "" {
		t.Fatalf("unexpected stop response %+v", resp)
	}

	resp = Handle(ctx, d, "rewind", protocol.ControlRequest{})
	if resp.OK || resp.Error == "" {
		t.Fatalf("expected unknown action error, got %+v", resp)
	}
	if !Handle(ctx, d, protocol.ControlAvailable, protocol.ControlRequest{}).Available {
		t.Fatalf("expected available")
	}
}

func TestServiceAnswersOverNATS(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	d := &fakeDictation{}
	svc := NewService(context.Background(), config.ControlConfig{Enabled: true, SubjectPrefix: "dictation.ctrl"}, client, d, time.Second)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatalf("expected healthy service")
	}

	request := func(action string, req protocol.ControlRequest) protocol.ControlResponse {
		t.Helper()
		data, _ := json.Marshal(req)
		msg, err := client.Conn().Request(protocol.ControlSubject("dictation.ctrl", action), data, 2*time.Second)
		if err != nil {
			t.Fatalf("request %s: %v", action, err)
		}
		var resp protocol.ControlResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("decode %s response: %v", action, err)
		}
		return resp
	}

	if resp := request(protocol.ControlInstall, protocol.ControlRequest{Credentials: &protocol.Credentials{SubscriptionID: "sub", Region: "westus"}}); !resp.OK {
		t.Fatalf("install failed: %+v", resp)
	}
	if resp := request(protocol.ControlStart, protocol.ControlRequest{}); !resp.OK || resp.State != "active" {
		t.Fatalf("start failed: %+v", resp)
	}
	if resp := request(protocol.ControlStatus, protocol.ControlRequest{}); resp.Transcript != "hello" {
		t.Fatalf("unexpected status %+v", resp)
	}
	if resp := request(protocol.ControlStop, protocol.ControlRequest{}); !resp.OK || resp.State != "stopped" {
		t.Fatalf("stop failed: %+v", resp)
	}

	msg, err := client.Conn().Request(protocol.ControlSubject("dictation.ctrl", protocol.ControlStart), []byte("{not json"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.Contains(string(msg.Data), "decode request") {
		t.Fatalf("expected decode error, got %s", msg.Data)
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(context.Background(), config.ControlConfig{Enabled: false}, nil, &fakeDictation{}, 0)
	if err := svc.Start(); err != nil {
		t.Fatalf("disabled service should not fail: %v", err)
	}
	if !svc.Healthy() {
		t.Fatalf("disabled service should report healthy")
	}
	svc.Close()
}
