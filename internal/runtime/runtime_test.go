package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/async"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Audio.BufferMS = 50
	cfg.Speech.PartialEveryMS = 100
	cfg.Speech.UtteranceMS = 200
	cfg.Speech.StopTimeoutMS = 2000
	return cfg
}

func newAPI(t *testing.T, cfg config.Config) (*httptest.Server, *session.Manager) {
	t.Helper()
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	manager, err := NewManager(cfg, async.Inline{}, notify.NewStore(store, cfg.Speech.Locale, newLogger()), nil, newLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Close)

	rt := New(cfg, newLogger())
	srv := httptest.NewServer(rt.routes(manager, store))
	t.Cleanup(srv.Close)
	return srv, manager
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any) (int, protocol.ControlResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	var resp protocol.ControlResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return res.StatusCode, resp
}

func TestDictationAPILifecycle(t *testing.T) {
	srv, _ := newAPI(t, testConfig(t))

	status, resp := call(t, srv, http.MethodGet, "/v1/dictation/status", nil)
	if status != http.StatusOK || resp.State != "idle" || !resp.Available {
		t.Fatalf("unexpected initial status %d %+v", status, resp)
	}

	status, resp = call(t, srv, http.MethodPost, "/v1/dictation/start", nil)
	if status != http.StatusConflict || !strings.Contains(resp.Error, "credentials") || resp.State != "idle" {
		t.Fatalf("expected credential failure, got %d %+v", status, resp)
	}

	status, _ = call(t, srv, http.MethodPost, "/v1/dictation/install", protocol.ControlRequest{Credentials: &protocol.Credentials{SubscriptionID: "sub"}})
	if status != http.StatusBadRequest {
		t.Fatalf("expected bad request for missing region, got %d", status)
	}
	status, _ = call(t, srv, http.MethodPost, "/v1/dictation/install", protocol.ControlRequest{Credentials: &protocol.Credentials{SubscriptionID: "sub", Region: "westus"}})
	if status != http.StatusOK {
		t.Fatalf("install failed with %d", status)
	}

	status, resp = call(t, srv, http.MethodPost, "/v1/dictation/start", nil)
	if status != http.StatusOK || resp.State != "active" || resp.SessionID == "" {
		t.Fatalf("start failed: %d %+v", status, resp)
	}
	sessionID := resp.SessionID

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, resp = call(t, srv, http.MethodGet, "/v1/dictation/status", nil)
		if strings.HasPrefix(resp.Transcript, "final transcript length=") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no transcript committed, last status %+v", resp)
		}
		time.Sleep(50 * time.Millisecond)
	}

	status, resp = call(t, srv, http.MethodPost, "/v1/dictation/stop", nil)
	if status != http.StatusOK || resp.State != "stopped" || resp.Transcript != "" {
		t.Fatalf("stop failed: %d %+v", status, resp)
	}

	res, err := http.Get(srv.URL + "/v1/dictation/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("get timeline: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected timeline status %d", res.StatusCode)
	}
	var tl timeline
	if err := json.NewDecoder(res.Body).Decode(&tl); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if tl.Locale != "en-US" || tl.EndedAt == nil || len(tl.Events) < 3 {
		t.Fatalf("unexpected timeline %+v", tl)
	}
	if tl.Events[0].Type != protocol.EventStarted || tl.Events[len(tl.Events)-1].Type != protocol.EventStopped {
		t.Fatalf("timeline should run from started to stopped: %+v", tl.Events)
	}
}

func TestTimelineErrors(t *testing.T) {
	srv, _ := newAPI(t, testConfig(t))
	for path, want := range map[string]int{
		"/v1/dictation/sessions/missing":          http.StatusNotFound,
		"/v1/dictation/sessions/missing?limit=-1": http.StatusBadRequest,
	} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, res.StatusCode)
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	srv, _ := newAPI(t, testConfig(t))
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz ok, got %d", res.StatusCode)
	}
	res, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", res.StatusCode)
	}
}

func TestNewManagerInstallsConfiguredCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Speech.SubscriptionID = "sub"
	cfg.Speech.Region = "westus"
	manager, err := NewManager(cfg, async.Inline{}, notify.Discard, nil, newLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer manager.Close()
	if !manager.Installed() {
		t.Fatalf("expected configured credentials installed")
	}

	cfg.Speech.Region = ""
	if _, err := NewManager(cfg, async.Inline{}, notify.Discard, nil, newLogger()); !errors.Is(err, session.ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}

	cfg = testConfig(t)
	cfg.Audio.Device = "bluetooth"
	if _, err := NewManager(cfg, async.Inline{}, notify.Discard, nil, newLogger()); err == nil {
		t.Fatalf("expected unsupported device error")
	}
}
