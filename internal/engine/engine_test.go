package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/async"
	"github.com/loqalabs/loqa-dictate/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openSource(t *testing.T, device audio.Device) *audio.CaptureSource {
	t.Helper()
	src := audio.NewCaptureSource(device, audio.DefaultFormat)
	if err := src.Open(); err != nil {
		t.Fatalf("open source: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func collectUntil(t *testing.T, events <-chan Event, last Kind) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			got = append(got, evt)
			if evt.Kind == last {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %+v", last, got)
		}
	}
}

func TestBatchClientRequiresConfigurationAndSource(t *testing.T) {
	client := NewBatchClient(NewMockRecognizer(), async.Inline{}, BatchOptions{Format: audio.DefaultFormat}, newLogger())
	defer client.Close()
	if err := client.StartAsync(context.Background()).Wait(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	_ = client.Configure(Credentials{}, "en-US")
	if err := client.StartAsync(context.Background()).Wait(context.Background()); !errors.Is(err, ErrNoAudioSource) {
		t.Fatalf("expected ErrNoAudioSource, got %v", err)
	}
}

func TestBatchClientEmitsPartialsFinalsAndEndOfStream(t *testing.T) {
	frame := make([]byte, 3200)
	device := audio.NewScriptedDevice(frame, frame, frame, frame)
	device.EOF = true
	src := openSource(t, device)

	client := NewBatchClient(NewMockRecognizer(), async.Inline{}, BatchOptions{
		Format:       audio.DefaultFormat,
		BufferBytes:  3200,
		PartialEvery: 100 * time.Millisecond,
		Utterance:    300 * time.Millisecond,
	}, newLogger())
	defer client.Close()

	_ = client.Configure(Credentials{}, "en-US")
	if err := client.BindAudioSource(src); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := client.StartAsync(context.Background()).Wait(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := collectUntil(t, client.Events(), Canceled)
	want := []Event{
		{Kind: SessionStarted},
		{Kind: PartialResult, Text: "partial transcript length=3200."},
		{Kind: PartialResult, Text: "partial transcript length=6400."},
		{Kind: FinalResult, Text: "Final transcript length=9600."},
		{Kind: PartialResult, Text: "partial transcript length=3200."},
		{Kind: FinalResult, Text: "Final transcript length=3200."},
		{Kind: Canceled, Reason: EndOfStream},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestBatchClientStopFlushesAndAcknowledges(t *testing.T) {
	device := audio.NewSilenceDevice(audio.DefaultFormat, 5*time.Millisecond)
	src := openSource(t, device)

	client := NewBatchClient(NewMockRecognizer(), async.Inline{}, BatchOptions{
		Format:    audio.DefaultFormat,
		Utterance: time.Hour,
	}, newLogger())
	defer client.Close()
	_ = client.Configure(Credentials{}, "en-US")
	_ = client.BindAudioSource(src)
	if err := client.StartAsync(context.Background()).Wait(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.StopAsync(ctx).Wait(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := collectUntil(t, client.Events(), SessionStopped)
	if got[0].Kind != SessionStarted {
		t.Fatalf("expected session started first, got %+v", got[0])
	}
	if final := got[len(got)-2]; final.Kind != FinalResult {
		t.Fatalf("expected buffered audio flushed as a final before stop, got %+v", got)
	}
	if err := client.StopAsync(ctx).Wait(ctx); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}

type voskServer struct {
	t          *testing.T
	closeEarly bool
	query      chan string
}

func (v *voskServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	v.query <- r.URL.RawQuery + "|" + r.Header.Get("Authorization")

	binaries := 0
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			binaries++
			if v.closeEarly {
				return
			}
			if binaries <= 2 {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"partial":"hello wor"}`))
			}
			continue
		}
		if strings.Contains(string(msg), "eof") {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"Hello world."}`))
			return
		}
	}
}

func TestWebSocketClientStreamsAndStops(t *testing.T) {
	server := &voskServer{t: t, query: make(chan string, 1)}
	srv := httptest.NewServer(server)
	defer srv.Close()

	src := openSource(t, audio.NewSilenceDevice(audio.DefaultFormat, 5*time.Millisecond))
	client := NewWebSocketClient(async.Inline{}, WebSocketOptions{Format: audio.DefaultFormat}, newLogger())
	defer client.Close()

	creds := Credentials{SubscriptionID: "sub-1", Region: "westus", Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http")}
	if err := client.Configure(creds, "en-US"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_ = client.BindAudioSource(src)
	if err := client.StartAsync(context.Background()).Wait(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case q := <-server.query:
		for _, want := range []string{"sample_rate=16000", "language=en-US", "region=westus", "|sub-1"} {
			if !strings.Contains(q, want) {
				t.Fatalf("expected %q in handshake %q", want, q)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the handshake")
	}

	got := collectUntil(t, client.Events(), PartialResult)
	if got[0].Kind != SessionStarted || got[1].Text != "hello wor" {
		t.Fatalf("unexpected events %+v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.StopAsync(ctx).Wait(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rest := collectUntil(t, client.Events(), SessionStopped)
	if len(rest) != 2 || rest[0].Kind != FinalResult || rest[0].Text != "Hello world." {
		t.Fatalf("expected deduplicated partials then final then stop, got %+v", rest)
	}
}

func TestWebSocketClientReportsCancellation(t *testing.T) {
	server := &voskServer{t: t, closeEarly: true, query: make(chan string, 1)}
	srv := httptest.NewServer(server)
	defer srv.Close()

	src := openSource(t, audio.NewSilenceDevice(audio.DefaultFormat, 5*time.Millisecond))
	client := NewWebSocketClient(async.Inline{}, WebSocketOptions{Format: audio.DefaultFormat}, newLogger())
	defer client.Close()
	_ = client.Configure(Credentials{Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http")}, "en-US")
	_ = client.BindAudioSource(src)
	if err := client.StartAsync(context.Background()).Wait(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := collectUntil(t, client.Events(), Canceled)
	if got[len(got)-1].Reason == "" {
		t.Fatalf("expected a cancel reason, got %+v", got)
	}
}

func TestWebSocketClientRequiresEndpoint(t *testing.T) {
	client := NewWebSocketClient(async.Inline{}, WebSocketOptions{Format: audio.DefaultFormat}, newLogger())
	defer client.Close()
	if err := client.Configure(Credentials{SubscriptionID: "x"}, "en-US"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
