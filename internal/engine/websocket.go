package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/async"
	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// WebSocketOptions configure the streaming client.
type WebSocketOptions struct {
	Format      audio.Format
	BufferBytes int
	Dialer      *websocket.Dialer
}

// wsResult is the Vosk-style result frame: partial hypotheses carry "partial",
// completed utterances carry "text".
type wsResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

type wsConfigMessage struct {
	Config wsConfig `json:"config"`
}

type wsConfig struct {
	SampleRate int `json:"sample_rate"`
}

// wsClient streams PCM over a websocket to a recognition server.
type wsClient struct {
	*emitter
	exec async.Executor
	opts WebSocketOptions
	log  *slog.Logger

	mu         sync.Mutex
	creds      Credentials
	locale     string
	configured bool
	source     Source
	conn       *websocket.Conn
	running    bool
	stop       chan struct{}
	senderDone chan struct{}
	readerDone chan struct{}

	writeMu     sync.Mutex
	stopping    atomic.Bool
	endOfStream atomic.Bool
}

func NewWebSocketClient(exec async.Executor, opts WebSocketOptions, log *slog.Logger) Client {
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = opts.Format.BytesFor(100 * time.Millisecond)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &wsClient{
		emitter: newEmitter(),
		exec:    exec,
		opts:    opts,
		log:     log.With(slog.String("component", "websocket-recognizer")),
	}
}

func (c *wsClient) Configure(creds Credentials, locale string) error {
	if creds.Endpoint == "" {
		return fmt.Errorf("%w: websocket endpoint is required", ErrNotConfigured)
	}
	if _, err := url.Parse(creds.Endpoint); err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	c.locale = locale
	c.configured = true
	return nil
}

func (c *wsClient) BindAudioSource(src Source) error {
	if src == nil {
		return ErrNoAudioSource
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = src
	return nil
}

func (c *wsClient) StartAsync(ctx context.Context) *async.Future {
	return async.Run(c.exec, func() error { return c.start(ctx) })
}

func (c *wsClient) start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.isClosed():
		c.mu.Unlock()
		return ErrClosed
	case !c.configured:
		c.mu.Unlock()
		return ErrNotConfigured
	case c.source == nil:
		c.mu.Unlock()
		return ErrNoAudioSource
	case c.running:
		c.mu.Unlock()
		return nil
	}
	creds, locale, src := c.creds, c.locale, c.source
	c.mu.Unlock()

	target, err := url.Parse(creds.Endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	query := target.Query()
	query.Set("sample_rate", strconv.Itoa(c.opts.Format.SampleRate))
	if locale != "" {
		query.Set("language", locale)
	}
	if creds.Region != "" {
		query.Set("region", creds.Region)
	}
	target.RawQuery = query.Encode()

	header := http.Header{}
	if creds.SubscriptionID != "" {
		header.Set("Authorization", creds.SubscriptionID)
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		return fmt.Errorf("connect to recognizer: %w", err)
	}
	hello, err := json.Marshal(wsConfigMessage{Config: wsConfig{SampleRate: c.opts.Format.SampleRate}})
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, hello)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("send recognizer config: %w", err)
	}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.running = true
	c.stop = make(chan struct{})
	c.senderDone = make(chan struct{})
	c.readerDone = make(chan struct{})
	stop, senderDone, readerDone := c.stop, c.senderDone, c.readerDone
	c.mu.Unlock()

	c.emit(Event{Kind: SessionStarted})
	go c.send(conn, src, stop, senderDone)
	go c.receive(conn, readerDone)
	return nil
}

func (c *wsClient) StopAsync(ctx context.Context) *async.Future {
	return async.Run(c.exec, func() error {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return nil
		}
		c.running = false
		c.stopping.Store(true)
		close(c.stop)
		conn, senderDone, readerDone := c.conn, c.senderDone, c.readerDone
		c.mu.Unlock()

		defer conn.Close()
		select {
		case <-senderDone:
		case <-ctx.Done():
			return fmt.Errorf("wait for audio sender: %w", ctx.Err())
		}
		if err := c.sendEOF(conn); err != nil {
			c.log.Warn("failed to send eof", slog.String("error", err.Error()))
		}
		select {
		case <-readerDone:
		case <-ctx.Done():
			return fmt.Errorf("wait for final results: %w", ctx.Err())
		}
		c.emit(Event{Kind: SessionStopped})
		return nil
	})
}

func (c *wsClient) Close() error {
	if !c.shut() {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	if c.running {
		c.running = false
		c.stopping.Store(true)
		close(c.stop)
	}
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *wsClient) send(conn *websocket.Conn, src Source, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, c.opts.BufferBytes)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n := src.Read(buf)
		if n == 0 {
			select {
			case <-stop:
			default:
				c.endOfStream.Store(true)
				if err := c.sendEOF(conn); err != nil {
					c.log.Warn("failed to send eof", slog.String("error", err.Error()))
				}
			}
			return
		}
		c.writeMu.Lock()
		err := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
		c.writeMu.Unlock()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("failed to send audio", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (c *wsClient) sendEOF(conn *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`))
}

func (c *wsClient) receive(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	lastPartial := ""
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.stopping.Load() {
				return
			}
			reason := err.Error()
			if c.endOfStream.Load() {
				reason = EndOfStream
			}
			c.emit(Event{Kind: Canceled, Reason: reason})
			return
		}

		var result wsResult
		if err := json.Unmarshal(message, &result); err != nil {
			c.log.Warn("failed to parse recognizer message", slog.String("error", err.Error()))
			continue
		}
		if result.Partial != "" && result.Partial != lastPartial {
			lastPartial = result.Partial
			c.emit(Event{Kind: PartialResult, Text: result.Partial})
		}
		if result.Text != "" {
			lastPartial = ""
			c.emit(Event{Kind: FinalResult, Text: result.Text})
		}
	}
}
