package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/async"
	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// BatchOptions tune how a batch recognizer is driven as a stream.
type BatchOptions struct {
	Format       audio.Format
	BufferBytes  int
	PartialEvery time.Duration
	Utterance    time.Duration
	Timeout      time.Duration
}

// batchClient pulls audio into an utterance buffer and asks a Recognizer for
// a partial every PartialEvery of audio and a final once Utterance is reached.
type batchClient struct {
	*emitter
	recognizer Recognizer
	exec       async.Executor
	opts       BatchOptions
	log        *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc

	mu         sync.Mutex
	locale     string
	configured bool
	source     Source
	running    bool
	stop       chan struct{}
	pumpDone   chan struct{}
}

func NewBatchClient(recognizer Recognizer, exec async.Executor, opts BatchOptions, log *slog.Logger) Client {
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = opts.Format.BytesFor(100 * time.Millisecond)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &batchClient{
		emitter:    newEmitter(),
		recognizer: recognizer,
		exec:       exec,
		opts:       opts,
		log:        log.With(slog.String("component", "batch-recognizer")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *batchClient) Configure(_ Credentials, locale string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locale = locale
	c.configured = true
	return nil
}

func (c *batchClient) BindAudioSource(src Source) error {
	if src == nil {
		return ErrNoAudioSource
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = src
	return nil
}

func (c *batchClient) StartAsync(context.Context) *async.Future {
	return async.Run(c.exec, c.start)
}

func (c *batchClient) start() error {
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
	c.running = true
	c.stop = make(chan struct{})
	c.pumpDone = make(chan struct{})
	src, stop, done := c.source, c.stop, c.pumpDone
	c.mu.Unlock()

	c.emit(Event{Kind: SessionStarted})
	go c.pump(src, stop, done)
	return nil
}

func (c *batchClient) StopAsync(ctx context.Context) *async.Future {
	return async.Run(c.exec, func() error {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return nil
		}
		c.running = false
		close(c.stop)
		done := c.pumpDone
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.emit(Event{Kind: SessionStopped})
		return nil
	})
}

func (c *batchClient) Close() error {
	if !c.shut() {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	if c.running {
		c.running = false
		close(c.stop)
	}
	c.mu.Unlock()
	return nil
}

func (c *batchClient) pump(src Source, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	utteranceBytes := c.opts.Format.BytesFor(c.opts.Utterance)
	partialBytes := c.opts.Format.BytesFor(c.opts.PartialEvery)
	buf := make([]byte, c.opts.BufferBytes)
	var pending []byte
	sincePartial := 0

	for {
		select {
		case <-stop:
			c.transcribe(pending, true)
			return
		default:
		}

		n := src.Read(buf)
		if n == 0 {
			c.transcribe(pending, true)
			select {
			case <-stop:
			default:
				c.emit(Event{Kind: Canceled, Reason: EndOfStream})
			}
			return
		}

		pending = append(pending, buf[:n]...)
		sincePartial += n
		if utteranceBytes > 0 && len(pending) >= utteranceBytes {
			c.transcribe(pending, true)
			pending = nil
			sincePartial = 0
			continue
		}
		if partialBytes > 0 && sincePartial >= partialBytes {
			c.transcribe(pending, false)
			sincePartial = 0
		}
	}
}

func (c *batchClient) transcribe(pcm []byte, final bool) {
	if len(pcm) == 0 || c.isClosed() {
		return
	}
	c.mu.Lock()
	locale := c.locale
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.Timeout)
	defer cancel()
	result, err := c.recognizer.Transcribe(ctx, Utterance{
		PCM:        pcm,
		SampleRate: c.opts.Format.SampleRate,
		Channels:   c.opts.Format.Channels,
		Locale:     locale,
		Final:      final,
	})
	if err != nil {
		c.log.Warn("transcription failed", slog.Bool("final", final), slog.String("error", err.Error()))
		return
	}
	if result.Text == "" {
		return
	}
	kind := PartialResult
	if final {
		kind = FinalResult
	}
	c.emit(Event{Kind: kind, Text: result.Text})
}
