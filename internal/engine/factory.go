package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/async"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// NewFactory returns a Factory for the configured speech mode.
func NewFactory(cfg config.SpeechConfig, audioCfg config.AudioConfig, exec async.Executor, log *slog.Logger) (Factory, error) {
	format := audio.DefaultFormat
	bufferBytes := format.BytesFor(time.Duration(audioCfg.BufferMS) * time.Millisecond)

	switch cfg.Mode {
	case "mock", "exec":
		recognizer := NewMockRecognizer()
		if cfg.Mode == "exec" {
			var err error
			recognizer, err = NewExecRecognizer(cfg.Command)
			if err != nil {
				return nil, err
			}
		}
		opts := BatchOptions{
			Format:       format,
			BufferBytes:  bufferBytes,
			PartialEvery: time.Duration(cfg.PartialEveryMS) * time.Millisecond,
			Utterance:    time.Duration(cfg.UtteranceMS) * time.Millisecond,
		}
		return func() (Client, error) {
			return NewBatchClient(recognizer, exec, opts, log), nil
		}, nil
	case "websocket":
		opts := WebSocketOptions{Format: format, BufferBytes: bufferBytes}
		return func() (Client, error) {
			return NewWebSocketClient(exec, opts, log), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported speech mode %q", cfg.Mode)
	}
}
