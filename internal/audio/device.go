package audio

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// NewDevice builds the configured microphone capability.
func NewDevice(cfg config.AudioConfig) (Device, error) {
	switch cfg.Device {
	case "silence":
		return NewSilenceDevice(DefaultFormat, time.Duration(cfg.BufferMS)*time.Millisecond), nil
	case "exec":
		return NewExecDevice(cfg.Command)
	case "wav":
		return NewWavDevice(cfg.Path, cfg.Realtime), nil
	default:
		return nil, fmt.Errorf("unsupported audio device %q", cfg.Device)
	}
}
