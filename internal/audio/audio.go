package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrDeviceUnavailable reports a microphone that cannot be opened at the requested format.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// DefaultFormat is the only format the capture pipeline produces: 16 kHz, 16-bit signed, mono.
var DefaultFormat = Format{SampleRate: 16000, BitsPerSample: 16, Channels: 1}

// FrameSize is the byte length of one sample across all channels.
func (f Format) FrameSize() int {
	return f.BitsPerSample / 8 * f.Channels
}

// BytesFor returns the whole-frame byte length covering d.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.FrameSize()
}

// DurationOf returns the playback duration of n bytes.
func (f Format) DurationOf(n int) time.Duration {
	size := f.FrameSize()
	if size == 0 || f.SampleRate == 0 {
		return 0
	}
	return time.Duration(n/size) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitsPerSample, f.Channels)
}

// Device is the platform microphone capability.
type Device interface {
	Open(format Format) (Handle, error)
}

// Handle is an opened device. Release must unblock a pending Read.
type Handle interface {
	Read(p []byte) (int, error)
	Release() error
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, fmt.Sprintf(format, args...))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
