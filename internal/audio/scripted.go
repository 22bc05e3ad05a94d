package audio

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ScriptedDevice replays a fixed list of frames. Once the script is exhausted
// reads block until release, like a silent microphone, unless EOF is set.
type ScriptedDevice struct {
	Frames   [][]byte
	Interval time.Duration
	Loop     bool
	EOF      bool
	Format   Format
	OpenErr  error

	mu     sync.Mutex
	opened int
	open   int
}

func NewScriptedDevice(frames ...[]byte) *ScriptedDevice {
	return &ScriptedDevice{Frames: frames, Format: DefaultFormat}
}

// NewSilenceDevice produces frameDuration-long frames of silence in real time, forever.
func NewSilenceDevice(format Format, frameDuration time.Duration) *ScriptedDevice {
	return &ScriptedDevice{
		Frames:   [][]byte{make([]byte, format.BytesFor(frameDuration))},
		Interval: frameDuration,
		Loop:     true,
		Format:   format,
	}
}

func (d *ScriptedDevice) Open(format Format) (Handle, error) {
	if d.OpenErr != nil {
		return nil, unavailable("%v", d.OpenErr)
	}
	if format != d.Format {
		return nil, unavailable("scripted device serves %s, requested %s", d.Format, format)
	}
	d.mu.Lock()
	d.opened++
	d.open++
	d.mu.Unlock()

	frames := make([][]byte, len(d.Frames))
	for i, f := range d.Frames {
		frames[i] = append([]byte(nil), f...)
	}
	return &scriptedHandle{device: d, frames: frames, done: make(chan struct{})}, nil
}

// OpenHandles is the number of handles not yet released.
func (d *ScriptedDevice) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Opened is the total number of successful opens.
func (d *ScriptedDevice) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

type scriptedHandle struct {
	device  *ScriptedDevice
	frames  [][]byte
	next    int
	pending []byte
	done    chan struct{}
	once    sync.Once
}

var errReleased = errors.New("scripted device released")

func (h *scriptedHandle) Read(p []byte) (int, error) {
	if len(h.pending) == 0 {
		if h.next >= len(h.frames) {
			if h.device.Loop && len(h.frames) > 0 {
				h.next = 0
			} else if h.device.EOF {
				return 0, io.EOF
			} else {
				<-h.done
				return 0, errReleased
			}
		}
		if h.device.Interval > 0 {
			select {
			case <-h.done:
				return 0, errReleased
			case <-time.After(h.device.Interval):
			}
		}
		h.pending = h.frames[h.next]
		h.next++
	}
	select {
	case <-h.done:
		return 0, errReleased
	default:
	}
	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

func (h *scriptedHandle) Release() error {
	h.once.Do(func() {
		close(h.done)
		h.device.mu.Lock()
		h.device.open--
		h.device.mu.Unlock()
	})
	return nil
}
