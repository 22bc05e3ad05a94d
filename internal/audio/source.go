package audio

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// CaptureSource is a pull-based PCM reader over a single device handle.
type CaptureSource struct {
	device Device
	format Format

	mu       sync.Mutex
	handle   Handle
	closed   bool
	recorder *Recorder
	log      *slog.Logger

	readMu       sync.Mutex
	carry        []byte
	recordFailed bool
}


func NewCaptureSource(device Device, format Format) *CaptureSource {
	return &CaptureSource{device: device, format: format}
}

func (s *CaptureSource) Format() Format {
	return s.format
}

// Open acquires the device. Opening an already open source is a no-op.
func (s *CaptureSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("capture source already closed")
	}
	if s.handle != nil {
		return nil
	}
	if s.format.FrameSize() <= 0 {
		return unavailable("unsupported format %s", s.format)
	}
	handle, err := s.device.Open(s.format)
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	s.handle = handle
	return nil
}

// Read fills buf with whole samples and returns the byte count.
// It returns 0 once the source is closed or the device fails.
func (s *CaptureSource) Read(buf []byte) int {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return 0
	}

	frame := s.format.FrameSize()
	limit := len(buf) - len(buf)%frame
	if limit == 0 {
		return 0
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	filled := copy(buf[:limit], s.carry)
	s.carry = s.carry[:0]
	for filled < frame {
		n, err := handle.Read(buf[filled:limit])
		filled += n
		if err != nil && filled < frame {
			return 0
		}
	}

	whole := filled - filled%frame
	s.carry = append(s.carry, buf[whole:filled]...)

	s.mu.Lock()
	closed := s.closed
	recorder := s.recorder
	s.mu.Unlock()
	if closed {
		return 0
	}
	if recorder != nil && !s.recordFailed {
		if err := recorder.Write(buf[:whole]); err != nil {
			s.recordFailed = true
			s.log.Warn("capture recording failed; continuing without it", slogError(err))
		}
	}
	return whole
}

// Close releases the device handle. Repeated calls are no-ops.
func (s *CaptureSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handle := s.handle
	recorder := s.recorder
	log := s.log
	s.handle = nil
	s.recorder = nil
	s.mu.Unlock()

	var err error
	if handle != nil {
		if releaseErr := handle.Release(); releaseErr != nil {
			err = fmt.Errorf("release capture device: %w", releaseErr)
		}
	}
	if recorder != nil {
		if closeErr := recorder.Close(); closeErr != nil {
			log.Warn("failed to finalize capture recording", slogError(closeErr))
		}
	}
	return err
}

func (s *CaptureSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && !s.closed
}

func (s *CaptureSource) attachRecorder(r *Recorder, log *slog.Logger) {
	s.mu.Lock()
	s.recorder = r
	s.log = log
	s.mu.Unlock()
}

// Microphone is the process-wide slot for the exclusively held capture device.
type Microphone struct {
	device    Device
	format    Format
	recordDir string
	log       *slog.Logger

	mu      sync.Mutex
	current *CaptureSource
}

// MicrophoneOption customises a Microphone.
type MicrophoneOption func(*Microphone)

// WithRecordDir tees every acquired source into a WAV file under dir.
func WithRecordDir(dir string) MicrophoneOption {
	return func(m *Microphone) { m.recordDir = dir }
}

func NewMicrophone(device Device, format Format, log *slog.Logger, opts ...MicrophoneOption) *Microphone {
	m := &Microphone{
		device: device,
		format: format,
		log:    log.With(slog.String("component", "microphone")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire closes any previously acquired source and opens a fresh one.
func (m *Microphone) Acquire(tag string) (*CaptureSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if err := m.current.Close(); err != nil {
			m.log.Warn("failed to close previous capture source", slog.String("error", err.Error()))
		}
		m.current = nil
	}

	src := NewCaptureSource(m.device, m.format)
	if err := src.Open(); err != nil {
		return nil, err
	}
	if m.recordDir != "" {
		path := filepath.Join(m.recordDir, fmt.Sprintf("%s_%s.wav", time.Now().UTC().Format("20060102_150405"), tag))
		rec, err := NewRecorder(path, m.format)
		if err != nil {
			m.log.Warn("capture recording disabled", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			src.attachRecorder(rec, m.log.With(slog.String("path", path)))
		}
	}
	m.current = src
	return src, nil
}

// Release closes src and clears the slot if src is still the active source.
func (m *Microphone) Release(src *CaptureSource) error {
	if src == nil {
		return nil
	}
	m.mu.Lock()
	if m.current == src {
		m.current = nil
	}
	m.mu.Unlock()
	return src.Close()
}

// Active returns the currently held source, if any.
func (m *Microphone) Active() *CaptureSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Microphone) Format() Format {
	return m.format
}
