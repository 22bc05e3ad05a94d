package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavDevice replays a PCM WAV file as if it were a microphone.
type WavDevice struct {
	Path     string
	Realtime bool
}

func NewWavDevice(path string, realtime bool) *WavDevice {
	return &WavDevice{Path: path, Realtime: realtime}
}

func (d *WavDevice) Open(format Format) (Handle, error) {
	file, err := os.Open(d.Path)
	if err != nil {
		return nil, unavailable("open wav %s: %v", d.Path, err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, unavailable("%s is not a valid wav file", d.Path)
	}
	dec.ReadInfo()
	got := Format{SampleRate: int(dec.SampleRate), BitsPerSample: int(dec.BitDepth), Channels: int(dec.NumChans)}
	if got != format {
		file.Close()
		return nil, unavailable("wav format %s does not match %s", got, format)
	}
	if err := dec.FwdToPCM(); err != nil {
		file.Close()
		return nil, unavailable("seek wav pcm: %v", err)
	}
	return &wavHandle{
		file:     file,
		dec:      dec,
		format:   format,
		realtime: d.Realtime,
		done:     make(chan struct{}),
	}, nil
}

type wavHandle struct {
	file     *os.File
	dec      *wav.Decoder
	format   Format
	realtime bool
	done     chan struct{}
	once     sync.Once
}

func (h *wavHandle) Read(p []byte) (int, error) {
	select {
	case <-h.done:
		return 0, io.ErrClosedPipe
	default:
	}
	samples := len(p) / 2
	if samples == 0 {
		return 0, nil
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: h.format.Channels, SampleRate: h.format.SampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	n, err := h.dec.PCMBuffer(buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(buf.Data[i])))
	}
	if h.realtime {
		select {
		case <-h.done:
			return 0, io.ErrClosedPipe
		case <-time.After(h.format.DurationOf(n * 2)):
		}
	}
	return n * 2, nil
}

func (h *wavHandle) Release() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		err = h.file.Close()
	})
	return err
}

// Recorder writes captured PCM into a WAV file.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format Format
}

func NewRecorder(path string, format Format) (*Recorder, error) {
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("recorder supports 16-bit pcm only, got %d", format.BitsPerSample)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create record dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &Recorder{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, format.BitsPerSample, format.Channels, 1),
		format: format,
	}, nil
}

func (r *Recorder) Write(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: r.format.Channels, SampleRate: r.format.SampleRate},
		Data:   samples,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return fmt.Errorf("recorder closed")
	}
	if err := r.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return nil
	}
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	r.enc = nil
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	return fileErr
}
