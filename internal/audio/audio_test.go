package audio

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCaptureSourceNeverSplitsSamples(t *testing.T) {
	device := NewScriptedDevice([]byte{1, 2, 3}, []byte{4, 5, 6, 7})
	device.EOF = true
	src := NewCaptureSource(device, DefaultFormat)
	if err := src.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	buf := make([]byte, 16)
	var got []byte
	for {
		n := src.Read(buf)
		if n == 0 {
			break
		}
		if n%DefaultFormat.FrameSize() != 0 {
			t.Fatalf("read returned partial sample: %d bytes", n)
		}
		got = append(got, buf[:n]...)
	}
	want := []byte{1, 2, 3, 4, 5, 6}
	if string(got) != string(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCaptureSourceOddBufferRoundsDown(t *testing.T) {
	src := NewCaptureSource(NewScriptedDevice([]byte{1, 2, 3, 4}), DefaultFormat)
	if err := src.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	if n := src.Read(make([]byte, 1)); n != 0 {
		t.Fatalf("expected 0 for a buffer shorter than one sample, got %d", n)
	}
	if n := src.Read(make([]byte, 3)); n != 2 {
		t.Fatalf("expected 2 bytes, got %d", n)
	}
}

func TestCaptureSourceCloseIsIdempotent(t *testing.T) {
	device := NewScriptedDevice()
	src := NewCaptureSource(device, DefaultFormat)
	if err := src.Close(); err != nil {
		t.Fatalf("close on unopened source: %v", err)
	}

	src = NewCaptureSource(device, DefaultFormat)
	if err := src.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := src.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
	if device.OpenHandles() != 0 {
		t.Fatalf("expected handle released, %d still open", device.OpenHandles())
	}
	if n := src.Read(make([]byte, 4)); n != 0 {
		t.Fatalf("expected closed source to read 0, got %d", n)
	}
	if err := src.Open(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected reopen of closed source to fail, got %v", err)
	}
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	src := NewCaptureSource(NewScriptedDevice(), DefaultFormat)
	if err := src.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	done := make(chan int, 1)
	go func() { done <- src.Read(make([]byte, 32)) }()
	time.Sleep(10 * time.Millisecond)
	_ = src.Close()
	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("expected 0 after close, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after close")
	}
}

func TestOpenFailureIsDeviceUnavailable(t *testing.T) {
	device := NewScriptedDevice()
	device.OpenErr = errors.New("no microphone")
	src := NewCaptureSource(device, DefaultFormat)
	if err := src.Open(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}

	wrongFormat := NewScriptedDevice()
	wrongFormat.Format = Format{SampleRate: 44100, BitsPerSample: 16, Channels: 2}
	src = NewCaptureSource(wrongFormat, DefaultFormat)
	if err := src.Open(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable for unsupported format, got %v", err)
	}
}

func TestMicrophoneKeepsSingleSourceOpen(t *testing.T) {
	device := NewScriptedDevice()
	mic := NewMicrophone(device, DefaultFormat, newLogger())

	first, err := mic.Acquire("one")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := mic.Acquire("two")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first.IsOpen() {
		t.Fatal("expected previous source closed before a new one opens")
	}
	if device.OpenHandles() != 1 {
		t.Fatalf("expected exactly one open handle, got %d", device.OpenHandles())
	}
	if mic.Active() != second {
		t.Fatal("expected second source to be active")
	}
	if err := mic.Release(first); err != nil {
		t.Fatalf("release stale source: %v", err)
	}
	if mic.Active() != second {
		t.Fatal("releasing a stale source must not clear the active one")
	}
	if err := mic.Release(second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if device.OpenHandles() != 0 || mic.Active() != nil {
		t.Fatal("expected microphone slot empty")
	}
}

func TestMicrophoneConcurrentAcquire(t *testing.T) {
	device := NewScriptedDevice()
	mic := NewMicrophone(device, DefaultFormat, newLogger())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mic.Acquire("x")
		}()
	}
	wg.Wait()
	if device.OpenHandles() != 1 {
		t.Fatalf("expected one open handle, got %d", device.OpenHandles())
	}
	_ = mic.Release(mic.Active())
}

func TestRecorderRoundTripsThroughWavDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	rec, err := NewRecorder(path, DefaultFormat)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	pcm := []byte{0x10, 0x00, 0xf0, 0xff, 0x00, 0x40, 0x00, 0xc0}
	if err := rec.Write(pcm); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	file.Close()

	src := NewCaptureSource(NewWavDevice(path, false), DefaultFormat)
	if err := src.Open(); err != nil {
		t.Fatalf("open wav source: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	buf := make([]byte, 64)
	var got []byte
	for {
		n := src.Read(buf)
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != string(pcm) {
		t.Fatalf("expected %v, got %v", pcm, got)
	}
}

func TestRecordingFailureIsLoggedOnce(t *testing.T) {
	rec, err := NewRecorder(filepath.Join(t.TempDir(), "tee.wav"), DefaultFormat)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	device := NewScriptedDevice(make([]byte, 320), make([]byte, 320), make([]byte, 320))
	device.EOF = true
	src := NewCaptureSource(device, DefaultFormat)
	if err := src.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	src.attachRecorder(rec, log)

	buf := make([]byte, 320)
	for i := 0; i < 3; i++ {
		if n := src.Read(buf); n != 320 {
			t.Fatalf("read %d: expected capture to continue despite the recorder, got %d", i, n)
		}
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := strings.Count(logs.String(), "capture recording failed"); got != 1 {
		t.Fatalf("expected one recording failure log, got %d:\n%s", got, logs.String())
	}
	if !strings.Contains(logs.String(), "recorder closed") {
		t.Fatalf("expected the recorder error in the log, got %s", logs.String())
	}
}

func TestWavDeviceRejectsOtherFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	rec, err := NewRecorder(path, Format{SampleRate: 44100, BitsPerSample: 16, Channels: 2})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if err := rec.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = rec.Close()

	src := NewCaptureSource(NewWavDevice(path, false), DefaultFormat)
	if err := src.Open(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := DefaultFormat.BytesFor(100 * time.Millisecond); got != 3200 {
		t.Fatalf("expected 3200 bytes per 100ms, got %d", got)
	}
	if got := DefaultFormat.DurationOf(32000); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
}

func TestNewDeviceKinds(t *testing.T) {
	tests := []struct {
		cfg     config.AudioConfig
		wantErr bool
	}{
		{cfg: config.AudioConfig{Device: "silence", BufferMS: 20}},
		{cfg: config.AudioConfig{Device: "wav", Path: "capture.wav"}},
		{cfg: config.AudioConfig{Device: "exec", Command: "arecord -q -t raw -f S16_LE -r 16000 -c 1"}},
		{cfg: config.AudioConfig{Device: "exec"}, wantErr: true},
		{cfg: config.AudioConfig{Device: "scripted"}, wantErr: true},
	}
	for _, tt := range tests {
		device, err := NewDevice(tt.cfg)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.cfg.Device)
			}
			continue
		}
		if err != nil || device == nil {
			t.Fatalf("%s: unexpected error %v", tt.cfg.Device, err)
		}
	}

	device, _ := NewDevice(config.AudioConfig{Device: "silence", BufferMS: 20})
	src := NewCaptureSource(device, DefaultFormat)
	if err := src.Open(); err != nil {
		t.Fatalf("open silence: %v", err)
	}
	defer src.Close()
	buf := make([]byte, 1024)
	n := src.Read(buf)
	if n != DefaultFormat.BytesFor(20*time.Millisecond) {
		t.Fatalf("expected one silent frame, got %d bytes", n)
	}
	for _, b := range buf[:n] {
		if b != 0 {
			t.Fatalf("silence device produced non-zero sample")
		}
	}
}
