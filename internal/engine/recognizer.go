package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/mattn/go-shellwords"
)

// Utterance is a buffered span of audio handed to a Recognizer.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Locale     string
	Final      bool
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer transcribes whole buffers. The batch client turns it into a stream.
type Recognizer interface {
	Transcribe(ctx context.Context, u Utterance) (TranscriptResult, error)
}

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, u Utterance) (TranscriptResult, error) {
	mode := "partial"
	if u.Final {
		mode = "Final"
	}
	return TranscriptResult{Text: fmt.Sprintf("%s transcript length=%d.", mode, len(u.PCM))}, nil
}

type execRecognizer struct {
	cmd []string
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs command once per utterance with --audio <wav> [--language] [--partial]
// and expects {"text": ..., "confidence": ...} on stdout.
func NewExecRecognizer(command string) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command is empty")
	}
	return &execRecognizer{cmd: args}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, u Utterance) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_dictate_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	file.Close()
	defer os.Remove(path)

	if err := writeUtteranceWav(path, u); err != nil {
		return TranscriptResult{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", path)
	if u.Locale != "" {
		args = append(args, "--language", u.Locale)
	}
	if !u.Final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("speech command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode speech response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func writeUtteranceWav(path string, u Utterance) error {
	rec, err := audio.NewRecorder(path, audio.Format{SampleRate: u.SampleRate, BitsPerSample: 16, Channels: u.Channels})
	if err != nil {
		return err
	}
	if err := rec.Write(u.PCM); err != nil {
		rec.Close()
		return err
	}
	return rec.Close()
}
