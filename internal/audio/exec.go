package audio

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecDevice captures raw PCM from the stdout of a recording command such as
// "arecord -q -t raw -f S16_LE -r {rate} -c {channels}".
type ExecDevice struct {
	args []string
}

func NewExecDevice(command string) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecDevice{args: args}, nil
}

func (d *ExecDevice) Open(format Format) (Handle, error) {
	if format.BitsPerSample != 16 {
		return nil, unavailable("capture command produces 16-bit pcm only, requested %s", format)
	}
	replacer := strings.NewReplacer(
		"{rate}", strconv.Itoa(format.SampleRate),
		"{channels}", strconv.Itoa(format.Channels),
		"{bits}", strconv.Itoa(format.BitsPerSample),
	)
	args := make([]string, len(d.args))
	for i, arg := range d.args {
		args[i] = replacer.Replace(arg)
	}

	cmd := exec.Command(args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, unavailable("capture stdout: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, unavailable("start capture command %s: %v", args[0], err)
	}
	return &execHandle{cmd: cmd, stdout: stdout, stderr: &stderr}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	once   sync.Once
}

func (h *execHandle) Read(p []byte) (int, error) {
	return h.stdout.Read(p)
}

func (h *execHandle) Release() error {
	var err error
	h.once.Do(func() {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		// Wait closes stdout, which unblocks a pending Read.
		if waitErr := h.cmd.Wait(); waitErr != nil && !isKilled(waitErr) {
			err = fmt.Errorf("capture command: %w: %s", waitErr, strings.TrimSpace(h.stderr.String()))
		}
	})
	return err
}

func isKilled(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	return !exitErr.Exited()
}
