package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sotto-labs/sotto-core/internal/config"
)

// ErrUnknownDevice marks an acquisition failure caused by the requested
// input device, as opposed to the capture pipeline itself. Callers fall back
// to the platform default on it.
var ErrUnknownDevice = errors.New("unknown audio input device")

// AudioSource opens microphone streams. An empty device selects the
// platform default.
type AudioSource interface {
	Open(ctx context.Context, device string) (AudioStream, error)
}

// FFmpegSource captures raw PCM from the microphone with an ffmpeg child
// process.
type FFmpegSource struct {
	cfg        config.MicConfig
	sampleRate int
	channels   int
}

func NewFFmpegSource(cfg config.MicConfig, sampleRate, channels int) *FFmpegSource {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	return &FFmpegSource{cfg: cfg, sampleRate: sampleRate, channels: channels}
}

func (s *FFmpegSource) Open(ctx context.Context, device string) (AudioStream, error) {
	if device == "" {
		device = s.cfg.Device
	}
	if device == "" {
		device = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.cfg.InputFormat,
		"-i", device,
		"-ac", strconv.Itoa(s.channels),
		"-ar", strconv.Itoa(s.sampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// ffmpeg rejects a bad device almost immediately; give it a moment.
	select {
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		if isDeviceError(detail) {
			return nil, fmt.Errorf("%w: %s: %s", ErrUnknownDevice, device, detail)
		}
		if err != nil {
			return nil, fmt.Errorf("capture process exited before producing audio: %w: %s", err, detail)
		}
		return nil, errors.New("capture process exited before producing audio")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegStream{
		stdout:  stdout,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func isDeviceError(stderr string) bool {
	lowered := strings.ToLower(stderr)
	for _, marker := range []string{"no such device", "no such file", "cannot find", "device not found", "unknown input"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

type ffmpegStream struct {
	stdout  io.ReadCloser
	process *os.Process
	waitErr <-chan error

	closeOnce sync.Once
	closeErr  error
}

func (f *ffmpegStream) Read(p []byte) (int, error) {
	return f.stdout.Read(p)
}

func (f *ffmpegStream) Close() error {
	f.closeOnce.Do(func() {
		_ = f.process.Signal(os.Interrupt)
		select {
		case err := <-f.waitErr:
			f.closeErr = err
		case <-time.After(2 * time.Second):
			_ = f.process.Kill()
			f.closeErr = <-f.waitErr
		}
		_ = f.stdout.Close()
	})
	return f.closeErr
}

// recordingStream tees captured audio into a file whose path becomes the
// session's audio reference.
type recordingStream struct {
	inner AudioStream
	file  *os.File
}

func newRecordingStream(inner AudioStream, path string) (*recordingStream, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create audio recording: %w", err)
	}
	return &recordingStream{inner: inner, file: file}, nil
}

func (r *recordingStream) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		_, _ = r.file.Write(p[:n])
	}
	return n, err
}

func (r *recordingStream) Close() error {
	_ = r.file.Close()
	return r.inner.Close()
}

func (r *recordingStream) Path() string {
	return r.file.Name()
}
