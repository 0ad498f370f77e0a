package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"voicekeep/internal/ports"
)

const (
	ffmpegStartGrace = 250 * time.Millisecond
	ffmpegStopGrace  = 1200 * time.Millisecond
)

// FFMPEGCapture opens microphone PCM streams through an ffmpeg subprocess.
type FFMPEGCapture struct {
	command     string
	inputFormat string
	inputDevice string
}

func NewFFMPEGCapture(command string, inputFormat string, inputDevice string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	return &FFMPEGCapture{command: command, inputFormat: inputFormat, inputDevice: inputDevice}
}

// OpenCaptureStream starts ffmpeg and waits briefly for an early exit. The
// process outlives ctx; it is stopped by closing the stream.
func (c *FFMPEGCapture) OpenCaptureStream(ctx context.Context, cfg ports.StreamConfig) (ports.CaptureStream, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", c.inputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.Command(c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	session := &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		exited:  make(chan struct{}),
	}
	go func() {
		session.waitErr = cmd.Wait()
		close(session.exited)
	}()

	select {
	case <-session.exited:
		if session.waitErr != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", session.waitErr, stringsTrimSpaceSafe(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-ctx.Done():
		_ = session.Close()
		return nil, ctx.Err()
	case <-time.After(ffmpegStartGrace):
	}

	return session, nil
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Recording reports whether the ffmpeg process is still running.
func (s *ffmpegSession) Recording() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *ffmpegSession) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case <-s.exited:
		case <-time.After(ffmpegStopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			<-s.exited
		}
		s.stopErr = normalizeStopErr(s.waitErr)

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, stringsTrimSpaceSafe(s.stderr.String()))
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
