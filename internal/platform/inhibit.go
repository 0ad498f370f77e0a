package platform

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	inhibitStartGrace = 150 * time.Millisecond
	inhibitStopGrace  = 1200 * time.Millisecond
)

// Inhibitor holds the wake lock by keeping a systemd-inhibit process alive.
// A timed lock lets the inhibitor's child exit on its own.
type Inhibitor struct {
	command string
	who     string
	why     string
	logger  zerolog.Logger

	mu   sync.Mutex
	proc *inhibitProcess
}

func NewInhibitor(command string, who string, logger zerolog.Logger) *Inhibitor {
	if command == "" {
		command = "systemd-inhibit"
	}
	if who == "" {
		who = "voicekeep"
	}
	return &Inhibitor{
		command: command,
		who:     who,
		why:     "keeping a live voice room connected",
		logger:  logger,
	}
}

// AcquireWakeLock starts the inhibitor. An existing lock is replaced so the
// new timeout takes effect.
func (i *Inhibitor) AcquireWakeLock(timeout time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.proc != nil {
		if err := i.proc.stop(); err != nil {
			i.logger.Warn().Err(err).Msg("previous inhibitor did not exit cleanly")
		}
		i.proc = nil
	}

	cmd := exec.Command(i.command, i.args(timeout)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", i.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("inhibitor exited before the lock was taken: %w: %s", err, trimOutput(stderr.String()))
		}
		return errors.New("inhibitor exited before the lock was taken")
	case <-time.After(inhibitStartGrace):
	}

	i.proc = &inhibitProcess{process: cmd.Process, waitErr: waitErr, stderr: &stderr}
	i.logger.Debug().Dur("timeout", timeout).Int("pid", cmd.Process.Pid).Msg("wake lock inhibitor started")
	return nil
}

func (i *Inhibitor) ReleaseWakeLock() error {
	i.mu.Lock()
	proc := i.proc
	i.proc = nil
	i.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.stop()
}

// Held reports whether the inhibitor process is still running.
func (i *Inhibitor) Held() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.proc != nil && i.proc.alive()
}

func (i *Inhibitor) args(timeout time.Duration) []string {
	hold := "infinity"
	if timeout > 0 {
		hold = strconv.Itoa(int(math.Ceil(timeout.Seconds())))
	}
	return []string{
		"--what=sleep:idle",
		"--who=" + i.who,
		"--why=" + i.why,
		"--mode=block",
		"sleep", hold,
	}
}

type inhibitProcess struct {
	process *os.Process
	waitErr <-chan error
	stderr  *bytes.Buffer

	stopOnce sync.Once
	stopErr  error
	exited   bool
	exitMu   sync.Mutex
}

func (p *inhibitProcess) alive() bool {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	if p.exited {
		return false
	}
	select {
	case <-p.waitErr:
		p.exited = true
		return false
	default:
		return true
	}
}

func (p *inhibitProcess) stop() error {
	p.stopOnce.Do(func() {
		if !p.alive() {
			return
		}
		_ = p.process.Signal(os.Interrupt)

		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = normalizeExitErr(err)
			}
		case <-time.After(inhibitStopGrace):
			_ = p.process.Kill()
			if err, ok := <-p.waitErr; ok {
				p.stopErr = normalizeExitErr(err)
			}
		}

		p.exitMu.Lock()
		p.exited = true
		p.exitMu.Unlock()

		if p.stopErr != nil && p.stderr.Len() > 0 {
			p.stopErr = fmt.Errorf("%w: %s", p.stopErr, trimOutput(p.stderr.String()))
		}
	})
	return p.stopErr
}

func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	return string(bytes.TrimSpace([]byte(input)))
}
