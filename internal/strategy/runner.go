package strategy

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicekeep/internal/domain"
	"voicekeep/internal/metrics"
	"voicekeep/internal/ports"
)

const (
	DefaultPrepareTimeout  = 10 * time.Second
	DefaultCaptureInterval = 250 * time.Millisecond
	DefaultSampleRate      = 16000
	DefaultChannels        = 1
	DefaultFramesPerBuffer = 1024

	openAttempts = 2
)

var errPrepareTimeout = errors.New("stream did not start playing before the prepare timeout")

// FailureFunc receives failures that happen after Start returned. It runs on
// the worker goroutine, which exits right after the call.
type FailureFunc func(kind domain.Strategy, err error)

// Config tunes both runners.
type Config struct {
	Stream          ports.StreamConfig
	PrepareTimeout  time.Duration
	CaptureInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream.SampleRate <= 0 {
		c.Stream.SampleRate = DefaultSampleRate
	}
	if c.Stream.Channels <= 0 {
		c.Stream.Channels = DefaultChannels
	}
	if c.Stream.FramesPerBuffer <= 0 {
		c.Stream.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = DefaultPrepareTimeout
	}
	if c.CaptureInterval <= 0 {
		c.CaptureInterval = DefaultCaptureInterval
	}
	return c
}

// bufferBytes is one buffer of 16-bit PCM.
func (c Config) bufferBytes() int {
	return c.Stream.FramesPerBuffer * c.Stream.Channels * 2
}

// Runner is one background keep-alive loop owning a single audio handle.
type Runner interface {
	Kind() domain.Strategy
	Start(ctx context.Context) error
	// Stop interrupts and joins the worker and releases the audio handle
	// before returning. Safe to call repeatedly.
	Stop()
	Active() bool
}

// Factory builds runners bound to one platform.
type Factory struct {
	Device      ports.AudioDevice
	Permissions ports.Permissions
	Config      Config
	Logger      zerolog.Logger
}

// NewRunner returns the runner for kind, or nil for StrategyNone.
func (f Factory) NewRunner(kind domain.Strategy, onFailure FailureFunc) Runner {
	switch kind {
	case domain.StrategySilentPlayback:
		return NewSilentPlayback(f.Device, f.Config, onFailure, f.Logger)
	case domain.StrategyFakeCapture:
		return NewFakeCapture(f.Device, f.Permissions, f.Config, onFailure, f.Logger)
	default:
		return nil
	}
}

// worker is the lifecycle shared by both runners: one goroutine, one stop
// channel, one join, one live handle.
type worker struct {
	kind      domain.Strategy
	onFailure FailureFunc
	logger    zerolog.Logger

	mu     sync.Mutex
	handle io.Closer
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func (w *worker) running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runningLocked()
}

func (w *worker) runningLocked() bool {
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// launch installs the opened handle and starts the loop.
func (w *worker) launch(parent context.Context, handle io.Closer, loop func(ctx context.Context, stop <-chan struct{})) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := make(chan struct{})
	done := make(chan struct{})

	w.mu.Lock()
	w.handle = handle
	w.stop = stop
	w.done = done
	w.cancel = cancel
	w.mu.Unlock()

	metrics.StrategyStarted(w.kind)
	go func() {
		defer close(done)
		defer cancel()
		loop(ctx, stop)
	}()
}

// swap replaces the live handle after an in-place restart. It reports false
// when Stop won the race, in which case the new handle is closed here.
func (w *worker) swap(stop <-chan struct{}, next io.Closer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-stop:
		closeQuietly(next, w.logger)
		return false
	default:
	}
	w.handle = next
	return true
}

func (w *worker) halt() {
	w.mu.Lock()
	if w.stop == nil {
		w.mu.Unlock()
		return
	}
	stop, done, handle, cancel := w.stop, w.done, w.handle, w.cancel
	close(stop)
	w.stop, w.handle, w.cancel = nil, nil, nil
	w.mu.Unlock()

	cancel()
	closeQuietly(handle, w.logger)
	<-done
	w.logger.Debug().Msg("keep-alive runner stopped")
}

func (w *worker) fail(err error) {
	code := domain.ErrorCodeStrategyFailed
	if errors.Is(err, domain.ErrPermissionDenied) {
		code = domain.ErrorCodePermissionDenied
	}
	metrics.StrategyFailed(w.kind, code)
	w.logger.Error().Err(err).Msg("keep-alive runner gave up")
	if w.onFailure != nil {
		w.onFailure(w.kind, err)
	}
}

func stopping(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// onceCloser makes a native handle safe to close from both the control path
// and the worker.
type onceCloser struct {
	once sync.Once
	err  error
	c    io.Closer
}

func (o *onceCloser) Close() error {
	o.once.Do(func() {
		o.err = o.c.Close()
	})
	return o.err
}

func closeQuietly(c io.Closer, logger zerolog.Logger) {
	if c == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Interface("panic", r).Msg("audio handle close panicked")
		}
	}()
	if err := c.Close(); err != nil {
		logger.Debug().Err(err).Msg("audio handle close failed")
	}
}
