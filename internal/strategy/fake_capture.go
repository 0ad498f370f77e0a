package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"voicekeep/internal/domain"
	"voicekeep/internal/metrics"
	"voicekeep/internal/ports"
)

var errCaptureStopped = errors.New("capture stream is no longer recording")

// FakeCapture keeps the input path hot by reading and discarding microphone
// buffers at a reduced duty cycle.
type FakeCapture struct {
	worker
	device      ports.AudioDevice
	permissions ports.Permissions
	cfg         Config
}

func NewFakeCapture(device ports.AudioDevice, permissions ports.Permissions, cfg Config, onFailure FailureFunc, logger zerolog.Logger) *FakeCapture {
	kind := domain.StrategyFakeCapture
	return &FakeCapture{
		worker: worker{
			kind:      kind,
			onFailure: onFailure,
			logger:    logger.With().Str("strategy", string(kind)).Logger(),
		},
		device:      device,
		permissions: permissions,
		cfg:         cfg.withDefaults(),
	}
}

func (f *FakeCapture) Kind() domain.Strategy { return f.kind }

func (f *FakeCapture) Active() bool { return f.running() }

func (f *FakeCapture) Stop() { f.halt() }

// Start checks the capture permission, opens the input stream (retrying
// once) and launches the discard loop. A no-op when already running.
func (f *FakeCapture) Start(ctx context.Context) error {
	if f.running() {
		return nil
	}
	if !f.permitted() {
		return domain.ErrPermissionDenied
	}

	stream, err := f.open(ctx)
	if err != nil {
		return err
	}

	f.launch(ctx, stream, func(loopCtx context.Context, stop <-chan struct{}) {
		f.loop(loopCtx, stop, stream)
	})
	f.logger.Info().Dur("interval", f.cfg.CaptureInterval).Msg("fake capture started")
	return nil
}

func (f *FakeCapture) permitted() bool {
	return f.permissions != nil && f.permissions.Granted(domain.PermissionRecordAudio)
}

func (f *FakeCapture) open(ctx context.Context) (*captureHandle, error) {
	var lastErr error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		stream, err := f.openOnce(ctx)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		f.logger.Warn().Err(err).Int("attempt", attempt).Msg("fake capture open failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrStrategyOpenFailed, lastErr)
}

func (f *FakeCapture) openOnce(ctx context.Context) (*captureHandle, error) {
	raw, err := f.device.OpenCaptureStream(ctx, f.cfg.Stream)
	if err != nil {
		return nil, err
	}
	return &captureHandle{CaptureStream: raw, closer: &onceCloser{c: raw}}, nil
}

func (f *FakeCapture) loop(ctx context.Context, stop <-chan struct{}, stream *captureHandle) {
	buf := make([]byte, f.cfg.bufferBytes())
	restarted := false
	ticker := time.NewTicker(f.cfg.CaptureInterval)
	defer ticker.Stop()

	for {
		_, err := stream.Read(buf)
		if stopping(stop) {
			closeQuietly(stream, f.logger)
			return
		}

		if err == nil {
			select {
			case <-stop:
				closeQuietly(stream, f.logger)
				return
			case <-ticker.C:
			}
			if stream.Recording() && f.permitted() {
				continue
			}
			err = errCaptureStopped
		}

		closeQuietly(stream, f.logger)
		if !f.permitted() {
			// Fail closed: a revoked permission is never retried.
			f.fail(fmt.Errorf("%w: revoked while capturing", domain.ErrPermissionDenied))
			return
		}
		if restarted {
			f.fail(fmt.Errorf("%w: %v", domain.ErrStrategyRuntime, err))
			return
		}
		restarted = true
		metrics.StrategyRestarted(f.kind)
		f.logger.Warn().Err(err).Msg("fake capture stream stopped; restarting in place")

		next, openErr := f.openOnce(ctx)
		if openErr != nil {
			if stopping(stop) {
				return
			}
			f.fail(fmt.Errorf("%w: restart failed: %v", domain.ErrStrategyRuntime, openErr))
			return
		}
		if !f.swap(stop, next) {
			return
		}
		stream = next
	}
}

type captureHandle struct {
	ports.CaptureStream
	closer *onceCloser
}

func (h *captureHandle) Close() error { return h.closer.Close() }
