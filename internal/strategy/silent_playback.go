package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"voicekeep/internal/domain"
	"voicekeep/internal/metrics"
	"voicekeep/internal/ports"
)

// SilentPlayback keeps the output path alive by looping zeroed PCM buffers.
type SilentPlayback struct {
	worker
	device ports.AudioDevice
	cfg    Config
}

func NewSilentPlayback(device ports.AudioDevice, cfg Config, onFailure FailureFunc, logger zerolog.Logger) *SilentPlayback {
	kind := domain.StrategySilentPlayback
	return &SilentPlayback{
		worker: worker{
			kind:      kind,
			onFailure: onFailure,
			logger:    logger.With().Str("strategy", string(kind)).Logger(),
		},
		device: device,
		cfg:    cfg.withDefaults(),
	}
}

func (s *SilentPlayback) Kind() domain.Strategy { return s.kind }

func (s *SilentPlayback) Active() bool { return s.running() }

func (s *SilentPlayback) Stop() { s.halt() }

// Start opens the muted stream, retrying once, and launches the write loop.
// A no-op when already running.
func (s *SilentPlayback) Start(ctx context.Context) error {
	if s.running() {
		return nil
	}

	stream, err := s.open(ctx)
	if err != nil {
		return err
	}

	s.launch(ctx, stream, func(loopCtx context.Context, stop <-chan struct{}) {
		s.loop(loopCtx, stop, stream)
	})
	s.logger.Info().Msg("silent playback started")
	return nil
}

func (s *SilentPlayback) open(ctx context.Context) (*playbackHandle, error) {
	var lastErr error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		stream, err := s.openOnce(ctx)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("silent playback open failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrStrategyOpenFailed, lastErr)
}

// openOnce opens the output stream and waits a bounded time for it to begin
// playing; a stream that never starts is torn down.
func (s *SilentPlayback) openOnce(ctx context.Context) (*playbackHandle, error) {
	raw, err := s.device.OpenPlaybackStream(ctx, s.cfg.Stream)
	if err != nil {
		return nil, err
	}
	stream := &playbackHandle{PlaybackStream: raw}
	stream.closer = &onceCloser{c: raw}

	timer := time.NewTimer(s.cfg.PrepareTimeout)
	defer timer.Stop()

	select {
	case <-raw.Started():
		return stream, nil
	case <-timer.C:
		closeQuietly(stream, s.logger)
		return nil, errPrepareTimeout
	case <-ctx.Done():
		closeQuietly(stream, s.logger)
		return nil, ctx.Err()
	}
}

func (s *SilentPlayback) loop(ctx context.Context, stop <-chan struct{}, stream *playbackHandle) {
	silence := make([]byte, s.cfg.bufferBytes())
	restarted := false

	for {
		if stopping(stop) {
			closeQuietly(stream, s.logger)
			return
		}

		_, err := stream.Write(silence)
		if err == nil {
			continue
		}
		if stopping(stop) {
			return
		}

		closeQuietly(stream, s.logger)
		if restarted {
			s.fail(fmt.Errorf("%w: %v", domain.ErrStrategyRuntime, err))
			return
		}
		restarted = true
		metrics.StrategyRestarted(s.kind)
		s.logger.Warn().Err(err).Msg("silent playback stream died; restarting in place")

		next, openErr := s.openOnce(ctx)
		if openErr != nil {
			if stopping(stop) {
				return
			}
			s.fail(fmt.Errorf("%w: restart failed: %v", domain.ErrStrategyRuntime, openErr))
			return
		}
		if !s.swap(stop, next) {
			return
		}
		stream = next
	}
}

type playbackHandle struct {
	ports.PlaybackStream
	closer *onceCloser
}

func (h *playbackHandle) Close() error { return h.closer.Close() }
