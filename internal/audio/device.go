package audio

import (
	"context"
	"errors"
	"sync"

	"voicekeep/internal/ports"
)

// ErrDeviceBusy is returned when a stream is opened while another is live.
var ErrDeviceBusy = errors.New("audio device already has an open keep-alive stream")

type PlaybackBackend interface {
	OpenPlaybackStream(ctx context.Context, cfg ports.StreamConfig) (ports.PlaybackStream, error)
}

type CaptureBackend interface {
	OpenCaptureStream(ctx context.Context, cfg ports.StreamConfig) (ports.CaptureStream, error)
}

// Device pairs a playback and a capture backend and allows a single open
// stream across both.
type Device struct {
	playback PlaybackBackend
	capture  CaptureBackend

	mu   sync.Mutex
	open bool
}

func NewDevice(playback PlaybackBackend, capture CaptureBackend) *Device {
	return &Device{playback: playback, capture: capture}
}

func (d *Device) OpenPlaybackStream(ctx context.Context, cfg ports.StreamConfig) (ports.PlaybackStream, error) {
	if err := d.claim(); err != nil {
		return nil, err
	}
	stream, err := d.playback.OpenPlaybackStream(ctx, cfg)
	if err != nil {
		d.release()
		return nil, err
	}
	return &ownedPlayback{PlaybackStream: stream, owner: d}, nil
}

func (d *Device) OpenCaptureStream(ctx context.Context, cfg ports.StreamConfig) (ports.CaptureStream, error) {
	if err := d.claim(); err != nil {
		return nil, err
	}
	stream, err := d.capture.OpenCaptureStream(ctx, cfg)
	if err != nil {
		d.release()
		return nil, err
	}
	return &ownedCapture{CaptureStream: stream, owner: d}, nil
}

// Busy reports whether a stream is currently open.
func (d *Device) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Device) claim() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return ErrDeviceBusy
	}
	d.open = true
	return nil
}

func (d *Device) release() {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
}

type ownedPlayback struct {
	ports.PlaybackStream
	owner *Device
	once  sync.Once
	err   error
}

func (s *ownedPlayback) Close() error {
	s.once.Do(func() {
		s.err = s.PlaybackStream.Close()
		s.owner.release()
	})
	return s.err
}

type ownedCapture struct {
	ports.CaptureStream
	owner *Device
	once  sync.Once
	err   error
}

func (s *ownedCapture) Close() error {
	s.once.Do(func() {
		s.err = s.CaptureStream.Close()
		s.owner.release()
	})
	return s.err
}
