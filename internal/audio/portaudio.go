package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"voicekeep/internal/ports"
)

// Portaudio opens keep-alive streams on the default PortAudio devices.
type Portaudio struct {
	mu          sync.Mutex
	initialized bool
}

func NewPortaudio() *Portaudio {
	return &Portaudio{}
}

// Init loads the PortAudio library. Streams cannot be opened before it.
func (p *Portaudio) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	p.initialized = true
	return nil
}

// Terminate releases the PortAudio library.
func (p *Portaudio) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil
	}
	p.initialized = false
	return portaudio.Terminate()
}

// OpenPlaybackStream opens the default output. The stream is started in the
// background and Started is closed once it is running.
func (p *Portaudio) OpenPlaybackStream(_ context.Context, cfg ports.StreamConfig) (ports.PlaybackStream, error) {
	if err := p.Init(); err != nil {
		return nil, err
	}
	cfg = normalizeStreamConfig(cfg)

	out := &paPlayback{
		buffer:  make([]int16, cfg.FramesPerBuffer*cfg.Channels),
		started: make(chan struct{}),
	}
	stream, err := portaudio.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), cfg.FramesPerBuffer, out.buffer)
	if err != nil {
		return nil, fmt.Errorf("open playback stream: %w", err)
	}
	out.stream = stream

	go func() {
		out.mu.Lock()
		defer out.mu.Unlock()
		if out.closed.Load() {
			return
		}
		if err := stream.Start(); err != nil {
			return
		}
		close(out.started)
	}()
	return out, nil
}

// OpenCaptureStream opens and starts the default input.
func (p *Portaudio) OpenCaptureStream(_ context.Context, cfg ports.StreamConfig) (ports.CaptureStream, error) {
	if err := p.Init(); err != nil {
		return nil, err
	}
	cfg = normalizeStreamConfig(cfg)

	in := &paCapture{buffer: make([]int16, cfg.FramesPerBuffer*cfg.Channels)}
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, in.buffer)
	if err != nil {
		return nil, fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start capture stream: %w", err)
	}
	in.stream = stream
	in.recording.Store(true)
	return in, nil
}

type paPlayback struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buffer  []int16
	started chan struct{}
	closed  atomic.Bool
	once    sync.Once
	err     error
}

// Write plays one buffer of PCM16 little-endian samples, zero-padding short
// input.
func (s *paPlayback) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}

	n := bytesToSamples(p, s.buffer)
	if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return 0, err
	}
	return n * 2, nil
}

func (s *paPlayback) Started() <-chan struct{} { return s.started }

func (s *paPlayback) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.stream.Abort()
		s.err = s.stream.Close()
	})
	return s.err
}

type paCapture struct {
	mu        sync.Mutex
	stream    *portaudio.Stream
	buffer    []int16
	recording atomic.Bool
	once      sync.Once
	err       error
}

// Read captures one buffer and returns it as PCM16 little-endian bytes.
func (s *paCapture) Read(p []byte) (int, error) {
	if !s.recording.Load() {
		return 0, io.EOF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording.Load() {
		return 0, io.EOF
	}

	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		s.recording.Store(false)
		return 0, err
	}
	return samplesToBytes(s.buffer, p), nil
}

func (s *paCapture) Recording() bool { return s.recording.Load() }

func (s *paCapture) Close() error {
	s.once.Do(func() {
		s.recording.Store(false)
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.stream.Abort()
		s.err = s.stream.Close()
	})
	return s.err
}

func normalizeStreamConfig(cfg ports.StreamConfig) ports.StreamConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}
	return cfg
}

// bytesToSamples decodes little-endian PCM16 into dst, zero-filling the rest.
// It returns the number of samples decoded.
func bytesToSamples(src []byte, dst []int16) int {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// samplesToBytes encodes src as little-endian PCM16 into dst and returns the
// number of bytes written.
func samplesToBytes(src []int16, dst []byte) int {
	n := len(src)
	if n > len(dst)/2 {
		n = len(dst) / 2
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(src[i]))
	}
	return n * 2
}
