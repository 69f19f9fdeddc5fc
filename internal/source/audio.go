package source

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

const (
	// DefaultAudioSampleRate is the capture rate when none is configured.
	DefaultAudioSampleRate = 48000

	// audioPollInterval is how often Read re-checks an empty capture ring.
	audioPollInterval = 5 * time.Millisecond

	// bytesPerAudioSample is the width of one S16LE sample.
	bytesPerAudioSample = 2
)

// AudioConfig configures an AudioSource. Captured data is interleaved
// signed 16-bit little-endian PCM, one frame per sample period.
type AudioConfig struct {
	Device      string // case-insensitive substring of the device name, empty for the default device
	SampleRate  int
	Channels    int
	BufferTime  time.Duration // capture ring length
	ReadTimeout time.Duration
}

// AudioSource captures from a sound card through miniaudio.
type AudioSource struct {
	cfg AudioConfig
	log logger.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rb     *ringbuffer.RingBuffer

	dropped atomic.Uint64
	stopped atomic.Bool
}

// NewAudioSource returns an unopened capture source.
func NewAudioSource(cfg AudioConfig) (*AudioSource, error) {
	if cfg.Channels < 1 {
		return nil, errors.Newf("audio capture needs at least one channel, got %d", cfg.Channels).
			Component("source").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultAudioSampleRate
	}
	if cfg.BufferTime <= 0 {
		cfg.BufferTime = time.Second
	}
	cfg.ReadTimeout = readTimeout(cfg.ReadTimeout)

	name := cfg.Device
	if name == "" {
		name = "default"
	}

	return &AudioSource{
		cfg: cfg,
		log: GetLogger().Module("audio").With(logger.String("device", name)),
	}, nil
}

// Name returns the configured device name.
func (s *AudioSource) Name() string {
	if s.cfg.Device == "" {
		return "audio:default"
	}
	return "audio:" + s.cfg.Device
}

// Dropped returns the number of captured bytes lost because the ring was full.
func (s *AudioSource) Dropped() uint64 {
	return s.dropped.Load()
}

// Open initializes the capture context and starts the device.
func (s *AudioSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return nil
	}

	malgoCtx, err := malgo.InitContext([]malgo.Backend{captureBackend()}, malgo.ContextConfig{}, func(message string) {
		s.log.Debug("miniaudio", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return unavailable(fmt.Errorf("init context: %w", err), "audio", s.Name())
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.cfg.Channels)
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if s.cfg.Device != "" {
		info, err := findCaptureDevice(malgoCtx, s.cfg.Device)
		if err != nil {
			_ = malgoCtx.Uninit()
			malgoCtx.Free()
			return unavailable(err, "audio", s.Name())
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	ringBytes := int(s.cfg.BufferTime.Seconds()*float64(s.cfg.SampleRate)) * s.cfg.Channels * bytesPerAudioSample
	s.rb = ringbuffer.New(max(ringBytes, 4096))
	s.stopped.Store(false)

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onCapture,
		Stop: func() { s.stopped.Store(true) },
	})
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return unavailable(fmt.Errorf("init device: %w", err), "audio", s.Name())
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return unavailable(fmt.Errorf("start device: %w", err), "audio", s.Name())
	}

	s.ctx = malgoCtx
	s.device = device
	s.log.Info("audio capture started",
		logger.Int("sample_rate", int(device.SampleRate())),
		logger.Int("channels", s.cfg.Channels))
	return nil
}

// onCapture runs on the miniaudio thread and must not block.
func (s *AudioSource) onCapture(_, input []byte, _ uint32) {
	if lost := writeWholeFrames(s.rb, input, s.cfg.Channels*bytesPerAudioSample); lost > 0 {
		s.dropped.Add(uint64(lost))
	}
}

// writeWholeFrames writes the longest prefix of input that is a whole number
// of frames and fits in rb, and returns the number of bytes left out. The
// ring never holds a partial frame, so a reader without a start marker
// stays aligned after an overflow.
func writeWholeFrames(rb *ringbuffer.RingBuffer, input []byte, frameSize int) int {
	free := rb.Free()
	k := min(len(input), free-free%frameSize)
	k -= k % frameSize
	if k == 0 {
		return len(input)
	}
	n, _ := rb.Write(input[:k])
	return len(input) - n
}

// Read drains captured PCM, waiting up to the read timeout for data.
func (s *AudioSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	rb := s.rb
	running := s.device != nil
	s.mu.Unlock()

	if !running {
		return 0, notOpen("audio", s.Name())
	}

	deadline := time.Now().Add(s.cfg.ReadTimeout)
	for {
		n, err := rb.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, ioFailure(err, "audio", s.Name())
		}
		if s.stopped.Load() {
			return 0, ioFailure(errors.NewStd("capture device stopped"), "audio", s.Name())
		}
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(audioPollInterval)
	}
}

// Close stops the device and releases the capture context.
func (s *AudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return nil
	}

	var errs []error
	if err := s.device.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.device.Uninit()
	s.device = nil

	if err := s.ctx.Uninit(); err != nil {
		errs = append(errs, err)
	}
	s.ctx.Free()
	s.ctx = nil

	if dropped := s.dropped.Load(); dropped > 0 {
		s.log.Warn("capture ring overflowed", logger.Uint64("dropped_bytes", dropped))
	}
	s.log.Info("audio capture stopped")

	if err := errors.Join(errs...); err != nil {
		return ioFailure(err, "audio", s.Name())
	}
	return nil
}

func findCaptureDevice(ctx *malgo.AllocatedContext, name string) (*malgo.DeviceInfo, error) {
	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}

	want := strings.ToLower(name)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name()), want) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matching %q", name)
}

func captureBackend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}
