package source

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/frame"
	"github.com/sigscope/sigscope/internal/logger"
)

// Waveform selects the signal a demo channel produces.
type Waveform string

const (
	WaveSine     Waveform = "sine"
	WaveSquare   Waveform = "square"
	WaveTriangle Waveform = "triangle"
	WaveSawtooth Waveform = "sawtooth"
	WaveNoise    Waveform = "noise"
)

// ParseWaveform accepts a waveform name, case-insensitively.
func ParseWaveform(s string) (Waveform, error) {
	w := Waveform(strings.ToLower(strings.TrimSpace(s)))
	switch w {
	case WaveSine, WaveSquare, WaveTriangle, WaveSawtooth, WaveNoise:
		return w, nil
	case "":
		return WaveSine, nil
	default:
		return "", fmt.Errorf("unknown waveform %q", s)
	}
}

// DemoChannel describes one synthetic channel.
type DemoChannel struct {
	Waveform  Waveform
	Frequency float64 // Hz
	Amplitude float64 // fraction of full scale, 0..1
	Noise     float64 // added uniform noise, fraction of full scale
}

// DemoConfig configures a DemoSource.
type DemoConfig struct {
	SampleRate  int
	Channels    []DemoChannel // cycled when the decoder has more channels
	Seed        uint64
	Unpaced     bool
	ReadTimeout time.Duration
}

// DefaultDemoRate is the synthetic frame rate when none is configured.
const DefaultDemoRate = 1000

// DemoSource synthesizes frames in the wire format of a decoder.
type DemoSource struct {
	cfg DemoConfig
	dec *frame.Decoder
	log logger.Logger

	lo, hi float64

	mu      sync.Mutex
	open    bool
	n       uint64 // frames generated
	rng     *rand.Rand
	pending []byte
	samples []float64
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDemoSource returns a generator producing frames for dec.
func NewDemoSource(cfg DemoConfig, dec *frame.Decoder) (*DemoSource, error) {
	if dec == nil {
		return nil, errors.Newf("demo source needs a frame decoder").
			Component("source").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultDemoRate
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []DemoChannel{{Waveform: WaveSine, Frequency: 10, Amplitude: 0.8}}
	}
	for i, ch := range cfg.Channels {
		if ch.Frequency < 0 || ch.Amplitude < 0 || ch.Amplitude > 1 || ch.Noise < 0 {
			return nil, errors.Newf("demo channel %d: frequency, amplitude and noise must be non-negative, amplitude at most 1", i).
				Component("source").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}
	cfg.ReadTimeout = readTimeout(cfg.ReadTimeout)

	lo, hi := dec.Config().Format.Range()
	return &DemoSource{
		cfg:     cfg,
		dec:     dec,
		log:     GetLogger().Module("demo"),
		lo:      lo,
		hi:      hi,
		samples: make([]float64, dec.Channels()),
	}, nil
}

// Name identifies the generator.
func (s *DemoSource) Name() string {
	return fmt.Sprintf("demo:%dHz", s.cfg.SampleRate)
}

// Open resets the generator phase.
func (s *DemoSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	s.n = 0
	s.rng = rand.New(rand.NewPCG(s.cfg.Seed, s.cfg.Seed^0x9e3779b97f4a7c15))
	s.pending = s.pending[:0]
	// one burst covers 20 ms of frames
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.SampleRate), max(1, s.cfg.SampleRate/50))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.open = true

	s.log.Info("demo generator opened",
		logger.Int("sample_rate", s.cfg.SampleRate),
		logger.Int("channels", s.dec.Channels()),
		logger.String("format", s.dec.Config().Format.String()))
	return nil
}

// Read returns encoded frames, pacing generation at the configured rate.
func (s *DemoSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return 0, notOpen("demo", s.Name())
	}
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	limiter, ctx := s.limiter, s.ctx
	s.mu.Unlock()

	frames := limiter.Burst()
	if !s.cfg.Unpaced {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		err := limiter.WaitN(waitCtx, frames)
		cancel()
		if err != nil {
			return 0, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, notOpen("demo", s.Name())
	}

	var err error
	buf := s.pending[:0]
	for range frames {
		s.nextFrame()
		buf, err = s.dec.Encode(buf, s.samples)
		if err != nil {
			return 0, ioFailure(err, "demo", s.Name())
		}
	}

	n := copy(p, buf)
	if n == len(buf) {
		s.pending = buf[:0]
	} else {
		s.pending = buf[n:]
	}
	return n, nil
}

// nextFrame fills s.samples with the next frame, scaled to the wire range.
func (s *DemoSource) nextFrame() {
	t := float64(s.n) / float64(s.cfg.SampleRate)
	s.n++

	mid := (s.lo + s.hi) / 2
	half := (s.hi - s.lo) / 2
	for i := range s.samples {
		ch := s.cfg.Channels[i%len(s.cfg.Channels)]
		v := ch.Amplitude * s.wave(ch, t)
		if ch.Noise > 0 {
			v += ch.Noise * (2*s.rng.Float64() - 1)
		}
		s.samples[i] = mid + half*math.Max(-1, math.Min(1, v))
	}
}

func (s *DemoSource) wave(ch DemoChannel, t float64) float64 {
	phase := ch.Frequency * t
	phase -= math.Floor(phase)
	switch ch.Waveform {
	case WaveSquare:
		if phase < 0.5 {
			return 1
		}
		return -1
	case WaveTriangle:
		return 1 - 4*math.Abs(phase-0.5)
	case WaveSawtooth:
		return 2*phase - 1
	case WaveNoise:
		return 2*s.rng.Float64() - 1
	default:
		return math.Sin(2 * math.Pi * phase)
	}
}

// Close stops the generator.
func (s *DemoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.cancel()
	s.open = false
	return nil
}
