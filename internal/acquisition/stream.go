// Package acquisition runs acquisition streams and keeps the global channel
// list that consumers read from.
//
// A Stream owns one byte source, one frame decoder and one ring buffer per
// channel. While streaming, a single producer goroutine reads the source,
// decodes frames and appends the samples; consumers take snapshots through
// the ChannelList at their own pace.
package acquisition

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/filter"
	"github.com/sigscope/sigscope/internal/frame"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/observability/metrics"
	"github.com/sigscope/sigscope/internal/ring"
	"github.com/sigscope/sigscope/internal/source"
)

// Defaults applied by NewStream.
const (
	DefaultReadBufferSize  = 4096
	DefaultMaxPending      = 64 * 1024
	DefaultDesyncWarnAfter = 64
	warningDedupWindow     = 30 * time.Second
)

// GetLogger returns the acquisition package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("acquisition")
}

// ChannelConfig holds the initial settings of one stream channel.
type ChannelConfig struct {
	Name    string
	Gain    float64 // 0 means 1
	Offset  float64
	Enabled *bool // nil means enabled
	Filters []filter.Spec
}

// Config configures a Stream.
type Config struct {
	ID   string
	Name string

	Decoder        *frame.Decoder
	BufferCapacity int // samples per channel

	// NominalRate is the expected frame rate in Hz, used until the
	// estimator has seen data. 0 means unknown.
	NominalRate float64

	ReadBufferSize int
	MaxPending     int // bound on undecoded bytes

	// DesyncWarnAfter consecutive decode attempts without a frame raise a
	// warning; DesyncFailAfter (0 = never) disconnects the stream.
	DesyncWarnAfter int
	DesyncFailAfter int

	Channels []ChannelConfig
}

// Option customizes a Stream.
type Option func(*Stream)

// WithRecorder sends stream telemetry to r.
func WithRecorder(r metrics.StreamRecorder) Option {
	return func(s *Stream) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) {
		s.now = now
	}
}

// Stream is one acquisition stream.
type Stream struct {
	cfg      Config
	src      source.ByteSource
	dec      *frame.Decoder
	buffers  []*ring.Buffer
	recorder metrics.StreamRecorder
	log      logger.Logger
	now      func() time.Time

	// mu serializes lifecycle calls. The producer never takes it.
	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	statusMu    sync.RWMutex
	lastErr     error
	lastWarning string

	totalSamples atomic.Uint64
	totalBits    atomic.Uint64
	lastFrame    atomic.Int64 // unix nanoseconds
	rate         rateEstimator

	// warnings suppresses repeats of the same warning across episodes
	warnings *cache.Cache
}

// NewStream validates cfg and allocates the channel buffers. The stream
// starts Disconnected.
func NewStream(cfg Config, src source.ByteSource, opts ...Option) (*Stream, error) {
	if err := normalizeConfig(&cfg, src); err != nil {
		return nil, errors.New(err).
			Component("acquisition").
			Category(errors.CategoryConfiguration).
			Context("stream", cfg.Name).
			Build()
	}

	channels := cfg.Decoder.Channels()
	buffers := make([]*ring.Buffer, channels)
	for i := range buffers {
		b, err := ring.New(cfg.BufferCapacity)
		if err != nil {
			return nil, err
		}
		buffers[i] = b
	}

	s := &Stream{
		cfg:      cfg,
		src:      src,
		dec:      cfg.Decoder,
		buffers:  buffers,
		recorder: metrics.NopRecorder{},
		now:      time.Now,
		// no janitor: expired entries are replaced by Add and dropped on Connect
		warnings: cache.New(warningDedupWindow, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = GetLogger().With(logger.String("stream", cfg.Name), logger.String("source", src.Name()))
	s.recorder.SetState(cfg.Name, int(Disconnected))
	return s, nil
}

func normalizeConfig(cfg *Config, src source.ByteSource) error {
	if src == nil {
		return fmt.Errorf("stream needs a byte source")
	}
	if cfg.Decoder == nil {
		return fmt.Errorf("stream needs a frame decoder")
	}
	if cfg.Name == "" {
		cfg.Name = src.Name()
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Name
	}
	if cfg.BufferCapacity == 0 {
		cfg.BufferCapacity = ring.DefaultCapacity
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	cfg.MaxPending = max(cfg.MaxPending, 2*cfg.ReadBufferSize)
	if cfg.DesyncWarnAfter <= 0 {
		cfg.DesyncWarnAfter = DefaultDesyncWarnAfter
	}
	if cfg.DesyncFailAfter < 0 {
		return fmt.Errorf("desync failure threshold must not be negative")
	}
	if cfg.NominalRate < 0 || math.IsNaN(cfg.NominalRate) || math.IsInf(cfg.NominalRate, 0) {
		return fmt.Errorf("nominal rate must be a finite non-negative number")
	}
	if len(cfg.Channels) > cfg.Decoder.Channels() {
		return fmt.Errorf("%d channel settings for %d channels", len(cfg.Channels), cfg.Decoder.Channels())
	}
	for i, ch := range cfg.Channels {
		if _, err := filter.NewAll(ch.Filters); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
		if err := checkFinite(ch.Gain, ch.Offset); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
	}
	return nil
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.cfg.ID }

// Name returns the display name.
func (s *Stream) Name() string { return s.cfg.Name }

// SourceName returns the name of the byte source.
func (s *Stream) SourceName() string { return s.src.Name() }

// Decoder returns the frame decoder.
func (s *Stream) Decoder() *frame.Decoder { return s.dec }

// ChannelCount returns the number of channels per frame.
func (s *Stream) ChannelCount() int { return len(s.buffers) }

// NominalRate returns the configured frame rate, 0 when unknown.
func (s *Stream) NominalRate() float64 { return s.cfg.NominalRate }

// State returns the current lifecycle state.
func (s *Stream) State() State { return State(s.state.Load()) }

// TotalSamples returns the samples decoded since the last Connect, over all channels.
func (s *Stream) TotalSamples() uint64 { return s.totalSamples.Load() }

// TotalBits returns the raw link bits received since the last Connect.
func (s *Stream) TotalBits() uint64 { return s.totalBits.Load() }

// SampleRate returns the estimated frames per second.
func (s *Stream) SampleRate() float64 { return s.rate.value() }

// EffectiveRate returns the estimated rate, or the nominal rate while
// there is no estimate yet.
func (s *Stream) EffectiveRate() float64 {
	if r := s.SampleRate(); r > 0 {
		return r
	}
	return s.cfg.NominalRate
}

// BufferCapacity returns the per-channel buffer capacity.
func (s *Stream) BufferCapacity() int { return s.buffers[0].Cap() }

// LastError returns the reason of the last failure, nil after a successful Connect.
func (s *Stream) LastError() error {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.lastErr
}

// LastWarning returns the last non-fatal warning, empty if none.
func (s *Stream) LastWarning() string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.lastWarning
}

// Stalled reports whether the stream is streaming but has not decoded a
// frame for longer than threshold.
func (s *Stream) Stalled(threshold time.Duration) bool {
	if s.State() != Streaming {
		return false
	}
	last := time.Unix(0, s.lastFrame.Load())
	return s.now().Sub(last) > threshold
}

// CopyLatestDataTo copies up to count of the latest samples of one channel
// into dst, oldest first. It returns 0 for an out-of-range channel.
func (s *Stream) CopyLatestDataTo(channel int, dst []float64, count int) int {
	if channel < 0 || channel >= len(s.buffers) {
		return 0
	}
	return s.buffers[channel].CopySnapshot(dst, count)
}

// ResizeBuffers reallocates every channel buffer, keeping the newest samples.
func (s *Stream) ResizeBuffers(capacity int) error {
	for _, b := range s.buffers {
		if err := b.Resize(capacity); err != nil {
			return err
		}
	}
	s.recorder.RecordBufferResize(s.cfg.Name)
	s.log.Info("channel buffers resized", logger.Int("capacity", capacity))
	return nil
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
	s.recorder.SetState(s.cfg.Name, int(st))
}

func (s *Stream) setStatus(err error, warning string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.lastErr = err
	s.lastWarning = warning
}

// Connect opens the source and resets counters, rate estimate and buffers.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Disconnected {
		return invalidTransition(s.cfg.Name, st, "connect")
	}
	s.waitProducerLocked()

	s.setState(Connecting)
	start := s.now()
	if err := s.src.Open(ctx); err != nil {
		err = errors.New(err).
			Component("acquisition").
			Context("stream", s.cfg.Name).
			Timing("connect", s.now().Sub(start)).
			Build()
		s.setStatus(err, "")
		s.setState(Disconnected)
		s.log.Warn("connect failed", logger.Error(err))
		return err
	}

	s.totalSamples.Store(0)
	s.totalBits.Store(0)
	s.rate.reset()
	s.recorder.SetSampleRate(s.cfg.Name, 0)
	for _, b := range s.buffers {
		b.Reset()
	}
	s.warnings.Flush()
	s.setStatus(nil, "")
	s.setState(Connected)
	s.log.Info("stream connected", logger.Int("channels", len(s.buffers)))
	return nil
}

// StartStreaming starts the producer.
func (s *Stream) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Connected {
		return invalidTransition(s.cfg.Name, st, "start streaming")
	}
	s.waitProducerLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.lastFrame.Store(s.now().UnixNano())
	s.setState(Streaming)

	go s.produce(ctx, done)
	s.log.Info("streaming started")
	return nil
}

// StopStreaming stops the producer and returns to Connected. It returns
// within one source read timeout.
func (s *Stream) StopStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Streaming {
		return invalidTransition(s.cfg.Name, st, "stop streaming")
	}
	s.stopProducerLocked()
	if s.State() == Streaming {
		s.setState(Connected)
	}
	s.log.Info("streaming stopped")
	return nil
}

// Disconnect stops the producer if needed and closes the source. It is
// valid in every state.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopProducerLocked()
	prev := s.State()
	err := s.src.Close()
	s.setState(Disconnected)
	if prev != Disconnected {
		s.log.Info("stream disconnected")
	}
	return err
}

// stopProducerLocked cancels the producer and waits for it to exit.
func (s *Stream) stopProducerLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.waitProducerLocked()
}

func (s *Stream) waitProducerLocked() {
	if s.done != nil {
		<-s.done
		s.done = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// fail is the producer's error transition to Disconnected.
func (s *Stream) fail(err error) {
	category := string(errors.CategoryGeneric)
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		category = ee.GetCategory()
	}

	s.setStatus(err, s.LastWarning())
	if cerr := s.src.Close(); cerr != nil {
		s.log.Debug("closing source after failure", logger.Error(cerr))
	}
	s.setState(Disconnected)
	s.recorder.RecordStreamError(s.cfg.Name, category)
	s.log.Error("stream failed", logger.Error(err), logger.String("category", category))
}

// warn records a non-fatal warning, logging each distinct message at most
// once per dedup window.
func (s *Stream) warn(msg string, fields ...logger.Field) {
	s.statusMu.Lock()
	s.lastWarning = msg
	s.statusMu.Unlock()

	if err := s.warnings.Add(msg, struct{}{}, cache.DefaultExpiration); err == nil {
		s.log.Warn(msg, fields...)
	}
}

// producer holds the loop-local state of one streaming run.
type producer struct {
	s        *Stream
	readBuf  []byte
	pending  []byte
	samples  []float64
	batches  [][]float64
	noFrames int
	warned   bool
}

func (s *Stream) produce(ctx context.Context, done chan struct{}) {
	defer close(done)

	channels := len(s.buffers)
	p := &producer{
		s:       s,
		readBuf: make([]byte, s.cfg.ReadBufferSize),
		pending: make([]byte, 0, s.cfg.MaxPending+s.cfg.ReadBufferSize),
		samples: make([]float64, channels),
		batches: make([][]float64, channels),
	}

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := s.src.Read(p.readBuf)
		if n > 0 {
			s.totalBits.Add(uint64(n) * 8)
			s.recorder.RecordBytes(s.cfg.Name, n)
			if derr := p.consume(p.readBuf[:n]); derr != nil {
				s.fail(derr)
				return
			}
		} else if s.rate.observe(0, s.now()) {
			s.recorder.SetSampleRate(s.cfg.Name, s.rate.value())
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				s.setState(Connected)
				s.log.Info("source exhausted, streaming ended",
					logger.Uint64("total_samples", s.TotalSamples()))
				return
			}
			s.fail(err)
			return
		}
	}
}

// consume appends data to the pending bytes, decodes every complete frame
// and commits the samples with one buffer write per channel.
func (p *producer) consume(data []byte) error {
	s := p.s
	p.pending = append(p.pending, data...)
	if over := len(p.pending) - s.cfg.MaxPending; over > 0 {
		p.pending = p.pending[:copy(p.pending, p.pending[over:])]
		s.recorder.RecordOverflow(s.cfg.Name, over)
	}

	for i := range p.batches {
		p.batches[i] = p.batches[i][:0]
	}

	frames, rejected := 0, 0
	consumed := 0
decode:
	for consumed < len(p.pending) {
		status, n := s.dec.Decode(p.pending[consumed:], p.samples)
		consumed += n
		switch status {
		case frame.StatusFrame:
			for ch, v := range p.samples {
				p.batches[ch] = append(p.batches[ch], v)
			}
			frames++
			p.noFrames = 0
			p.warned = false
		case frame.StatusNoFrame:
			rejected++
			p.noFrames++
			if n == 0 {
				break decode
			}
		default:
			break decode
		}
	}
	p.pending = p.pending[:copy(p.pending, p.pending[consumed:])]

	if frames > 0 {
		for ch, b := range s.buffers {
			b.Write(p.batches[ch])
		}
		s.totalSamples.Add(uint64(frames * len(s.buffers)))
		s.lastFrame.Store(s.now().UnixNano())
	}
	if s.rate.observe(frames, s.now()) {
		s.recorder.SetSampleRate(s.cfg.Name, s.rate.value())
	}
	s.recorder.RecordFrames(s.cfg.Name, frames, rejected)

	if p.noFrames >= s.cfg.DesyncWarnAfter && !p.warned {
		p.warned = true
		s.recorder.RecordDesyncWarning(s.cfg.Name)
		s.warn("frame synchronization unstable", logger.Int("attempts_without_frame", p.noFrames))
	}
	if s.cfg.DesyncFailAfter > 0 && p.noFrames >= s.cfg.DesyncFailAfter {
		return errors.New(ErrDesync).
			Component("acquisition").
			Category(errors.CategoryFrameDesync).
			Priority(errors.PriorityHigh).
			Context("stream", s.cfg.Name).
			Context("attempts_without_frame", p.noFrames).
			Build()
	}
	return nil
}
