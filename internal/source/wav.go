package source

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"golang.org/x/time/rate"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

// wavChunkDuration is the largest slice of audio released per Read.
const wavChunkDuration = 50 * time.Millisecond

// WAVConfig configures a WAVSource.
type WAVConfig struct {
	Path        string
	Loop        bool
	Unpaced     bool // replay as fast as the consumer reads
	ReadTimeout time.Duration
}

// WAVInfo describes the PCM layout of a WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// ProbeWAV reads the header of a WAV file.
func ProbeWAV(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, unavailable(err, "wav", path)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return WAVInfo{}, unavailable(errors.NewStd("not a valid WAV file"), "wav", path)
	}

	return WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}, nil
}

// WAVSource replays a WAV file as interleaved int32 little-endian samples
// without a start marker, paced at the file's sample rate.
type WAVSource struct {
	cfg WAVConfig
	log logger.Logger

	mu      sync.Mutex
	file    *os.File
	dec     *wav.Decoder
	info    WAVInfo
	limiter *rate.Limiter
	buf     *audio.IntBuffer
	ctx     context.Context
	cancel  context.CancelFunc
	loops   int
}

// NewWAVSource returns an unopened WAV replay source.
func NewWAVSource(cfg WAVConfig) (*WAVSource, error) {
	if cfg.Path == "" {
		return nil, errors.Newf("wav source needs a file path").
			Component("source").
			Category(errors.CategoryConfiguration).
			Build()
	}
	cfg.ReadTimeout = readTimeout(cfg.ReadTimeout)
	return &WAVSource{
		cfg: cfg,
		log: GetLogger().Module("wav").With(logger.String("path", cfg.Path)),
	}, nil
}

// Name returns the file path.
func (s *WAVSource) Name() string {
	return s.cfg.Path
}

// Info returns the PCM layout, valid after Open.
func (s *WAVSource) Info() WAVInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Open opens the file and positions the decoder at the first sample.
func (s *WAVSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return nil
	}

	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return unavailable(err, "wav", s.cfg.Path)
	}

	dec, err := newWAVDecoder(f)
	if err != nil {
		_ = f.Close()
		return unavailable(err, "wav", s.cfg.Path)
	}

	s.file = f
	s.dec = dec
	s.info = WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}

	chunkFrames := max(1, int(float64(s.info.SampleRate)*wavChunkDuration.Seconds()))
	s.limiter = rate.NewLimiter(rate.Limit(s.info.SampleRate), chunkFrames)
	s.buf = &audio.IntBuffer{
		Data:   make([]int, chunkFrames*s.info.Channels),
		Format: &audio.Format{SampleRate: s.info.SampleRate, NumChannels: s.info.Channels},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loops = 0

	s.log.Info("wav replay opened",
		logger.Int("sample_rate", s.info.SampleRate),
		logger.Int("channels", s.info.Channels),
		logger.Int("bit_depth", s.info.BitDepth),
		logger.Bool("loop", s.cfg.Loop))
	return nil
}

func newWAVDecoder(f *os.File) (*wav.Decoder, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, errors.NewStd("not a valid WAV file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, err
	}
	return dec, nil
}

// Read emits whole frames. It returns io.EOF at the end of a non-looping file.
func (s *WAVSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.file == nil {
		s.mu.Unlock()
		return 0, notOpen("wav", s.cfg.Path)
	}
	frameBytes := 4 * s.info.Channels
	frames := min(len(p)/frameBytes, s.limiter.Burst())
	limiter, ctx := s.limiter, s.ctx
	s.mu.Unlock()

	if frames == 0 {
		return 0, nil
	}

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
	if s.file == nil {
		return 0, notOpen("wav", s.cfg.Path)
	}

	s.buf.Data = s.buf.Data[:frames*s.info.Channels]
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return 0, ioFailure(err, "wav", s.cfg.Path)
	}
	n -= n % s.info.Channels

	if n == 0 {
		if !s.cfg.Loop {
			return 0, io.EOF
		}
		dec, err := newWAVDecoder(s.file)
		if err != nil {
			return 0, ioFailure(err, "wav", s.cfg.Path)
		}
		s.dec = dec
		s.loops++
		s.log.Debug("wav replay looped", logger.Int("loops", s.loops))
		return 0, nil
	}

	out := p[:0]
	for _, v := range s.buf.Data[:n] {
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(v)))
	}
	return len(out), nil
}

// Close closes the file and wakes a pending Read.
func (s *WAVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	s.cancel()
	err := s.file.Close()
	s.file = nil
	s.dec = nil
	if err != nil {
		return ioFailure(err, "wav", s.cfg.Path)
	}
	return nil
}
