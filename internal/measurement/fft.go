package measurement

import (
	"cmp"
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"
	"slices"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// WindowFunc names the taper applied before the transform.
type WindowFunc string

const (
	WindowHann        WindowFunc = "hann"
	WindowHamming     WindowFunc = "hamming"
	WindowBlackman    WindowFunc = "blackman"
	WindowRectangular WindowFunc = "rect"
)

// FFT defaults.
const (
	DefaultThresholdDB = 10.0
	DefaultMaxPeaks    = 10
	DefaultMinLevelDB  = -100.0
	MaxFFTSize         = 1 << 20
	minFFTSize         = 8
)

// FFTOptions configure an fft measurement.
type FFTOptions struct {
	// Size is a power of two. 0 uses the largest power of two that fits
	// the available samples.
	Size   int        `json:"size,omitempty" yaml:"size,omitempty" mapstructure:"size"`
	Window WindowFunc `json:"window,omitempty" yaml:"window,omitempty" mapstructure:"window"`

	// ThresholdDB is how far above the median level a local maximum must
	// rise to count as a peak.
	ThresholdDB float64 `json:"threshold_db,omitempty" yaml:"threshold_db,omitempty" mapstructure:"threshold_db"`
	MaxPeaks    int     `json:"max_peaks,omitempty" yaml:"max_peaks,omitempty" mapstructure:"max_peaks"`

	// MinLevelDB ignores maxima below an absolute level.
	MinLevelDB float64 `json:"min_level_db,omitempty" yaml:"min_level_db,omitempty" mapstructure:"min_level_db"`
}

func (o *FFTOptions) normalize() error {
	if o.Size != 0 && (o.Size < minFFTSize || o.Size > MaxFFTSize || bits.OnesCount(uint(o.Size)) != 1) {
		return fmt.Errorf("fft size %d is not a power of two in %d..%d", o.Size, minFFTSize, MaxFFTSize)
	}
	o.Window = WindowFunc(strings.ToLower(string(o.Window)))
	switch o.Window {
	case "":
		o.Window = WindowHann
	case WindowHann, WindowHamming, WindowBlackman, WindowRectangular:
	default:
		return fmt.Errorf("unknown fft window %q", o.Window)
	}
	if !finite(o.ThresholdDB) || o.ThresholdDB < 0 {
		return fmt.Errorf("threshold %v dB must be a non-negative number", o.ThresholdDB)
	}
	if o.ThresholdDB == 0 {
		o.ThresholdDB = DefaultThresholdDB
	}
	if o.MaxPeaks < 0 {
		return fmt.Errorf("max peaks %d is negative", o.MaxPeaks)
	}
	if o.MaxPeaks == 0 {
		o.MaxPeaks = DefaultMaxPeaks
	}
	if !finite(o.MinLevelDB) {
		return fmt.Errorf("minimum level must be finite")
	}
	if o.MinLevelDB == 0 {
		o.MinLevelDB = DefaultMinLevelDB
	}
	return nil
}

// Peak is one spectral peak.
type Peak struct {
	Frequency float64 `json:"frequency"` // Hz
	Amplitude float64 `json:"amplitude"` // linear, single-sided
	Level     float64 `json:"level"`     // dB
}

// PeakField selects the sort column of a peak table.
type PeakField string

const (
	PeakFrequency PeakField = "frequency"
	PeakAmplitude PeakField = "amplitude"
	PeakLevel     PeakField = "level"
)

// ParsePeakField parses a column name.
func ParsePeakField(s string) (PeakField, error) {
	switch f := PeakField(strings.ToLower(strings.TrimSpace(s))); f {
	case PeakFrequency, PeakAmplitude, PeakLevel:
		return f, nil
	case "":
		return PeakAmplitude, nil
	default:
		return "", fmt.Errorf("unknown peak field %q", s)
	}
}

func (f PeakField) value(p Peak) float64 {
	switch f {
	case PeakFrequency:
		return p.Frequency
	case PeakLevel:
		return p.Level
	default:
		return p.Amplitude
	}
}

// SortPeaks sorts peaks in place by field. Equal keys keep their order,
// so sorting twice gives the same order as sorting once.
func SortPeaks(peaks []Peak, field PeakField, descending bool) {
	slices.SortStableFunc(peaks, func(a, b Peak) int {
		c := cmp.Compare(field.value(a), field.value(b))
		if descending {
			return -c
		}
		return c
	})
}

// spectrum holds the transform plan and buffers of one fft measurement.
type spectrum struct {
	opts FFTOptions

	n      int
	fft    *fourier.FFT
	coeffs []float64 // window coefficients
	gain   float64   // sum of the window coefficients
	buf    []float64
	out    []complex128
	amp    []float64
	levels []float64
	sorted []float64
}

func newSpectrum(opts FFTOptions) *spectrum {
	return &spectrum{opts: opts}
}

func (s *spectrum) size() int { return s.n }

// plan prepares buffers for an n-point transform.
func (s *spectrum) plan(n int) {
	if n == s.n {
		return
	}
	s.n = n
	s.fft = fourier.NewFFT(n)

	// the periodic form of an n-point window is the symmetric n+1-point
	// window without its last coefficient
	s.coeffs = make([]float64, n+1)
	for i := range s.coeffs {
		s.coeffs[i] = 1
	}
	switch s.opts.Window {
	case WindowHamming:
		window.Hamming(s.coeffs)
	case WindowBlackman:
		window.Blackman(s.coeffs)
	case WindowRectangular:
	default:
		window.Hann(s.coeffs)
	}
	s.coeffs = s.coeffs[:n]
	s.gain = floats.Sum(s.coeffs)

	bins := n/2 + 1
	s.buf = make([]float64, n)
	s.out = make([]complex128, bins)
	s.amp = make([]float64, bins)
	s.levels = make([]float64, bins)
	s.sorted = make([]float64, bins)
}

// transformSize picks the configured size or the largest power of two
// that fits n samples. It returns 0 when n is too short.
func (s *spectrum) transformSize(n int) int {
	if s.opts.Size > 0 {
		if n < s.opts.Size {
			return 0
		}
		return s.opts.Size
	}
	if n < minFFTSize {
		return 0
	}
	return 1 << (bits.Len(uint(n)) - 1)
}

// peaks transforms the newest samples of x and extracts the peaks,
// strongest first. A non-empty reason means no spectrum was computed.
func (s *spectrum) peaks(x []float64, rate float64) ([]Peak, string) {
	if rate <= 0 {
		return nil, "sample rate unknown"
	}
	n := s.transformSize(len(x))
	if n == 0 {
		return nil, "not enough samples"
	}
	s.plan(n)

	floats.MulTo(s.buf, x[len(x)-n:], s.coeffs)
	s.out = s.fft.Coefficients(s.out, s.buf)

	last := len(s.out) - 1
	for k, c := range s.out {
		a := cmplx.Abs(c) / s.gain
		if k != 0 && k != last {
			a *= 2
		}
		s.amp[k] = a
		s.levels[k] = levelDB(a)
	}

	copy(s.sorted, s.levels)
	slices.Sort(s.sorted)
	floor := stat.Quantile(0.5, stat.Empirical, s.sorted, nil)
	threshold := math.Max(floor+s.opts.ThresholdDB, s.opts.MinLevelDB)

	binHz := rate / float64(n)
	var peaks []Peak
	for k := 1; k < last; k++ {
		if s.amp[k] <= s.amp[k-1] || s.amp[k] < s.amp[k+1] || s.levels[k] < threshold {
			continue
		}
		peaks = append(peaks, Peak{
			Frequency: float64(k) * binHz,
			Amplitude: s.amp[k],
			Level:     s.levels[k],
		})
	}

	SortPeaks(peaks, PeakAmplitude, true)
	if len(peaks) > s.opts.MaxPeaks {
		peaks = peaks[:s.opts.MaxPeaks]
	}
	return peaks, ""
}

func levelDB(amplitude float64) float64 {
	const floorDB = -400.0
	if amplitude <= 0 {
		return floorDB
	}
	return max(20*math.Log10(amplitude), floorDB)
}
