// Package filter implements the per-channel sample filters applied when a
// channel is read.
//
// A Stage is a small stateful transform. Stages are chained in a Pipeline,
// which resets every stage at the start of a window so that filtering the
// same snapshot twice gives the same result.
package filter

import (
	"fmt"
	"strings"

	"github.com/sigscope/sigscope/internal/errors"
)

// Kind names a filter variant.
type Kind string

const (
	KindLowPass       Kind = "lowpass"
	KindHighPass      Kind = "highpass"
	KindMovingAverage Kind = "moving_average"
	KindMedian        Kind = "median"
	KindNotch         Kind = "notch"
	KindAbsolute      Kind = "absolute"
	KindSquared       Kind = "squared"
	KindDownsample    Kind = "downsample"
)

// Parameter limits.
const (
	MaxWindow             = 65536
	MaxDownsampleFactor   = 1024
	DefaultNotchBandwidth = 1.0 // octaves
)

// ErrInvalidParameter is returned for out-of-range filter parameters.
var ErrInvalidParameter = errors.NewStd("invalid filter parameter")

// Spec is the serializable description of one stage. Only the fields
// relevant to Kind are used.
type Spec struct {
	Kind      Kind    `json:"kind" yaml:"kind" mapstructure:"kind"`
	Alpha     float64 `json:"alpha,omitempty" yaml:"alpha,omitempty" mapstructure:"alpha"`
	Window    int     `json:"window,omitempty" yaml:"window,omitempty" mapstructure:"window"`
	Frequency float64 `json:"frequency,omitempty" yaml:"frequency,omitempty" mapstructure:"frequency"`
	Bandwidth float64 `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty" mapstructure:"bandwidth"`
	Factor    int     `json:"factor,omitempty" yaml:"factor,omitempty" mapstructure:"factor"`
}

func (s Spec) String() string {
	switch s.Kind {
	case KindLowPass, KindHighPass:
		return fmt.Sprintf("%s(alpha=%g)", s.Kind, s.Alpha)
	case KindMovingAverage, KindMedian:
		return fmt.Sprintf("%s(window=%d)", s.Kind, s.Window)
	case KindNotch:
		return fmt.Sprintf("%s(frequency=%g, bandwidth=%g)", s.Kind, s.Frequency, s.Bandwidth)
	case KindDownsample:
		return fmt.Sprintf("%s(factor=%d)", s.Kind, s.Factor)
	default:
		return string(s.Kind)
	}
}

// Stage is one step of a pipeline.
type Stage interface {
	Kind() Kind
	Params() Spec

	// Process filters in into out and returns the number of samples
	// written. out must be at least as long as in and may alias it.
	Process(in, out []float64) int

	// Reset clears the stage state.
	Reset()
}

// rateAware stages derive coefficients from the stream's sample rate.
type rateAware interface {
	SetSampleRate(hz float64)
}

// New builds a stage from its description.
func New(spec Spec) (Stage, error) {
	spec.Kind = Kind(strings.ToLower(strings.TrimSpace(string(spec.Kind))))

	switch spec.Kind {
	case KindLowPass:
		if err := checkAlpha(spec); err != nil {
			return nil, err
		}
		return &lowPass{alpha: spec.Alpha}, nil
	case KindHighPass:
		if err := checkAlpha(spec); err != nil {
			return nil, err
		}
		return &highPass{alpha: spec.Alpha}, nil
	case KindMovingAverage:
		if err := checkWindow(spec); err != nil {
			return nil, err
		}
		return newMovingAverage(spec.Window), nil
	case KindMedian:
		if err := checkWindow(spec); err != nil {
			return nil, err
		}
		return newMedian(spec.Window), nil
	case KindNotch:
		if spec.Bandwidth == 0 {
			spec.Bandwidth = DefaultNotchBandwidth
		}
		if !(spec.Frequency > 0) || !(spec.Bandwidth > 0) {
			return nil, invalid(spec, "notch frequency and bandwidth must be positive")
		}
		return &notch{frequency: spec.Frequency, bandwidth: spec.Bandwidth}, nil
	case KindAbsolute:
		return absolute{}, nil
	case KindSquared:
		return squared{}, nil
	case KindDownsample:
		if spec.Factor < 1 || spec.Factor > MaxDownsampleFactor {
			return nil, invalid(spec, fmt.Sprintf("factor must be within 1..%d", MaxDownsampleFactor))
		}
		return &downsample{factor: spec.Factor}, nil
	default:
		return nil, invalid(spec, "unknown filter kind")
	}
}

// NewAll builds one stage per spec, failing on the first invalid one.
func NewAll(specs []Spec) ([]Stage, error) {
	stages := make([]Stage, 0, len(specs))
	for _, spec := range specs {
		st, err := New(spec)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, nil
}

func checkAlpha(spec Spec) error {
	if !(spec.Alpha > 0 && spec.Alpha <= 1) {
		return invalid(spec, "alpha must be within (0, 1]")
	}
	return nil
}

func checkWindow(spec Spec) error {
	if spec.Window < 1 || spec.Window > MaxWindow {
		return invalid(spec, fmt.Sprintf("window must be within 1..%d", MaxWindow))
	}
	return nil
}

func invalid(spec Spec, reason string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrInvalidParameter, reason)).
		Component("filter").
		Category(errors.CategoryValidation).
		Context("filter", spec.String()).
		Build()
}
