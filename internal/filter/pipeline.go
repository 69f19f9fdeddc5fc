package filter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Pipeline applies its stages in order. It is immutable apart from stage
// state; changing a channel's filters means building a new Pipeline.
type Pipeline struct {
	mu     sync.Mutex
	stages []Stage
}

// NewPipeline chains stages in the given order. An empty pipeline copies
// its input.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Build creates a pipeline from stage descriptions.
func Build(specs []Spec) (*Pipeline, error) {
	stages, err := NewAll(specs)
	if err != nil {
		return nil, err
	}
	return NewPipeline(stages...), nil
}

// Stages returns the descriptions of the chained stages.
func (p *Pipeline) Stages() []Spec {
	specs := make([]Spec, len(p.stages))
	for i, st := range p.stages {
		specs[i] = st.Params()
	}
	return specs
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Apply filters one window of samples. All stage state is reset first, so
// the output depends on in alone. out must be at least len(in) long and may
// alias in. It returns the number of output samples.
func (p *Pipeline) Apply(in, out []float64, sampleRate float64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, st := range p.stages {
		st.Reset()
	}
	return p.runLocked(in, out, sampleRate)
}

// Stream filters the next block of a continuous signal, carrying stage
// state over from the previous call.
func (p *Pipeline) Stream(in, out []float64, sampleRate float64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runLocked(in, out, sampleRate)
}

// Reset clears the state of every stage.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.stages {
		st.Reset()
	}
}

func (p *Pipeline) runLocked(in, out []float64, sampleRate float64) int {
	n := copy(out, in)
	rate := sampleRate
	for _, st := range p.stages {
		if ra, ok := st.(rateAware); ok {
			ra.SetSampleRate(rate)
		}
		n = st.Process(out[:n], out)
		if ds, ok := st.(*downsample); ok {
			rate /= float64(ds.factor)
		}
	}
	return n
}

func (p *Pipeline) String() string {
	if len(p.stages) == 0 {
		return "none"
	}
	parts := make([]string, len(p.stages))
	for i, st := range p.stages {
		parts[i] = st.Params().String()
	}
	return strings.Join(parts, " -> ")
}

// ParseSpecs parses a compact chain description such as
//
//	lowpass:alpha=0.2,notch:frequency=50;bandwidth=0.5,absolute
//
// Stages are separated by commas, parameters by semicolons.
func ParseSpecs(s string) ([]Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var specs []Spec
	for part := range strings.SplitSeq(s, ",") {
		kind, params, _ := strings.Cut(strings.TrimSpace(part), ":")
		spec := Spec{Kind: Kind(strings.ToLower(strings.TrimSpace(kind)))}

		for kv := range strings.SplitSeq(params, ";") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("%w: parameter %q of %s is not key=value", ErrInvalidParameter, kv, spec.Kind)
			}
			if err := spec.set(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value)); err != nil {
				return nil, err
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (s *Spec) set(key, value string) error {
	var err error
	switch key {
	case "alpha", "a":
		s.Alpha, err = strconv.ParseFloat(value, 64)
	case "window", "w":
		s.Window, err = strconv.Atoi(value)
	case "frequency", "freq", "f":
		s.Frequency, err = strconv.ParseFloat(value, 64)
	case "bandwidth", "bw":
		s.Bandwidth, err = strconv.ParseFloat(value, 64)
	case "factor":
		s.Factor, err = strconv.Atoi(value)
	default:
		return fmt.Errorf("%w: unknown parameter %q for %s", ErrInvalidParameter, key, s.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %w", ErrInvalidParameter, key, value, err)
	}
	return nil
}
