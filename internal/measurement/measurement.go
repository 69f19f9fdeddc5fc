// Package measurement computes periodic scalar statistics and spectral
// peaks over filtered channel snapshots.
package measurement

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

// GetLogger returns the measurement package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("measurement")
}

// Kind selects what a measurement computes.
type Kind string

const (
	KindRMS    Kind = "rms"
	KindPeak   Kind = "peak" // peak to peak
	KindMinMax Kind = "minmax"
	KindMean   Kind = "mean"
	KindStdDev Kind = "stddev"
	KindFFT    Kind = "fft"
)

// Kinds lists the supported kinds.
func Kinds() []Kind {
	return []Kind{KindRMS, KindPeak, KindMinMax, KindMean, KindStdDev, KindFFT}
}

// DefaultWindow is the snapshot length used when a definition sets none.
const DefaultWindow = 1024

var (
	// ErrInvalidDefinition is returned by Engine.Add for unusable definitions.
	ErrInvalidDefinition = errors.NewStd("invalid measurement definition")

	// ErrChannelNotFound is returned when a definition names a channel
	// index that does not resolve.
	ErrChannelNotFound = errors.NewStd("channel not found")

	// ErrNotFound is returned for unknown measurement identifiers.
	ErrNotFound = errors.NewStd("measurement not found")
)

// Definition describes one measurement.
type Definition struct {
	ID      string     `json:"id" yaml:"id" mapstructure:"id"`
	Kind    Kind       `json:"kind" yaml:"kind" mapstructure:"kind"`
	Channel int        `json:"channel" yaml:"channel" mapstructure:"channel"`                  // global index
	Window  int        `json:"window,omitempty" yaml:"window,omitempty" mapstructure:"window"` // samples after filtering
	FFT     FFTOptions `json:"fft,omitzero" yaml:"fft,omitempty" mapstructure:"fft"`
}

func (d *Definition) normalize() error {
	if !slices.Contains(Kinds(), d.Kind) {
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	if d.Channel < 0 {
		return fmt.Errorf("channel index %d is negative", d.Channel)
	}
	if d.ID == "" {
		d.ID = fmt.Sprintf("%s-%d", d.Kind, d.Channel)
	}
	if d.Window < 0 {
		return fmt.Errorf("window %d is negative", d.Window)
	}

	if d.Kind == KindFFT {
		if err := d.FFT.normalize(); err != nil {
			return err
		}
		if d.Window == 0 {
			d.Window = max(d.FFT.Size, DefaultWindow)
		}
		if d.FFT.Size > d.Window {
			return fmt.Errorf("fft size %d exceeds window %d", d.FFT.Size, d.Window)
		}
	}
	if d.Window == 0 {
		d.Window = DefaultWindow
	}
	return nil
}

// Result is the latest outcome of a measurement. When Available is false
// the values are those of the last successful update, if any.
type Result struct {
	Value      float64   `json:"value"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Available  bool      `json:"available"`
	Reason     string    `json:"reason,omitempty"`
	Samples    int       `json:"samples"`
	SampleRate float64   `json:"sample_rate"`
	Updated    time.Time `json:"updated"`
	Peaks      []Peak    `json:"peaks,omitempty"`
}

// Measurement binds a Definition to the channel it resolved to when added.
// The channel's global index is looked up on every report, since removing
// a stream renumbers the list.
type Measurement struct {
	def     Definition
	channel *acquisition.Channel
	list    *acquisition.ChannelList

	mu      sync.RWMutex
	result  Result
	scratch []float64
	spec    *spectrum
}

func newMeasurement(def Definition, ch *acquisition.Channel, list *acquisition.ChannelList) *Measurement {
	m := &Measurement{
		def:     def,
		channel: ch,
		list:    list,
		scratch: make([]float64, def.Window),
		result:  Result{Reason: "not measured yet"},
	}
	if def.Kind == KindFFT {
		m.spec = newSpectrum(def.FFT)
	}
	return m
}

// Report returns the latest result with its channel context.
func (m *Measurement) Report() Report {
	return m.report(m.Result())
}

func (m *Measurement) report(r Result) Report {
	return Report{
		ID:          m.def.ID,
		Kind:        m.def.Kind,
		Channel:     m.ChannelIndex(),
		ChannelName: m.channel.Settings().Name,
		Stream:      m.channel.Stream().Name(),
		Result:      r,
	}
}

// ID returns the measurement identifier.
func (m *Measurement) ID() string { return m.def.ID }

// Kind returns the measurement kind.
func (m *Measurement) Kind() Kind { return m.def.Kind }

// Definition returns the normalized definition.
func (m *Measurement) Definition() Definition { return m.def }

// Channel returns the bound channel.
func (m *Measurement) Channel() *acquisition.Channel { return m.channel }

// ChannelIndex returns the current global index of the bound channel, or
// -1 once its stream was removed.
func (m *Measurement) ChannelIndex() int { return m.list.IndexOf(m.channel) }

// Result returns a copy of the latest result.
func (m *Measurement) Result() Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.result
	r.Peaks = slices.Clone(m.result.Peaks)
	return r
}

// Peaks returns the latest peaks sorted by field. The sort is stable and
// does not recompute the transform.
func (m *Measurement) Peaks(field PeakField, descending bool) []Peak {
	m.mu.RLock()
	peaks := slices.Clone(m.result.Peaks)
	m.mu.RUnlock()

	SortPeaks(peaks, field, descending)
	return peaks
}

// update takes a fresh snapshot and recomputes the result.
func (m *Measurement) update(now time.Time) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason := m.unavailableReason(); reason != "" {
		return m.markUnavailableLocked(reason, now)
	}

	// Window counts output samples; downsampling needs more raw ones.
	raw := m.def.Window * m.channel.Decimation()
	if cap(m.scratch) < raw {
		m.scratch = make([]float64, raw)
	}
	m.scratch = m.scratch[:raw]
	n, err := m.channel.Snapshot(m.scratch, raw)
	if err != nil {
		return m.markUnavailableLocked(err.Error(), now)
	}
	if n == 0 {
		return m.markUnavailableLocked("no samples", now)
	}
	window := m.scratch[:n]
	rate := m.channel.OutputRate()

	r := Result{Samples: n, SampleRate: rate, Updated: now, Available: true}
	switch m.def.Kind {
	case KindRMS:
		r.Value = rms(window)
	case KindPeak, KindMinMax:
		r.Min, r.Max = minMax(window)
		r.Value = r.Max - r.Min
		if m.def.Kind == KindMinMax {
			r.Value = r.Max
		}
	case KindMean:
		r.Value = mean(window)
	case KindStdDev:
		if n < 2 {
			return m.markUnavailableLocked("not enough samples", now)
		}
		r.Value = stdDev(window)
	case KindFFT:
		peaks, reason := m.spec.peaks(window, rate)
		if reason != "" {
			return m.markUnavailableLocked(reason, now)
		}
		r.Peaks = peaks
		r.Samples = m.spec.size()
		if len(peaks) > 0 {
			r.Value = peaks[0].Frequency
		}
	}

	m.result = r
	out := r
	out.Peaks = slices.Clone(r.Peaks)
	return out
}

func (m *Measurement) unavailableReason() string {
	if m.channel.Detached() {
		return "channel removed"
	}
	if !m.channel.Settings().Enabled {
		return "channel disabled"
	}
	return ""
}

func (m *Measurement) markUnavailableLocked(reason string, now time.Time) Result {
	m.result.Available = false
	m.result.Reason = reason
	m.result.Updated = now
	out := m.result
	out.Peaks = slices.Clone(m.result.Peaks)
	return out
}

// ParseKind parses a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Kinds(), k) {
		return "", errors.New(fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, s)).
			Component("measurement").
			Category(errors.CategoryValidation).
			Build()
	}
	return k, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
