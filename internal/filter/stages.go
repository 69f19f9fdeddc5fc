package filter

import (
	"math"
	"slices"
)

// lowPass is a single-pole exponential smoother.
type lowPass struct {
	alpha  float64
	y      float64
	primed bool
}

func (f *lowPass) Kind() Kind   { return KindLowPass }
func (f *lowPass) Params() Spec { return Spec{Kind: KindLowPass, Alpha: f.alpha} }
func (f *lowPass) Reset()       { f.y, f.primed = 0, false }

func (f *lowPass) Process(in, out []float64) int {
	for i, x := range in {
		if !f.primed {
			f.y, f.primed = x, true
		} else {
			f.y = f.alpha*x + (1-f.alpha)*f.y
		}
		out[i] = f.y
	}
	return len(in)
}

// highPass is the complementary single-pole filter.
type highPass struct {
	alpha  float64
	x, y   float64
	primed bool
}

func (f *highPass) Kind() Kind   { return KindHighPass }
func (f *highPass) Params() Spec { return Spec{Kind: KindHighPass, Alpha: f.alpha} }
func (f *highPass) Reset()       { f.x, f.y, f.primed = 0, 0, false }

func (f *highPass) Process(in, out []float64) int {
	for i, x := range in {
		if !f.primed {
			f.x, f.y, f.primed = x, 0, true
		} else {
			f.y = f.alpha * (f.y + x - f.x)
			f.x = x
		}
		out[i] = f.y
	}
	return len(in)
}

// window keeps the last n inputs.
type window struct {
	buf   []float64
	pos   int
	count int
}

func (w *window) push(x float64) (evicted float64, full bool) {
	if w.count == len(w.buf) {
		evicted, full = w.buf[w.pos], true
	} else {
		w.count++
	}
	w.buf[w.pos] = x
	w.pos = (w.pos + 1) % len(w.buf)
	return evicted, full
}

func (w *window) reset() {
	w.pos, w.count = 0, 0
}

type movingAverage struct {
	win window
	sum float64
}

func newMovingAverage(n int) *movingAverage {
	return &movingAverage{win: window{buf: make([]float64, n)}}
}

func (f *movingAverage) Kind() Kind { return KindMovingAverage }
func (f *movingAverage) Params() Spec {
	return Spec{Kind: KindMovingAverage, Window: len(f.win.buf)}
}
func (f *movingAverage) Reset() { f.win.reset(); f.sum = 0 }

func (f *movingAverage) Process(in, out []float64) int {
	for i, x := range in {
		if old, full := f.win.push(x); full {
			f.sum -= old
		}
		f.sum += x
		out[i] = f.sum / float64(f.win.count)
	}
	return len(in)
}

// median keeps the window in arrival order and a sorted copy of it, so each
// sample costs a binary search and a shift instead of a full sort.
type median struct {
	win    window
	sorted []float64
}

func newMedian(n int) *median {
	return &median{win: window{buf: make([]float64, n)}, sorted: make([]float64, 0, n)}
}

func (f *median) Kind() Kind   { return KindMedian }
func (f *median) Params() Spec { return Spec{Kind: KindMedian, Window: len(f.win.buf)} }
func (f *median) Reset() {
	f.win.reset()
	f.sorted = f.sorted[:0]
}

func (f *median) Process(in, out []float64) int {
	for i, x := range in {
		if evicted, full := f.win.push(x); full {
			if j, found := slices.BinarySearch(f.sorted, evicted); found {
				f.sorted = slices.Delete(f.sorted, j, j+1)
			}
		}
		j, _ := slices.BinarySearch(f.sorted, x)
		f.sorted = slices.Insert(f.sorted, j, x)

		n := len(f.sorted)
		if n%2 == 1 {
			out[i] = f.sorted[n/2]
		} else {
			out[i] = (f.sorted[n/2-1] + f.sorted[n/2]) / 2
		}
	}
	return len(in)
}

// notch is a band-reject biquad tuned to the stream's sample rate.
type notch struct {
	frequency float64
	bandwidth float64
	rate      float64
	bq        *biquad // nil while bypassed
}

func (f *notch) Kind() Kind { return KindNotch }
func (f *notch) Params() Spec {
	return Spec{Kind: KindNotch, Frequency: f.frequency, Bandwidth: f.bandwidth}
}

func (f *notch) Reset() {
	if f.bq != nil {
		f.bq.reset()
	}
}

// SetSampleRate recomputes the coefficients when the rate moved by more than 1%.
func (f *notch) SetSampleRate(hz float64) {
	if f.rate > 0 && math.Abs(hz-f.rate) <= 0.01*f.rate {
		return
	}
	f.rate = hz
	if !(hz > 0) || f.frequency >= hz/2 {
		f.bq = nil
		return
	}
	f.bq = newBandReject(hz, f.frequency, f.bandwidth)
}

// Bypassed reports whether the notch currently passes samples unchanged.
func (f *notch) Bypassed() bool {
	return f.bq == nil
}

func (f *notch) Process(in, out []float64) int {
	if f.bq == nil {
		copy(out, in)
		return len(in)
	}
	for i, x := range in {
		out[i] = f.bq.step(x)
	}
	return len(in)
}

type absolute struct{}

func (absolute) Kind() Kind   { return KindAbsolute }
func (absolute) Params() Spec { return Spec{Kind: KindAbsolute} }
func (absolute) Reset()       {}

func (absolute) Process(in, out []float64) int {
	for i, x := range in {
		out[i] = math.Abs(x)
	}
	return len(in)
}

type squared struct{}

func (squared) Kind() Kind   { return KindSquared }
func (squared) Params() Spec { return Spec{Kind: KindSquared} }
func (squared) Reset()       {}

func (squared) Process(in, out []float64) int {
	for i, x := range in {
		out[i] = x * x
	}
	return len(in)
}

// downsample keeps the first of every factor samples.
type downsample struct {
	factor int
	phase  int
}

func (f *downsample) Kind() Kind   { return KindDownsample }
func (f *downsample) Params() Spec { return Spec{Kind: KindDownsample, Factor: f.factor} }
func (f *downsample) Reset()       { f.phase = 0 }

func (f *downsample) Process(in, out []float64) int {
	n := 0
	for _, x := range in {
		if f.phase == 0 {
			out[n] = x
			n++
		}
		f.phase = (f.phase + 1) % f.factor
	}
	return n
}
