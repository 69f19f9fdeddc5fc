package acquisition

import (
	"math"
	"sync"
	"time"
)

const (
	// rateWindow is the observation window of the sample-rate estimator.
	rateWindow = 250 * time.Millisecond

	// rateTimeConstant is the EWMA time constant of the estimate.
	rateTimeConstant = time.Second
)

// rateEstimator tracks frames per second as an exponentially weighted
// moving average over fixed observation windows.
type rateEstimator struct {
	mu      sync.Mutex
	start   time.Time
	frames  uint64
	rate    float64
	primed  bool
	started bool
}

// observe adds frames seen at now. It reports whether the estimate changed.
func (e *rateEstimator) observe(frames int, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		e.start, e.started = now, true
	}
	e.frames += uint64(frames)

	dt := now.Sub(e.start)
	if dt < rateWindow {
		return false
	}

	inst := float64(e.frames) / dt.Seconds()
	if !e.primed {
		e.rate, e.primed = inst, true
	} else {
		alpha := 1 - math.Exp(-dt.Seconds()/rateTimeConstant.Seconds())
		e.rate += alpha * (inst - e.rate)
	}
	e.start = now
	e.frames = 0
	return true
}

func (e *rateEstimator) value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *rateEstimator) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.start = time.Time{}
	e.frames = 0
	e.rate = 0
	e.primed = false
	e.started = false
}
