// Package ring implements the fixed-capacity sample buffer that backs every channel.
package ring

import (
	"sync"

	"github.com/sigscope/sigscope/internal/errors"
)

const (
	// DefaultCapacity is the per-channel history kept when nothing is configured.
	DefaultCapacity = 10_000

	// MaxCapacity bounds a single channel buffer.
	MaxCapacity = 5_000_000
)

// ErrInvalidCapacity is returned for capacities outside [1, MaxCapacity].
var ErrInvalidCapacity = errors.NewStd("invalid buffer capacity")

// Buffer holds the most recent samples of one channel. The producer appends,
// any number of readers copy snapshots out. Both sides hold the lock only
// for the copy.
type Buffer struct {
	mu      sync.RWMutex
	data    []float64
	head    int    // next write position
	count   int    // valid samples, at most len(data)
	written uint64 // samples appended since creation or Reset
}

// New allocates a buffer holding capacity samples.
func New(capacity int) (*Buffer, error) {
	if err := checkCapacity(capacity); err != nil {
		return nil, err
	}
	return &Buffer{data: make([]float64, capacity)}, nil
}

func checkCapacity(capacity int) error {
	if capacity < 1 || capacity > MaxCapacity {
		return errors.New(ErrInvalidCapacity).
			Component("ring").
			Category(errors.CategoryValidation).
			Context("capacity", capacity).
			Context("max_capacity", MaxCapacity).
			Build()
	}
	return nil
}

// Append adds one sample, overwriting the oldest when full.
func (b *Buffer) Append(v float64) {
	b.mu.Lock()
	b.data[b.head] = v
	b.advanceLocked(1)
	b.mu.Unlock()
}

// Write appends a batch of samples in one critical section.
func (b *Buffer) Write(vs []float64) {
	if len(vs) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.data)
	// only the newest capacity samples can survive
	if len(vs) > capacity {
		b.written += uint64(len(vs) - capacity)
		vs = vs[len(vs)-capacity:]
	}

	n := copy(b.data[b.head:], vs)
	copy(b.data, vs[n:])
	b.advanceLocked(len(vs))
}

func (b *Buffer) advanceLocked(n int) {
	capacity := len(b.data)
	b.head = (b.head + n) % capacity
	b.count = min(b.count+n, capacity)
	b.written += uint64(n)
}

// CopySnapshot copies the most recent min(maxCount, len(dst), Len()) samples
// into dst, oldest first, and returns how many were copied.
func (b *Buffer) CopySnapshot(dst []float64, maxCount int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := min(maxCount, len(dst), b.count)
	if n <= 0 {
		return 0
	}

	capacity := len(b.data)
	start := (b.head - n + capacity) % capacity
	if start+n <= capacity {
		copy(dst, b.data[start:start+n])
	} else {
		first := copy(dst, b.data[start:])
		copy(dst[first:n], b.data[:n-first])
	}
	return n
}

// Resize reallocates the buffer, keeping the most recent samples that fit.
func (b *Buffer) Resize(capacity int) error {
	if err := checkCapacity(capacity); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if capacity == len(b.data) {
		return nil
	}

	next := make([]float64, capacity)
	keep := min(b.count, capacity)
	old := len(b.data)
	start := (b.head - keep + old) % old
	for i := range keep {
		next[i] = b.data[(start+i)%old]
	}

	b.data = next
	b.count = keep
	b.head = keep % capacity
	return nil
}

// Reset discards all samples and the written counter.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
	b.written = 0
}

// Len returns the number of valid samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Written returns the number of samples appended since creation or Reset.
func (b *Buffer) Written() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.written
}
