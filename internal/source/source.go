// Package source provides the byte sources an acquisition stream reads from.
//
// Every source delivers a raw byte stream; framing is left to the frame
// package. Read blocks for at most the configured read timeout and returns
// (0, nil) when no data arrived, so the producer loop can observe
// cancellation between reads.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

// ByteSource is a connectable, bounded-blocking byte stream.
type ByteSource interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Open connects the underlying device or file.
	Open(ctx context.Context) error

	// Read fills p with the next bytes. It returns (0, nil) on timeout and
	// io.EOF when a finite source is exhausted.
	Read(p []byte) (int, error)

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// DefaultReadTimeout bounds a single Read when nothing is configured.
const DefaultReadTimeout = 100 * time.Millisecond

var (
	// ErrSourceUnavailable is returned when a device or file cannot be opened.
	ErrSourceUnavailable = errors.NewStd("source unavailable")

	// ErrNotOpen is returned by Read before Open or after Close.
	ErrNotOpen = errors.NewStd("source not open")
)

// GetLogger returns the source package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("source")
}

func unavailable(err error, kind, name string) error {
	return errors.New(fmt.Errorf("%w: %w", ErrSourceUnavailable, err)).
		Component("source").
		Category(errors.CategorySourceUnavailable).
		Context("source_type", kind).
		Context("source", name).
		Build()
}

func ioFailure(err error, kind, name string) error {
	return errors.New(err).
		Component("source").
		Category(errors.CategorySourceIO).
		Context("source_type", kind).
		Context("source", name).
		Build()
}

func notOpen(kind, name string) error {
	return errors.New(ErrNotOpen).
		Component("source").
		Category(errors.CategoryState).
		Context("source_type", kind).
		Context("source", name).
		Build()
}

func readTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultReadTimeout
	}
	return d
}
