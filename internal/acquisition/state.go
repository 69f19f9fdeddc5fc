package acquisition

import (
	"fmt"

	"github.com/sigscope/sigscope/internal/errors"
)

// State is the lifecycle state of a Stream.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrInvalidState is returned for a lifecycle call that is not valid in
	// the current state.
	ErrInvalidState = errors.NewStd("invalid stream state")

	// ErrChannelUnavailable is returned when reading a channel whose stream
	// was removed.
	ErrChannelUnavailable = errors.NewStd("channel unavailable")

	// ErrDesync is recorded when a stream keeps failing to find frames.
	ErrDesync = errors.NewStd("frame synchronization lost")

	// ErrInvalidSetting is returned for rejected channel settings.
	ErrInvalidSetting = errors.NewStd("invalid channel setting")
)

func invalidTransition(stream string, from State, op string) error {
	return errors.New(fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, from)).
		Component("acquisition").
		Category(errors.CategoryState).
		Context("stream", stream).
		Context("state", from.String()).
		Context("operation", op).
		Build()
}
