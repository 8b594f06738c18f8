package deltat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInterval is returned when a resampling step is zero or negative.
	ErrInvalidInterval = errors.New("interval must be greater than zero")

	// ErrInvalidRange is returned when a query range ends before it starts,
	// or when a resampling query has no start.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrInvalidPriority is returned when a sample's priority does not address a slot.
	ErrInvalidPriority = errors.New("priority out of range")
)

// FlushError reports a flush cycle that was aborted part way through its batch.
// Samples counted in Lost were dequeued but never persisted.
type FlushError struct {
	Cycle     uint64
	Processed int
	Lost      int
	Err       error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush cycle %d aborted after %d samples (%d lost): %v", e.Cycle, e.Processed, e.Lost, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}
