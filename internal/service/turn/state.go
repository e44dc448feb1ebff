// Package turn decides when a spoken utterance is complete and hands it to a
// response generator exactly once.
package turn

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a Dispatcher.
type State int

const (
	// StateIdle - No utterance in progress.
	StateIdle State = iota
	// StateCollecting - Receiving transcript updates for the current utterance.
	StateCollecting
	// StateHolding - End of utterance signaled, waiting for the classifier or max hold.
	StateHolding
	// StateClosed - Dispatcher was closed. Terminal.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCollecting:
		return "COLLECTING"
	case StateHolding:
		return "HOLDING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if no further events are accepted.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// Errors returned by constructors and configuration checks.
var (
	ErrInvalidThreshold    = errors.New("threshold must be within [0, 1]")
	ErrInvalidTiming       = errors.New("grace period and max hold must be positive and grace <= max hold")
	ErrUnsupportedFallback = errors.New("unsupported fallback mode")
	ErrInvalidContextSize  = errors.New("max context messages must be at least 1")
	ErrNilClassifier       = errors.New("classifier is required")
	ErrClosed              = errors.New("dispatcher is closed")
	ErrInvalidProbability  = errors.New("classifier returned NaN probability")
)
