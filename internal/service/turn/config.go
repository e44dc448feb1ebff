package turn

import (
	"fmt"
	"math"
	"time"
)

// FallbackMode selects what happens when max hold elapses without the
// classifier confirming completion.
type FallbackMode string

// FallbackForceSend dispatches the held utterance anyway.
const FallbackForceSend FallbackMode = "force-send"

// Config holds dispatcher tuning. All fields are read once at construction.
type Config struct {
	// Threshold is the end-of-turn probability at or above which the
	// utterance is dispatched.
	Threshold float64
	// GracePeriod is the wait between classifier re-queries while holding.
	GracePeriod time.Duration
	// MaxHold caps the time spent holding after the end-of-utterance signal.
	MaxHold            time.Duration
	FallbackMode       FallbackMode
	MaxContextMessages int
	// SeedContext holds prior turns, oldest first.
	SeedContext []ContextEntry
	// Active gates whether turn detection runs at all.
	Active bool
	// SegmentMaxAge prunes timed segments older than this before each read.
	// Zero disables pruning.
	SegmentMaxAge time.Duration
	// ClassifierTimeout bounds a single classifier call. Zero means the call
	// is only bounded by max hold.
	ClassifierTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:          0.7,
		GracePeriod:        250 * time.Millisecond,
		MaxHold:            2 * time.Second,
		FallbackMode:       FallbackForceSend,
		MaxContextMessages: 10,
		Active:             true,
		ClassifierTimeout:  time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 || math.IsNaN(c.Threshold) {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, c.Threshold)
	}
	if c.GracePeriod <= 0 || c.MaxHold <= 0 || c.GracePeriod > c.MaxHold {
		return fmt.Errorf("%w: grace=%s max_hold=%s", ErrInvalidTiming, c.GracePeriod, c.MaxHold)
	}
	if c.FallbackMode != FallbackForceSend {
		return fmt.Errorf("%w: %q", ErrUnsupportedFallback, c.FallbackMode)
	}
	if c.MaxContextMessages < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidContextSize, c.MaxContextMessages)
	}
	if c.SegmentMaxAge < 0 || c.ClassifierTimeout < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidTiming)
	}
	return nil
}
