package turn

import (
	"context"
	"time"
)

// EotClassifier estimates whether the speaker has finished their turn.
// Implementations must be safe for concurrent use and honor ctx cancellation.
type EotClassifier interface {
	EndOfTurnProbability(ctx context.Context, history []ContextEntry, utterance string) (float64, error)
}

// ClassifierFunc adapts a plain function to EotClassifier.
type ClassifierFunc func(ctx context.Context, history []ContextEntry, utterance string) (float64, error)

func (f ClassifierFunc) EndOfTurnProbability(ctx context.Context, history []ContextEntry, utterance string) (float64, error) {
	return f(ctx, history, utterance)
}

// DecisionKind is the outcome of one classifier evaluation.
type DecisionKind string

const (
	DecisionHold     DecisionKind = "hold"
	DecisionDispatch DecisionKind = "dispatch"
)

// DecisionReason explains a Decision.
type DecisionReason string

const (
	ReasonClassifier      DecisionReason = "classifier"
	ReasonClassifierError DecisionReason = "classifier_error"
	ReasonFallback        DecisionReason = "fallback"
)

// Decision is reported to the TelemetrySink for every hold and dispatch.
type Decision struct {
	Kind        DecisionKind
	Reason      DecisionReason
	Probability float64
	Threshold   float64
	// Attempt is the 1-based classifier call count within the hold cycle.
	Attempt     int
	UtteranceID string
	// Elapsed is measured from the end-of-utterance signal.
	Elapsed time.Duration
	Err     error
}

// TelemetrySink receives decisions. Calls are made from a single goroutine in
// decision order.
type TelemetrySink interface {
	OnDecision(Decision)
}

// TelemetryFunc adapts a plain function to TelemetrySink.
type TelemetryFunc func(Decision)

func (f TelemetryFunc) OnDecision(d Decision) { f(d) }

// Message is an interim or final conversation turn as seen by the UI.
type Message struct {
	Role        Role
	Content     string
	IsInterim   bool
	UtteranceID string
	Speaker     string
	Timestamp   time.Time
}

// MessageFunc receives messages in order from a single goroutine.
type MessageFunc func(Message)

// Turn is a completed user utterance handed to the response generator.
type Turn struct {
	UtteranceID string
	Text        string
	Speaker     string
	// Context is the history window including this turn as its last entry.
	Context      []ContextEntry
	EndedAt      time.Time
	DispatchedAt time.Time
	Reason       DecisionReason
	Probability  float64
}

// ProcessFunc handles a completed turn. It runs on its own goroutine and its
// error is only logged.
type ProcessFunc func(ctx context.Context, t Turn) error
