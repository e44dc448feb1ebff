package classifier

import (
	"context"
	"time"

	"speech-turn-service/internal/observability/metrics"
	"speech-turn-service/internal/service/turn"
)

// Instrumented records call metrics for another classifier.
type Instrumented struct {
	name  string
	inner turn.EotClassifier
}

// Instrument wraps inner. name labels the metrics ("http", "heuristic", ...).
func Instrument(name string, inner turn.EotClassifier) *Instrumented {
	return &Instrumented{name: name, inner: inner}
}

// EndOfTurnProbability implements turn.EotClassifier.
func (c *Instrumented) EndOfTurnProbability(ctx context.Context, history []turn.ContextEntry, utterance string) (float64, error) {
	start := time.Now()
	p, err := c.inner.EndOfTurnProbability(ctx, history, utterance)
	metrics.DefaultMetrics.RecordClassifierCall(c.name, time.Since(start), err)
	return p, err
}
