package classifier

import (
	"context"
	"sync"

	"speech-turn-service/internal/service/turn"
)

// Scripted returns a fixed sequence of probabilities, repeating the last one
// once exhausted. Used by replays and tests.
type Scripted struct {
	mu    sync.Mutex
	probs []float64
	next  int
	calls []string
}

func NewScripted(probs ...float64) *Scripted {
	if len(probs) == 0 {
		probs = []float64{1}
	}
	return &Scripted{probs: probs}
}

// EndOfTurnProbability implements turn.EotClassifier.
func (s *Scripted) EndOfTurnProbability(ctx context.Context, _ []turn.ContextEntry, utterance string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, utterance)
	p := s.probs[s.next]
	if s.next < len(s.probs)-1 {
		s.next++
	}
	return p, nil
}

// Calls returns the utterances the classifier was asked about.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
