package classifier

import (
	"context"
	"strings"
	"unicode"

	"speech-turn-service/internal/service/turn"
)

// Probabilities returned by Heuristic.
const (
	ProbabilityComplete   = 0.9
	ProbabilityIncomplete = 0.2
	ProbabilityUnknown    = 0.5
)

// trailingWords mark an utterance the speaker is likely to continue.
var trailingWords = map[string]struct{}{
	// en
	"and": {}, "but": {}, "or": {}, "so": {}, "because": {}, "the": {}, "a": {}, "an": {},
	"to": {}, "of": {}, "with": {}, "um": {}, "uh": {}, "like": {}, "if": {}, "that": {},
	// fr
	"et": {}, "mais": {}, "ou": {}, "donc": {}, "parce": {}, "que": {}, "le": {}, "la": {},
	"les": {}, "un": {}, "une": {}, "de": {}, "du": {}, "euh": {}, "avec": {}, "pour": {},
}

// Heuristic scores utterances from punctuation and trailing words. It needs
// no model and is used when no classifier endpoint is configured.
type Heuristic struct{}

func NewHeuristic() Heuristic {
	return Heuristic{}
}

// EndOfTurnProbability implements turn.EotClassifier.
func (Heuristic) EndOfTurnProbability(_ context.Context, _ []turn.ContextEntry, utterance string) (float64, error) {
	text := strings.TrimSpace(utterance)
	if text == "" {
		return 0, nil
	}

	switch text[len(text)-1] {
	case '.', '!', '?':
		if strings.HasSuffix(text, "...") {
			return ProbabilityIncomplete, nil
		}
		return ProbabilityComplete, nil
	case ',', ';', ':', '-':
		return ProbabilityIncomplete, nil
	}

	words := strings.Fields(text)
	last := strings.ToLower(strings.TrimFunc(words[len(words)-1], unicode.IsPunct))
	if _, ok := trailingWords[last]; ok {
		return ProbabilityIncomplete, nil
	}
	return ProbabilityUnknown, nil
}
