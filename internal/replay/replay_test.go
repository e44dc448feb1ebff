package replay

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speech-turn-service/internal/service/turn"
)

func TestRun_HoldThenDispatch(t *testing.T) {
	s, err := Load("testdata/bonjour.yaml")
	require.NoError(t, err)

	var out bytes.Buffer
	res, err := Run(context.Background(), s, &out)
	require.NoError(t, err)

	require.Len(t, res.Decisions, 2)
	assert.Equal(t, turn.DecisionHold, res.Decisions[0].Kind)
	assert.InDelta(t, 0.42, res.Decisions[0].Probability, 1e-9)
	assert.Equal(t, turn.DecisionDispatch, res.Decisions[1].Kind)
	assert.Equal(t, turn.ReasonClassifier, res.Decisions[1].Reason)

	require.Len(t, res.Turns, 1)
	assert.Equal(t, "Bonjour je suis Pierre", res.Turns[0].Text)
	assert.Equal(t, []turn.ContextEntry{
		{Role: turn.RoleAgent, Content: "Comment vous appelez-vous ?"},
		{Role: turn.RoleUser, Content: "Bonjour je suis Pierre"},
	}, res.Turns[0].Context)

	final := res.Messages[len(res.Messages)-1]
	assert.False(t, final.IsInterim)
	assert.Equal(t, "Bonjour je suis Pierre", final.Content)

	assert.Contains(t, out.String(), "decision hold")
	assert.Contains(t, out.String(), "decision dispatch")
}

func TestRun_FallbackWhenClassifierNeverConfirms(t *testing.T) {
	s, err := Parse(strings.NewReader(`
gracePeriod: 20ms
maxHold: 80ms
probabilities: [0.1]
steps:
  - {type: final, text: "so anyway"}
  - {type: end}
`))
	require.NoError(t, err)

	start := time.Now()
	res, err := Run(context.Background(), s, &bytes.Buffer{})
	require.NoError(t, err)

	require.Len(t, res.Turns, 1)
	assert.Equal(t, turn.ReasonFallback, res.Turns[0].Reason)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	dispatches := 0
	for _, d := range res.Decisions {
		if d.Kind == turn.DecisionDispatch {
			dispatches++
		}
	}
	assert.Equal(t, 1, dispatches)
}

func TestRun_HeuristicClassifierAndWait(t *testing.T) {
	s, err := Parse(strings.NewReader(`
steps:
  - {type: partial, text: "what time is it?"}
  - {type: wait, duration: 10ms}
  - {type: end}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s, &bytes.Buffer{})
	require.NoError(t, err)
	require.Len(t, res.Turns, 1)
	assert.Equal(t, "what time is it?", res.Turns[0].Text)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"no steps", "conversation: x\n", ErrNoSteps},
		{"unknown step", "steps:\n  - {type: shout}\n", ErrUnknownStep},
		{"wait without duration", "steps:\n  - {type: wait}\n", ErrInvalidDuration},
		{"grace above max hold", "gracePeriod: 1s\nmaxHold: 100ms\nsteps:\n  - {type: end}\n", turn.ErrInvalidTiming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.script))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
