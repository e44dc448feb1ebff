package replay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"speech-turn-service/internal/observability/logging"
	"speech-turn-service/internal/service/transcript"
	"speech-turn-service/internal/service/turn"
	"speech-turn-service/internal/service/turn/classifier"
)

// Result collects everything the dispatcher emitted during a replay.
type Result struct {
	Messages  []turn.Message
	Decisions []turn.Decision
	Turns     []turn.Turn
}

// Run replays the script against a fresh dispatcher, writing a line per
// emitted event to out. It returns once the script finished and any held
// utterance was decided.
func Run(ctx context.Context, s *Script, out io.Writer) (*Result, error) {
	var eot turn.EotClassifier = classifier.NewHeuristic()
	if len(s.Probabilities) > 0 {
		eot = classifier.NewScripted(s.Probabilities...)
	}

	conversationID := s.Conversation
	if conversationID == "" {
		conversationID = "replay"
	}

	var (
		mu     sync.Mutex
		outMu  sync.Mutex
		res    Result
		start  = time.Now()
		printf = func(format string, args ...any) {
			outMu.Lock()
			defer outMu.Unlock()
			_, _ = fmt.Fprintf(out, "%6dms "+format+"\n", append([]any{time.Since(start).Milliseconds()}, args...)...)
		}
	)

	cfg := s.TurnConfig()
	d, err := turn.New(cfg, eot,
		turn.WithConversationID(conversationID),
		turn.WithLogger(logging.WithConversation(conversationID, "")),
		turn.WithMessageCallback(func(m turn.Message) {
			mu.Lock()
			res.Messages = append(res.Messages, m)
			mu.Unlock()
			kind := "final"
			if m.IsInterim {
				kind = "interim"
			}
			printf("message  %-5s %-7s %q", m.Role, kind, m.Content)
		}),
		turn.WithTelemetry(turn.TelemetryFunc(func(dec turn.Decision) {
			mu.Lock()
			res.Decisions = append(res.Decisions, dec)
			mu.Unlock()
			printf("decision %-8s reason=%s p=%.2f attempt=%d", dec.Kind, dec.Reason, dec.Probability, dec.Attempt)
		})),
		turn.WithProcessor(func(_ context.Context, t turn.Turn) error {
			mu.Lock()
			res.Turns = append(res.Turns, t)
			mu.Unlock()
			printf("turn     %s %q hold=%s", t.UtteranceID, t.Text, t.DispatchedAt.Sub(t.EndedAt).Round(time.Millisecond))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	for _, st := range s.Steps {
		if err := apply(ctx, d, st); err != nil {
			d.Close()
			return nil, err
		}
	}

	// Let a held utterance reach its decision before closing.
	deadline := time.Now().Add(cfg.MaxHold + time.Second)
	for d.State() == turn.StateHolding && time.Now().Before(deadline) {
		if err := sleep(ctx, 5*time.Millisecond); err != nil {
			break
		}
	}

	d.Close()
	if err := d.Wait(ctx); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return &res, nil
}

func apply(ctx context.Context, d *turn.Dispatcher, st Step) error {
	switch st.Type {
	case StepPartial:
		d.HandlePartialTranscript(st.Text)
	case StepFinal:
		d.HandleFinalTranscript(st.Text)
	case StepSegment:
		d.HandleSegment(transcript.Segment{
			StartTime:  st.Start,
			EndTime:    st.End,
			Transcript: st.Text,
			IsFinal:    st.Final,
			Speaker:    st.Speaker,
			ReceivedAt: time.Now(),
		})
	case StepEnd:
		d.MarkEndOfUtterance()
	case StepAgent:
		d.AddAgentMessage(st.Text)
	case StepReset:
		d.Reset()
	case StepWait:
		return sleep(ctx, st.Duration)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
