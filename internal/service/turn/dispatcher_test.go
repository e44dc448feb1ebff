package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speech-turn-service/internal/service/transcript"
)

// recorder collects every callback the dispatcher makes.
type recorder struct {
	mu        sync.Mutex
	decisions []Decision
	messages  []Message
	turns     []Turn
}

func (r *recorder) OnDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recorder) onMessage(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) process(_ context.Context, t Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, t)
	return nil
}

func (r *recorder) kinds() []DecisionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DecisionKind, len(r.decisions))
	for i, d := range r.decisions {
		out[i] = d.Kind
	}
	return out
}

func (r *recorder) finalMessages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if !m.IsInterim {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func (r *recorder) dispatches() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Decision
	for _, d := range r.decisions {
		if d.Kind == DecisionDispatch {
			out = append(out, d)
		}
	}
	return out
}

// sequence returns probabilities in order, repeating the last one.
type sequence struct {
	mu    sync.Mutex
	probs []float64
	calls int
	delay time.Duration
	err   error
}

func (s *sequence) EndOfTurnProbability(ctx context.Context, _ []ContextEntry, _ string) (float64, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	delay, err := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	if i >= len(s.probs) {
		i = len(s.probs) - 1
	}
	return s.probs[i], nil
}

func (s *sequence) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// waitDispatched blocks until n turns were processed and n dispatch decisions
// were reported.
func waitDispatched(t *testing.T, rec *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return rec.turnCount() == n && len(rec.dispatches()) == n
	}, time.Second, 5*time.Millisecond)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GracePeriod = 25 * time.Millisecond
	cfg.MaxHold = 200 * time.Millisecond
	cfg.ClassifierTimeout = 0
	return cfg
}

func newTestDispatcher(t *testing.T, cfg Config, c EotClassifier) (*Dispatcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	d, err := New(cfg, c,
		WithTelemetry(rec),
		WithMessageCallback(rec.onMessage),
		WithProcessor(rec.process),
		WithConversationID("conv-1"),
	)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, rec
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"threshold above one", func(c *Config) { c.Threshold = 1.5 }, ErrInvalidThreshold},
		{"negative threshold", func(c *Config) { c.Threshold = -0.1 }, ErrInvalidThreshold},
		{"zero grace", func(c *Config) { c.GracePeriod = 0 }, ErrInvalidTiming},
		{"grace above max hold", func(c *Config) { c.GracePeriod = 3 * time.Second }, ErrInvalidTiming},
		{"unknown fallback", func(c *Config) { c.FallbackMode = "discard" }, ErrUnsupportedFallback},
		{"empty context window", func(c *Config) { c.MaxContextMessages = 0 }, ErrInvalidContextSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, &sequence{probs: []float64{1}})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrNilClassifier)
}

func TestDispatcher_HoldThenDispatch(t *testing.T) {
	cls := &sequence{probs: []float64{0.42, 0.81}}
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.HandlePartialTranscript("I was wondering")
	d.HandleFinalTranscript("I was wondering if you could help.")
	d.MarkEndOfUtterance()
	assert.Equal(t, StateHolding, d.State())

	waitDispatched(t, rec, 1)

	assert.Equal(t, []DecisionKind{DecisionHold, DecisionDispatch}, rec.kinds())
	assert.Equal(t, 2, cls.callCount())

	dispatch := rec.dispatches()[0]
	assert.Equal(t, ReasonClassifier, dispatch.Reason)
	assert.InDelta(t, 0.81, dispatch.Probability, 1e-9)
	assert.Equal(t, 2, dispatch.Attempt)
	assert.GreaterOrEqual(t, dispatch.Elapsed, 25*time.Millisecond)

	finals := rec.finalMessages()
	require.Len(t, finals, 1)
	assert.Equal(t, RoleUser, finals[0].Role)
	assert.Equal(t, "I was wondering if you could help.", finals[0].Content)

	assert.Equal(t, StateIdle, d.State())
	assert.Empty(t, d.CurrentUtterance())

	// Nothing else fires after the grace and max hold deadlines pass.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, rec.turnCount())
	assert.Len(t, rec.finalMessages(), 1)
	assert.Equal(t, 2, cls.callCount())
}

func TestDispatcher_ImmediateDispatchAboveThreshold(t *testing.T) {
	d, rec := newTestDispatcher(t, testConfig(), &sequence{probs: []float64{0.95}})

	d.HandleFinalTranscript("Book me a table for two.")
	d.MarkEndOfUtterance()

	waitDispatched(t, rec, 1)
	assert.Equal(t, []DecisionKind{DecisionDispatch}, rec.kinds())
}

func TestDispatcher_ForceSendAfterMaxHold(t *testing.T) {
	cls := &sequence{probs: []float64{0.1}}
	cfg := testConfig()
	d, rec := newTestDispatcher(t, cfg, cls)

	d.HandleFinalTranscript("so um")
	start := time.Now()
	d.MarkEndOfUtterance()

	waitDispatched(t, rec, 1)
	assert.GreaterOrEqual(t, time.Since(start), cfg.MaxHold)

	dispatches := rec.dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, ReasonFallback, dispatches[0].Reason)
	assert.Greater(t, cls.callCount(), 1)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.turnCount())
	assert.Len(t, rec.dispatches(), 1)
}

func TestDispatcher_LateResultAfterFallbackIgnored(t *testing.T) {
	cls := &sequence{probs: []float64{0.99}, delay: 150 * time.Millisecond}
	cfg := testConfig()
	cfg.MaxHold = 50 * time.Millisecond
	d, rec := newTestDispatcher(t, cfg, cls)

	d.HandleFinalTranscript("are you there")
	d.MarkEndOfUtterance()

	waitDispatched(t, rec, 1)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, rec.turnCount())
	dispatches := rec.dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, ReasonFallback, dispatches[0].Reason)
	assert.Equal(t, 1, cls.callCount())
}

func TestDispatcher_ClassifierErrorsFallBack(t *testing.T) {
	cls := &sequence{err: errors.New("model unavailable")}
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.HandleFinalTranscript("hello")
	d.MarkEndOfUtterance()

	waitDispatched(t, rec, 1)

	rec.mu.Lock()
	first := rec.decisions[0]
	rec.mu.Unlock()
	assert.Equal(t, DecisionHold, first.Kind)
	assert.Equal(t, ReasonClassifierError, first.Reason)
	assert.Error(t, first.Err)
	assert.Equal(t, ReasonFallback, rec.dispatches()[0].Reason)
}

func TestDispatcher_NeverOverlapsClassifierCalls(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	cls := ClassifierFunc(func(ctx context.Context, _ []ContextEntry, _ string) (float64, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
		select {
		case <-time.After(60 * time.Millisecond):
		case <-ctx.Done():
		}
		return 0.2, nil
	})
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.HandleFinalTranscript("slow classifier")
	d.MarkEndOfUtterance()

	waitDispatched(t, rec, 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
}

func TestDispatcher_PartialWhileHoldingCancelsCycle(t *testing.T) {
	cls := &sequence{probs: []float64{0.3, 0.3, 0.9}}
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.HandleFinalTranscript("I'd like to")
	d.MarkEndOfUtterance()
	first := d.UtteranceID()
	require.Eventually(t, func() bool { return len(rec.kinds()) >= 1 }, time.Second, 5*time.Millisecond)

	d.HandlePartialTranscript("order a pizza")
	assert.Equal(t, StateCollecting, d.State())
	assert.Equal(t, first, d.UtteranceID())

	// The cancelled cycle's max hold must not fire.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, rec.turnCount())
	assert.Equal(t, "I'd like to order a pizza", d.CurrentUtterance())

	d.HandleFinalTranscript("order a pizza")
	d.MarkEndOfUtterance()
	waitDispatched(t, rec, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "I'd like to order a pizza", rec.turns[0].Text)
	assert.Equal(t, first, rec.turns[0].UtteranceID)
}

func TestDispatcher_FinalWhileHoldingRefinesText(t *testing.T) {
	cls := &sequence{probs: []float64{0.2, 0.9}}
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.HandlePartialTranscript("what time is")
	d.MarkEndOfUtterance()
	d.HandleFinalTranscript("what time is it")
	assert.Equal(t, StateHolding, d.State())

	waitDispatched(t, rec, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "what time is it", rec.turns[0].Text)
}

func TestDispatcher_EndOfUtteranceIgnoredWhenEmptyOrHolding(t *testing.T) {
	cls := &sequence{probs: []float64{0.1}}
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.MarkEndOfUtterance()
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, 0, cls.callCount())

	d.HandleFinalTranscript("hi")
	d.MarkEndOfUtterance()
	d.MarkEndOfUtterance()
	d.MarkEndOfUtterance()

	waitDispatched(t, rec, 1)
	assert.Len(t, rec.dispatches(), 1)
}

func TestDispatcher_ContextWindow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxContextMessages = 3
	cfg.SeedContext = []ContextEntry{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAgent, Content: "two"},
		{Role: RoleUser, Content: "three"},
		{Role: RoleAgent, Content: "four"},
	}
	var seen []ContextEntry
	var mu sync.Mutex
	cls := ClassifierFunc(func(_ context.Context, history []ContextEntry, _ string) (float64, error) {
		mu.Lock()
		seen = history
		mu.Unlock()
		return 1, nil
	})
	d, rec := newTestDispatcher(t, cfg, cls)

	assert.Equal(t, []ContextEntry{
		{Role: RoleAgent, Content: "two"},
		{Role: RoleUser, Content: "three"},
		{Role: RoleAgent, Content: "four"},
	}, d.Context())

	d.HandleFinalTranscript("five")
	d.MarkEndOfUtterance()
	waitDispatched(t, rec, 1)

	mu.Lock()
	assert.Len(t, seen, 3)
	assert.Equal(t, "four", seen[2].Content)
	mu.Unlock()

	want := []ContextEntry{
		{Role: RoleUser, Content: "three"},
		{Role: RoleAgent, Content: "four"},
		{Role: RoleUser, Content: "five"},
	}
	assert.Equal(t, want, d.Context())
	rec.mu.Lock()
	assert.Equal(t, want, rec.turns[0].Context)
	rec.mu.Unlock()

	d.AddAgentMessage("six")
	assert.Equal(t, []ContextEntry{
		{Role: RoleAgent, Content: "four"},
		{Role: RoleUser, Content: "five"},
		{Role: RoleAgent, Content: "six"},
	}, d.Context())
}

func TestDispatcher_AgentMessageEmitted(t *testing.T) {
	d, rec := newTestDispatcher(t, testConfig(), &sequence{probs: []float64{1}})

	d.AddAgentMessage("  How can I help?  ")

	require.Eventually(t, func() bool { return len(rec.finalMessages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := rec.finalMessages()[0]
	assert.Equal(t, RoleAgent, msg.Role)
	assert.Equal(t, "How can I help?", msg.Content)
}

func TestDispatcher_PartialMerging(t *testing.T) {
	tests := []struct {
		name     string
		partials []string
		want     string
	}{
		{"extending partials replace", []string{"Bon", "Bonjour", "Bonjour je suis"}, "Bonjour je suis"},
		{"non-overlapping partials append", []string{"Bonjour", "je suis Pierre"}, "Bonjour je suis Pierre"},
		{"overlapping partials join once", []string{"Bonjour je", "je suis Pierre"}, "Bonjour je suis Pierre"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDispatcher(t, testConfig(), &sequence{probs: []float64{0.9}})
			for _, p := range tt.partials {
				d.HandlePartialTranscript(p)
			}
			assert.Equal(t, tt.want, d.CurrentUtterance())
			assert.Equal(t, StateCollecting, d.State())
		})
	}
}

func TestDispatcher_TimedSegments(t *testing.T) {
	d, rec := newTestDispatcher(t, testConfig(), &sequence{probs: []float64{0.9}})

	assert.True(t, d.HandleSegment(transcript.Segment{StartTime: 0, EndTime: 0.3, Transcript: "Bon"}))
	assert.True(t, d.HandleSegment(transcript.Segment{StartTime: 0, EndTime: 0.6, Transcript: "Bonjour"}))
	assert.True(t, d.HandleSegment(transcript.Segment{StartTime: 0, EndTime: 0.9, Transcript: "Bonjour je"}))
	assert.True(t, d.HandleSegment(transcript.Segment{StartTime: 0, EndTime: 1.2, Transcript: "Bonjour je suis"}))
	assert.True(t, d.HandleSegment(transcript.Segment{StartTime: 0, EndTime: 1.6, Transcript: "Bonjour je suis Pierre", IsFinal: true, Speaker: "speaker-1"}))
	assert.False(t, d.HandleSegment(transcript.Segment{StartTime: 1.0, EndTime: 1.4, Transcript: "stale"}))
	assert.False(t, d.HandleSegment(transcript.Segment{StartTime: 2, EndTime: 1}))

	assert.Equal(t, "Bonjour je suis Pierre", d.CurrentUtterance())

	d.MarkEndOfUtterance()
	waitDispatched(t, rec, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "Bonjour je suis Pierre", rec.turns[0].Text)
	assert.Equal(t, "speaker-1", rec.turns[0].Speaker)
	assert.Equal(t, "conv-1-utt-1", rec.turns[0].UtteranceID)
}

func TestDispatcher_SegmentMaxAgePrunes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	cfg := testConfig()
	cfg.SegmentMaxAge = 10 * time.Second
	d, err := New(cfg, &sequence{probs: []float64{1}}, WithClock(clock))
	require.NoError(t, err)
	defer d.Close()

	d.HandleSegment(transcript.Segment{StartTime: 0, EndTime: 1, Transcript: "old", IsFinal: true})
	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()
	d.HandleSegment(transcript.Segment{StartTime: 1, EndTime: 2, Transcript: "new", IsFinal: true})

	assert.Equal(t, "new", d.CurrentUtterance())
}

func TestDispatcher_InactiveIgnoresEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Active = false
	cls := &sequence{probs: []float64{1}}
	d, rec := newTestDispatcher(t, cfg, cls)

	d.HandlePartialTranscript("ignored")
	d.HandleFinalTranscript("ignored")
	assert.False(t, d.HandleSegment(transcript.Segment{StartTime: 0, EndTime: 1, Transcript: "ignored", IsFinal: true}))
	d.MarkEndOfUtterance()

	assert.Equal(t, StateIdle, d.State())
	assert.Empty(t, d.CurrentUtterance())
	assert.Equal(t, 0, cls.callCount())

	d.SetActive(true)
	assert.True(t, d.IsActive())
	d.HandleFinalTranscript("now it counts")
	d.MarkEndOfUtterance()
	waitDispatched(t, rec, 1)
}

func TestDispatcher_DeactivateDropsUtterance(t *testing.T) {
	cls := &sequence{probs: []float64{0.1}}
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.HandleFinalTranscript("never sent")
	d.MarkEndOfUtterance()
	d.SetActive(false)

	assert.Equal(t, StateIdle, d.State())
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, rec.turnCount())
}

func TestDispatcher_ResetCancelsCycle(t *testing.T) {
	cls := &sequence{probs: []float64{0.1}}
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.HandleFinalTranscript("hello")
	d.MarkEndOfUtterance()
	d.Reset()

	assert.Equal(t, StateIdle, d.State())
	assert.Empty(t, d.UtteranceID())
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, rec.turnCount())
	assert.Empty(t, rec.dispatches())
}

func TestDispatcher_NewUtteranceGetsNewID(t *testing.T) {
	d, rec := newTestDispatcher(t, testConfig(), &sequence{probs: []float64{1}})

	d.HandleFinalTranscript("first")
	d.MarkEndOfUtterance()
	waitDispatched(t, rec, 1)

	d.HandleFinalTranscript("second")
	assert.Equal(t, "conv-1-utt-2", d.UtteranceID())
	d.MarkEndOfUtterance()
	waitDispatched(t, rec, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "first", rec.turns[0].Text)
	assert.Equal(t, "second", rec.turns[1].Text)
}

func TestDispatcher_CloseStopsEverything(t *testing.T) {
	cls := &sequence{probs: []float64{0.1}}
	d, rec := newTestDispatcher(t, testConfig(), cls)

	d.HandleFinalTranscript("goodbye")
	d.MarkEndOfUtterance()
	d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))

	assert.Equal(t, StateClosed, d.State())
	d.HandleFinalTranscript("after close")
	d.MarkEndOfUtterance()
	assert.Empty(t, d.CurrentUtterance())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, rec.turnCount())
	d.Close()
}

func TestDispatcher_CallbacksMayReenter(t *testing.T) {
	var d *Dispatcher
	replied := make(chan struct{})
	cfg := testConfig()
	var err error
	d, err = New(cfg, &sequence{probs: []float64{1}},
		WithProcessor(func(_ context.Context, tr Turn) error {
			d.AddAgentMessage("echo: " + tr.Text)
			close(replied)
			return nil
		}),
	)
	require.NoError(t, err)
	defer d.Close()

	d.HandleFinalTranscript("ping")
	d.MarkEndOfUtterance()

	select {
	case <-replied:
	case <-time.After(time.Second):
		t.Fatal("processor was not called")
	}
	ctxs := d.Context()
	require.Len(t, ctxs, 2)
	assert.Equal(t, ContextEntry{Role: RoleAgent, Content: "echo: ping"}, ctxs[1])
}
