package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"speech-turn-service/internal/service/stt"
)

// testCallback implements stt.Callback for testing
type testCallback struct {
	mu         sync.Mutex
	partials   []stt.Result
	finals     []stt.Result
	errors     []error
	utterances int
}

func (c *testCallback) OnPartial(r stt.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partials = append(c.partials, r)
}

func (c *testCallback) OnFinal(r stt.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finals = append(c.finals, r)
}

func (c *testCallback) OnEndOfUtterance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utterances++
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

func (c *testCallback) getPartials() []stt.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stt.Result{}, c.partials...)
}

func (c *testCallback) getFinals() []stt.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stt.Result{}, c.finals...)
}

func (c *testCallback) getUtterances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utterances
}

func newStarted(t *testing.T) (*Adapter, *testCallback) {
	t.Helper()
	adapter := New(WithDelay(time.Millisecond))
	cb := &testCallback{}
	if err := adapter.Start(context.Background(), cb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return adapter, cb
}

// sendFrames sends n frames and waits for delivery.
func sendFrames(t *testing.T, a *Adapter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := a.SendAudio(context.Background(), []byte{0, 1}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	time.Sleep(30 * time.Millisecond)
}

func TestAdapter_New(t *testing.T) {
	adapter := New()
	if adapter == nil {
		t.Fatal("expected non-nil adapter")
	}
	if adapter.closed.Load() {
		t.Error("expected adapter to not be closed initially")
	}
	if adapter.finalSent {
		t.Error("expected finalSent to be false initially")
	}
}

func TestAdapter_SendAudio_TriggersTimedPartials(t *testing.T) {
	adapter, cb := newStarted(t)

	sendFrames(t, adapter, 2)

	partials := cb.getPartials()
	if len(partials) != 2 {
		t.Fatalf("expected 2 partials, got %d", len(partials))
	}
	for _, p := range partials {
		if !p.HasTiming || p.IsFinal {
			t.Errorf("expected timed partial, got %+v", p)
		}
		if p.StartTime != 0 {
			t.Errorf("expected partials to start at 0, got %v", p.StartTime)
		}
	}
	if partials[1].EndTime <= partials[0].EndTime {
		t.Errorf("expected growing ranges, got %v then %v", partials[0].EndTime, partials[1].EndTime)
	}
}

func TestAdapter_SendAudio_TriggersFinalAndUtterance(t *testing.T) {
	adapter, cb := newStarted(t)
	utt := DefaultUtterances[0]

	sendFrames(t, adapter, len(utt.Partials)+1)

	finals := cb.getFinals()
	if len(finals) != 1 {
		t.Fatalf("expected 1 final, got %d", len(finals))
	}
	if finals[0].Text != utt.Final {
		t.Errorf("expected final %q, got %q", utt.Final, finals[0].Text)
	}
	if finals[0].Confidence != utt.Confidence {
		t.Errorf("expected confidence %v, got %v", utt.Confidence, finals[0].Confidence)
	}
	last := cb.getPartials()[len(utt.Partials)-1]
	if finals[0].StartTime != 0 || finals[0].EndTime <= last.EndTime {
		t.Errorf("expected final to cover all partials, got %+v", finals[0])
	}
	if got := cb.getUtterances(); got != 1 {
		t.Errorf("expected 1 end of utterance, got %d", got)
	}
}

func TestAdapter_MovesToNextUtterance(t *testing.T) {
	adapter, cb := newStarted(t)
	first := DefaultUtterances[0]

	// partials + final + one frame to advance + first partial of the next one
	sendFrames(t, adapter, len(first.Partials)+3)

	partials := cb.getPartials()
	if len(partials) != len(first.Partials)+1 {
		t.Fatalf("expected %d partials, got %d", len(first.Partials)+1, len(partials))
	}
	next := partials[len(partials)-1]
	if next.Text != DefaultUtterances[1].Partials[0] {
		t.Errorf("expected next utterance partial, got %q", next.Text)
	}
	final := cb.getFinals()[0]
	if next.StartTime <= final.EndTime {
		t.Errorf("expected next utterance after %v, got start %v", final.EndTime, next.StartTime)
	}
}

func TestAdapter_Close_Idempotent(t *testing.T) {
	adapter := New()
	if err := adapter.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := adapter.Close(); err != nil {
		t.Errorf("unexpected error on second close: %v", err)
	}
}

func TestAdapter_SendAudio_AfterClose(t *testing.T) {
	adapter, cb := newStarted(t)
	_ = adapter.Close()

	sendFrames(t, adapter, 3)

	if len(cb.getPartials()) != 0 {
		t.Error("expected no partials after close")
	}
}

func TestAdapter_Close_FlushesFinal(t *testing.T) {
	adapter, cb := newStarted(t)
	sendFrames(t, adapter, 1)

	_ = adapter.Close()

	finals := cb.getFinals()
	if len(finals) != 1 {
		t.Fatalf("expected flushed final, got %d", len(finals))
	}
}

func TestAdapter_Close_NoFinalWithoutSpeech(t *testing.T) {
	adapter, cb := newStarted(t)

	_ = adapter.Close()

	if len(cb.getFinals()) != 0 {
		t.Error("expected no final for an utterance that never started")
	}
}

func TestDefaultUtterances(t *testing.T) {
	for i, u := range DefaultUtterances {
		if u.Final == "" {
			t.Errorf("utterance %d: empty final", i)
		}
		if len(u.Partials) == 0 {
			t.Errorf("utterance %d: no partials", i)
		}
		if u.Confidence <= 0 || u.Confidence > 1 {
			t.Errorf("utterance %d: invalid confidence %v", i, u.Confidence)
		}
	}
}

func TestAdapter_ThreadSafety(t *testing.T) {
	adapter, _ := newStarted(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = adapter.SendAudio(context.Background(), []byte{0})
			}
		}()
	}
	wg.Wait()
	_ = adapter.Close()
}

func TestAdapter_NoCallbackSet(t *testing.T) {
	adapter := New()
	if err := adapter.SendAudio(context.Background(), []byte{0}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
