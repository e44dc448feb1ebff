// Package mock provides a mock STT adapter for testing without cloud credentials.
// It simulates progressive timed partials, exactly one final per utterance and
// an end-of-utterance signal, then moves on to the next utterance.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"speech-turn-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"Bon", "Bonjour", "Bonjour je", "Bonjour je suis"},
		Final:      "Bonjour je suis Pierre",
		Confidence: 0.93,
	},
	{
		Partials:   []string{"I want", "I want to", "I want to cancel"},
		Final:      "I want to cancel my subscription",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Can you", "Can you help", "Can you help me with"},
		Final:      "Can you help me with my account?",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much.",
		Confidence: 0.98,
	},
}

const (
	// wordDuration is the simulated audio length of each partial step.
	wordDuration = 0.3
	// pauseDuration separates consecutive utterances.
	pauseDuration = 0.5
)

// Adapter implements stt.Adapter with mock responses.
type Adapter struct {
	cb        stt.Callback
	mu        sync.Mutex
	delay     time.Duration
	utterance SimulatedUtterance
	index     int     // position in DefaultUtterances
	start     float64 // stream offset of the current utterance
	partial   int     // next partial to send
	finalSent bool
	closed    atomic.Bool
	queue     chan func(stt.Callback)
}

// Option configures the mock adapter.
type Option func(*Adapter)

// WithDelay sets the simulated recognition latency.
func WithDelay(d time.Duration) Option {
	return func(a *Adapter) { a.delay = d }
}

// New creates a new mock STT adapter starting at the first default utterance.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		delay:     50 * time.Millisecond,
		utterance: DefaultUtterances[0],
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() || a.cb != nil {
		return nil
	}
	a.cb = cb
	a.queue = make(chan func(stt.Callback), 1024)
	go a.run(a.queue, cb)
	return nil
}

// run delivers simulated results in order after the configured latency.
func (a *Adapter) run(queue <-chan func(stt.Callback), cb stt.Callback) {
	for fn := range queue {
		time.Sleep(a.delay)
		if a.closed.Load() {
			continue
		}
		fn(cb)
	}
}

// SendAudio advances the simulation by one step per audio frame: one partial
// per frame, then the final followed by end of utterance.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() || a.cb == nil {
		return nil
	}

	if a.partial < len(a.utterance.Partials) {
		r := stt.Result{
			Text:      a.utterance.Partials[a.partial],
			StartTime: a.start,
			EndTime:   a.start + wordDuration*float64(a.partial+1),
			HasTiming: true,
		}
		a.partial++
		a.deliver(func(cb stt.Callback) { cb.OnPartial(r) })
		return nil
	}

	if !a.finalSent {
		a.finalSent = true
		r := a.finalResult()
		a.deliver(func(cb stt.Callback) {
			cb.OnFinal(r)
			cb.OnEndOfUtterance()
		})
		return nil
	}

	a.next()
	return nil
}

func (a *Adapter) finalResult() stt.Result {
	return stt.Result{
		Text:       a.utterance.Final,
		StartTime:  a.start,
		EndTime:    a.start + wordDuration*float64(len(a.utterance.Partials)+1),
		HasTiming:  true,
		Confidence: a.utterance.Confidence,
		IsFinal:    true,
	}
}

// next moves to the following utterance. Caller holds a.mu.
func (a *Adapter) next() {
	a.start += wordDuration*float64(len(a.utterance.Partials)+1) + pauseDuration
	a.index = (a.index + 1) % len(DefaultUtterances)
	a.utterance = DefaultUtterances[a.index]
	a.partial = 0
	a.finalSent = false
}

// deliver queues fn for the delivery goroutine. Caller holds a.mu.
func (a *Adapter) deliver(fn func(stt.Callback)) {
	a.queue <- fn
}

// Close ends the mock session. An utterance that received partials but no
// final yet is finalized first, like a provider flushing on half-close.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		return nil
	}
	a.closed.Store(true)
	if a.queue != nil {
		close(a.queue)
	}
	cb := a.cb
	flush := !a.finalSent && a.partial > 0 && cb != nil
	r := a.finalResult()
	a.finalSent = true
	a.mu.Unlock()

	if flush {
		cb.OnFinal(r)
	}
	return nil
}
