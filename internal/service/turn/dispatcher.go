package turn

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-turn-service/internal/service/transcript"
)

// Dispatcher tracks the current utterance of one conversation and decides
// when it is complete.
//
// State transitions:
//
//	IDLE → COLLECTING → HOLDING → (dispatch) → IDLE
//	           ↑           │
//	           └─ partial ─┘
//
// Rules:
//   - MarkEndOfUtterance starts a hold cycle: the classifier is queried and a
//     max hold timer is armed.
//   - Below threshold: a hold decision is reported and the classifier is
//     queried again after the grace period. At most one query is in flight.
//   - At or above threshold, or when max hold elapses (force-send), the
//     utterance is dispatched exactly once and the dispatcher returns to IDLE.
//   - Classifier errors count as below threshold.
//   - A partial arriving while holding means the speaker resumed: the cycle
//     is cancelled and collection continues.
//   - Results belonging to a cancelled or finished cycle are ignored.
//
// Safe for concurrent use. Callbacks run outside the lock on a single
// notification goroutine in event order.
type Dispatcher struct {
	mu sync.Mutex

	cfg            Config
	classifier     EotClassifier
	telemetry      TelemetrySink
	onMessage      MessageFunc
	process        ProcessFunc
	conversationID string
	logger         zerolog.Logger
	ids            *IDGenerator
	now            func() time.Time

	state       State
	active      bool
	utteranceID string
	store       *transcript.Store
	committed   string
	partial     string
	history     *window
	cycle       *holdCycle

	out       *outbox
	processWG sync.WaitGroup
}

// holdCycle is one end-of-utterance decision cycle. Timers and the in-flight
// classifier call are owned by the cycle and cancelled together.
type holdCycle struct {
	utteranceID string
	endedAt     time.Time
	attempts    int
	inFlight    bool
	lastProb    float64
	cancel      context.CancelFunc
	grace       *time.Timer
	maxHold     *time.Timer
}

func (c *holdCycle) stop() {
	if c.grace != nil {
		c.grace.Stop()
	}
	if c.maxHold != nil {
		c.maxHold.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTelemetry receives every hold and dispatch decision.
func WithTelemetry(sink TelemetrySink) Option {
	return func(d *Dispatcher) { d.telemetry = sink }
}

// WithMessageCallback receives interim and final user messages and agent messages.
func WithMessageCallback(fn MessageFunc) Option {
	return func(d *Dispatcher) { d.onMessage = fn }
}

// WithProcessor is called once per dispatched utterance.
func WithProcessor(fn ProcessFunc) Option {
	return func(d *Dispatcher) { d.process = fn }
}

// WithConversationID sets the prefix of generated utterance ids.
func WithConversationID(id string) Option {
	return func(d *Dispatcher) { d.conversationID = id }
}

// WithLogger replaces the package logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithIDGenerator shares an utterance id generator across dispatchers.
func WithIDGenerator(g *IDGenerator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithClock overrides the wall clock used for timestamps and segment pruning.
// Timers always use real time.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher in IDLE state.
func New(cfg Config, classifier EotClassifier, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid turn config: %w", err)
	}
	if classifier == nil {
		return nil, ErrNilClassifier
	}

	d := &Dispatcher{
		cfg:            cfg,
		classifier:     classifier,
		conversationID: "conversation",
		logger:         log.With().Str("component", "turn").Logger(),
		now:            time.Now,
		state:          StateIdle,
		active:         cfg.Active,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ids == nil {
		d.ids = NewIDGenerator()
	}
	d.store = transcript.NewStore(transcript.WithClock(d.now))
	d.history = newWindow(cfg.MaxContextMessages, cfg.SeedContext)
	d.out = newOutbox()
	return d, nil
}

// HandlePartialTranscript merges interim text into the current utterance.
// Revisions of the pending partial replace it, later non-overlapping text is
// appended. Empty text is ignored.
func (d *Dispatcher) HandlePartialTranscript(text string) {
	text = collapse(text)
	if text == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.acceptingLocked() {
		return
	}
	d.resumeLocked()
	d.partial = mergePartial(d.partial, text)
	d.emitInterimLocked("")
}

// HandleFinalTranscript commits text to the current utterance. A final
// arriving while holding refines the held text without restarting the cycle.
func (d *Dispatcher) HandleFinalTranscript(text string) {
	text = collapse(text)
	if text == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.acceptingLocked() {
		return
	}
	if d.state == StateIdle {
		d.beginLocked()
	}
	d.committed = appendText(d.committed, text)
	d.partial = ""
	d.emitInterimLocked("")
}

// HandleSegment reconciles a timed fragment into the current utterance and
// reports whether it changed anything. Invalid ranges and partials shadowed by
// a final are dropped.
func (d *Dispatcher) HandleSegment(seg transcript.Segment) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.acceptingLocked() {
		return false
	}
	d.pruneLocked()
	if !d.store.Upsert(seg) {
		return false
	}
	if seg.IsFinal {
		if d.state == StateIdle {
			d.beginLocked()
		}
	} else {
		d.resumeLocked()
	}
	d.emitInterimLocked(seg.Speaker)
	return true
}

// MarkEndOfUtterance starts a hold cycle for the current utterance. It is a
// no-op while already holding or when nothing was said.
func (d *Dispatcher) MarkEndOfUtterance() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.acceptingLocked() || d.state == StateHolding {
		return
	}
	if d.currentTextLocked() == "" {
		d.logger.Debug().Msg("End of utterance with empty transcript, ignoring")
		return
	}
	if d.state == StateIdle {
		d.beginLocked()
	}

	c := &holdCycle{
		utteranceID: d.utteranceID,
		endedAt:     d.now(),
	}
	d.cycle = c
	d.state = StateHolding
	c.maxHold = time.AfterFunc(d.cfg.MaxHold, func() { d.onMaxHold(c) })

	d.logger.Debug().
		Str("utteranceId", c.utteranceID).
		Dur("maxHold", d.cfg.MaxHold).
		Msg("End of utterance, holding for classifier")

	d.queryLocked(c)
}

// AddAgentMessage records an agent turn in the context window.
func (d *Dispatcher) AddAgentMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.IsTerminal() {
		return
	}
	d.history.push(ContextEntry{Role: RoleAgent, Content: text})
	msg := Message{Role: RoleAgent, Content: text, Timestamp: d.now()}
	d.notifyMessageLocked(msg)
}

// SetActive toggles turn detection. Deactivating drops the current utterance.
func (d *Dispatcher) SetActive(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.IsTerminal() || d.active == active {
		return
	}
	d.active = active
	if !active {
		d.resetLocked()
	}
}

func (d *Dispatcher) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Reset cancels any hold cycle and drops the current utterance without
// dispatching it.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.IsTerminal() {
		return
	}
	d.resetLocked()
}

// Close cancels timers and the in-flight classifier call. Notifications
// already queued are still delivered; use Wait to block until they are.
// Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.state.IsTerminal() {
		d.mu.Unlock()
		return
	}
	d.stopCycleLocked()
	d.state = StateClosed
	d.mu.Unlock()

	d.out.close()
}

// Wait blocks until a closed dispatcher delivered every notification and all
// processor calls returned.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if err := d.out.wait(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		d.processWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// CurrentUtterance returns the best current text of the utterance in progress.
func (d *Dispatcher) CurrentUtterance() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentTextLocked()
}

// Context returns a copy of the conversation history window.
func (d *Dispatcher) Context() []ContextEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.snapshot()
}

// UtteranceID returns the id of the utterance in progress, or "" when idle.
func (d *Dispatcher) UtteranceID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.utteranceID
}

func (d *Dispatcher) acceptingLocked() bool {
	return d.active && !d.state.IsTerminal()
}

func (d *Dispatcher) beginLocked() {
	d.utteranceID = d.ids.Next(d.conversationID)
	d.state = StateCollecting
	d.logger.Debug().Str("utteranceId", d.utteranceID).Msg("Utterance started")
}

// resumeLocked moves to COLLECTING for new interim speech, cancelling a hold
// cycle if one is running.
func (d *Dispatcher) resumeLocked() {
	switch d.state {
	case StateIdle:
		d.beginLocked()
	case StateHolding:
		d.logger.Debug().
			Str("utteranceId", d.utteranceID).
			Msg("Speaker resumed, cancelling hold")
		d.stopCycleLocked()
		d.state = StateCollecting
	}
}

func (d *Dispatcher) resetLocked() {
	d.stopCycleLocked()
	d.clearUtteranceLocked()
}

func (d *Dispatcher) stopCycleLocked() {
	if d.cycle != nil {
		d.cycle.stop()
		d.cycle = nil
	}
}

func (d *Dispatcher) clearUtteranceLocked() {
	d.store.Clear()
	d.committed = ""
	d.partial = ""
	d.utteranceID = ""
	if !d.state.IsTerminal() {
		d.state = StateIdle
	}
}

func (d *Dispatcher) pruneLocked() {
	if d.cfg.SegmentMaxAge > 0 {
		if n := d.store.RemoveStale(d.cfg.SegmentMaxAge); n > 0 {
			d.logger.Debug().Int("removed", n).Msg("Pruned stale segments")
		}
	}
}

func (d *Dispatcher) currentTextLocked() string {
	d.pruneLocked()
	return appendText(appendText(d.store.FullTranscript(), d.committed), d.partial)
}

func (d *Dispatcher) speakerLocked(hint string) string {
	if hint != "" {
		return hint
	}
	speaker, _ := d.store.LatestSpeaker()
	return speaker
}

func (d *Dispatcher) emitInterimLocked(speaker string) {
	d.notifyMessageLocked(Message{
		Role:        RoleUser,
		Content:     d.currentTextLocked(),
		IsInterim:   true,
		UtteranceID: d.utteranceID,
		Speaker:     d.speakerLocked(speaker),
		Timestamp:   d.now(),
	})
}

func (d *Dispatcher) queryLocked(c *holdCycle) {
	c.attempts++
	c.inFlight = true
	attempt := c.attempts

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d.cfg.ClassifierTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d.cfg.ClassifierTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.cancel = cancel

	history := d.history.snapshot()
	utterance := d.currentTextLocked()

	go func() {
		prob, err := d.classifier.EndOfTurnProbability(ctx, history, utterance)
		cancel()
		d.onResult(c, attempt, prob, err)
	}()
}

func (d *Dispatcher) onResult(c *holdCycle, attempt int, prob float64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cycle != c {
		d.logger.Debug().
			Str("utteranceId", c.utteranceID).
			Int("attempt", attempt).
			Msg("Ignoring classifier result for finished cycle")
		return
	}
	c.inFlight = false

	reason := ReasonClassifier
	if err == nil && math.IsNaN(prob) {
		err = ErrInvalidProbability
	}
	if err != nil {
		d.logger.Warn().Err(err).
			Str("utteranceId", c.utteranceID).
			Int("attempt", attempt).
			Msg("Classifier failed, treating as below threshold")
		reason = ReasonClassifierError
		prob = 0
	}
	prob = math.Max(0, math.Min(1, prob))
	c.lastProb = prob

	if err == nil && prob >= d.cfg.Threshold {
		d.dispatchLocked(c, ReasonClassifier, prob)
		return
	}

	d.notifyDecisionLocked(Decision{
		Kind:        DecisionHold,
		Reason:      reason,
		Probability: prob,
		Threshold:   d.cfg.Threshold,
		Attempt:     attempt,
		UtteranceID: c.utteranceID,
		Elapsed:     d.now().Sub(c.endedAt),
		Err:         err,
	})
	c.grace = time.AfterFunc(d.cfg.GracePeriod, func() { d.onGrace(c) })
}

func (d *Dispatcher) onGrace(c *holdCycle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cycle != c || c.inFlight {
		return
	}
	d.queryLocked(c)
}

func (d *Dispatcher) onMaxHold(c *holdCycle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cycle != c {
		return
	}
	d.logger.Info().
		Str("utteranceId", c.utteranceID).
		Int("attempts", c.attempts).
		Float64("lastProbability", c.lastProb).
		Msg("Max hold elapsed, force-sending utterance")
	d.dispatchLocked(c, ReasonFallback, c.lastProb)
}

// dispatchLocked finalizes the utterance of cycle c. Clearing d.cycle first
// guarantees a cycle dispatches at most once.
func (d *Dispatcher) dispatchLocked(c *holdCycle, reason DecisionReason, prob float64) {
	d.stopCycleLocked()

	text := d.currentTextLocked()
	speaker := d.speakerLocked("")
	dispatchedAt := d.now()

	d.history.push(ContextEntry{Role: RoleUser, Content: text})
	t := Turn{
		UtteranceID:  c.utteranceID,
		Text:         text,
		Speaker:      speaker,
		Context:      d.history.snapshot(),
		EndedAt:      c.endedAt,
		DispatchedAt: dispatchedAt,
		Reason:       reason,
		Probability:  prob,
	}

	if d.process != nil {
		d.processWG.Add(1)
		if !d.out.push(func() { go d.runProcess(t) }) {
			d.processWG.Done()
		}
	}
	d.notifyMessageLocked(Message{
		Role:        RoleUser,
		Content:     text,
		UtteranceID: c.utteranceID,
		Speaker:     speaker,
		Timestamp:   dispatchedAt,
	})
	d.notifyDecisionLocked(Decision{
		Kind:        DecisionDispatch,
		Reason:      reason,
		Probability: prob,
		Threshold:   d.cfg.Threshold,
		Attempt:     c.attempts,
		UtteranceID: c.utteranceID,
		Elapsed:     dispatchedAt.Sub(c.endedAt),
	})

	d.logger.Debug().
		Str("utteranceId", c.utteranceID).
		Str("reason", string(reason)).
		Float64("probability", prob).
		Msg("Utterance dispatched")

	d.clearUtteranceLocked()
}

func (d *Dispatcher) runProcess(t Turn) {
	defer d.processWG.Done()
	if err := d.process(context.Background(), t); err != nil {
		d.logger.Error().Err(err).
			Str("utteranceId", t.UtteranceID).
			Msg("Turn processing failed")
	}
}

func (d *Dispatcher) notifyMessageLocked(msg Message) {
	if fn := d.onMessage; fn != nil {
		d.out.push(func() { fn(msg) })
	}
}

func (d *Dispatcher) notifyDecisionLocked(dec Decision) {
	d.logger.Debug().
		Str("utteranceId", dec.UtteranceID).
		Str("kind", string(dec.Kind)).
		Str("reason", string(dec.Reason)).
		Float64("probability", dec.Probability).
		Int("attempt", dec.Attempt).
		Msg("Turn decision")
	if sink := d.telemetry; sink != nil {
		d.out.push(func() { sink.OnDecision(dec) })
	}
}
