// Package conversation wires recognition events of one live conversation
// into a turn dispatcher and fans the resulting messages out to Kafka,
// persistence and connected clients.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-turn-service/internal/models"
	"speech-turn-service/internal/observability/logging"
	"speech-turn-service/internal/observability/metrics"
	"speech-turn-service/internal/repository"
	"speech-turn-service/internal/service/stt"
	"speech-turn-service/internal/service/turn"
)

var (
	ErrSessionNotFound    = errors.New("conversation not found")
	ErrAudioLimitExceeded = errors.New("audio limit exceeded")
	ErrNoSTT              = errors.New("no speech recognizer configured")
	ErrSessionClosed      = errors.New("conversation closed")
)

// Publisher publishes conversation events.
type Publisher interface {
	PublishMessage(ctx context.Context, key string, ev models.ConversationMessage) error
	PublishTurn(ctx context.Context, key string, ev models.TurnCompleted) error
	PublishDecision(ctx context.Context, key string, ev models.TurnDecision) error
}

// Limits defines safety guardrails for the audio of one utterance.
// Counters reset on every end-of-utterance signal.
type Limits struct {
	MaxAudioBytes int64         // Max audio forwarded per utterance
	MaxDuration   time.Duration // Max utterance duration
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 5 * 1024 * 1024, // 5MB (~325 seconds at 8kHz 16-bit mono)
		MaxDuration:   5 * time.Minute,
	}
}

// Event is pushed to subscribers for every message and decision.
type Event struct {
	Type           string                      `json:"type"`
	ConversationID string                      `json:"conversationId"`
	Message        *models.ConversationMessage `json:"message,omitempty"`
	Decision       *models.TurnDecision        `json:"decision,omitempty"`
	Error          string                      `json:"error,omitempty"`
}

const (
	EventMessage  = "message"
	EventDecision = "decision"
	EventError    = "error"
)

const publishTimeout = 5 * time.Second

// Session is one live conversation. It implements stt.Callback so a
// recognizer can feed it directly, and accepts client frames through Apply.
type Session struct {
	id         string
	tenantID   string
	dispatcher *turn.Dispatcher
	publisher  Publisher
	repo       repository.TurnRepository
	sttFactory stt.Factory
	limits     Limits
	maxHold    time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	adapter        stt.Adapter
	audioBytes     int64
	utteranceStart time.Time
	dispatched     int
	subscribers    map[int]chan Event
	nextSub        int
	closed         bool
}

// SessionDeps are the collaborators of a Session. Publisher, Repository and
// STT are optional.
type SessionDeps struct {
	Classifier turn.EotClassifier
	Publisher  Publisher
	Repository repository.TurnRepository
	STT        stt.Factory
	IDs        *turn.IDGenerator
}

// NewSession creates a session and its dispatcher.
func NewSession(id, tenantID string, cfg turn.Config, limits Limits, deps SessionDeps) (*Session, error) {
	s := &Session{
		id:          id,
		tenantID:    tenantID,
		publisher:   deps.Publisher,
		repo:        deps.Repository,
		sttFactory:  deps.STT,
		limits:      limits,
		maxHold:     cfg.MaxHold,
		logger:      logging.WithConversation(id, tenantID),
		metrics:     metrics.DefaultMetrics,
		now:         time.Now,
		subscribers: make(map[int]chan Event),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	opts := []turn.Option{
		turn.WithConversationID(id),
		turn.WithLogger(s.logger.With().Str("component", "turn").Logger()),
		turn.WithMessageCallback(s.onMessage),
		turn.WithTelemetry(turn.TelemetryFunc(s.onDecision)),
		turn.WithProcessor(s.processTurn),
	}
	if deps.IDs != nil {
		opts = append(opts, turn.WithIDGenerator(deps.IDs))
	}
	d, err := turn.New(cfg, deps.Classifier, opts...)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.dispatcher = d
	return s, nil
}

func (s *Session) ID() string       { return s.id }
func (s *Session) TenantID() string { return s.tenantID }

// Dispatcher exposes the underlying turn dispatcher.
func (s *Session) Dispatcher() *turn.Dispatcher { return s.dispatcher }

// --- stt.Callback implementation ---

// OnPartial feeds an interim hypothesis into the dispatcher.
func (s *Session) OnPartial(r stt.Result) {
	s.handleResult(r)
}

// OnFinal feeds a final hypothesis into the dispatcher.
func (s *Session) OnFinal(r stt.Result) {
	s.handleResult(r)
}

func (s *Session) handleResult(r stt.Result) {
	if r.HasTiming {
		accepted := s.dispatcher.HandleSegment(r.Segment())
		s.metrics.RecordSegment(r.IsFinal, accepted)
		if !accepted {
			s.logger.Debug().
				Float64("start", r.StartTime).
				Float64("end", r.EndTime).
				Bool("final", r.IsFinal).
				Msg("Segment dropped")
		}
		return
	}
	if r.IsFinal {
		s.dispatcher.HandleFinalTranscript(r.Text)
	} else {
		s.dispatcher.HandlePartialTranscript(r.Text)
	}
}

// OnEndOfUtterance starts the hold cycle and resets the audio guardrails.
func (s *Session) OnEndOfUtterance() {
	s.mu.Lock()
	s.audioBytes = 0
	s.utteranceStart = time.Time{}
	s.mu.Unlock()

	s.metrics.RecordUtterance()
	s.dispatcher.MarkEndOfUtterance()
}

// OnError drops the utterance in progress. It is better to dispatch nothing
// than an utterance built from a broken stream. The recognizer is restarted
// with the next audio frame.
func (s *Session) OnError(err error) {
	state := s.dispatcher.State()
	s.dispatcher.Reset()

	s.mu.Lock()
	adapter := s.adapter
	s.adapter = nil
	s.audioBytes = 0
	s.utteranceStart = time.Time{}
	s.mu.Unlock()

	s.metrics.RecordSTTError("stream", "recognition")
	s.logger.Warn().Err(err).
		Str("previousState", state.String()).
		Msg("STT error, utterance dropped")

	if adapter != nil {
		go func() {
			if err := adapter.Close(); err != nil {
				s.logger.Debug().Err(err).Msg("Error closing failed recognizer")
			}
		}()
	}
}

// SendAudio forwards audio to the recognizer, starting it on first use.
// When a limit is exceeded the utterance is dropped and
// ErrAudioLimitExceeded is returned.
func (s *Session) SendAudio(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.utteranceStart.IsZero() {
		s.utteranceStart = s.now()
	}
	s.audioBytes += int64(len(audio))
	currentBytes := s.audioBytes
	started := s.utteranceStart
	s.mu.Unlock()

	s.metrics.RecordAudioReceived(len(audio))

	if s.limits.MaxAudioBytes > 0 && currentBytes > s.limits.MaxAudioBytes {
		s.metrics.RecordLimitExceeded("bytes")
		return s.dropUtterance(fmt.Sprintf("max audio bytes exceeded: %d > %d", currentBytes, s.limits.MaxAudioBytes))
	}
	if elapsed := s.now().Sub(started); s.limits.MaxDuration > 0 && elapsed > s.limits.MaxDuration {
		s.metrics.RecordLimitExceeded("duration")
		return s.dropUtterance(fmt.Sprintf("max duration exceeded: %v > %v", elapsed, s.limits.MaxDuration))
	}

	adapter, err := s.ensureAdapter()
	if err != nil {
		return err
	}
	return adapter.SendAudio(ctx, audio)
}

func (s *Session) dropUtterance(reason string) error {
	s.dispatcher.Reset()
	s.mu.Lock()
	s.audioBytes = 0
	s.utteranceStart = time.Time{}
	s.mu.Unlock()

	s.logger.Warn().Str("reason", reason).Msg("Utterance dropped")
	return fmt.Errorf("%w: %s", ErrAudioLimitExceeded, reason)
}

func (s *Session) ensureAdapter() (stt.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.adapter != nil {
		return s.adapter, nil
	}
	if s.sttFactory == nil {
		return nil, ErrNoSTT
	}
	a, err := s.sttFactory(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}
	if err := a.Start(s.ctx, s); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("start recognizer: %w", err)
	}
	s.adapter = a
	s.logger.Info().Msg("Recognizer started")
	return a, nil
}

// AddAgentMessage records an agent reply in the context window and persists it.
func (s *Session) AddAgentMessage(ctx context.Context, text string) error {
	s.dispatcher.AddAgentMessage(text)
	if s.repo == nil || text == "" {
		return nil
	}
	return s.repo.InsertTurn(ctx, repository.InsertTurnInput{
		ConversationID: s.id,
		Role:           string(turn.RoleAgent),
		Content:        text,
		EndedAt:        s.now(),
	})
}

// Subscribe registers a listener for messages and decisions. Events are
// dropped for a listener whose buffer is full. The returned function
// unsubscribes; the channel is closed when the session closes.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

func (s *Session) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn().Int("subscriber", id).Str("type", ev.Type).Msg("Subscriber too slow, event dropped")
		}
	}
}

// Snapshot is the inspectable state of a conversation.
type Snapshot struct {
	ConversationID string              `json:"conversationId"`
	TenantID       string              `json:"tenantId"`
	State          string              `json:"state"`
	Active         bool                `json:"active"`
	UtteranceID    string              `json:"utteranceId,omitempty"`
	Utterance      string              `json:"utterance"`
	Context        []turn.ContextEntry `json:"context"`
	Dispatched     int                 `json:"dispatched"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	dispatched := s.dispatched
	s.mu.Unlock()
	return Snapshot{
		ConversationID: s.id,
		TenantID:       s.tenantID,
		State:          s.dispatcher.State().String(),
		Active:         s.dispatcher.IsActive(),
		UtteranceID:    s.dispatcher.UtteranceID(),
		Utterance:      s.dispatcher.CurrentUtterance(),
		Context:        s.dispatcher.Context(),
		Dispatched:     dispatched,
	}
}

// Drain waits until no utterance is held for a decision, so a turn whose end
// was already signalled is dispatched before the session closes. Holding is
// bounded by max hold, so Drain never waits much longer than that.
func (s *Session) Drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.maxHold+time.Second)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.dispatcher.State() == turn.StateHolding {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops the recognizer and the dispatcher, waits for pending
// notifications and turn processing, then closes subscriber channels.
// An utterance still in progress is dropped.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	adapter := s.adapter
	s.adapter = nil
	s.mu.Unlock()

	s.dispatcher.Close()

	var errs []error
	if adapter != nil {
		errs = append(errs, adapter.Close())
	}
	errs = append(errs, s.dispatcher.Wait(ctx))
	s.cancel()

	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()

	s.logger.Info().Msg("Conversation closed")
	return errors.Join(errs...)
}

// --- dispatcher callbacks ---

func (s *Session) onMessage(m turn.Message) {
	ev := models.ConversationMessage{
		EventType:      models.EventTypeMessage,
		ConversationID: s.id,
		TenantID:       s.tenantID,
		Timestamp:      m.Timestamp.UnixMilli(),
		UtteranceID:    m.UtteranceID,
		Role:           string(m.Role),
		Content:        m.Content,
		IsInterim:      m.IsInterim,
		Speaker:        m.Speaker,
	}
	s.broadcast(Event{Type: EventMessage, ConversationID: s.id, Message: &ev})
	s.publish("message", func(ctx context.Context) error {
		return s.publisher.PublishMessage(ctx, s.id, ev)
	})
}

func (s *Session) onDecision(d turn.Decision) {
	s.metrics.RecordDecision(string(d.Kind), string(d.Reason), d.Elapsed)

	ev := models.TurnDecision{
		EventType:      models.EventTypeTurnDecision,
		ConversationID: s.id,
		TenantID:       s.tenantID,
		Timestamp:      s.now().UnixMilli(),
		UtteranceID:    d.UtteranceID,
		Kind:           string(d.Kind),
		Reason:         string(d.Reason),
		Probability:    d.Probability,
		Threshold:      d.Threshold,
		Attempt:        d.Attempt,
		ElapsedMs:      d.Elapsed.Milliseconds(),
	}
	if d.Err != nil {
		ev.Error = d.Err.Error()
	}
	s.broadcast(Event{Type: EventDecision, ConversationID: s.id, Decision: &ev})
	s.publish("decision", func(ctx context.Context) error {
		return s.publisher.PublishDecision(ctx, s.id, ev)
	})
}

// processTurn hands a completed turn to the response pipeline and persists it.
func (s *Session) processTurn(ctx context.Context, t turn.Turn) error {
	s.mu.Lock()
	s.dispatched++
	s.mu.Unlock()

	logger := logging.WithUtterance(s.id, t.UtteranceID)
	holdMs := t.DispatchedAt.Sub(t.EndedAt).Milliseconds()

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var errs []error
	if s.publisher != nil {
		ctxEntries := make([]models.ContextEntry, len(t.Context))
		for i, e := range t.Context {
			ctxEntries[i] = models.ContextEntry{Role: string(e.Role), Content: e.Content}
		}
		ev := models.TurnCompleted{
			EventType:      models.EventTypeTurnCompleted,
			ConversationID: s.id,
			TenantID:       s.tenantID,
			Timestamp:      t.DispatchedAt.UnixMilli(),
			UtteranceID:    t.UtteranceID,
			Text:           t.Text,
			Speaker:        t.Speaker,
			Context:        ctxEntries,
			Reason:         string(t.Reason),
			Probability:    t.Probability,
			EndedAt:        t.EndedAt.UnixMilli(),
			HoldMs:         holdMs,
		}
		if err := s.publisher.PublishTurn(ctx, s.id, ev); err != nil {
			errs = append(errs, fmt.Errorf("publish turn: %w", err))
		}
	}

	if s.repo != nil {
		err := s.repo.InsertTurn(ctx, repository.InsertTurnInput{
			ConversationID: s.id,
			UtteranceID:    t.UtteranceID,
			Role:           string(turn.RoleUser),
			Content:        t.Text,
			Speaker:        t.Speaker,
			Reason:         string(t.Reason),
			Probability:    t.Probability,
			HoldMs:         holdMs,
			EndedAt:        t.EndedAt,
		})
		s.metrics.RecordTurnPersisted(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("persist turn: %w", err))
		}
	}

	logger.Info().
		Str("reason", string(t.Reason)).
		Float64("probability", t.Probability).
		Int64("holdMs", holdMs).
		Int("contextSize", len(t.Context)).
		Msg("Turn completed")
	return errors.Join(errs...)
}

func (s *Session) publish(kind string, fn func(ctx context.Context) error) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Error().Err(err).Str("event", kind).Msg("Failed to publish event")
	}
}
