package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"speech-turn-service/internal/observability/metrics"
	"speech-turn-service/internal/repository"
	"speech-turn-service/internal/service/stt"
	"speech-turn-service/internal/service/turn"
)

// Manager owns the live conversations of the process.
type Manager struct {
	turnCfg    turn.Config
	limits     Limits
	classifier turn.EotClassifier
	publisher  Publisher
	repo       repository.TurnRepository
	sttFactory stt.Factory
	ids        *turn.IDGenerator

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerDeps are the shared collaborators handed to every session.
type ManagerDeps struct {
	Classifier turn.EotClassifier
	Publisher  Publisher
	Repository repository.TurnRepository
	STT        stt.Factory
}

func NewManager(turnCfg turn.Config, limits Limits, deps ManagerDeps) *Manager {
	return &Manager{
		turnCfg:    turnCfg,
		limits:     limits,
		classifier: deps.Classifier,
		publisher:  deps.Publisher,
		repo:       deps.Repository,
		sttFactory: deps.STT,
		ids:        turn.NewIDGenerator(),
		sessions:   make(map[string]*Session),
	}
}

// Open returns the live session for conversationID, creating it when needed.
// An empty id gets a random one. New sessions are seeded with the most recent
// persisted turns of the conversation.
func (m *Manager) Open(ctx context.Context, conversationID, tenantID string) (*Session, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	cfg := m.turnCfg
	cfg.SeedContext = m.seedContext(ctx, conversationID)

	s, err := NewSession(conversationID, tenantID, cfg, m.limits, SessionDeps{
		Classifier: m.classifier,
		Publisher:  m.publisher,
		Repository: m.repo,
		STT:        m.sttFactory,
		IDs:        m.ids,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[conversationID]; ok {
		m.mu.Unlock()
		_ = s.Close(ctx)
		return existing, nil
	}
	m.sessions[conversationID] = s
	m.mu.Unlock()

	metrics.DefaultMetrics.RecordConversationOpened()
	log.Info().
		Str("conversationId", conversationID).
		Str("tenantId", tenantID).
		Int("seedContext", len(cfg.SeedContext)).
		Msg("Conversation opened")
	return s, nil
}

func (m *Manager) seedContext(ctx context.Context, conversationID string) []turn.ContextEntry {
	seed := append([]turn.ContextEntry(nil), m.turnCfg.SeedContext...)
	if m.repo == nil {
		return seed
	}
	turns, err := m.repo.ListRecentTurns(ctx, conversationID, m.turnCfg.MaxContextMessages)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", conversationID).Msg("Failed to load seed context")
		return seed
	}
	for _, t := range turns {
		seed = append(seed, turn.ContextEntry{Role: turn.Role(t.Role), Content: t.Content})
	}
	return seed
}

func (m *Manager) Get(conversationID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close closes and forgets one conversation.
func (m *Manager) Close(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	metrics.DefaultMetrics.RecordConversationClosed()
	return s.Close(ctx)
}

// CloseAll closes every live conversation.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		metrics.DefaultMetrics.RecordConversationClosed()
		errs = append(errs, s.Close(ctx))
	}
	return errors.Join(errs...)
}

// Active returns the number of live conversations.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
