// Package repository defines conversation turn persistence.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"
)

type InsertTurnInput struct {
	ConversationID string
	UtteranceID    string
	Role           string
	Content        string
	Speaker        string
	Reason         string
	Probability    float64
	HoldMs         int64
	EndedAt        time.Time
}

type Turn struct {
	ID             int64
	ConversationID string
	UtteranceID    string
	Role           string
	Content        string
	Speaker        string
	Reason         string
	Probability    float64
	HoldMs         int64
	EndedAt        time.Time
	CreatedAt      time.Time
}

// TurnRepository stores dispatched user turns and agent replies.
type TurnRepository interface {
	InsertTurn(ctx context.Context, input InsertTurnInput) error
	// ListRecentTurns returns at most limit turns of a conversation, oldest first.
	ListRecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}

// Memory is an in-process TurnRepository used when no database is configured.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	turns  map[string][]Turn
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{turns: make(map[string][]Turn), now: time.Now}
}

func (m *Memory) InsertTurn(_ context.Context, input InsertTurnInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.turns[input.ConversationID] = append(m.turns[input.ConversationID], Turn{
		ID:             m.nextID,
		ConversationID: input.ConversationID,
		UtteranceID:    input.UtteranceID,
		Role:           input.Role,
		Content:        input.Content,
		Speaker:        input.Speaker,
		Reason:         input.Reason,
		Probability:    input.Probability,
		HoldMs:         input.HoldMs,
		EndedAt:        input.EndedAt,
		CreatedAt:      m.now(),
	})
	return nil
}

func (m *Memory) ListRecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Turn, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
