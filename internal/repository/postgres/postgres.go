// Package postgres implements repository.TurnRepository on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"speech-turn-service/internal/repository"
)

const initTimeout = 15 * time.Second

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open connects, pings and migrates the database at url.
func Open(ctx context.Context, url string) (*Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunMigration(ctx, p); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return NewRepository(p), nil
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping reports database reachability for readiness checks.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) InsertTurn(ctx context.Context, input repository.InsertTurnInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_turns
		   (conversation_id, utterance_id, role, content, speaker, reason, probability, hold_ms, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		input.ConversationID, input.UtteranceID, input.Role, input.Content, input.Speaker,
		input.Reason, input.Probability, input.HoldMs, input.EndedAt)
	return err
}

// ListRecentTurns returns every turn when limit is not positive.
func (r *Repository) ListRecentTurns(ctx context.Context, conversationID string, limit int) ([]repository.Turn, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, conversation_id, utterance_id, role, content, speaker, reason, probability, hold_ms, ended_at, created_at
		 FROM (
		   SELECT * FROM conversation_turns WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2
		 ) recent ORDER BY id ASC`,
		conversationID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Turn
	for rows.Next() {
		var t repository.Turn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.UtteranceID, &t.Role, &t.Content, &t.Speaker,
			&t.Reason, &t.Probability, &t.HoldMs, &t.EndedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
