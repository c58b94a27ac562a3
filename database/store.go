package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"arena1/logging"
)

// MatchResult is the record written when a room finishes
type MatchResult struct {
	ID            uuid.UUID      `json:"id"`
	RoomID        string         `json:"room_id"`
	GameMode      string         `json:"game_mode"`
	MapName       string         `json:"map_name"`
	Winner        string         `json:"winner"`
	Reason        string         `json:"reason"`
	Scores        map[string]int `json:"scores"`
	DurationTicks uint64         `json:"duration_ticks"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// ChatMessage is one persisted chat line
type ChatMessage struct {
	ID         uuid.UUID `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// Store is the typed access layer over the collaborator tables
type Store struct {
	db *DB
}

// NewStore wraps an open connection
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// SaveMatchResult writes one finished match
func (s *Store) SaveMatchResult(ctx context.Context, result *MatchResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	scoresJSON, err := json.Marshal(result.Scores)
	if err != nil {
		return fmt.Errorf("failed to marshal scores: %w", err)
	}

	query := `
		INSERT INTO match_results (id, room_id, game_mode, map_name, winner, reason, scores, duration_ticks, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		result.ID,
		result.RoomID,
		result.GameMode,
		result.MapName,
		result.Winner,
		result.Reason,
		scoresJSON,
		result.DurationTicks,
		result.FinishedAt,
	)
	if err != nil {
		logging.Error("failed to save match result", map[string]interface{}{
			"room_id": result.RoomID,
			"error":   err.Error(),
		})
		return fmt.Errorf("failed to save match result: %w", err)
	}

	logging.Info("match result saved", map[string]interface{}{
		"room_id": result.RoomID,
		"winner":  result.Winner,
	})
	return nil
}

// SaveChatMessage writes one chat line
func (s *Store) SaveChatMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	query := `
		INSERT INTO chat_messages (id, room_id, sender_id, sender_name, body, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Body, msg.SentAt)
	if err != nil {
		return fmt.Errorf("failed to save chat message: %w", err)
	}
	return nil
}

// ChatHistory reads the most recent messages for a room, oldest first
func (s *Store) ChatHistory(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, room_id, sender_id, sender_name, body, sent_at
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderName, &msg.Body, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		messages = append(messages, msg)
	}

	// Reverse to oldest-first for display order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// BlacklistToken records a revoked token id until its natural expiry
func (s *Store) BlacklistToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	query := `
		INSERT INTO token_blacklist (token_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (token_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, tokenID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// IsTokenBlacklisted checks membership; expired rows are ignored
func (s *Store) IsTokenBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE token_id = $1 AND expires_at > now())`
	if err := s.db.QueryRowContext(ctx, query, tokenID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return exists, nil
}

// PurgeExpiredTokens drops blacklist rows past expiry
func (s *Store) PurgeExpiredTokens(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM token_blacklist WHERE expires_at <= now()`)
	return err
}
