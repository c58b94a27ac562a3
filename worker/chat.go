package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"arena1/database"
	"arena1/logging"
)

// chatLogCap bounds the in-memory fallback history per room
const chatLogCap = 200

// chatLog keeps a room's recent chat in memory and mirrors it to the record
// store when the collaborator is present
type chatLog struct {
	mu       sync.Mutex
	messages []database.ChatMessage
	store    *database.Store
}

func newChatLog(store *database.Store) *chatLog {
	return &chatLog{store: store}
}

// append records one message, evicting the oldest past capacity
func (c *chatLog) append(roomID, senderID, senderName, body string) database.ChatMessage {
	msg := database.ChatMessage{
		ID:         uuid.New(),
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		SentAt:     time.Now(),
	}

	c.mu.Lock()
	if len(c.messages) >= chatLogCap {
		copy(c.messages, c.messages[1:])
		c.messages = c.messages[:len(c.messages)-1]
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.store.SaveChatMessage(ctx, &msg); err != nil {
			logging.Warn("chat persistence failed, message kept in memory", map[string]interface{}{
				"room_id": roomID,
				"error":   err.Error(),
			})
		}
	}
	return msg
}

// history returns the most recent messages, oldest first. The record store
// is preferred when available; memory serves as fallback.
func (c *chatLog) history(roomID string, limit int) []database.ChatMessage {
	if limit <= 0 {
		limit = 50
	}

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if messages, err := c.store.ChatHistory(ctx, roomID, limit); err == nil {
			return messages
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := 0
	if len(c.messages) > limit {
		start = len(c.messages) - limit
	}
	out := make([]database.ChatMessage, len(c.messages)-start)
	copy(out, c.messages[start:])
	return out
}
