package control

import (
	"encoding/json"
	"time"
)

// Outbox event types emitted alongside every document write.
const (
	EventControlRequested = "ControlRequested"
	EventControlGranted   = "ControlGranted"
	EventControlReleased  = "ControlReleased"
	EventGameStarted      = "GameStarted"
)

// CreateGameSessionRequest creates the durable document for a game.
type CreateGameSessionRequest struct {
	GameID   string          `json:"game_id"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// OutboxEvent is a pending document-change notification. Payload carries the
// full post-write session snapshot.
type OutboxEvent struct {
	ID        string          `json:"id"`
	GameID    string          `json:"game_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}
