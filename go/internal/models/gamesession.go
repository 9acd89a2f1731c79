package models

import (
	"encoding/json"
	"time"
)

// GameSession is the shared durable document for a single game. It lives in
// Postgres and is mutated by any paired device's arbiter via read-modify-write;
// no device owns it. ControllingDeviceID and ControllingUserIdentity are set
// together or both nil, never one without the other.
type GameSession struct {
	GameID                  string          `json:"game_id"`
	ControllingDeviceID     *string         `json:"controlling_device_id"`
	ControllingUserIdentity *string         `json:"controlling_user_identity"`
	ControlRequestedBy      *string         `json:"control_requested_by"`
	StartedAt               *time.Time      `json:"started_at,omitempty"`
	Revision                int64           `json:"revision"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// Started reports whether the game has been started by its controller.
func (g *GameSession) Started() bool {
	return g.StartedAt != nil
}

// Controlled reports whether any device currently holds control.
func (g *GameSession) Controlled() bool {
	return g.ControllingDeviceID != nil
}

// ControlledBy reports whether the given device currently holds control.
func (g *GameSession) ControlledBy(deviceID string) bool {
	return g.ControllingDeviceID != nil && *g.ControllingDeviceID == deviceID
}
