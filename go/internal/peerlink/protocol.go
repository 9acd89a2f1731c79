package peerlink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sidelinehq/sideline/go/internal/models"
)

// MessageType identifies a peer protocol message.
type MessageType string

const (
	// MessageRoleAdvertise is exchanged right after the socket opens; receipt
	// of the remote's advertise completes the handshake.
	MessageRoleAdvertise MessageType = "role-advertise"
	// MessageGameStarting is sent by the controller the moment it starts the
	// game.
	MessageGameStarting MessageType = "game-starting"
	// MessageGameAlreadyStarted is sent to a peer that connected after the
	// game was already started.
	MessageGameAlreadyStarted MessageType = "game-already-started"
)

// Envelope is the JSON wire format for peer messages. Delivery is
// at-least-once and unordered relative to the document channel.
type Envelope struct {
	ID     string              `json:"id"`
	Type   MessageType         `json:"type"`
	From   models.PeerIdentity `json:"from"`
	Role   models.Role         `json:"role,omitempty"`
	GameID string              `json:"game_id,omitempty"`
	SentAt time.Time           `json:"sent_at"`
}

func newEnvelope(msgType MessageType, from models.PeerIdentity) Envelope {
	return Envelope{
		ID:     uuid.New().String(),
		Type:   msgType,
		From:   from,
		SentAt: time.Now().UTC(),
	}
}

// Encode marshals the envelope for a text frame.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates an incoming frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.From.ID == "" {
		return Envelope{}, fmt.Errorf("envelope %s missing sender identity", env.Type)
	}
	switch env.Type {
	case MessageRoleAdvertise:
		if !env.Role.Valid() {
			return Envelope{}, fmt.Errorf("role-advertise with invalid role %q", env.Role)
		}
	case MessageGameStarting, MessageGameAlreadyStarted:
		if env.GameID == "" {
			return Envelope{}, fmt.Errorf("%s without game ID", env.Type)
		}
	default:
		return Envelope{}, fmt.Errorf("unknown message type %q", env.Type)
	}
	return env, nil
}
