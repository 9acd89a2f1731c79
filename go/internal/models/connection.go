package models

import "time"

// ConnectionState defines the lifecycle phase of a pairing attempt.
type ConnectionState string

const (
	ConnectionIdle       ConnectionState = "IDLE"
	ConnectionSearching  ConnectionState = "SEARCHING"
	ConnectionConnecting ConnectionState = "CONNECTING"
	ConnectionConnected  ConnectionState = "CONNECTED"
	ConnectionFailed     ConnectionState = "FAILED"
)

// ConnectionStatus is the user-facing view of a pairing attempt. Peer and
// RemoteRole are populated from Connecting onward; Reason only for Failed.
// It is recomputed from events and never persisted.
type ConnectionStatus struct {
	State      ConnectionState `json:"state"`
	Peer       *PeerIdentity   `json:"peer,omitempty"`
	RemoteRole Role            `json:"remote_role,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// ConnectionSession tracks one pairing from activation to process exit. A
// fresh session is built on every run, seeded only by trust-store hints.
type ConnectionSession struct {
	LocalRole     Role            `json:"local_role"`
	RemotePeer    *PeerIdentity   `json:"remote_peer,omitempty"`
	State         ConnectionState `json:"state"`
	Trusted       bool            `json:"trusted"`
	EstablishedAt *time.Time      `json:"established_at,omitempty"`
}
