package models

import "time"

// TrustRecord remembers a prior successful pairing so the confirmation step
// can be skipped on reconnect. Trust is an application-level convenience; the
// transport still performs its own handshake per connection.
type TrustRecord struct {
	Peer          PeerIdentity `json:"peer"`
	LastRole      Role         `json:"last_role"`
	FirstPairedAt time.Time    `json:"first_paired_at"`
	LastSeenAt    time.Time    `json:"last_seen_at"`
}
