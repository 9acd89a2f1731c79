package models

// Role defines which side of a pairing a device plays.
type Role string

const (
	RoleController Role = "CONTROLLER"
	RoleRecorder   Role = "RECORDER"
)

// Inverse returns the role the remote peer must hold. Pairing is a strict
// two-role system: a controller always pairs with a recorder.
func (r Role) Inverse() Role {
	switch r {
	case RoleController:
		return RoleRecorder
	case RoleRecorder:
		return RoleController
	default:
		return r
	}
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleController || r == RoleRecorder
}

// PeerIdentity identifies a device on the local network. The ID is a stable
// opaque identifier; DisplayName is for humans only and carries no identity.
type PeerIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
