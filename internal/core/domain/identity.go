package domain

import "time"

// Identity is an externally issued user identifier.
type Identity string

// ConnectionAddress is an opaque transport handle used to deliver events to one connection.
type ConnectionAddress string

type Profile struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// PresenceEntry binds a connected identity to the address it is currently reachable at.
type PresenceEntry struct {
	Identity     Identity          `json:"identity"`
	Profile      Profile           `json:"profile"`
	Address      ConnectionAddress `json:"address"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

// Info returns the public view of the entry, without its routing address.
func (e *PresenceEntry) Info() PresenceInfo {
	return PresenceInfo{Identity: e.Identity, Profile: e.Profile}
}

// PresenceInfo is what other clients see of a registered identity.
type PresenceInfo struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
}
