package client

import "encoding/json"

// Role tells the link which side of the call it serves.
type Role int

const (
	RoleCaller Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "receiver"
}

// PeerLink is the negotiated media connection to the other participant. The
// machine treats payloads as opaque.
//
// Implementations must not invoke callbacks from inside FeedRemotePayload or
// Close, and must deliver local payloads in the order they were produced.
type PeerLink interface {
	FeedRemotePayload(payload json.RawMessage) error
	OnLocalPayload(fn func(payload json.RawMessage))
	OnStreamEstablished(fn func())
	OnFailure(fn func(err error))
	Close() error
}

type PeerLinkFactory interface {
	NewPeerLink(role Role, media LocalMedia) (PeerLink, error)
}
