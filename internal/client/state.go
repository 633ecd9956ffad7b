package client

import "peercall/internal/core/domain"

// State is the local view of the current call.
type State string

const (
	StateIdle            State = "idle"
	StateCalling         State = "calling"
	StateRinging         State = "ringing"
	StateRingingIncoming State = "ringingIncoming"
	StateNegotiating     State = "negotiating"
	StateActive          State = "active"
	StateEnded           State = "ended"
)

// InCall reports whether the state holds a call that a hangup would end.
func (s State) InCall() bool {
	switch s {
	case StateCalling, StateRinging, StateRingingIncoming, StateNegotiating, StateActive:
		return true
	}
	return false
}

// Snapshot is what observers receive after every change.
type Snapshot struct {
	State         State
	SessionID     domain.SessionID
	Peer          domain.PresenceInfo
	IsCaller      bool
	EndReason     domain.HangupReason
	MicEnabled    bool
	CameraEnabled bool
}
