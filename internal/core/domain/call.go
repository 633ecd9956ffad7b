package domain

import (
	"fmt"
	"time"
)

type SessionID string

// Phase is the relay-side lifecycle stage of a call.
type Phase string

const (
	PhaseRinging     Phase = "ringing"
	PhaseNegotiating Phase = "negotiating"
	PhaseActive      Phase = "active"
	PhaseEnded       Phase = "ended"
)

// Live reports whether a session in this phase still blocks a new call between the same pair.
func (p Phase) Live() bool {
	return p == PhaseRinging || p == PhaseNegotiating || p == PhaseActive
}

// Trigger is a request to move a session to another phase.
type Trigger string

const (
	TriggerAccept            Trigger = "accept"
	TriggerCallerConnected   Trigger = "caller_connected"
	TriggerReceiverConnected Trigger = "receiver_connected"
	TriggerHangup            Trigger = "hangup"
	TriggerDisconnect        Trigger = "disconnect"
	TriggerFailure           Trigger = "failure"
	TriggerTimeout           Trigger = "timeout"
)

// ConnectedTrigger returns the readiness trigger for the given role.
func ConnectedTrigger(isCaller bool) Trigger {
	if isCaller {
		return TriggerCallerConnected
	}
	return TriggerReceiverConnected
}

// ParticipantRef is a snapshot of a participant taken when the session was created.
// The address may be stale by the time anything is delivered to it.
type ParticipantRef struct {
	Identity Identity          `json:"identity"`
	Profile  Profile           `json:"profile"`
	Address  ConnectionAddress `json:"address"`
}

func (p ParticipantRef) Info() PresenceInfo {
	return PresenceInfo{Identity: p.Identity, Profile: p.Profile}
}

// RefFromPresence snapshots a presence entry.
func RefFromPresence(e *PresenceEntry) ParticipantRef {
	return ParticipantRef{Identity: e.Identity, Profile: e.Profile, Address: e.Address}
}

type CallSession struct {
	ID            SessionID      `json:"id"`
	Caller        ParticipantRef `json:"caller"`
	Receiver      ParticipantRef `json:"receiver"`
	Phase         Phase          `json:"phase"`
	CallerReady   bool           `json:"callerReady"`
	ReceiverReady bool           `json:"receiverReady"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// PairKey identifies the unordered pair of participants.
func (s *CallSession) PairKey() string {
	return PairKey(s.Caller.Identity, s.Receiver.Identity)
}

// Involves reports whether id is one of the two participants.
func (s *CallSession) Involves(id Identity) bool {
	return s.Caller.Identity == id || s.Receiver.Identity == id
}

// Other returns the participant that is not id.
func (s *CallSession) Other(id Identity) (ParticipantRef, bool) {
	switch id {
	case s.Caller.Identity:
		return s.Receiver, true
	case s.Receiver.Identity:
		return s.Caller, true
	}
	return ParticipantRef{}, false
}

// Participant returns the caller when isCaller is set, the receiver otherwise.
func (s *CallSession) Participant(isCaller bool) ParticipantRef {
	if isCaller {
		return s.Caller
	}
	return s.Receiver
}

// Clone returns a copy that shares nothing with s.
func (s *CallSession) Clone() *CallSession {
	c := *s
	return &c
}

// Apply moves the session according to t. The session is left untouched when the
// transition is not allowed.
func (s *CallSession) Apply(t Trigger, now time.Time) error {
	switch t {
	case TriggerAccept:
		if s.Phase != PhaseRinging {
			return s.invalid(t)
		}
		s.Phase = PhaseNegotiating

	case TriggerCallerConnected, TriggerReceiverConnected:
		if s.Phase != PhaseNegotiating {
			return s.invalid(t)
		}
		if t == TriggerCallerConnected {
			s.CallerReady = true
		} else {
			s.ReceiverReady = true
		}
		if s.CallerReady && s.ReceiverReady {
			s.Phase = PhaseActive
		}

	case TriggerHangup, TriggerDisconnect, TriggerFailure, TriggerTimeout:
		if !s.Phase.Live() {
			return s.invalid(t)
		}
		s.Phase = PhaseEnded

	default:
		return s.invalid(t)
	}

	s.UpdatedAt = now
	return nil
}

func (s *CallSession) invalid(t Trigger) error {
	return fmt.Errorf("%w: %s while %s (session %s)", ErrInvalidTransition, t, s.Phase, s.ID)
}

// PairKey builds an order-independent key for two identities. The first
// identity is length-prefixed, so identities containing the separator cannot
// make two different pairs share a key.
func PairKey(a, b Identity) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s:%s", len(a), a, b)
}
