package domain

import "encoding/json"

// Wire names of signaling events.
const (
	TypeRegister        = "register"
	TypePresenceUpdate  = "presenceUpdate"
	TypeCall            = "call"
	TypeIncomingCall    = "incomingCall"
	TypeCallRinging     = "callRinging"
	TypeCallUnavailable = "callUnavailable"
	TypeCallBusy        = "callBusy"
	TypeWebRTCSignal    = "webrtcSignal"
	TypeCallConnected   = "callConnected"
	TypeHangup          = "hangup"
	TypeError           = "error"
)

type HangupReason string

const (
	ReasonHangup      HangupReason = "hangup"
	ReasonDeclined    HangupReason = "declined"
	ReasonBusy        HangupReason = "busy"
	ReasonFailure     HangupReason = "failure"
	ReasonDisconnect  HangupReason = "disconnect"
	ReasonTimeout     HangupReason = "timeout"
	ReasonUnavailable HangupReason = "unavailable"
)

// Trigger maps a hangup reason to the session trigger it causes.
func (r HangupReason) Trigger() Trigger {
	switch r {
	case ReasonDisconnect:
		return TriggerDisconnect
	case ReasonFailure:
		return TriggerFailure
	case ReasonTimeout:
		return TriggerTimeout
	default:
		return TriggerHangup
	}
}

// Event is an inbound event handled by the signaling router.
type Event interface {
	EventType() string
}

// Message is an outbound event delivered to one connection.
type Message interface {
	MessageType() string
}

type RegisterEvent struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	Token    string   `json:"token,omitempty"`
}

// CallEvent asks the relay to ring Receiver. Caller is optional on the wire; the
// router always uses the identity registered on the sending connection.
type CallEvent struct {
	Caller   Identity `json:"caller,omitempty"`
	Receiver Identity `json:"receiver"`
}

// SignalEvent carries an opaque negotiation payload. The same shape is relayed
// verbatim to the opposite participant.
type SignalEvent struct {
	SessionID SessionID       `json:"sessionId"`
	IsCaller  bool            `json:"isCaller"`
	Payload   json.RawMessage `json:"payload"`
}

// ConnectedEvent reports that the sender's media layer established the stream.
type ConnectedEvent struct {
	SessionID SessionID `json:"sessionId"`
	IsCaller  bool      `json:"isCaller"`
}

// HangupEvent ends a session. SessionID may be empty when the caller cancels
// before the relay acknowledged the call; Peer then names the other side.
type HangupEvent struct {
	SessionID SessionID    `json:"sessionId,omitempty"`
	Initiator Identity     `json:"initiator,omitempty"`
	Peer      Identity     `json:"peer,omitempty"`
	Reason    HangupReason `json:"reason,omitempty"`
}

// DisconnectEvent is raised by the transport when a connection closes.
type DisconnectEvent struct{}

func (RegisterEvent) EventType() string   { return TypeRegister }
func (CallEvent) EventType() string       { return TypeCall }
func (SignalEvent) EventType() string     { return TypeWebRTCSignal }
func (ConnectedEvent) EventType() string  { return TypeCallConnected }
func (HangupEvent) EventType() string     { return TypeHangup }
func (DisconnectEvent) EventType() string { return "disconnect" }

type PresenceUpdate struct {
	Entries []PresenceInfo `json:"entries"`
}

type IncomingCall struct {
	SessionID SessionID    `json:"sessionId"`
	Caller    PresenceInfo `json:"caller"`
}

// CallRinging acknowledges a call to the caller once the receiver has been notified.
type CallRinging struct {
	SessionID SessionID    `json:"sessionId"`
	Receiver  PresenceInfo `json:"receiver"`
}

type CallUnavailable struct {
	Receiver Identity `json:"receiver"`
}

type CallBusy struct {
	Receiver Identity `json:"receiver"`
}

type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (PresenceUpdate) MessageType() string  { return TypePresenceUpdate }
func (IncomingCall) MessageType() string    { return TypeIncomingCall }
func (CallRinging) MessageType() string     { return TypeCallRinging }
func (CallUnavailable) MessageType() string { return TypeCallUnavailable }
func (CallBusy) MessageType() string        { return TypeCallBusy }
func (SignalEvent) MessageType() string     { return TypeWebRTCSignal }
func (HangupEvent) MessageType() string     { return TypeHangup }
func (ErrorNotice) MessageType() string     { return TypeError }
