package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"peercall/internal/core/domain"
)

// Envelope is the frame exchanged over the websocket. Payload holds the
// variant selected by Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeMessage frames an outbound relay message.
func EncodeMessage(msg domain.Message) ([]byte, error) {
	return encode(msg.MessageType(), msg)
}

// EncodeEvent frames an event sent by a client.
func EncodeEvent(ev domain.Event) ([]byte, error) {
	if _, ok := ev.(domain.DisconnectEvent); ok {
		return nil, fmt.Errorf("%w: disconnect is not a wire event", domain.ErrInvalidTransition)
	}
	return encode(ev.EventType(), ev)
}

func encode(typ string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: payload})
}

// DecodeEvent parses a client frame. Unknown or malformed frames are reported
// as invalid transitions and never partially applied.
func DecodeEvent(data []byte) (domain.Event, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	var ev domain.Event
	switch env.Type {
	case domain.TypeRegister:
		ev, err = decodeAs[domain.RegisterEvent](env)
	case domain.TypeCall:
		ev, err = decodeAs[domain.CallEvent](env)
	case domain.TypeWebRTCSignal:
		ev, err = decodeAs[domain.SignalEvent](env)
	case domain.TypeCallConnected:
		ev, err = decodeAs[domain.ConnectedEvent](env)
	case domain.TypeHangup:
		ev, err = decodeAs[domain.HangupEvent](env)
	default:
		err = fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidTransition, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeMessage parses a relay frame on the client side.
func DecodeMessage(data []byte) (domain.Message, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	var msg domain.Message
	switch env.Type {
	case domain.TypePresenceUpdate:
		msg, err = decodeAs[domain.PresenceUpdate](env)
	case domain.TypeIncomingCall:
		msg, err = decodeAs[domain.IncomingCall](env)
	case domain.TypeCallRinging:
		msg, err = decodeAs[domain.CallRinging](env)
	case domain.TypeCallUnavailable:
		msg, err = decodeAs[domain.CallUnavailable](env)
	case domain.TypeCallBusy:
		msg, err = decodeAs[domain.CallBusy](env)
	case domain.TypeWebRTCSignal:
		msg, err = decodeAs[domain.SignalEvent](env)
	case domain.TypeHangup:
		msg, err = decodeAs[domain.HangupEvent](env)
	case domain.TypeError:
		msg, err = decodeAs[domain.ErrorNotice](env)
	default:
		err = fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidTransition, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: malformed frame: %v", domain.ErrInvalidTransition, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: frame without type", domain.ErrInvalidTransition)
	}
	return env, nil
}

func decodeAs[T any](env Envelope) (T, error) {
	var v T
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: bad %s payload: %v", domain.ErrInvalidTransition, env.Type, err)
	}
	return v, nil
}
