package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/campaignhub/convsync/internal/chat"
)

// Event is a decoded server push. The set of implementations is closed:
// only the types in this file satisfy it, so a type switch over Event in the
// consumer covers every push the server can send.
type Event interface {
	// EventType returns the wire discriminator of the event.
	EventType() string
	isEvent()
}

// MessageArrived is a persisted message pushed to a thread participant.
type MessageArrived struct {
	Message chat.Message
}

// ParticipantTyping reports a change in a participant's typing state.
type ParticipantTyping struct {
	ThreadID string
	UserID   string
	IsTyping bool
}

// MessageMarkedRead reports that UserID read a single message.
type MessageMarkedRead struct {
	MessageID string
	UserID    string
}

// ThreadMarkedRead reports that UserID read every message in a thread.
type ThreadMarkedRead struct {
	ThreadID string
	UserID   string
}

// NotificationArrived is an informational push.
type NotificationArrived struct {
	Payload json.RawMessage
}

// ServerError is an error reported by the server over the channel.
type ServerError struct {
	Code    string
	Message string
}

// Pong answers a keepalive ping.
type Pong struct{}

func (MessageArrived) EventType() string      { return TypeNewMessage }
func (ParticipantTyping) EventType() string   { return TypeTyping }
func (MessageMarkedRead) EventType() string   { return TypeMessageRead }
func (ThreadMarkedRead) EventType() string    { return TypeThreadRead }
func (NotificationArrived) EventType() string { return TypeNotification }
func (ServerError) EventType() string         { return TypeError }
func (Pong) EventType() string                { return TypePong }

func (MessageArrived) isEvent()      {}
func (ParticipantTyping) isEvent()   {}
func (MessageMarkedRead) isEvent()   {}
func (ThreadMarkedRead) isEvent()    {}
func (NotificationArrived) isEvent() {}
func (ServerError) isEvent()         {}
func (Pong) isEvent()                {}

// ParseServerEvent parses raw WebSocket bytes into a typed push event. An
// error is returned for malformed payloads and for unknown or client-only
// message types.
func ParseServerEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	switch env.Type {
	case TypeNewMessage:
		var m NewMessageMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		if m.Message.ID == "" || m.Message.ThreadID == "" {
			return nil, fmt.Errorf("protocol: %q event missing message id or threadId", env.Type)
		}
		return MessageArrived{Message: m.Message}, nil

	case TypeTyping:
		var m ServerTypingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		if m.ThreadID == "" || m.UserID == "" {
			return nil, fmt.Errorf("protocol: %q event missing threadId or userId", env.Type)
		}
		return ParticipantTyping{ThreadID: m.ThreadID, UserID: m.UserID, IsTyping: m.IsTyping}, nil

	case TypeMessageRead:
		var m MessageReadMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		if m.MessageID == "" {
			return nil, fmt.Errorf("protocol: %q event missing messageId", env.Type)
		}
		return MessageMarkedRead{MessageID: m.MessageID, UserID: m.UserID}, nil

	case TypeThreadRead:
		var m ThreadReadMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		if m.ThreadID == "" {
			return nil, fmt.Errorf("protocol: %q event missing threadId", env.Type)
		}
		return ThreadMarkedRead{ThreadID: m.ThreadID, UserID: m.UserID}, nil

	case TypeNotification:
		var m NotificationMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		return NotificationArrived{Payload: m.Payload}, nil

	case TypeError:
		var m ErrorMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		return ServerError{Code: m.Code, Message: m.Message}, nil

	case TypePong:
		return Pong{}, nil
	}

	return nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
}

// EncodeEvent serializes a push event into its wire form.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload interface{}
	switch e := ev.(type) {
	case MessageArrived:
		payload = NewMessageMsg{Message: e.Message}
	case ParticipantTyping:
		payload = ServerTypingMsg{ThreadID: e.ThreadID, UserID: e.UserID, IsTyping: e.IsTyping}
	case MessageMarkedRead:
		payload = MessageReadMsg{MessageID: e.MessageID, UserID: e.UserID}
	case ThreadMarkedRead:
		payload = ThreadReadMsg{ThreadID: e.ThreadID, UserID: e.UserID}
	case NotificationArrived:
		p := e.Payload
		if len(p) == 0 {
			p = json.RawMessage("null")
		}
		payload = NotificationMsg{Payload: p}
	case ServerError:
		payload = ErrorMsg{Code: e.Code, Message: e.Message}
	case Pong:
		payload = PongMsg{}
	default:
		return nil, fmt.Errorf("protocol: cannot encode event %T", ev)
	}
	return NewServerMessage(ev.EventType(), payload)
}

func decodeErr(msgType string, err error) error {
	return fmt.Errorf("protocol: failed to decode %q payload: %w", msgType, err)
}
