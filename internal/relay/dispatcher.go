package relay

import (
	"log"

	"github.com/campaignhub/convsync/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinThreadMsg, protocol.TypingMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping with pong internally and sends
// structured error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed message, handles ping
// internally, and routes all other types to the registered handler. Parse
// errors and unregistered types result in an error message sent back to the
// client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[relay] dispatch parse error conn=%s: %v", conn.ID, err)
		sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		sendEvent(conn, protocol.Pong{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[relay] unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors
// during transmission are logged but not propagated.
func sendError(conn *Connection, code string, message string) {
	sendEvent(conn, protocol.ServerError{Code: code, Message: message})
}

func sendEvent(conn *Connection, ev protocol.Event) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		log.Printf("[relay] failed to build %s conn=%s: %v", ev.EventType(), conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[relay] failed to send %s conn=%s: %v", ev.EventType(), conn.ID, err)
	}
}
