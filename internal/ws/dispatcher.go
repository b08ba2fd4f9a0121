package ws

import (
	"context"
	"errors"
	"time"

	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/protocol"
)

// HandlerTimeout bounds the work a single client message may trigger.
const HandlerTimeout = 5 * time.Second

// MessageHandler handles a parsed client message. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage (e.g.
// protocol.SendMessageMsg). A returned *protocol.ErrorMsg is sent to the
// client as is; any other error is logged and reported as internal_error.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{}) error

// Sender writes a frame to one connection.
type Sender interface {
	Send(c *Connection, data []byte) error
}

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and sends structured
// error responses for malformed, invalid or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	sender   Sender
	logger   logging.Logger
}

// NewMessageDispatcher creates a MessageDispatcher. The sender may be set
// later with SetSender, since the server needs Dispatch at construction.
func NewMessageDispatcher(sender Sender, logger logging.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		sender:   sender,
		logger:   logger,
	}
}

// SetSender assigns the transport used for replies.
func (d *MessageDispatcher) SetSender(sender Sender) {
	d.sender = sender
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var verr *protocol.ValidationError
		switch {
		case errors.As(err, &verr):
			d.Reply(conn, protocol.TypeError, protocol.ErrorMsg{
				Code:    protocol.CodeValidation,
				Message: "invalid " + msgType,
				Fields:  verr.Fields,
			})
		case errors.Is(err, protocol.ErrUnknownType):
			d.logger.Debug("ws: unsupported message type", logging.Fields{"type": msgType, "conn_id": conn.ID})
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		default:
			d.logger.Debug("ws: dispatch parse error", logging.Fields{"conn_id": conn.ID}, err)
			d.sendError(conn, protocol.CodeParseError, "invalid message format")
		}
		return
	}

	if msgType == protocol.TypePing {
		d.Reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), HandlerTimeout)
	defer cancel()

	if err := handler(ctx, conn, msg); err != nil {
		var reply *protocol.ErrorMsg
		if errors.As(err, &reply) {
			d.Reply(conn, protocol.TypeError, *reply)
			return
		}
		d.logger.Error("ws: handler failed", logging.Fields{
			"type":    msgType,
			"conn_id": conn.ID,
			"user_id": conn.UserID,
		}, err)
		d.sendError(conn, protocol.CodeInternal, "internal error")
	}
}

// Reply encodes payload as a msgType server message and sends it to conn.
// Failures are logged, not returned.
func (d *MessageDispatcher) Reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.logger.Error("ws: failed to build reply", logging.Fields{"type": msgType, "conn_id": conn.ID}, err)
		return
	}
	if err := d.sender.Send(conn, data); err != nil {
		d.logger.Debug("ws: failed to send reply", logging.Fields{"type": msgType, "conn_id": conn.ID}, err)
	}
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.Reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
