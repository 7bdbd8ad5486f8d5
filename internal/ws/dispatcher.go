package ws

import (
	"time"

	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.JoinTopicMsg).
type MessageHandler func(conn *Connection, msg interface{})

// Sender delivers an encoded server message to one session.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	sender   Sender
	logger   *zap.Logger
}

// NewMessageDispatcher creates a MessageDispatcher. sender may be nil and
// set later with SetSender, since the server needs the Dispatch callback
// before it exists.
func NewMessageDispatcher(sender Sender, logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		sender:   sender,
		logger:   logger.Named("dispatcher"),
	}
}

// SetSender assigns the sender used for ping and error replies.
func (d *MessageDispatcher) SetSender(sender Sender) {
	d.sender = sender
}

// Register associates a MessageHandler with a message type. Registering the
// same type twice replaces the earlier handler. Register is not safe for use
// once the server is running.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types
// to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", zap.String("session", conn.ID), zap.Error(err))
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    string(apperror.CodeInvalidArgument),
			Message: "invalid message format",
		})
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch(time.Now())
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("session", conn.ID))
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    string(apperror.CodeInvalidArgument),
			Message: "unsupported message type",
		})
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.logger.Error("failed to build reply", zap.String("type", msgType), zap.Error(err))
		return
	}
	if d.sender == nil {
		return
	}
	if err := d.sender.SendMessage(conn.ID, data); err != nil {
		d.logger.Debug("failed to send reply", zap.String("type", msgType), zap.String("session", conn.ID), zap.Error(err))
	}
}
