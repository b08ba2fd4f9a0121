// Package delivery subscribes to chat domain events and pushes them to the
// connected clients they concern. Direct events go to the recipient's
// connections, group events to the group's transport group, and presence
// changes to everyone.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scholaris/realtime/internal/chat"
	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/eventbus"
	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/metrics"
	"github.com/scholaris/realtime/internal/protocol"
)

var errNoAddress = errors.New("delivery: event has neither recipient nor group")

// MessageReader hydrates messages referenced by events. GetMessageByID
// returns (nil, nil) for unknown IDs.
type MessageReader interface {
	GetMessageByID(ctx context.Context, id uuid.UUID) (*chat.Message, error)
	GetMessagesDetails(ctx context.Context, ids []uuid.UUID) ([]chat.MessageDetails, error)
}

// Transport pushes encoded frames to connected clients. Group names are
// event.GroupKey values; a zero exceptUserID excludes nobody.
type Transport interface {
	SendToUser(ctx context.Context, userID uuid.UUID, data []byte) error
	SendToGroup(ctx context.Context, group string, exceptUserID uuid.UUID, data []byte) error
	Broadcast(ctx context.Context, data []byte) error
}

// Handler routes bus events to the transport.
type Handler struct {
	bus       *eventbus.Bus
	messages  MessageReader
	transport Transport
	logger    logging.Logger
}

func New(bus *eventbus.Bus, messages MessageReader, transport Transport, logger logging.Logger) *Handler {
	return &Handler{bus: bus, messages: messages, transport: transport, logger: logger}
}

// Start subscribes to every chat event type. Subscriptions are in place when
// Start returns.
func (h *Handler) Start(ctx context.Context) error {
	eventbus.On(h.bus, h.onMessageSent)
	eventbus.On(h.bus, h.onMessageEdited)
	eventbus.On(h.bus, h.onMessageDeleted)
	eventbus.On(h.bus, h.onMessageRead)
	eventbus.On(h.bus, h.onReactionAdded)
	eventbus.On(h.bus, h.onReactionRemoved)
	eventbus.On(h.bus, h.onUserTyping)
	eventbus.On(h.bus, h.onUserStoppedTyping)
	eventbus.On(h.bus, h.onUserConnected)
	eventbus.On(h.bus, h.onUserDisconnected)

	h.logger.Info("delivery: handler started", logging.Fields{"event_types": len(event.AllTypes)})
	return nil
}

// Stop only logs; the bus has no unsubscribe and in-flight deliveries are
// drained with Bus.Wait.
func (h *Handler) Stop(ctx context.Context) error {
	h.logger.Info("delivery: handler stopped")
	return nil
}

// boundary is deferred by every delivery branch. It recovers panics, logs
// failures with the event identifiers and swallows them, so a failed
// delivery never reaches the publisher or other subscribers.
func (h *Handler) boundary(t event.Type, ids logging.Fields, start time.Time, errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("panic: %v", r)
	}
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	if *errp != nil {
		metrics.Deliveries.WithLabelValues(string(t), "failed").Inc()
		h.logger.Error("delivery: "+string(t)+" failed", ids, *errp)
		*errp = nil
	}
}

func (h *Handler) dropped(t event.Type, reason string, ids logging.Fields) {
	metrics.Deliveries.WithLabelValues(string(t), "dropped").Inc()
	h.logger.Warn("delivery: dropped "+reason, ids)
}

func (h *Handler) sent(t event.Type) {
	metrics.Deliveries.WithLabelValues(string(t), "sent").Inc()
}

// toAddress sends data to a direct recipient or, for group addresses, to the
// group's connections minus except.
func (h *Handler) toAddress(ctx context.Context, t event.Type, addr event.Address, except uuid.UUID, data []byte) error {
	var err error
	switch {
	case addr.IsDirect():
		err = h.transport.SendToUser(ctx, addr.RecipientID, data)
	case addr.IsGroup():
		err = h.transport.SendToGroup(ctx, event.GroupKey(addr.GroupID), except, data)
	default:
		return errNoAddress
	}
	if err != nil {
		return err
	}
	h.sent(t)
	return nil
}

func optionalID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func (h *Handler) onMessageSent(ctx context.Context, ev event.MessageSent) (err error) {
	ids := logging.Fields{"message_id": ev.MessageID, "sender_id": ev.SenderID}
	defer h.boundary(ev.EventType(), ids, time.Now(), &err)

	m, err := h.messages.GetMessageByID(ctx, ev.MessageID)
	if err != nil {
		return fmt.Errorf("hydrate message: %w", err)
	}
	if m == nil || m.IsDeleted {
		h.dropped(ev.EventType(), "message not found", ids)
		return nil
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message: protocol.MessagePayload{
			ID:          m.ID.String(),
			SenderID:    m.SenderID.String(),
			RecipientID: optionalID(m.RecipientID),
			GroupID:     optionalID(m.GroupID),
			Content:     m.Content,
			CreatedAt:   m.CreatedAt,
		},
	})
	if err != nil {
		return err
	}
	return h.toAddress(ctx, ev.EventType(), ev.Address, ev.SenderID, data)
}

func (h *Handler) onMessageEdited(ctx context.Context, ev event.MessageEdited) (err error) {
	ids := logging.Fields{"message_id": ev.MessageID, "editor_id": ev.EditorID}
	defer h.boundary(ev.EventType(), ids, time.Now(), &err)

	data, err := protocol.NewServerMessage(protocol.TypeMessageEdited, protocol.MessageEditedMsg{
		MessageID: ev.MessageID.String(),
		EditorID:  ev.EditorID.String(),
		Content:   ev.NewContent,
		EditedAt:  ev.EditedAt,
		Reason:    ev.EditReason,
		GroupID:   optionalID(ev.GroupID),
	})
	if err != nil {
		return err
	}
	return h.toAddress(ctx, ev.EventType(), ev.Address, uuid.Nil, data)
}

func (h *Handler) onMessageDeleted(ctx context.Context, ev event.MessageDeleted) (err error) {
	ids := logging.Fields{"message_id": ev.MessageID, "deleted_by": ev.DeletedBy}
	defer h.boundary(ev.EventType(), ids, time.Now(), &err)

	data, err := protocol.NewServerMessage(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID: ev.MessageID.String(),
		DeletedBy: ev.DeletedBy.String(),
		DeletedAt: ev.DeletedAt,
		Hard:      ev.IsHardDelete,
		GroupID:   optionalID(ev.GroupID),
	})
	if err != nil {
		return err
	}
	return h.toAddress(ctx, ev.EventType(), ev.Address, uuid.Nil, data)
}

type readBatch struct {
	addr event.Address
	ids  []string
}

// onMessageRead splits the read receipt per conversation so each
// conversation gets exactly one delivery listing only its own messages.
func (h *Handler) onMessageRead(ctx context.Context, ev event.MessageRead) (err error) {
	ids := logging.Fields{"reader_id": ev.ReadByUserID, "messages": len(ev.MessageIDs)}
	defer h.boundary(ev.EventType(), ids, time.Now(), &err)

	details, err := h.messages.GetMessagesDetails(ctx, ev.MessageIDs)
	if err != nil {
		return fmt.Errorf("message details: %w", err)
	}
	if len(details) == 0 {
		h.dropped(ev.EventType(), "no known messages", ids)
		return nil
	}

	var (
		order   []string
		batches = make(map[string]*readBatch)
	)
	for _, d := range details {
		key := d.ConversationKey()
		b, ok := batches[key]
		if !ok {
			b = &readBatch{}
			if d.ConversationType == chat.ConversationGroup {
				b.addr = event.Group(d.GroupID)
			} else if d.SenderID == ev.ReadByUserID {
				b.addr = event.Direct(d.RecipientID)
			} else {
				b.addr = event.Direct(d.SenderID)
			}
			batches[key] = b
			order = append(order, key)
		}
		b.ids = append(b.ids, d.ID.String())
	}

	var errs []error
	for _, key := range order {
		b := batches[key]
		data, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
			MessageIDs: b.ids,
			ReadBy:     ev.ReadByUserID.String(),
			ReadAt:     ev.ReadAt,
			GroupID:    optionalID(b.addr.GroupID),
		})
		if err == nil {
			err = h.toAddress(ctx, ev.EventType(), b.addr, ev.ReadByUserID, data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("conversation %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) reaction(ctx context.Context, t event.Type, msgType string, r event.Reaction) (err error) {
	ids := logging.Fields{"message_id": r.MessageID, "reacted_by": r.ReactedBy, "reaction": r.ReactionType}
	defer h.boundary(t, ids, time.Now(), &err)

	data, err := protocol.NewServerMessage(msgType, protocol.ReactionUpdateMsg{
		MessageID: r.MessageID.String(),
		UserID:    r.ReactedBy.String(),
		UserName:  r.ReactedByName,
		Reaction:  r.ReactionType,
		Counts:    r.UpdatedCounts,
		GroupID:   optionalID(r.GroupID),
	})
	if err != nil {
		return err
	}
	return h.toAddress(ctx, t, r.Address, uuid.Nil, data)
}

func (h *Handler) onReactionAdded(ctx context.Context, ev event.ReactionAdded) error {
	return h.reaction(ctx, ev.EventType(), protocol.TypeReactionAdded, ev.Reaction)
}

func (h *Handler) onReactionRemoved(ctx context.Context, ev event.ReactionRemoved) error {
	return h.reaction(ctx, ev.EventType(), protocol.TypeReactionRemoved, ev.Reaction)
}

func (h *Handler) onUserTyping(ctx context.Context, ev event.UserTyping) (err error) {
	ids := logging.Fields{"user_id": ev.UserID}
	defer h.boundary(ev.EventType(), ids, time.Now(), &err)

	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		UserID:    ev.UserID.String(),
		UserName:  ev.UserName,
		GroupID:   optionalID(ev.GroupID),
		GroupType: ev.GroupType,
	})
	if err != nil {
		return err
	}
	return h.toAddress(ctx, ev.EventType(), ev.Address, ev.UserID, data)
}

func (h *Handler) onUserStoppedTyping(ctx context.Context, ev event.UserStoppedTyping) (err error) {
	ids := logging.Fields{"user_id": ev.UserID}
	defer h.boundary(ev.EventType(), ids, time.Now(), &err)

	data, err := protocol.NewServerMessage(protocol.TypeUserStoppedTyping, protocol.UserStoppedTypingMsg{
		UserID:  ev.UserID.String(),
		GroupID: optionalID(ev.GroupID),
	})
	if err != nil {
		return err
	}
	return h.toAddress(ctx, ev.EventType(), ev.Address, ev.UserID, data)
}

func (h *Handler) presence(ctx context.Context, t event.Type, msgType string, userID uuid.UUID, at time.Time) (err error) {
	ids := logging.Fields{"user_id": userID}
	defer h.boundary(t, ids, time.Now(), &err)

	data, err := protocol.NewServerMessage(msgType, protocol.PresenceMsg{UserID: userID.String(), At: at})
	if err != nil {
		return err
	}
	if err := h.transport.Broadcast(ctx, data); err != nil {
		return err
	}
	h.sent(t)
	return nil
}

func (h *Handler) onUserConnected(ctx context.Context, ev event.UserConnected) error {
	return h.presence(ctx, ev.EventType(), protocol.TypeUserOnline, ev.UserID, ev.ConnectedAt)
}

func (h *Handler) onUserDisconnected(ctx context.Context, ev event.UserDisconnected) error {
	if !ev.IsLastConnection {
		return nil
	}
	return h.presence(ctx, ev.EventType(), protocol.TypeUserOffline, ev.UserID, ev.DisconnectedAt)
}
