// Package hub connects client actions arriving on WebSocket connections to
// the chat service, the presence registry and transport groups. Message
// operations publish their events through the chat service; the delivery
// handler takes it from there.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/scholaris/realtime/internal/chat"
	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/mute"
	"github.com/scholaris/realtime/internal/presence"
	"github.com/scholaris/realtime/internal/protocol"
	"github.com/scholaris/realtime/internal/ratelimit"
	"github.com/scholaris/realtime/internal/session"
	"github.com/scholaris/realtime/internal/ws"
)

// lifecycleTimeout bounds connect and disconnect bookkeeping.
const lifecycleTimeout = 5 * time.Second

// ChatService is the message API the hub drives.
type ChatService interface {
	SendMessage(ctx context.Context, senderID uuid.UUID, addr event.Address, content string) (*chat.Message, error)
	EditMessage(ctx context.Context, editorID, messageID uuid.UUID, content, reason string) (*chat.Message, error)
	DeleteMessage(ctx context.Context, userID, messageID uuid.UUID, hard bool) error
	MarkRead(ctx context.Context, readerID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
	AddReaction(ctx context.Context, userID uuid.UUID, userName string, messageID uuid.UUID, reaction string) (map[string]int, error)
	RemoveReaction(ctx context.Context, userID uuid.UUID, userName string, messageID uuid.UUID, reaction string) (map[string]int, error)
	IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
	GroupsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Publisher is the subset of the event bus the hub needs.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event)
}

// Limiter throttles actions per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Muter tracks moderation offenses and active mutes.
type Muter interface {
	Check(ctx context.Context, userID uuid.UUID) (mute.Status, error)
	RecordOffense(ctx context.Context, userID uuid.UUID, reason string) (time.Duration, error)
}

// SessionLister lists a user's sessions across the cluster.
type SessionLister interface {
	UserSessions(ctx context.Context, userID uuid.UUID) ([]session.Session, error)
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding feature.
type Options struct {
	Limiter  Limiter
	Mutes    Muter
	Sessions SessionLister
}

// Hub owns the client message handlers and connection lifecycle hooks.
type Hub struct {
	chat     ChatService
	presence *presence.Registry
	bus      Publisher
	conns    *ws.ConnectionManager
	replies  *ws.MessageDispatcher
	opts     Options
	logger   logging.Logger
}

func New(chat ChatService, registry *presence.Registry, bus Publisher, conns *ws.ConnectionManager, dispatcher *ws.MessageDispatcher, opts Options, logger logging.Logger) *Hub {
	return &Hub{
		chat:     chat,
		presence: registry,
		bus:      bus,
		conns:    conns,
		replies:  dispatcher,
		opts:     opts,
		logger:   logger,
	}
}

// Register installs a handler on the dispatcher for every client action.
func (h *Hub) Register() {
	d := h.replies
	d.Register(protocol.TypeSendMessage, h.handleSendMessage)
	d.Register(protocol.TypeEditMessage, h.handleEditMessage)
	d.Register(protocol.TypeDeleteMessage, h.handleDeleteMessage)
	d.Register(protocol.TypeMarkRead, h.handleMarkRead)
	d.Register(protocol.TypeAddReaction, h.handleReaction)
	d.Register(protocol.TypeRemoveReaction, h.handleReaction)
	d.Register(protocol.TypeTypingStart, h.handleTypingStart)
	d.Register(protocol.TypeTypingStop, h.handleTypingStop)
	d.Register(protocol.TypeJoinGroup, h.handleJoinGroup)
	d.Register(protocol.TypeLeaveGroup, h.handleLeaveGroup)
	d.Register(protocol.TypeGetOnlineUsers, h.handleGetOnlineUsers)
}

// OnConnect registers the connection with presence, subscribes it to the
// user's conversation groups and greets the client.
func (h *Hub) OnConnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()

	groups, err := h.chat.GroupsForUser(ctx, conn.UserID)
	if err != nil {
		h.logger.Warn("hub: failed to load groups", logging.Fields{"user_id": conn.UserID, "conn_id": conn.ID}, err)
	}
	for _, g := range groups {
		h.conns.Join(conn.ID, event.GroupKey(g))
	}

	h.replies.Reply(conn, protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: conn.ID,
		UserID:       conn.UserID.String(),
	})

	h.presence.AddConnection(ctx, conn.UserID, conn.ID)
}

// OnDisconnect removes the connection from presence. Transport groups are
// dropped by the connection manager.
func (h *Hub) OnDisconnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	h.presence.RemoveConnection(ctx, conn.UserID, conn.ID)
}

// RegisterRoutes mounts the presence endpoints on g.
func (h *Hub) RegisterRoutes(g *echo.Group) {
	g.GET("/presence/online", h.onlineUsers)
	g.GET("/presence/users/:id", h.userSessions)
}

func (h *Hub) onlineUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"user_ids": uuidStrings(h.presence.GetOnlineUsers())})
}

func (h *Hub) userSessions(c echo.Context) error {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	resp := echo.Map{
		"user_id":     userID.String(),
		"online_here": h.presence.IsOnline(userID),
	}
	if h.opts.Sessions != nil {
		sessions, err := h.opts.Sessions.UserSessions(c.Request().Context(), userID)
		if err != nil {
			he := echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
			he.Internal = err
			return he
		}
		resp["sessions"] = sessions
	}
	return c.JSON(http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Message actions
// ---------------------------------------------------------------------------

func (h *Hub) handleSendMessage(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.SendMessageMsg)
	if !h.allow(ctx, conn, ratelimit.RuleMessage, m.Type) {
		return nil
	}
	if err := h.checkMuted(ctx, conn); err != nil {
		return err
	}

	sent, err := h.chat.SendMessage(ctx, conn.UserID, toAddress(m.Target), m.Content)
	if err != nil {
		return h.chatError(ctx, conn, err)
	}
	h.replies.Reply(conn, protocol.TypeMessageAck, protocol.MessageAckMsg{
		ClientMsgID: m.ClientMsgID,
		MessageID:   sent.ID.String(),
		CreatedAt:   &sent.CreatedAt,
	})
	return nil
}

func (h *Hub) handleEditMessage(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.EditMessageMsg)
	if !h.allow(ctx, conn, ratelimit.RuleMessage, m.Type) {
		return nil
	}
	if err := h.checkMuted(ctx, conn); err != nil {
		return err
	}

	edited, err := h.chat.EditMessage(ctx, conn.UserID, m.MessageID, m.Content, m.Reason)
	if err != nil {
		return h.chatError(ctx, conn, err)
	}
	h.replies.Reply(conn, protocol.TypeMessageAck, protocol.MessageAckMsg{MessageID: edited.ID.String()})
	return nil
}

func (h *Hub) handleDeleteMessage(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.DeleteMessageMsg)
	if err := h.chat.DeleteMessage(ctx, conn.UserID, m.MessageID, m.Hard); err != nil {
		return h.chatError(ctx, conn, err)
	}
	h.replies.Reply(conn, protocol.TypeMessageAck, protocol.MessageAckMsg{MessageID: m.MessageID.String()})
	return nil
}

// handleMarkRead answers the reader with the IDs that were actually marked;
// messages the reader cannot read are skipped silently.
func (h *Hub) handleMarkRead(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.MarkReadMsg)
	marked, err := h.chat.MarkRead(ctx, conn.UserID, m.MessageIDs)
	if err != nil {
		return h.chatError(ctx, conn, err)
	}
	h.replies.Reply(conn, protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		MessageIDs: uuidStrings(marked),
		ReadBy:     conn.UserID.String(),
		ReadAt:     time.Now().UTC(),
	})
	return nil
}

// handleReaction serves add_reaction and remove_reaction.
func (h *Hub) handleReaction(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.ReactionMsg)
	if !h.allow(ctx, conn, ratelimit.RuleReaction, m.Type) {
		return nil
	}

	change := h.chat.AddReaction
	if m.Type == protocol.TypeRemoveReaction {
		change = h.chat.RemoveReaction
	}
	if _, err := change(ctx, conn.UserID, conn.UserName, m.MessageID, m.Reaction); err != nil {
		return h.chatError(ctx, conn, err)
	}
	h.replies.Reply(conn, protocol.TypeMessageAck, protocol.MessageAckMsg{MessageID: m.MessageID.String()})
	return nil
}

// ---------------------------------------------------------------------------
// Typing and groups
// ---------------------------------------------------------------------------

func (h *Hub) handleTypingStart(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.TypingMsg)
	if !h.allow(ctx, conn, ratelimit.RuleTyping, m.Type) {
		return nil
	}
	addr, err := h.conversation(ctx, conn, m.Target)
	if err != nil {
		return err
	}

	h.bus.Publish(ctx, event.UserTyping{
		UserID:    conn.UserID,
		UserName:  conn.UserName,
		GroupType: m.GroupType,
		Address:   addr,
	})
	h.presence.SetTypingTimeout(conn.UserID, addr)
	return nil
}

func (h *Hub) handleTypingStop(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.TypingMsg)
	addr, err := h.conversation(ctx, conn, m.Target)
	if err != nil {
		return err
	}
	h.presence.StopTyping(ctx, conn.UserID, addr)
	return nil
}

func (h *Hub) handleJoinGroup(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.GroupMsg)
	if err := h.requireMember(ctx, conn, m.GroupID); err != nil {
		return err
	}
	h.conns.Join(conn.ID, event.GroupKey(m.GroupID))
	h.replies.Reply(conn, protocol.TypeGroupJoined, protocol.GroupMembershipMsg{GroupID: m.GroupID.String()})
	return nil
}

func (h *Hub) handleLeaveGroup(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.GroupMsg)
	h.conns.Leave(conn.ID, event.GroupKey(m.GroupID))
	h.replies.Reply(conn, protocol.TypeGroupLeft, protocol.GroupMembershipMsg{GroupID: m.GroupID.String()})
	return nil
}

func (h *Hub) handleGetOnlineUsers(ctx context.Context, conn *ws.Connection, msg interface{}) error {
	h.replies.Reply(conn, protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{
		UserIDs: uuidStrings(h.presence.GetOnlineUsers()),
	})
	return nil
}

// conversation resolves a typing target and checks the user may address it.
func (h *Hub) conversation(ctx context.Context, conn *ws.Connection, t protocol.Target) (event.Address, error) {
	addr := toAddress(t)
	if addr.IsGroup() {
		if err := h.requireMember(ctx, conn, addr.GroupID); err != nil {
			return event.Address{}, err
		}
		return addr, nil
	}
	if addr.RecipientID == conn.UserID {
		return event.Address{}, &protocol.ErrorMsg{Code: protocol.CodeValidation, Message: "cannot address yourself"}
	}
	return addr, nil
}

func (h *Hub) requireMember(ctx context.Context, conn *ws.Connection, groupID uuid.UUID) error {
	ok, err := h.chat.IsGroupMember(ctx, groupID, conn.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return &protocol.ErrorMsg{Code: protocol.CodeForbidden, Message: "not a member of this group"}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Limits and error mapping
// ---------------------------------------------------------------------------

// allow applies rule to the user and answers rate_limited when exceeded.
// Limiter failures let the action through.
func (h *Hub) allow(ctx context.Context, conn *ws.Connection, rule ratelimit.Rule, action string) bool {
	if h.opts.Limiter == nil {
		return true
	}
	id := conn.UserID.String()
	if ok, _ := h.opts.Limiter.Allow(ctx, id, rule); ok {
		return true
	}
	retry := h.opts.Limiter.RetryAfter(ctx, id, rule)
	h.replies.Reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Action:     action,
		RetryAfter: int((retry + time.Second - 1) / time.Second),
	})
	return false
}

func (h *Hub) checkMuted(ctx context.Context, conn *ws.Connection) error {
	if h.opts.Mutes == nil {
		return nil
	}
	st, err := h.opts.Mutes.Check(ctx, conn.UserID)
	if err != nil {
		h.logger.Warn("hub: mute check failed, allowing", logging.Fields{"user_id": conn.UserID}, err)
		return nil
	}
	if !st.Muted {
		return nil
	}
	return &protocol.ErrorMsg{
		Code:    protocol.CodeMuted,
		Message: fmt.Sprintf("you are muted for %s", st.Remaining.Round(time.Second)),
	}
}

// chatError turns chat service failures into client errors. Unexpected
// errors are returned unchanged and reported as internal errors.
func (h *Hub) chatError(ctx context.Context, conn *ws.Connection, err error) error {
	var blocked *chat.BlockedError
	switch {
	case errors.As(err, &blocked):
		return h.blocked(ctx, conn, blocked)
	case errors.Is(err, chat.ErrNotFound):
		return &protocol.ErrorMsg{Code: protocol.CodeNotFound, Message: "message not found"}
	case errors.Is(err, chat.ErrForbidden):
		return &protocol.ErrorMsg{Code: protocol.CodeForbidden, Message: "action not allowed"}
	case errors.Is(err, chat.ErrInvalidContent), errors.Is(err, chat.ErrInvalidTarget):
		return &protocol.ErrorMsg{Code: protocol.CodeValidation, Message: err.Error()}
	}
	return err
}

func (h *Hub) blocked(ctx context.Context, conn *ws.Connection, b *chat.BlockedError) error {
	reply := &protocol.ErrorMsg{Code: protocol.CodeBlocked, Message: "message blocked: " + b.Reason}
	if h.opts.Mutes == nil {
		return reply
	}
	d, err := h.opts.Mutes.RecordOffense(ctx, conn.UserID, b.Reason)
	if err != nil {
		h.logger.Warn("hub: failed to record offense", logging.Fields{"user_id": conn.UserID}, err)
		return reply
	}
	if d > 0 {
		h.logger.Info("hub: user muted", logging.Fields{"user_id": conn.UserID, "reason": b.Reason, "duration": d.String()})
		reply.Message += fmt.Sprintf("; you are muted for %s", d)
	}
	return reply
}

func toAddress(t protocol.Target) event.Address {
	if t.IsGroup() {
		return event.Group(t.GroupID)
	}
	return event.Direct(t.RecipientID)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
