// Package gateway binds the live event surface to the chat, presence and
// notification components. It registers one dispatcher handler per client
// event, keeps the user and room registries in step with connections, and
// delivers room broadcasts and user-scoped pushes over the websocket server.
package gateway

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/chat"
	"github.com/agoranews/agora-live/internal/metrics"
	"github.com/agoranews/agora-live/internal/presence"
	"github.com/agoranews/agora-live/internal/protocol"
	"github.com/agoranews/agora-live/internal/ratelimit"
	"github.com/agoranews/agora-live/internal/ws"
)

// DefaultEventTimeout bounds the work done for one client event.
const DefaultEventTimeout = 5 * time.Second

// ChatService is the message lifecycle the gateway drives.
type ChatService interface {
	Post(ctx context.Context, topicID int64, author chat.Author, content string) (protocol.MessageView, error)
	Delete(ctx context.Context, messageID, userID int64) error
	Report(ctx context.Context, messageID, userID int64, reason string) (chat.ReportResult, error)
}

// Limiter throttles posting and reporting per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// SessionRecorder mirrors a session's joined topics to the session store.
type SessionRecorder interface {
	SetTopics(ctx context.Context, sessionID string, topicIDs []int64) error
}

// Config holds gateway settings.
type Config struct {
	EventTimeout time.Duration
}

// Gateway implements chat.Broadcaster and notify.Pusher on top of the
// websocket server.
type Gateway struct {
	registry *presence.Registry
	rooms    *presence.Rooms
	sender   ws.Sender
	chat     ChatService
	limiter  Limiter
	sessions SessionRecorder
	logger   *zap.Logger
	cfg      Config
}

// New creates a Gateway. The sender and chat service are attached later with
// SetSender and SetChat because both depend on the gateway themselves.
func New(registry *presence.Registry, rooms *presence.Rooms, logger *zap.Logger, cfg Config) *Gateway {
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultEventTimeout
	}
	return &Gateway{
		registry: registry,
		rooms:    rooms,
		logger:   logger.Named("gateway"),
		cfg:      cfg,
	}
}

// SetSender attaches the transport used for every outbound frame.
func (g *Gateway) SetSender(sender ws.Sender) { g.sender = sender }

// SetChat attaches the message lifecycle service.
func (g *Gateway) SetChat(svc ChatService) { g.chat = svc }

// SetLimiter attaches a rate limiter. Without one nothing is throttled.
func (g *Gateway) SetLimiter(l Limiter) { g.limiter = l }

// SetSessions attaches a session recorder. Without one joined topics are
// tracked in process only.
func (g *Gateway) SetSessions(s SessionRecorder) { g.sessions = s }

// Register installs the event handlers on the dispatcher.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinTopic, g.handle(protocol.TypeJoinTopic, g.joinTopic))
	d.Register(protocol.TypeLeaveTopic, g.handle(protocol.TypeLeaveTopic, g.leaveTopic))
	d.Register(protocol.TypePostMessage, g.handle(protocol.TypePostMessage, g.postMessage))
	d.Register(protocol.TypeDeleteMessage, g.handle(protocol.TypeDeleteMessage, g.deleteMessage))
	d.Register(protocol.TypeReportMessage, g.handle(protocol.TypeReportMessage, g.reportMessage))
}

// OnConnect makes the connection the user's push target.
func (g *Gateway) OnConnect(c *ws.Connection) {
	g.registry.Register(c.UserID, c.ID)
	metrics.OnlineUsers.Set(float64(g.registry.Len()))
}

// OnDisconnect removes the connection from the user registry and from every
// room it joined, then sends the new counts to the remaining members.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	if g.registry.Unregister(c.UserID, c.ID) {
		metrics.OnlineUsers.Set(float64(g.registry.Len()))
	}
	for _, snap := range g.rooms.LeaveAll(c.ID) {
		g.broadcastCount(snap)
	}
	metrics.ActiveRooms.Set(float64(g.rooms.ActiveRooms()))
}

// BroadcastToTopic sends a server event to every connection in the topic
// room. Per-connection send failures are logged; the transport cleans up
// broken connections on its own.
func (g *Gateway) BroadcastToTopic(topicID int64, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	g.sendAll(g.rooms.Members(topicID), data, msgType)
	return nil
}

// PushToUser sends a server event to the user's registered connection. It
// reports false without an error when the user is not connected.
func (g *Gateway) PushToUser(userID int64, msgType string, payload interface{}) (bool, error) {
	connID, ok := g.registry.Lookup(userID)
	if !ok {
		return false, nil
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return false, err
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		if errors.Is(err, ws.ErrConnectionNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// eventFunc handles one parsed client event.
type eventFunc func(ctx context.Context, c *ws.Connection, msg interface{}) error

// rateLimitedError carries the wait before the client may retry.
type rateLimitedError struct {
	retryAfter int
}

func (e *rateLimitedError) Error() string {
	return "rate limited, retry after " + strconv.Itoa(e.retryAfter) + "s"
}

// handle wraps fn with the per-event timeout, metrics and error replies.
func (g *Gateway) handle(eventType string, fn eventFunc) ws.MessageHandler {
	return func(c *ws.Connection, msg interface{}) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.EventTimeout)
		defer cancel()

		err := fn(ctx, c, msg)
		metrics.EventLatency.WithLabelValues(eventType).Observe(time.Since(start).Seconds())

		var limited *rateLimitedError
		switch {
		case err == nil:
			metrics.EventsTotal.WithLabelValues(eventType, "ok").Inc()
		case errors.As(err, &limited):
			metrics.EventsTotal.WithLabelValues(eventType, "rate_limited").Inc()
			g.reply(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: limited.retryAfter})
		default:
			metrics.EventsTotal.WithLabelValues(eventType, "error").Inc()
			code := apperror.CodeOf(err)
			if errors.Is(err, context.DeadlineExceeded) {
				code = apperror.CodeInternal
			}
			if code == apperror.CodeInternal {
				g.logger.Error("event failed",
					zap.String("type", eventType),
					zap.String("session", c.ID),
					zap.Int64("user_id", c.UserID),
					zap.Error(err))
			}
			g.reply(c, protocol.TypeError, protocol.ErrorMsg{
				Code:    string(code),
				Message: apperror.PublicMessage(err),
			})
		}
	}
}

func (g *Gateway) joinTopic(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.JoinTopicMsg)
	if m.TopicID <= 0 {
		return apperror.Validation("topic_id is required")
	}

	snap := g.rooms.Join(m.TopicID, c.ID)
	g.reply(c, protocol.TypeJoined, protocol.JoinedMsg{TopicID: m.TopicID})
	if snap.Changed {
		g.broadcastCount(snap)
		g.recordTopics(ctx, c)
	} else {
		g.reply(c, protocol.TypeUserCount, protocol.UserCountMsg{TopicID: snap.TopicID, Count: snap.Count})
	}
	metrics.ActiveRooms.Set(float64(g.rooms.ActiveRooms()))
	return nil
}

func (g *Gateway) leaveTopic(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.LeaveTopicMsg)
	if m.TopicID <= 0 {
		return apperror.Validation("topic_id is required")
	}

	snap := g.rooms.Leave(m.TopicID, c.ID)
	g.reply(c, protocol.TypeLeft, protocol.LeftMsg{TopicID: m.TopicID})
	if snap.Changed {
		g.broadcastCount(snap)
		g.recordTopics(ctx, c)
	}
	metrics.ActiveRooms.Set(float64(g.rooms.ActiveRooms()))
	return nil
}

func (g *Gateway) postMessage(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.PostMessageMsg)
	if err := g.allow(ctx, c, ratelimit.RulePost); err != nil {
		return err
	}
	author := chat.Author{ID: c.UserID, DisplayName: c.DisplayName, AvatarURL: c.AvatarURL}
	_, err := g.chat.Post(ctx, m.TopicID, author, m.Content)
	return err
}

func (g *Gateway) deleteMessage(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.DeleteMessageMsg)
	return g.chat.Delete(ctx, m.MessageID, c.UserID)
}

func (g *Gateway) reportMessage(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.ReportMessageMsg)
	if err := g.allow(ctx, c, ratelimit.RuleReport); err != nil {
		return err
	}
	res, err := g.chat.Report(ctx, m.MessageID, c.UserID, m.Reason)
	if err != nil {
		return err
	}
	g.reply(c, protocol.TypeReportAccepted, protocol.ReportAcceptedMsg{
		MessageID: m.MessageID,
		Duplicate: res.Duplicate,
	})
	return nil
}

// allow consults the limiter. Limiter errors fail open.
func (g *Gateway) allow(ctx context.Context, c *ws.Connection, rule ratelimit.Rule) error {
	if g.limiter == nil {
		return nil
	}
	decision, err := g.limiter.Allow(ctx, strconv.FormatInt(c.UserID, 10), rule)
	if err != nil || decision.Allowed {
		return nil
	}
	return &rateLimitedError{retryAfter: decision.RetryAfterSeconds()}
}

func (g *Gateway) broadcastCount(snap presence.Snapshot) {
	data, err := protocol.NewServerMessage(protocol.TypeUserCount, protocol.UserCountMsg{
		TopicID: snap.TopicID,
		Count:   snap.Count,
	})
	if err != nil {
		g.logger.Error("failed to build user_count", zap.Error(err))
		return
	}
	g.sendAll(snap.Members, data, protocol.TypeUserCount)
}

func (g *Gateway) sendAll(connIDs []string, data []byte, msgType string) {
	for _, id := range connIDs {
		if err := g.sender.SendMessage(id, data); err != nil {
			g.logger.Debug("send failed", zap.String("type", msgType), zap.String("session", id), zap.Error(err))
		}
	}
}

func (g *Gateway) reply(c *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.logger.Error("failed to build reply", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := g.sender.SendMessage(c.ID, data); err != nil {
		g.logger.Debug("failed to send reply", zap.String("type", msgType), zap.String("session", c.ID), zap.Error(err))
	}
}

func (g *Gateway) recordTopics(ctx context.Context, c *ws.Connection) {
	if g.sessions == nil {
		return
	}
	if err := g.sessions.SetTopics(ctx, c.ID, g.rooms.Topics(c.ID)); err != nil {
		g.logger.Warn("failed to record session topics", zap.String("session", c.ID), zap.Error(err))
	}
}
