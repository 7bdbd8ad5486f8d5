// Package httpapi exposes the HTTP surface of the live server: the websocket
// upgrade route, health and metrics, the internal notification trigger and
// the topic endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/auth"
	"github.com/agoranews/agora-live/internal/metrics"
	"github.com/agoranews/agora-live/internal/notify"
	"github.com/agoranews/agora-live/internal/protocol"
)

const (
	identityContextKey   = "agora_identity"
	internalSecretHeader = "X-Internal-Secret"
)

var (
	errMissingWebSocket     = errors.New("httpapi: websocket handler dependency required")
	errMissingAuthenticator = errors.New("httpapi: authenticator dependency required")
	errMissingTrigger       = errors.New("httpapi: notification trigger dependency required")
	errMissingTopics        = errors.New("httpapi: topic service dependency required")
	errMissingHistory       = errors.New("httpapi: history service dependency required")
)

// Authenticator verifies the credential carried by a request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// JobQueue accepts notification broadcast jobs.
type JobQueue interface {
	Enqueue(job notify.Job) error
}

// TopicService casts votes and counts views.
type TopicService interface {
	CastVote(ctx context.Context, topicID, userID int64, side string) error
	RecordView(ctx context.Context, topicID, userID int64, clientIP string) (bool, error)
}

// HistoryService reads a topic's chat history.
type HistoryService interface {
	History(ctx context.Context, topicID int64, limit, offset int) ([]protocol.MessageView, error)
}

// Dependencies wires the router to its collaborators. HealthChecks,
// Connections and Uptime are optional.
type Dependencies struct {
	WebSocket      http.HandlerFunc
	Authenticator  Authenticator
	Trigger        JobQueue
	Topics         TopicService
	History        HistoryService
	InternalSecret string
	AllowOrigins   []string
	HealthChecks   map[string]func(ctx context.Context) error
	Connections    func() int
	Uptime         func() time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.WebSocket == nil:
		return nil, errMissingWebSocket
	case deps.Authenticator == nil:
		return nil, errMissingAuthenticator
	case deps.Trigger == nil:
		return nil, errMissingTrigger
	case deps.Topics == nil:
		return nil, errMissingTopics
	case deps.History == nil:
		return nil, errMissingHistory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	h := &httpHandler{
		auth:           deps.Authenticator,
		trigger:        deps.Trigger,
		topics:         deps.Topics,
		history:        deps.History,
		internalSecret: deps.InternalSecret,
		healthChecks:   deps.HealthChecks,
		connections:    deps.Connections,
		uptime:         deps.Uptime,
		logger:         logger.Named("http"),
		startedAt:      time.Now(),
	}

	router.GET("/ws", gin.WrapF(deps.WebSocket))
	router.GET("/health", h.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.POST("/internal/send-notification", h.handleSendNotification)
	api.POST("/topics/:id/view", h.optionalIdentity, h.handleRecordView)
	api.POST("/topics/:id/stance-vote", h.requireIdentity, h.handleStanceVote)
	api.GET("/topics/:id/messages", h.handleHistory)

	return router, nil
}

type httpHandler struct {
	auth           Authenticator
	trigger        JobQueue
	topics         TopicService
	history        HistoryService
	internalSecret string
	healthChecks   map[string]func(ctx context.Context) error
	connections    func() int
	uptime         func() time.Duration
	logger         *zap.Logger
	startedAt      time.Time
}

type sendNotificationRequest struct {
	NotificationType string      `json:"notification_type"`
	UserID           int64       `json:"user_id"`
	Data             notify.Data `json:"data"`
}

func (h *httpHandler) handleSendNotification(c *gin.Context) {
	if !h.validInternalSecret(c.GetHeader(internalSecretHeader)) {
		writeError(c, apperror.Forbidden("invalid internal secret"))
		return
	}

	var request sendNotificationRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.NotificationType) == "" {
		writeError(c, apperror.Validation("notification_type is required"))
		return
	}
	if request.Data == nil {
		request.Data = notify.Data{}
	}

	err := h.trigger.Enqueue(notify.Job{
		Type:   strings.TrimSpace(request.NotificationType),
		UserID: request.UserID,
		Data:   request.Data,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, notify.ErrQueueFull), errors.Is(err, notify.ErrTriggerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": apperror.CodeInternal, "message": "notification queue unavailable"})
	default:
		writeError(c, err)
	}
}

func (h *httpHandler) validInternalSecret(got string) bool {
	if h.internalSecret == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.internalSecret)) == 1
}

type viewResponse struct {
	Counted bool `json:"counted"`
}

func (h *httpHandler) handleRecordView(c *gin.Context) {
	topicID, ok := topicParam(c)
	if !ok {
		return
	}
	counted, err := h.topics.RecordView(c.Request.Context(), topicID, identityOf(c).UserID, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewResponse{Counted: counted})
}

type stanceVoteRequest struct {
	Side string `json:"side"`
}

func (h *httpHandler) handleStanceVote(c *gin.Context) {
	topicID, ok := topicParam(c)
	if !ok {
		return
	}
	var request stanceVoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, apperror.Validation("side is required"))
		return
	}
	if err := h.topics.CastVote(c.Request.Context(), topicID, identityOf(c).UserID, request.Side); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "voted"})
}

type historyResponse struct {
	Messages []protocol.MessageView `json:"messages"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	topicID, ok := topicParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	views, err := h.history.History(c.Request.Context(), topicID, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if views == nil {
		views = []protocol.MessageView{}
	}
	c.JSON(http.StatusOK, historyResponse{Messages: views})
}

type healthResponse struct {
	Status      string            `json:"status"`
	Connections int               `json:"connections"`
	Uptime      string            `json:"uptime"`
	Checks      map[string]string `json:"checks,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	uptime := time.Since(h.startedAt)
	if h.uptime != nil {
		uptime = h.uptime()
	}
	resp := healthResponse{
		Status: "ok",
		Uptime: uptime.Round(time.Second).String(),
	}
	if h.connections != nil {
		resp.Connections = h.connections()
	}

	status := http.StatusOK
	if len(h.healthChecks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		resp.Checks = make(map[string]string, len(h.healthChecks))
		for name, check := range h.healthChecks {
			if err := check(ctx); err != nil {
				h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
				resp.Checks[name] = "down"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	c.JSON(status, resp)
}

// optionalIdentity attaches the caller's identity when a valid credential is
// present and continues anonymously otherwise.
func (h *httpHandler) optionalIdentity(c *gin.Context) {
	if id, err := h.auth.Authenticate(c.Request); err == nil {
		c.Set(identityContextKey, id)
	}
	c.Next()
}

func (h *httpHandler) requireIdentity(c *gin.Context) {
	id, err := h.auth.Authenticate(c.Request)
	if err != nil {
		h.logger.Info("request authentication failed", zap.Error(err))
		writeError(c, apperror.Unauthenticated("authentication required"))
		c.Abort()
		return
	}
	c.Set(identityContextKey, id)
	c.Next()
}

func identityOf(c *gin.Context) auth.Identity {
	if v, ok := c.Get(identityContextKey); ok {
		if id, ok := v.(auth.Identity); ok {
			return id
		}
	}
	return auth.Identity{}
}

func topicParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, apperror.Validation("invalid topic id"))
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	code := apperror.CodeOf(err)
	c.JSON(code.HTTPStatus(), gin.H{"code": code, "message": apperror.PublicMessage(err)})
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
