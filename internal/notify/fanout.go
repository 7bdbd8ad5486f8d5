package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/metrics"
	"github.com/agoranews/agora-live/internal/protocol"
)

// Notification is a persisted notification row.
type Notification struct {
	ID        int64
	UserID    int64
	Type      string
	Message   string
	URL       string
	Metadata  map[string]string
	IsRead    bool
	CreatedAt time.Time
}

// Store is the persistence collaborator for notifications. A user without a
// setting row for a type is treated as opted in.
type Store interface {
	NotificationEnabled(ctx context.Context, userID int64, notificationType string) (bool, error)
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	// OptedInUserIDs returns every ACTIVE user that has not disabled the type.
	OptedInUserIDs(ctx context.Context, notificationType string) ([]int64, error)
	// CreateNotifications inserts one row per user with the same content.
	CreateNotifications(ctx context.Context, userIDs []int64, n Notification) error
}

// Pusher delivers a server event to a user's live connection. It returns
// false without an error when the user is not connected.
type Pusher interface {
	PushToUser(userID int64, msgType string, payload interface{}) (bool, error)
}

// Fanout sends notifications to one user or to every opted-in user.
type Fanout struct {
	store  Store
	pusher Pusher
	logger *zap.Logger
	now    func() time.Time
}

// NewFanout creates a Fanout. pusher may be nil, in which case notifications
// are only persisted.
func NewFanout(store Store, pusher Pusher, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		store:  store,
		pusher: pusher,
		logger: logger.Named("notify"),
		now:    time.Now,
	}
}

// SendToUser renders, persists and pushes one notification. Users who
// disabled the type are skipped silently. Errors are returned to the caller.
func (f *Fanout) SendToUser(ctx context.Context, userID int64, notificationType string, data Data) error {
	if userID <= 0 {
		return apperror.Validation("user id is required")
	}
	r, err := Render(notificationType, data)
	if err != nil {
		return err
	}

	enabled, err := f.store.NotificationEnabled(ctx, userID, notificationType)
	if err != nil {
		return err
	}
	if !enabled {
		f.logger.Debug("notification disabled by user",
			zap.Int64("user_id", userID),
			zap.String("type", notificationType),
		)
		return nil
	}

	n, err := f.store.CreateNotification(ctx, Notification{
		UserID:   userID,
		Type:     notificationType,
		Message:  r.Message,
		URL:      r.URL,
		Metadata: r.Metadata,
	})
	if err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("stored").Inc()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.now()
	}
	if _, err := f.push(userID, payloadOf(n)); err != nil {
		return err
	}
	return nil
}

// SendToAll renders one notification and delivers it to every opted-in
// active user. Failures are logged and stop the fan-out; nothing is returned.
func (f *Fanout) SendToAll(ctx context.Context, notificationType string, data Data) {
	log := f.logger.With(zap.String("type", notificationType))

	r, err := Render(notificationType, data)
	if err != nil {
		log.Warn("notification render failed", zap.Error(err))
		return
	}

	userIDs, err := f.store.OptedInUserIDs(ctx, notificationType)
	if err != nil {
		log.Error("resolve recipients failed", zap.Error(err))
		return
	}
	if len(userIDs) == 0 {
		log.Info("no recipients for notification")
		return
	}

	n := Notification{
		Type:      notificationType,
		Message:   r.Message,
		URL:       r.URL,
		Metadata:  r.Metadata,
		CreatedAt: f.now(),
	}
	if err := f.store.CreateNotifications(ctx, userIDs, n); err != nil {
		log.Error("bulk insert failed", zap.Int("recipients", len(userIDs)), zap.Error(err))
		return
	}
	metrics.NotificationsTotal.WithLabelValues("stored").Add(float64(len(userIDs)))

	payload := payloadOf(n)
	online := 0
	for _, id := range userIDs {
		if ctx.Err() != nil {
			log.Warn("fan-out interrupted", zap.Error(ctx.Err()))
			return
		}
		delivered, err := f.push(id, payload)
		if err != nil {
			log.Debug("live push failed", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		if delivered {
			online++
		}
	}
	log.Info("notification fan-out complete",
		zap.Int("recipients", len(userIDs)),
		zap.Int("online", online),
	)
}

func (f *Fanout) push(userID int64, payload protocol.NewNotificationMsg) (bool, error) {
	if f.pusher == nil {
		return false, nil
	}
	delivered, err := f.pusher.PushToUser(userID, protocol.TypeNewNotification, payload)
	if delivered {
		metrics.NotificationsTotal.WithLabelValues("pushed").Inc()
	}
	return delivered, err
}

func payloadOf(n Notification) protocol.NewNotificationMsg {
	return protocol.NewNotificationMsg{
		NotificationType: n.Type,
		Message:          n.Message,
		RelatedURL:       n.URL,
		Metadata:         n.Metadata,
		CreatedAt:        n.CreatedAt,
		IsRead:           false,
	}
}
