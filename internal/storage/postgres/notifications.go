package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/notify"
)

var _ notify.Store = (*Store)(nil)

// NotificationEnabled reports whether a user receives a notification type.
// A user without a setting row is opted in.
func (s *Store) NotificationEnabled(ctx context.Context, userID int64, notificationType string) (bool, error) {
	const query = `
		SELECT enabled FROM notification_settings
		WHERE user_id = $1 AND notification_type = $2`

	var enabled bool
	err := s.db.QueryRowContext(ctx, query, userID, notificationType).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, internal("notification enabled", err)
	}
	return enabled, nil
}

// SetNotificationEnabled upserts a user's setting for a notification type.
func (s *Store) SetNotificationEnabled(ctx context.Context, userID int64, notificationType string, enabled bool) error {
	const query = `
		INSERT INTO notification_settings (user_id, notification_type, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, notification_type) DO UPDATE SET enabled = EXCLUDED.enabled`

	if _, err := s.db.ExecContext(ctx, query, userID, notificationType, enabled); err != nil {
		if isForeignKeyViolation(err) {
			return apperror.NotFound("user not found")
		}
		return internal("set notification enabled", err)
	}
	return nil
}

// CreateNotification inserts one notification row.
func (s *Store) CreateNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	meta, err := marshalMetadata(n.Metadata)
	if err != nil {
		return notify.Notification{}, internal("create notification", err)
	}

	const query = `
		INSERT INTO notifications (user_id, type, message, related_url, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id, created_at`

	err = s.db.QueryRowContext(ctx, query, n.UserID, n.Type, n.Message, n.URL, meta).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return notify.Notification{}, apperror.NotFound("user not found")
		}
		return notify.Notification{}, internal("create notification", err)
	}
	return n, nil
}

// OptedInUserIDs returns every ACTIVE user who has not disabled the type.
func (s *Store) OptedInUserIDs(ctx context.Context, notificationType string) ([]int64, error) {
	const query = `
		SELECT u.id FROM users u
		WHERE u.status = 'ACTIVE'
		  AND NOT EXISTS (
		      SELECT 1 FROM notification_settings ns
		      WHERE ns.user_id = u.id
		        AND ns.notification_type = $1
		        AND ns.enabled = FALSE)
		ORDER BY u.id`

	rows, err := s.db.QueryContext(ctx, query, notificationType)
	if err != nil {
		return nil, internal("opted in users", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, internal("opted in users", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("opted in users", err)
	}
	return ids, nil
}

// CreateNotifications inserts the same notification for every user using
// multi-row INSERTs of at most bulkChunk rows, all in one transaction.
func (s *Store) CreateNotifications(ctx context.Context, userIDs []int64, n notify.Notification) error {
	if len(userIDs) == 0 {
		return nil
	}
	meta, err := marshalMetadata(n.Metadata)
	if err != nil {
		return internal("create notifications", err)
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return s.withTx(ctx, "create notifications", func(tx *sql.Tx) error {
		for start := 0; start < len(userIDs); start += s.bulkChunk {
			end := start + s.bulkChunk
			if end > len(userIDs) {
				end = len(userIDs)
			}
			query, args := bulkNotificationInsert(userIDs[start:end], n, meta, createdAt)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return internal("create notifications", fmt.Errorf("chunk at %d: %w", start, err))
			}
		}
		return nil
	})
}

// bulkNotificationInsert builds one multi-row INSERT. The shared columns are
// bound once and referenced from every row.
func bulkNotificationInsert(userIDs []int64, n notify.Notification, meta interface{}, createdAt time.Time) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`INSERT INTO notifications (user_id, type, message, related_url, metadata, created_at) VALUES `)

	args := []interface{}{n.Type, n.Message, nullString(n.URL), meta, createdAt}
	for i, id := range userIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		args = append(args, id)
		fmt.Fprintf(&b, "($%d, $1, $2, $3, $4, $5)", len(args))
	}
	return b.String(), args
}

// marshalMetadata encodes metadata as a JSON string for a jsonb column.
// Empty metadata is stored as NULL.
func marshalMetadata(meta map[string]string) (interface{}, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
