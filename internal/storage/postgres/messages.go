package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/chat"
	"github.com/agoranews/agora-live/internal/moderation"
)

var _ chat.Store = (*Store)(nil)

// Postgres' default name for the chat_messages.author_id foreign key.
const messageAuthorFK = "chat_messages_author_id_fkey"

// CreateMessage inserts an ACTIVE message. A topic or author that does not
// exist surfaces as NOT_FOUND.
func (s *Store) CreateMessage(ctx context.Context, topicID, authorID int64, content string) (chat.Message, error) {
	const query = `
		INSERT INTO chat_messages (topic_id, author_id, content, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	m := chat.Message{
		TopicID:  topicID,
		AuthorID: authorID,
		Content:  content,
		Status:   moderation.StatusActive,
	}
	err := s.db.QueryRowContext(ctx, query, topicID, authorID, content, m.Status).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return chat.Message{}, createMessageError(err)
	}
	return m, nil
}

// createMessageError maps a failed insert. Each foreign key names the row
// that is missing.
func createMessageError(err error) error {
	if !isForeignKeyViolation(err) {
		return internal("create message", err)
	}
	if pqConstraint(err) == messageAuthorFK {
		return apperror.NotFound("user not found")
	}
	return apperror.NotFound("topic not found")
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, messageID int64) (chat.Message, error) {
	const query = `
		SELECT id, topic_id, author_id, content, status, report_count, created_at
		FROM chat_messages
		WHERE id = $1`

	var m chat.Message
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&m.ID, &m.TopicID, &m.AuthorID, &m.Content, &m.Status, &m.ReportCount, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, apperror.NotFound("message not found")
	}
	if err != nil {
		return chat.Message{}, internal("get message", err)
	}
	return m, nil
}

// MarkDeleted moves an ACTIVE message to DELETED_BY_USER.
func (s *Store) MarkDeleted(ctx context.Context, messageID int64) (bool, error) {
	const query = `
		UPDATE chat_messages SET status = $2
		WHERE id = $1 AND status = $3`

	res, err := s.db.ExecContext(ctx, query, messageID, moderation.StatusDeletedByUser, moderation.StatusActive)
	if err != nil {
		return false, internal("mark deleted", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internal("mark deleted", err)
	}
	return n == 1, nil
}

// InsertReport records one report per (message, user). The insert only
// happens when the message exists, so zero affected rows means either a
// duplicate or a missing message; the two are told apart by a lookup.
func (s *Store) InsertReport(ctx context.Context, messageID, userID int64, reason string) (bool, error) {
	const query = `
		INSERT INTO chat_reports (message_id, user_id, reason)
		SELECT $1::bigint, $2::bigint, NULLIF($3::text, '')
		WHERE EXISTS (SELECT 1 FROM chat_messages WHERE id = $1)
		ON CONFLICT (message_id, user_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, messageID, userID, reason)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, apperror.NotFound("message not found")
		}
		return false, internal("insert report", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internal("insert report", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_messages WHERE id = $1)`, messageID,
	).Scan(&exists); err != nil {
		return false, internal("insert report", err)
	}
	if !exists {
		return false, apperror.NotFound("message not found")
	}
	return false, nil
}

// ApplyReport increments report_count and, when the policy says so, hides
// the message and warns its author. The UPDATE takes the row lock, so
// concurrent reports see strictly increasing counts and exactly one of them
// observes the threshold while the message is still ACTIVE.
func (s *Store) ApplyReport(ctx context.Context, messageID int64, policy moderation.Policy) (chat.ReportOutcome, error) {
	var out chat.ReportOutcome
	err := s.withTx(ctx, "apply report", func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `
			UPDATE chat_messages SET report_count = report_count + 1
			WHERE id = $1
			RETURNING report_count, author_id, topic_id, status`, messageID,
		).Scan(&out.ReportCount, &out.AuthorID, &out.TopicID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("message not found")
		}
		if err != nil {
			return internal("apply report", fmt.Errorf("increment: %w", err))
		}

		if !policy.ShouldHide(out.ReportCount, status) {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE chat_messages SET status = $2
			WHERE id = $1 AND status = $3`,
			messageID, moderation.StatusHidden, moderation.StatusActive)
		if err != nil {
			return internal("apply report", fmt.Errorf("hide: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return internal("apply report", fmt.Errorf("hide: %w", err))
		}
		if n != 1 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET warning_count = warning_count + 1 WHERE id = $1`, out.AuthorID,
		); err != nil {
			return internal("apply report", fmt.Errorf("warn author: %w", err))
		}
		out.Hidden = true
		return nil
	})
	if err != nil {
		return chat.ReportOutcome{}, err
	}
	return out, nil
}

// ListMessages returns ACTIVE messages of a topic with author display
// fields, newest first.
func (s *Store) ListMessages(ctx context.Context, topicID int64, limit, offset int) ([]chat.Message, error) {
	const query = `
		SELECT m.id, m.topic_id, m.author_id, m.content, m.status, m.report_count, m.created_at,
		       u.display_name, u.avatar_url
		FROM chat_messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.topic_id = $1 AND m.status = $2
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.db.QueryContext(ctx, query, topicID, moderation.StatusActive, limit, offset)
	if err != nil {
		return nil, internal("list messages", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(
			&m.ID, &m.TopicID, &m.AuthorID, &m.Content, &m.Status, &m.ReportCount, &m.CreatedAt,
			&m.AuthorName, &m.AuthorAvatarURL,
		); err != nil {
			return nil, internal("list messages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("list messages", err)
	}
	return out, nil
}
