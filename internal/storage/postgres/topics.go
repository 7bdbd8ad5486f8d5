package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/topic"
)

var _ topic.Store = (*Store)(nil)

// lockTopic takes the row lock on a topic inside tx.
func lockTopic(ctx context.Context, tx *sql.Tx, topicID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM topics WHERE id = $1 FOR UPDATE`, topicID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound("topic not found")
	}
	if err != nil {
		return internal("lock topic", err)
	}
	return nil
}

// CastVote records a vote and increments the matching side counter.
func (s *Store) CastVote(ctx context.Context, topicID, userID int64, side string) error {
	column := "vote_count_left"
	if side == topic.SideRight {
		column = "vote_count_right"
	}

	return s.withTx(ctx, "cast vote", func(tx *sql.Tx) error {
		if err := lockTopic(ctx, tx, topicID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO topic_votes (topic_id, user_id, side)
			VALUES ($1, $2, $3)
			ON CONFLICT (topic_id, user_id) DO NOTHING`, topicID, userID, side)
		if err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict("already voted")
			}
			return internal("cast vote", fmt.Errorf("insert: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return internal("cast vote", fmt.Errorf("insert: %w", err))
		}
		if n == 0 {
			return apperror.Conflict("already voted")
		}

		// column is one of two fixed identifiers chosen above.
		if _, err := tx.ExecContext(ctx,
			`UPDATE topics SET `+column+` = `+column+` + 1 WHERE id = $1`, topicID,
		); err != nil {
			return internal("cast vote", fmt.Errorf("increment: %w", err))
		}
		return nil
	})
}

// RecordView logs a view and increments view_count unless identifier viewed
// the topic within cooldown.
func (s *Store) RecordView(ctx context.Context, topicID int64, identifier string, cooldown time.Duration) (bool, error) {
	counted := false
	err := s.withTx(ctx, "record view", func(tx *sql.Tx) error {
		if err := lockTopic(ctx, tx, topicID); err != nil {
			return err
		}

		var recent bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
			    SELECT 1 FROM topic_view_log
			    WHERE topic_id = $1 AND identifier = $2
			      AND created_at > NOW() - make_interval(secs => $3))`,
			topicID, identifier, cooldown.Seconds(),
		).Scan(&recent); err != nil {
			return internal("record view", fmt.Errorf("check: %w", err))
		}
		if recent {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO topic_view_log (topic_id, identifier) VALUES ($1, $2)`, topicID, identifier,
		); err != nil {
			return internal("record view", fmt.Errorf("log: %w", err))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE topics SET view_count = view_count + 1 WHERE id = $1`, topicID,
		); err != nil {
			return internal("record view", fmt.Errorf("increment: %w", err))
		}
		counted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return counted, nil
}
