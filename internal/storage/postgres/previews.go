package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/agoranews/agora-live/internal/chat"
	"github.com/agoranews/agora-live/internal/protocol"
)

var _ chat.PreviewLookup = (*Store)(nil)

// ArticleByURL returns the published article with the given URL, or nil.
func (s *Store) ArticleByURL(ctx context.Context, url string) (*protocol.ArticlePreview, error) {
	const query = `
		SELECT id, title, source, source_domain, thumbnail_url, url
		FROM articles
		WHERE url = $1 AND status = 'published'
		LIMIT 1`

	var a protocol.ArticlePreview
	err := s.db.QueryRowContext(ctx, query, url).Scan(
		&a.ID, &a.Title, &a.Source, &a.SourceDomain, &a.ThumbnailURL, &a.URL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, internal("article by url", err)
	}
	return &a, nil
}

// TopicByID returns a previewable topic with its vote tallies, or nil.
func (s *Store) TopicByID(ctx context.Context, topicID int64) (*protocol.TopicPreview, error) {
	const query = `
		SELECT id, display_name, status, vote_end_at, vote_count_left, vote_count_right
		FROM topics
		WHERE id = $1 AND status IN ('OPEN', 'ROUND2', 'CLOSED')`

	var (
		t       protocol.TopicPreview
		voteEnd sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, topicID).Scan(
		&t.ID, &t.DisplayName, &t.Status, &voteEnd, &t.LeftCount, &t.RightCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, internal("topic by id", err)
	}
	if voteEnd.Valid {
		end := voteEnd.Time
		t.VoteEndAt = &end
	}
	return &t, nil
}
