// Package chat implements the lifecycle of topic chat messages: posting with
// validation and preview enrichment, author deletion, and community reports
// that hide a message once enough distinct users flag it.
package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/moderation"
	"github.com/agoranews/agora-live/internal/protocol"
)

// History paging bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Config holds tunables for the Service.
type Config struct {
	MaxLength int
	Policy    moderation.Policy
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLength: DefaultMaxTextChars,
		Policy:    moderation.DefaultPolicy(),
	}
}

// Service coordinates the store, preview lookups and room broadcasts.
type Service struct {
	store       Store
	previews    PreviewLookup
	broadcaster Broadcaster
	logger      *zap.Logger
	cfg         Config
	now         func() time.Time
}

// NewService creates a chat Service. previews may be nil to disable link
// enrichment.
func NewService(store Store, previews PreviewLookup, broadcaster Broadcaster, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxTextChars
	}
	return &Service{
		store:       store,
		previews:    previews,
		broadcaster: broadcaster,
		logger:      logger.Named("chat"),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Post validates and persists a message, enriches it for display and
// broadcasts it to the topic room.
func (s *Service) Post(ctx context.Context, topicID int64, author Author, content string) (protocol.MessageView, error) {
	if topicID <= 0 {
		return protocol.MessageView{}, apperror.Validation("topic_id is required")
	}
	if author.ID <= 0 {
		return protocol.MessageView{}, apperror.Unauthenticated("authentication required")
	}
	text, err := ValidateContent(content, s.cfg.MaxLength)
	if err != nil {
		return protocol.MessageView{}, err
	}

	msg, err := s.store.CreateMessage(ctx, topicID, author.ID, text)
	if err != nil {
		return protocol.MessageView{}, err
	}

	view := protocol.MessageView{
		ID:        msg.ID,
		TopicID:   msg.TopicID,
		AuthorID:  author.ID,
		Author:    author.DisplayName,
		AvatarURL: author.AvatarURL,
		Content:   msg.Content,
		Status:    msg.Status,
		CreatedAt: msg.CreatedAt,
	}
	s.enrich(ctx, &view)

	s.broadcast(topicID, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{Message: view})
	s.logger.Debug("message posted",
		zap.Int64("message_id", msg.ID),
		zap.Int64("topic_id", topicID),
		zap.Int64("author_id", author.ID),
	)
	return view, nil
}

// Delete soft-deletes a message on behalf of its author. A message that is
// already DELETED_BY_USER or HIDDEN is left untouched and the call succeeds.
func (s *Service) Delete(ctx context.Context, messageID, userID int64) error {
	if messageID <= 0 {
		return apperror.Validation("message_id is required")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.AuthorID != userID {
		return apperror.Forbidden("only the author can delete this message")
	}
	if !moderation.CanTransition(msg.Status, moderation.StatusDeletedByUser) {
		return nil
	}

	changed, err := s.store.MarkDeleted(ctx, messageID)
	if err != nil {
		return err
	}
	if changed {
		s.broadcast(msg.TopicID, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{MessageID: messageID})
		s.logger.Info("message deleted by author",
			zap.Int64("message_id", messageID),
			zap.Int64("user_id", userID),
		)
	}
	return nil
}

// Report records userID's report of a message. A repeated report by the same
// user is acknowledged as a duplicate and changes nothing.
func (s *Service) Report(ctx context.Context, messageID, userID int64, reason string) (ReportResult, error) {
	if messageID <= 0 {
		return ReportResult{}, apperror.Validation("message_id is required")
	}
	reason, err := NormalizeReason(reason)
	if err != nil {
		return ReportResult{}, err
	}

	inserted, err := s.store.InsertReport(ctx, messageID, userID, reason)
	if err != nil {
		return ReportResult{}, err
	}
	if !inserted {
		return ReportResult{Duplicate: true}, nil
	}

	outcome, err := s.store.ApplyReport(ctx, messageID, s.cfg.Policy)
	if err != nil {
		return ReportResult{}, err
	}
	if outcome.Hidden {
		s.broadcast(outcome.TopicID, protocol.TypeMessageHidden, protocol.MessageHiddenMsg{MessageID: messageID})
		s.logger.Info("message hidden by reports",
			zap.Int64("message_id", messageID),
			zap.Int64("author_id", outcome.AuthorID),
			zap.Int("report_count", outcome.ReportCount),
		)
	}
	return ReportResult{Hidden: outcome.Hidden, ReportCount: outcome.ReportCount}, nil
}

// History returns a page of ACTIVE messages of a topic, newest first, each
// enriched with previews.
func (s *Service) History(ctx context.Context, topicID int64, limit, offset int) ([]protocol.MessageView, error) {
	if topicID <= 0 {
		return nil, apperror.Validation("topic_id is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	msgs, err := s.store.ListMessages(ctx, topicID, limit, offset)
	if err != nil {
		return nil, err
	}
	views := make([]protocol.MessageView, 0, len(msgs))
	for _, m := range msgs {
		view := protocol.MessageView{
			ID:        m.ID,
			TopicID:   m.TopicID,
			AuthorID:  m.AuthorID,
			Author:    m.AuthorName,
			AvatarURL: m.AuthorAvatarURL,
			Content:   m.Content,
			Status:    m.Status,
			CreatedAt: m.CreatedAt,
		}
		s.enrich(ctx, &view)
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) broadcast(topicID int64, msgType string, payload interface{}) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.BroadcastToTopic(topicID, msgType, payload); err != nil {
		s.logger.Warn("room broadcast failed",
			zap.String("type", msgType),
			zap.Int64("topic_id", topicID),
			zap.Error(err),
		)
	}
}
