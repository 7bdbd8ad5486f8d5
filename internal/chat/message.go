package chat

import (
	"context"
	"time"

	"github.com/agoranews/agora-live/internal/moderation"
	"github.com/agoranews/agora-live/internal/protocol"
)

// Message is a persisted chat message.
type Message struct {
	ID          int64
	TopicID     int64
	AuthorID    int64
	Content     string
	Status      string
	ReportCount int
	CreatedAt   time.Time

	// Populated by history reads that join the author row.
	AuthorName      string
	AuthorAvatarURL string
}

// Author is the display identity of the user posting a message, taken from
// the verified credential.
type Author struct {
	ID          int64
	DisplayName string
	AvatarURL   string
}

// ReportOutcome is the result of the counted phase of a report.
type ReportOutcome struct {
	TopicID     int64
	AuthorID    int64
	ReportCount int
	Hidden      bool
}

// ReportResult is returned to the reporter.
type ReportResult struct {
	Duplicate   bool
	Hidden      bool
	ReportCount int
}

// Store is the persistence collaborator for message lifecycle operations.
type Store interface {
	// CreateMessage persists an ACTIVE message. A missing topic is NOT_FOUND.
	CreateMessage(ctx context.Context, topicID, authorID int64, content string) (Message, error)
	// GetMessage returns the message or a NOT_FOUND error.
	GetMessage(ctx context.Context, messageID int64) (Message, error)
	// MarkDeleted moves an ACTIVE message to DELETED_BY_USER and reports
	// whether a transition happened.
	MarkDeleted(ctx context.Context, messageID int64) (bool, error)
	// InsertReport records a report once per (message, user). It returns
	// false when the pair already exists and NOT_FOUND when the message
	// does not.
	InsertReport(ctx context.Context, messageID, userID int64, reason string) (bool, error)
	// ApplyReport increments the report count and applies the policy in one
	// transaction holding the message row lock.
	ApplyReport(ctx context.Context, messageID int64, policy moderation.Policy) (ReportOutcome, error)
	// ListMessages returns ACTIVE messages of a topic, newest first.
	ListMessages(ctx context.Context, topicID int64, limit, offset int) ([]Message, error)
}

// PreviewLookup resolves link previews. Both methods return nil without an
// error when nothing matches.
type PreviewLookup interface {
	ArticleByURL(ctx context.Context, url string) (*protocol.ArticlePreview, error)
	TopicByID(ctx context.Context, topicID int64) (*protocol.TopicPreview, error)
}

// Broadcaster delivers a server event to every member of a topic room.
type Broadcaster interface {
	BroadcastToTopic(topicID int64, msgType string, payload interface{}) error
}
