// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinTopic     = "join_topic"
	TypeLeaveTopic    = "leave_topic"
	TypePostMessage   = "post_message"
	TypeDeleteMessage = "delete_message"
	TypeReportMessage = "report_message"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeJoined          = "joined"
	TypeLeft            = "left"
	TypeUserCount       = "user_count"
	TypeReceiveMessage  = "receive_message"
	TypeMessageHidden   = "message_hidden"
	TypeMessageDeleted  = "message_deleted"
	TypeReportAccepted  = "report_accepted"
	TypeNewNotification = "new_notification"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into its concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinTopicMsg subscribes the connection to a topic room.
type JoinTopicMsg struct {
	Type    string `json:"type"`
	TopicID int64  `json:"topic_id"`
}

// LeaveTopicMsg unsubscribes the connection from a topic room.
type LeaveTopicMsg struct {
	Type    string `json:"type"`
	TopicID int64  `json:"topic_id"`
}

// PostMessageMsg posts a chat message to a topic.
type PostMessageMsg struct {
	Type    string `json:"type"`
	TopicID int64  `json:"topic_id"`
	Content string `json:"content"`
}

// DeleteMessageMsg soft-deletes one of the caller's own messages.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

// ReportMessageMsg reports a message. Reason is optional.
type ReportMessageMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Reason    string `json:"reason,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the authenticated connection is registered.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

// JoinedMsg acknowledges a join_topic.
type JoinedMsg struct {
	Type    string `json:"type"`
	TopicID int64  `json:"topic_id"`
}

// LeftMsg acknowledges a leave_topic.
type LeftMsg struct {
	Type    string `json:"type"`
	TopicID int64  `json:"topic_id"`
}

// UserCountMsg carries the live member count of a topic room.
type UserCountMsg struct {
	Type    string `json:"type"`
	TopicID int64  `json:"topic_id"`
	Count   int    `json:"count"`
}

// ArticlePreview is the link preview attached to a message that references a
// known article URL.
type ArticlePreview struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Source       string `json:"source,omitempty"`
	SourceDomain string `json:"source_domain,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	URL          string `json:"url"`
	FaviconURL   string `json:"favicon_url,omitempty"`
}

// TopicPreview is the preview attached to a message that references a topic
// page such as /debate/{id}.
type TopicPreview struct {
	ID            int64      `json:"id"`
	DisplayName   string     `json:"display_name"`
	Status        string     `json:"status"`
	VoteEndAt     *time.Time `json:"vote_end_at,omitempty"`
	VoteRemaining string     `json:"vote_remaining_time,omitempty"`
	LeftCount     int64      `json:"left_count"`
	RightCount    int64      `json:"right_count"`
}

// MessageView is a persisted chat message enriched for display.
type MessageView struct {
	ID             int64           `json:"id"`
	TopicID        int64           `json:"topic_id"`
	AuthorID       int64           `json:"author_id"`
	Author         string          `json:"author"`
	AvatarURL      string          `json:"profile_image_url,omitempty"`
	Content        string          `json:"message"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ArticlePreview *ArticlePreview `json:"article_preview,omitempty"`
	TopicPreview   *TopicPreview   `json:"topic_preview,omitempty"`
}

// ReceiveMessageMsg broadcasts a new message to a topic room.
type ReceiveMessageMsg struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

// MessageHiddenMsg tells a room that moderation hid a message.
type MessageHiddenMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

// MessageDeletedMsg tells a room that the author deleted a message.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

// ReportAcceptedMsg acknowledges a report to the reporter. Duplicate is true
// when the reporter had already reported the message.
type ReportAcceptedMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
}

// NewNotificationMsg pushes a notification to a single user.
type NewNotificationMsg struct {
	Type             string            `json:"type"`
	NotificationType string            `json:"notification_type"`
	Message          string            `json:"message"`
	RelatedURL       string            `json:"related_url,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	IsRead           bool              `json:"is_read"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// clientDecoders maps each client message type to a decoder producing its
// concrete struct.
var clientDecoders = map[string]func(json.RawMessage) (interface{}, error){
	TypeJoinTopic:     decodeAs[JoinTopicMsg],
	TypeLeaveTopic:    decodeAs[LeaveTopicMsg],
	TypePostMessage:   decodeAs[PostMessageMsg],
	TypeDeleteMessage: decodeAs[DeleteMessageMsg],
	TypeReportMessage: decodeAs[ReportMessageMsg],
	TypePing:          decodeAs[PingMsg],
}

func decodeAs[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown or server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	decode, ok := clientDecoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	msg, err := decode(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload must be a JSON object: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typeJSON, _ := json.Marshal(msgType)
	m["type"] = typeJSON

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
