// Package notify renders user notifications from a closed template set and
// delivers them: persisted for every recipient, pushed live to recipients
// with an open connection.
package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/agoranews/agora-live/internal/apperror"
)

// Notification types.
const (
	TypeNewTopic      = "NEW_TOPIC"
	TypeBreakingNews  = "BREAKING_NEWS"
	TypeExclusiveNews = "EXCLUSIVE_NEWS"
	TypeAdminNotice   = "ADMIN_NOTICE"
	TypeVoteReminder  = "VOTE_REMINDER"
	TypeTopicResult   = "TOPIC_RESULT"
)

// Data is the free-form template input, usually decoded from JSON.
type Data map[string]interface{}

// Rendered is a notification ready to persist and push.
type Rendered struct {
	Message  string
	URL      string
	Metadata map[string]string
}

type renderFunc func(Data) (Rendered, error)

var templates = map[string]renderFunc{
	TypeNewTopic:      renderNewTopic,
	TypeBreakingNews:  renderNews,
	TypeExclusiveNews: renderNews,
	TypeAdminNotice:   renderAdminNotice,
	TypeVoteReminder:  renderVoteReminder,
	TypeTopicResult:   renderTopicResult,
}

// ValidType reports whether t names a known template.
func ValidType(t string) bool {
	_, ok := templates[t]
	return ok
}

// Render produces the message, URL and metadata for a notification type.
// Unknown types and missing required fields are INVALID_ARGUMENT errors.
func Render(notificationType string, data Data) (Rendered, error) {
	fn, ok := templates[notificationType]
	if !ok {
		return Rendered{}, apperror.Validation(fmt.Sprintf("unknown notification type %q", notificationType))
	}
	return fn(data)
}

func renderNewTopic(d Data) (Rendered, error) {
	title, id, err := titleAndID(d)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{
		Message: fmt.Sprintf("A new topic has arrived: %s", title),
		URL:     topicURL(id),
	}, nil
}

func renderNews(d Data) (Rendered, error) {
	title := d.String("title")
	if title == "" {
		return Rendered{}, apperror.Validation("title is required")
	}
	msg := title
	if src := d.String("source"); src != "" {
		msg = fmt.Sprintf("[%s] %s", src, title)
	}
	meta := make(map[string]string)
	for _, k := range []string{"source", "source_domain", "thumbnail_url", "published_at"} {
		if v := d.String(k); v != "" {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		meta = nil
	}
	return Rendered{Message: msg, URL: d.String("url"), Metadata: meta}, nil
}

func renderAdminNotice(d Data) (Rendered, error) {
	msg := d.String("message")
	if msg == "" {
		return Rendered{}, apperror.Validation("message is required")
	}
	return Rendered{Message: msg, URL: d.String("url")}, nil
}

func renderVoteReminder(d Data) (Rendered, error) {
	title, id, err := titleAndID(d)
	if err != nil {
		return Rendered{}, err
	}
	hours, _ := d.Int("hours_left")
	msg := fmt.Sprintf("Voting on '%s' is closing soon. Cast your vote now!", title)
	if hours > 0 {
		msg = fmt.Sprintf("Voting on '%s' closes in %d hours. Cast your vote now!", title, hours)
	}
	return Rendered{Message: msg, URL: topicURL(id)}, nil
}

func renderTopicResult(d Data) (Rendered, error) {
	title, id, err := titleAndID(d)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{
		Message: fmt.Sprintf("The results for '%s' are in.", title),
		URL:     topicURL(id),
	}, nil
}

func titleAndID(d Data) (string, int64, error) {
	title := d.String("title")
	if title == "" {
		return "", 0, apperror.Validation("title is required")
	}
	id, ok := d.Int("id")
	if !ok || id <= 0 {
		return "", 0, apperror.Validation("id is required")
	}
	return title, id, nil
}

func topicURL(id int64) string {
	return "/debate/" + strconv.FormatInt(id, 10)
}

// String returns d[key] as a trimmed string. Numbers are formatted.
func (d Data) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Int returns d[key] as an integer, accepting JSON numbers and numeric
// strings.
func (d Data) Int(key string) (int64, bool) {
	switch v := d[key].(type) {
	case float64:
		return int64(v), v == float64(int64(v))
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
