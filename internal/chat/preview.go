package chat

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/protocol"
)

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s]+`)
	debatePattern = regexp.MustCompile(`/debate/(\d+)`)
	topicPattern  = regexp.MustCompile(`/topics/(\d+)`)
)

// FirstURL returns the first http(s) URL in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// ReferencedTopicID extracts a topic id from a /debate/{id} or /topics/{id}
// path. The debate form wins when both appear.
func ReferencedTopicID(text string) (int64, bool) {
	for _, re := range []*regexp.Regexp{debatePattern, topicPattern} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		return id, true
	}
	return 0, false
}

// FaviconURL derives the favicon service URL for a source domain.
func FaviconURL(domain string) string {
	if domain == "" {
		return ""
	}
	return "https://www.google.com/s2/favicons?domain=" + domain + "&sz=32"
}

// VoteRemaining formats the time left until end as HH:MM:SS, or reports a
// closed vote once end has passed.
func VoteRemaining(end *time.Time, now time.Time) string {
	if end == nil {
		return ""
	}
	diff := end.Sub(now)
	if diff <= 0 {
		return "voting closed"
	}
	total := int64(diff / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d remaining", total/3600, (total%3600)/60, total%60)
}

// enrich attaches article and topic previews to view. Lookup failures are
// logged and leave the preview empty.
func (s *Service) enrich(ctx context.Context, view *protocol.MessageView) {
	if s.previews == nil {
		return
	}
	if u := FirstURL(view.Content); u != "" {
		article, err := s.previews.ArticleByURL(ctx, u)
		if err != nil {
			s.logger.Warn("article preview lookup failed", zap.String("url", u), zap.Error(err))
		} else if article != nil {
			if article.FaviconURL == "" {
				article.FaviconURL = FaviconURL(article.SourceDomain)
			}
			view.ArticlePreview = article
		}
	}
	if id, ok := ReferencedTopicID(view.Content); ok {
		topic, err := s.previews.TopicByID(ctx, id)
		if err != nil {
			s.logger.Warn("topic preview lookup failed", zap.Int64("topic_id", id), zap.Error(err))
		} else if topic != nil {
			topic.VoteRemaining = VoteRemaining(topic.VoteEndAt, s.now())
			view.TopicPreview = topic
		}
	}
}
