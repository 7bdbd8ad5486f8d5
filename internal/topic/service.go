// Package topic handles per-topic counters that must stay exact under
// concurrent requests: stance votes and de-duplicated view counts.
package topic

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/apperror"
)

// Vote sides.
const (
	SideLeft  = "LEFT"
	SideRight = "RIGHT"
)

// DefaultViewCooldown is how long a viewer is counted only once per topic.
const DefaultViewCooldown = 24 * time.Hour

// Store is the persistence collaborator. Implementations run each method in
// a single transaction that locks the topic row.
type Store interface {
	// CastVote records a vote and increments the side counter. A missing
	// topic is NOT_FOUND and a second vote by the same user ALREADY_EXISTS.
	CastVote(ctx context.Context, topicID, userID int64, side string) error
	// RecordView counts a view unless identifier viewed the topic within
	// cooldown. It reports whether the view was counted.
	RecordView(ctx context.Context, topicID int64, identifier string, cooldown time.Duration) (bool, error)
}

// Service validates input and delegates to the store.
type Service struct {
	store    Store
	cooldown time.Duration
	logger   *zap.Logger
}

// NewService creates a topic Service.
func NewService(store Store, cooldown time.Duration, logger *zap.Logger) *Service {
	if cooldown <= 0 {
		cooldown = DefaultViewCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cooldown: cooldown, logger: logger.Named("topic")}
}

// CastVote records userID's stance on a topic. side is case-insensitive.
func (s *Service) CastVote(ctx context.Context, topicID, userID int64, side string) error {
	if topicID <= 0 {
		return apperror.Validation("invalid topic id")
	}
	if userID <= 0 {
		return apperror.Unauthenticated("authentication required")
	}
	side = strings.ToUpper(strings.TrimSpace(side))
	if side != SideLeft && side != SideRight {
		return apperror.Validation("side must be LEFT or RIGHT")
	}
	if err := s.store.CastVote(ctx, topicID, userID, side); err != nil {
		return err
	}
	s.logger.Debug("vote cast",
		zap.Int64("topic_id", topicID),
		zap.Int64("user_id", userID),
		zap.String("side", side),
	)
	return nil
}

// RecordView counts a topic view for a signed-in user, or for the client IP
// when userID is zero.
func (s *Service) RecordView(ctx context.Context, topicID, userID int64, clientIP string) (bool, error) {
	if topicID <= 0 {
		return false, apperror.Validation("invalid topic id")
	}
	id, err := ViewerIdentifier(userID, clientIP)
	if err != nil {
		return false, err
	}
	return s.store.RecordView(ctx, topicID, id, s.cooldown)
}

// ViewerIdentifier returns "user_{id}" for signed-in viewers and
// "ip_{addr}" otherwise.
func ViewerIdentifier(userID int64, clientIP string) (string, error) {
	if userID > 0 {
		return "user_" + strconv.FormatInt(userID, 10), nil
	}
	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		return "", apperror.Validation("viewer identity unavailable")
	}
	return "ip_" + ip.String(), nil
}
