// Package session records live websocket sessions in Redis so operators and
// other instances can see which user is connected where and which topic
// rooms the session has joined.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix keys the set of live session IDs of a user.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session represents a live connection's record in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     int64  `redis:"user_id"`
	Server     string `redis:"server"`      // which WS server instance
	Topics     string `redis:"topics"`      // comma-separated joined topic IDs
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// TopicIDs parses the joined topic list.
func (s *Session) TopicIDs() []int64 {
	if s == nil || s.Topics == "" {
		return nil
	}
	parts := strings.Split(s.Topics, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session for userID with a 1h TTL and indexes it under
// the user.
func (s *Store) Create(ctx context.Context, sessionID string, userID int64) error {
	key := SessionPrefix + sessionID
	userKey := UserSessionsPrefix + strconv.FormatInt(userID, 10)
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"topics":      "",
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, sessionID)
	pipe.Expire(ctx, userKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// SetTopics records the topic rooms the session is in and refreshes the TTL.
func (s *Store) SetTopics(ctx context.Context, sessionID string, topicIDs []int64) error {
	parts := make([]string, len(topicIDs))
	for i, id := range topicIDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "topics", strings.Join(parts, ","), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set topics: %w", err)
	}
	return nil
}

// UserSessions returns the live session IDs of a user across all servers.
func (s *Store) UserSessions(ctx context.Context, userID int64) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserSessionsPrefix+strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: user sessions: %w", err)
	}
	return ids, nil
}

// Delete removes a session and its user index entry.
func (s *Store) Delete(ctx context.Context, sessionID string, userID int64) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.SRem(ctx, UserSessionsPrefix+strconv.FormatInt(userID, 10), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
