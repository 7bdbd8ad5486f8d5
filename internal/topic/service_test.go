package topic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agoranews/agora-live/internal/apperror"
)

type voteKey struct{ topicID, userID int64 }

type memStore struct {
	mu     sync.Mutex
	topics map[int64]*counts
	votes  map[voteKey]string
	views  map[string]time.Time
	now    time.Time
}

type counts struct{ left, right, views int }

func newMemStore(ids ...int64) *memStore {
	s := &memStore{
		topics: make(map[int64]*counts),
		votes:  make(map[voteKey]string),
		views:  make(map[string]time.Time),
		now:    time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
	for _, id := range ids {
		s.topics[id] = &counts{}
	}
	return s
}

func (s *memStore) CastVote(_ context.Context, topicID, userID int64, side string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.topics[topicID]
	if !ok {
		return apperror.NotFound("topic not found")
	}
	k := voteKey{topicID, userID}
	if _, dup := s.votes[k]; dup {
		return apperror.Conflict("already voted")
	}
	s.votes[k] = side
	if side == SideLeft {
		c.left++
	} else {
		c.right++
	}
	return nil
}

func (s *memStore) RecordView(_ context.Context, topicID int64, identifier string, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.topics[topicID]
	if !ok {
		return false, apperror.NotFound("topic not found")
	}
	key := fmt.Sprintf("%d#%s", topicID, identifier)
	if last, seen := s.views[key]; seen && s.now.Sub(last) < cooldown {
		return false, nil
	}
	s.views[key] = s.now
	c.views++
	return true, nil
}

func TestCastVote(t *testing.T) {
	store := newMemStore(1)
	svc := NewService(store, 0, nil)
	ctx := context.Background()

	if err := svc.CastVote(ctx, 1, 10, "left"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if err := svc.CastVote(ctx, 1, 10, "RIGHT"); apperror.CodeOf(err) != apperror.CodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS on second vote, got %v", err)
	}
	if store.topics[1].left != 1 || store.topics[1].right != 0 {
		t.Errorf("unexpected counts %+v", *store.topics[1])
	}
}

func TestCastVote_Validation(t *testing.T) {
	svc := NewService(newMemStore(1), 0, nil)
	ctx := context.Background()
	tests := []struct {
		name    string
		topicID int64
		userID  int64
		side    string
		code    apperror.Code
	}{
		{"bad side", 1, 10, "MIDDLE", apperror.CodeInvalidArgument},
		{"empty side", 1, 10, "", apperror.CodeInvalidArgument},
		{"bad topic", 0, 10, "LEFT", apperror.CodeInvalidArgument},
		{"anonymous", 1, 0, "LEFT", apperror.CodeUnauthenticated},
		{"missing topic", 99, 10, "LEFT", apperror.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.CastVote(ctx, tt.topicID, tt.userID, tt.side)
			if got := apperror.CodeOf(err); got != tt.code {
				t.Errorf("expected %s, got %s (%v)", tt.code, got, err)
			}
		})
	}
}

func TestCastVote_ConcurrentDuplicate(t *testing.T) {
	store := newMemStore(1)
	svc := NewService(store, 0, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.CastVote(context.Background(), 1, 7, SideRight); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("expected exactly one successful vote, got %d", ok)
	}
	if store.topics[1].right != 1 {
		t.Errorf("expected right count 1, got %d", store.topics[1].right)
	}
}

func TestRecordView_Cooldown(t *testing.T) {
	store := newMemStore(1)
	svc := NewService(store, 24*time.Hour, nil)
	ctx := context.Background()

	counted, err := svc.RecordView(ctx, 1, 5, "")
	if err != nil || !counted {
		t.Fatalf("first view: %v, %v", counted, err)
	}
	counted, err = svc.RecordView(ctx, 1, 5, "")
	if err != nil || counted {
		t.Fatalf("second view within cooldown: %v, %v", counted, err)
	}
	if store.topics[1].views != 1 {
		t.Errorf("expected view_count 1, got %d", store.topics[1].views)
	}

	store.now = store.now.Add(25 * time.Hour)
	counted, _ = svc.RecordView(ctx, 1, 5, "")
	if !counted {
		t.Error("expected view to count after cooldown")
	}
}

func TestRecordView_AnonymousByIP(t *testing.T) {
	store := newMemStore(1)
	svc := NewService(store, time.Hour, nil)
	ctx := context.Background()

	if counted, _ := svc.RecordView(ctx, 1, 0, "203.0.113.9"); !counted {
		t.Error("expected first anonymous view to count")
	}
	if counted, _ := svc.RecordView(ctx, 1, 0, "203.0.113.10"); !counted {
		t.Error("expected a different IP to count")
	}
	if _, err := svc.RecordView(ctx, 1, 0, "not-an-ip"); apperror.CodeOf(err) != apperror.CodeInvalidArgument {
		t.Errorf("expected INVALID_ARGUMENT for unusable IP, got %v", err)
	}
}

func TestViewerIdentifier(t *testing.T) {
	tests := []struct {
		userID int64
		ip     string
		want   string
	}{
		{42, "198.51.100.1", "user_42"},
		{0, "198.51.100.1", "ip_198.51.100.1"},
		{0, "::1", "ip_::1"},
	}
	for _, tt := range tests {
		got, err := ViewerIdentifier(tt.userID, tt.ip)
		if err != nil || got != tt.want {
			t.Errorf("ViewerIdentifier(%d, %q) = %q, %v; want %q", tt.userID, tt.ip, got, err, tt.want)
		}
	}
}
