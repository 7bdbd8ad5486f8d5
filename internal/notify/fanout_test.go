package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/protocol"
)

type fakeStore struct {
	mu       sync.Mutex
	users    []int64                   // ACTIVE users
	disabled map[int64]map[string]bool // explicit opt-outs
	rows     []Notification
	failBulk error
}

func newFakeStore(users ...int64) *fakeStore {
	return &fakeStore{users: users, disabled: make(map[int64]map[string]bool)}
}

func (s *fakeStore) disable(userID int64, typ string) {
	if s.disabled[userID] == nil {
		s.disabled[userID] = make(map[string]bool)
	}
	s.disabled[userID][typ] = true
}

func (s *fakeStore) NotificationEnabled(_ context.Context, userID int64, typ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled[userID][typ], nil
}

func (s *fakeStore) CreateNotification(_ context.Context, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = int64(len(s.rows) + 1)
	n.CreatedAt = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.rows = append(s.rows, n)
	return n, nil
}

func (s *fakeStore) OptedInUserIDs(_ context.Context, typ string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, id := range s.users {
		if !s.disabled[id][typ] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateNotifications(_ context.Context, userIDs []int64, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBulk != nil {
		return s.failBulk
	}
	for _, id := range userIDs {
		row := n
		row.UserID = id
		row.ID = int64(len(s.rows) + 1)
		s.rows = append(s.rows, row)
	}
	return nil
}

func (s *fakeStore) rowsFor(userID int64) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	for _, r := range s.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

type fakePusher struct {
	mu     sync.Mutex
	online map[int64]bool
	pushed map[int64][]protocol.NewNotificationMsg
	err    error
}

func newFakePusher(online ...int64) *fakePusher {
	p := &fakePusher{online: make(map[int64]bool), pushed: make(map[int64][]protocol.NewNotificationMsg)}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (p *fakePusher) PushToUser(userID int64, msgType string, payload interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return false, nil
	}
	if p.err != nil {
		return false, p.err
	}
	if msgType != protocol.TypeNewNotification {
		return false, errors.New("unexpected type " + msgType)
	}
	p.pushed[userID] = append(p.pushed[userID], payload.(protocol.NewNotificationMsg))
	return true, nil
}

func (p *fakePusher) pushedUsers() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []int64
	for id := range p.pushed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ---------------------------------------------------------------------------
// SendToUser
// ---------------------------------------------------------------------------

func TestSendToUser_PersistsAndPushes(t *testing.T) {
	store := newFakeStore(1)
	pusher := newFakePusher(1)
	f := NewFanout(store, pusher, nil)

	err := f.SendToUser(context.Background(), 1, TypeNewTopic, Data{"title": "Tax reform", "id": 9})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	rows := store.rowsFor(1)
	if len(rows) != 1 || rows[0].URL != "/debate/9" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	got := pusher.pushed[1]
	if len(got) != 1 {
		t.Fatalf("expected one push, got %d", len(got))
	}
	if got[0].NotificationType != TypeNewTopic || got[0].RelatedURL != "/debate/9" || got[0].CreatedAt.IsZero() {
		t.Errorf("unexpected payload: %+v", got[0])
	}
}

func TestSendToUser_OfflineOnlyPersists(t *testing.T) {
	store := newFakeStore(2)
	pusher := newFakePusher()
	f := NewFanout(store, pusher, nil)

	if err := f.SendToUser(context.Background(), 2, TypeAdminNotice, Data{"message": "hi"}); err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if len(store.rowsFor(2)) != 1 {
		t.Error("expected a stored row for an offline user")
	}
	if len(pusher.pushedUsers()) != 0 {
		t.Error("expected no push for an offline user")
	}
}

func TestSendToUser_OptOut(t *testing.T) {
	store := newFakeStore(3)
	store.disable(3, TypeBreakingNews)
	pusher := newFakePusher(3)
	f := NewFanout(store, pusher, nil)

	if err := f.SendToUser(context.Background(), 3, TypeBreakingNews, Data{"title": "x"}); err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if len(store.rowsFor(3)) != 0 || len(pusher.pushedUsers()) != 0 {
		t.Error("expected opted-out user to receive nothing")
	}
}

func TestSendToUser_Errors(t *testing.T) {
	f := NewFanout(newFakeStore(1), newFakePusher(), nil)
	if err := f.SendToUser(context.Background(), 1, "NOPE", Data{}); apperror.CodeOf(err) != apperror.CodeInvalidArgument {
		t.Errorf("expected INVALID_ARGUMENT for unknown type, got %v", err)
	}

	pusher := newFakePusher(1)
	pusher.err = errors.New("write failed")
	f = NewFanout(newFakeStore(1), pusher, nil)
	if err := f.SendToUser(context.Background(), 1, TypeAdminNotice, Data{"message": "m"}); err == nil {
		t.Error("expected push error to propagate")
	}
}

// ---------------------------------------------------------------------------
// SendToAll
// ---------------------------------------------------------------------------

func TestSendToAll_OptedInOnly(t *testing.T) {
	store := newFakeStore(1, 2, 3, 4)
	store.disable(2, TypeNewTopic)
	pusher := newFakePusher(1, 2, 4)
	f := NewFanout(store, pusher, nil)

	f.SendToAll(context.Background(), TypeNewTopic, Data{"title": "t", "id": 1})

	for _, id := range []int64{1, 3, 4} {
		if len(store.rowsFor(id)) != 1 {
			t.Errorf("user %d: expected 1 row", id)
		}
	}
	if len(store.rowsFor(2)) != 0 {
		t.Error("user 2 opted out but got a row")
	}
	got := pusher.pushedUsers()
	if len(got) != 2 || got[0] != 1 || got[1] != 4 {
		t.Errorf("expected pushes to users 1 and 4, got %v", got)
	}
}

func TestSendToAll_SwallowsFailures(t *testing.T) {
	store := newFakeStore(1)
	store.failBulk = errors.New("disk full")
	pusher := newFakePusher(1)
	f := NewFanout(store, pusher, nil)

	f.SendToAll(context.Background(), TypeAdminNotice, Data{"message": "m"})
	f.SendToAll(context.Background(), "BOGUS", Data{})

	if len(pusher.pushedUsers()) != 0 {
		t.Error("expected no pushes when persistence fails")
	}
}
