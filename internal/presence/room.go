package presence

import (
	"fmt"
	"sort"
	"sync"
)

// RoomName returns the room label used in logs and events for a topic.
func RoomName(topicID int64) string {
	return fmt.Sprintf("topic-%d", topicID)
}

// Snapshot is the state of one room captured atomically with a membership
// change. Members is a copy and may be used after the lock is released.
type Snapshot struct {
	TopicID int64
	Count   int
	Members []string
	Changed bool // false when the call was a no-op
}

// Rooms holds per-topic membership. Counts are derived from these sets only,
// never from transport bookkeeping, so they are correct as soon as Join or
// Leave returns.
type Rooms struct {
	mu      sync.Mutex
	members map[int64]map[string]struct{} // topic id -> connection ids
	joined  map[string]map[int64]struct{} // connection id -> topic ids
}

// NewRooms creates an empty room set.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[int64]map[string]struct{}),
		joined:  make(map[string]map[int64]struct{}),
	}
}

// Join adds connID to the topic room and returns the resulting snapshot.
// Joining a room twice is a no-op that still reports the current state.
func (r *Rooms) Join(topicID int64, connID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.members[topicID]
	if !ok {
		room = make(map[string]struct{})
		r.members[topicID] = room
	}
	_, already := room[connID]
	room[connID] = struct{}{}

	topics, ok := r.joined[connID]
	if !ok {
		topics = make(map[int64]struct{})
		r.joined[connID] = topics
	}
	topics[topicID] = struct{}{}

	snap := r.snapshotLocked(topicID)
	snap.Changed = !already
	return snap
}

// Leave removes connID from the topic room. The returned snapshot lists the
// remaining members, which are the ones that need the new count.
func (r *Rooms) Leave(topicID int64, connID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.removeLocked(topicID, connID)
	snap := r.snapshotLocked(topicID)
	snap.Changed = changed
	return snap
}

// LeaveAll removes connID from every room it joined, returning one snapshot
// per affected room. Calling it again for the same connection returns nil.
func (r *Rooms) LeaveAll(connID string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics, ok := r.joined[connID]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(topics))
	for topicID := range topics {
		ids = append(ids, topicID)
	}

	snaps := make([]Snapshot, 0, len(ids))
	for _, topicID := range ids {
		r.removeLocked(topicID, connID)
		snap := r.snapshotLocked(topicID)
		snap.Changed = true
		snaps = append(snaps, snap)
	}
	return snaps
}

// Count returns the number of connections in the topic room.
func (r *Rooms) Count(topicID int64) int {
	r.mu.Lock()
	n := len(r.members[topicID])
	r.mu.Unlock()
	return n
}

// Members returns a copy of the connection ids in the topic room.
func (r *Rooms) Members(topicID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyMembersLocked(topicID)
}

// Topics returns the topic ids connID has joined, in ascending order.
func (r *Rooms) Topics(connID string) []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.joined[connID]))
	for topicID := range r.joined[connID] {
		ids = append(ids, topicID)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ActiveRooms returns the number of non-empty rooms.
func (r *Rooms) ActiveRooms() int {
	r.mu.Lock()
	n := len(r.members)
	r.mu.Unlock()
	return n
}

func (r *Rooms) removeLocked(topicID int64, connID string) bool {
	room, ok := r.members[topicID]
	if !ok {
		return false
	}
	if _, ok := room[connID]; !ok {
		return false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.members, topicID)
	}

	if topics, ok := r.joined[connID]; ok {
		delete(topics, topicID)
		if len(topics) == 0 {
			delete(r.joined, connID)
		}
	}
	return true
}

func (r *Rooms) snapshotLocked(topicID int64) Snapshot {
	members := r.copyMembersLocked(topicID)
	return Snapshot{TopicID: topicID, Count: len(members), Members: members}
}

func (r *Rooms) copyMembersLocked(topicID int64) []string {
	room := r.members[topicID]
	out := make([]string, 0, len(room))
	for connID := range room {
		out = append(out, connID)
	}
	return out
}
