package umbrella

import (
	"maps"
	"slices"
	"time"

	"github.com/agentworkforce/threadsync/internal/scheduler"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

type ResourceStatus struct {
	State         scheduler.State
	Err           error
	HasData       bool
	LastSuccessAt time.Time
	NextAttemptAt time.Time
}

// Snapshot is an immutable point-in-time view of the store, optimistic
// effects included. Nothing mutates it after it is published.
type Snapshot struct {
	version       uint64
	threads       *threaddb.ThreadStore
	notifications *threaddb.NotificationStore
	subscriptions map[string]threaddb.ThreadSubscription
	resources     map[string]ResourceStatus
	pending       int
}

func (s Snapshot) Version() uint64 {
	return s.version
}

func (s Snapshot) FindMany(roomID string, q threaddb.Query, dir threaddb.Direction) []threaddb.ThreadRecord {
	if s.threads == nil {
		return []threaddb.ThreadRecord{}
	}
	return s.threads.FindMany(roomID, q, dir)
}

func (s Snapshot) Get(threadID string) (threaddb.ThreadRecord, bool) {
	if s.threads == nil {
		return threaddb.ThreadRecord{}, false
	}
	return s.threads.Get(threadID)
}

func (s Snapshot) GetEvenIfDeleted(threadID string) (threaddb.ThreadRecord, bool) {
	if s.threads == nil {
		return threaddb.ThreadRecord{}, false
	}
	return s.threads.GetEvenIfDeleted(threadID)
}

func (s Snapshot) Notifications() []threaddb.InboxNotification {
	if s.notifications == nil {
		return []threaddb.InboxNotification{}
	}
	return s.notifications.List()
}

func (s Snapshot) Notification(id string) (threaddb.InboxNotification, bool) {
	if s.notifications == nil {
		return threaddb.InboxNotification{}, false
	}
	return s.notifications.Get(id)
}

func (s Snapshot) UnreadCount() int {
	if s.notifications == nil {
		return 0
	}
	return len(s.notifications.Unread())
}

func (s Snapshot) IsSubscribed(threadID string) bool {
	_, ok := s.subscriptions[threadID]
	return ok
}

func (s Snapshot) Subscriptions() []threaddb.ThreadSubscription {
	out := make([]threaddb.ThreadSubscription, 0, len(s.subscriptions))
	for _, id := range slices.Sorted(maps.Keys(s.subscriptions)) {
		out = append(out, s.subscriptions[id])
	}
	return out
}

// Resource returns the fetch state registered under name.
func (s Snapshot) Resource(name string) (ResourceStatus, bool) {
	r, ok := s.resources[name]
	return r, ok
}

// PendingMutations counts optimistic effects awaiting the backend.
func (s Snapshot) PendingMutations() int {
	return s.pending
}
