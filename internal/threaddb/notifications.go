package threaddb

import (
	"iter"
	"maps"
	"time"
)

// NotificationStore holds inbox notifications, most recent first.
type NotificationStore struct {
	items     map[string]InboxNotification
	mapShared bool
	byTime    *SortedIndex[InboxNotification]
	version   uint64
}

func notifiedDescending(a, b InboxNotification) bool {
	if a.NotifiedAt.Equal(b.NotifiedAt) {
		return a.ID > b.ID
	}
	return a.NotifiedAt.After(b.NotifiedAt)
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		items:  map[string]InboxNotification{},
		byTime: NewSortedIndex(notifiedDescending, func(n InboxNotification) string { return n.ID }),
	}
}

func (s *NotificationStore) Version() uint64 {
	return s.version
}

func (s *NotificationStore) Len() int {
	return len(s.items)
}

func (s *NotificationStore) Get(id string) (InboxNotification, bool) {
	n, ok := s.items[id]
	return n.Clone(), ok
}

// ForThread returns the notification attached to threadID, if any.
func (s *NotificationStore) ForThread(threadID string) (InboxNotification, bool) {
	for n := range s.byTime.All() {
		if n.ThreadID == threadID {
			return n, true
		}
	}
	return InboxNotification{}, false
}

func (s *NotificationStore) Upsert(n InboxNotification) bool {
	if n.ID == "" {
		return false
	}
	record := n.Clone()
	if record.Kind == "" {
		record.Kind = NotificationKindThread
	}
	record.NotifiedAt = record.NotifiedAt.UTC()
	existing, ok := s.items[n.ID]
	if ok && existing.Equal(record) {
		return false
	}
	s.own()
	if ok {
		s.byTime.Remove(existing)
	}
	s.items[record.ID] = record
	s.byTime.Add(record)
	s.version++
	return true
}

// UpsertIfNewer accepts n when it is at least as recent as the stored copy. A
// payload for the same activity never marks a read notification unread.
func (s *NotificationStore) UpsertIfNewer(n InboxNotification) bool {
	existing, ok := s.items[n.ID]
	if ok {
		if n.NotifiedAt.Before(existing.NotifiedAt) {
			return false
		}
		if n.NotifiedAt.Equal(existing.NotifiedAt) {
			if existing.IsRead() && !n.IsRead() {
				return false
			}
			if sameNotification(existing, n) {
				return false
			}
		}
	}
	return s.Upsert(n)
}

func sameNotification(a, b InboxNotification) bool {
	if a.ID != b.ID || a.ThreadID != b.ThreadID || a.RoomID != b.RoomID || !a.NotifiedAt.Equal(b.NotifiedAt) {
		return false
	}
	if (a.Kind != b.Kind) && b.Kind != "" {
		return false
	}
	switch {
	case a.ReadAt == nil && b.ReadAt == nil:
		return true
	case a.ReadAt == nil || b.ReadAt == nil:
		return false
	default:
		return a.ReadAt.Equal(*b.ReadAt)
	}
}

// MarkRead sets the read timestamp. Already read notifications are left alone.
func (s *NotificationStore) MarkRead(id string, at time.Time) bool {
	existing, ok := s.items[id]
	if !ok || existing.IsRead() {
		return false
	}
	existing.ReadAt = TimePtr(at.UTC())
	return s.Upsert(existing)
}

func (s *NotificationStore) Delete(id string) bool {
	existing, ok := s.items[id]
	if !ok {
		return false
	}
	s.own()
	s.byTime.Remove(existing)
	delete(s.items, id)
	s.version++
	return true
}

func (s *NotificationStore) DeleteForThread(threadID string) bool {
	n, ok := s.ForThread(threadID)
	if !ok {
		return false
	}
	return s.Delete(n.ID)
}

func (s *NotificationStore) Find(pred func(InboxNotification) bool) iter.Seq[InboxNotification] {
	return s.byTime.Filter(pred)
}

func (s *NotificationStore) List() []InboxNotification {
	out := []InboxNotification{}
	for n := range s.byTime.All() {
		out = append(out, n.Clone())
	}
	return out
}

func (s *NotificationStore) Unread() []InboxNotification {
	out := []InboxNotification{}
	for n := range s.byTime.Filter(func(n InboxNotification) bool { return !n.IsRead() }) {
		out = append(out, n.Clone())
	}
	return out
}

func (s *NotificationStore) Clone() *NotificationStore {
	s.mapShared = true
	return &NotificationStore{
		items:     s.items,
		mapShared: true,
		byTime:    s.byTime.Clone(),
		version:   s.version,
	}
}

func (s *NotificationStore) own() {
	if !s.mapShared {
		return
	}
	s.items = maps.Clone(s.items)
	s.mapShared = false
}

func (s *NotificationStore) Restore(items []InboxNotification) {
	s.items = make(map[string]InboxNotification, len(items))
	s.mapShared = false
	s.byTime = NewSortedIndex(notifiedDescending, func(n InboxNotification) string { return n.ID })
	for _, n := range items {
		if n.ID == "" {
			continue
		}
		if prior, ok := s.items[n.ID]; ok {
			s.byTime.Remove(prior)
		}
		record := n.Clone()
		s.items[record.ID] = record
		s.byTime.Add(record)
	}
	s.version++
}
