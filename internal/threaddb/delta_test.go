package threaddb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDeltaEmptyBatchKeepsVersion(t *testing.T) {
	s := newTestStore()
	s.Upsert(thread("th_abc", "room1", day(8)))
	before := s.Version()

	assert.False(t, ApplyDelta(s, Delta{}))
	assert.Equal(t, before, s.Version())
	assert.True(t, Delta{}.IsEmpty())
}

func TestApplyDeltaUpsertsBeforeDeletions(t *testing.T) {
	s := newTestStore()
	updated := thread("th_abc", "room1", day(8))
	updated.UpdatedAt = day(9)

	changed := ApplyDelta(s, Delta{
		Upserts:   []ThreadRecord{updated},
		Deletions: []DeletionMarker{{ID: "th_abc", RoomID: "room1", DeletedAt: day(10)}},
	})
	require.True(t, changed)
	_, ok := s.Get("th_abc")
	assert.False(t, ok)
	got, ok := s.GetEvenIfDeleted("th_abc")
	require.True(t, ok)
	assert.Equal(t, day(10), *got.DeletedAt)
}

func TestApplyDeltaIgnoresUnknownDeletionsAndStaleUpserts(t *testing.T) {
	s := newTestStore()
	current := thread("th_abc", "room1", day(8))
	current.UpdatedAt = day(12)
	s.Upsert(current)
	before := s.Version()

	stale := thread("th_abc", "room1", day(8))
	stale.UpdatedAt = day(9)
	changed := ApplyDelta(s, Delta{
		Upserts:   []ThreadRecord{stale},
		Deletions: []DeletionMarker{{ID: "th_never_seen", RoomID: "room1", DeletedAt: day(10)}},
	})
	assert.False(t, changed)
	assert.Equal(t, before, s.Version())
	_, ok := s.GetEvenIfDeleted("th_never_seen")
	assert.False(t, ok)
}

func TestNotificationStoreOrderingAndReadRatchet(t *testing.T) {
	n := NewNotificationStore()
	n.Upsert(InboxNotification{ID: "in_1", ThreadID: "th_a", RoomID: "room1", NotifiedAt: day(8)})
	n.Upsert(InboxNotification{ID: "in_2", ThreadID: "th_b", RoomID: "room1", NotifiedAt: day(9)})
	n.Upsert(InboxNotification{ID: "in_3", ThreadID: "th_c", RoomID: "room1", NotifiedAt: day(9)})

	list := n.List()
	require.Len(t, list, 3)
	assert.Equal(t, "in_3", list[0].ID)
	assert.Equal(t, "in_2", list[1].ID)
	assert.Equal(t, NotificationKindThread, list[0].Kind)

	require.True(t, n.MarkRead("in_2", day(10)))
	assert.False(t, n.MarkRead("in_2", day(11)))
	version := n.Version()

	assert.False(t, ApplyNotificationDelta(n, Delta{Notifications: []InboxNotification{
		{ID: "in_2", ThreadID: "th_b", RoomID: "room1", NotifiedAt: day(9)},
	}}))
	assert.Equal(t, version, n.Version())
	got, _ := n.Get("in_2")
	assert.True(t, got.IsRead())

	assert.True(t, ApplyNotificationDelta(n, Delta{Notifications: []InboxNotification{
		{ID: "in_2", ThreadID: "th_b", RoomID: "room1", NotifiedAt: day(12)},
	}}))
	got, _ = n.Get("in_2")
	assert.False(t, got.IsRead())
	assert.Equal(t, "in_2", n.List()[0].ID)
	assert.Len(t, n.Unread(), 3)
}

func TestNotificationStoreDeleteAndClone(t *testing.T) {
	n := NewNotificationStore()
	n.Upsert(InboxNotification{ID: "in_1", ThreadID: "th_a", NotifiedAt: day(8)})
	n.Upsert(InboxNotification{ID: "in_2", ThreadID: "th_b", NotifiedAt: day(9)})

	c := n.Clone()
	require.True(t, c.DeleteForThread("th_a"))
	assert.False(t, c.DeleteForThread("th_a"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 2, n.Len())

	assert.True(t, ApplyNotificationDelta(n, Delta{NotificationDeletions: []NotificationDeletion{{ID: "in_2", DeletedAt: day(10)}}}))
	_, ok := n.Get("in_2")
	assert.False(t, ok)
	_, ok = c.Get("in_2")
	assert.True(t, ok)
}
