package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/threadsync/internal/clock"
	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

var serviceEpoch = time.Date(2024, 10, 20, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*ThreadService, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(serviceEpoch)
	svc, err := NewThreadService(ServiceOptions{Clock: clk})
	require.NoError(t, err)
	return svc, clk
}

func TestServiceCommentNotifiesOtherSubscribers(t *testing.T) {
	svc, clk := newTestService(t)
	var events []restapi.ChangeEvent
	svc.OnChange(func(e restapi.ChangeEvent) { events = append(events, e) })

	th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{Body: "first"})
	require.NoError(t, err)
	assert.Equal(t, "alice", th.CreatorID())

	clk.Advance(time.Minute)
	_, err = svc.CreateComment("bob", "room-1", th.ID, restapi.CreateCommentRequest{Body: "reply"})
	require.NoError(t, err)

	assert.Empty(t, svc.Inbox("bob"), "authors are not notified of their own comments")
	inbox := svc.Inbox("alice")
	require.Len(t, inbox, 1)
	assert.Equal(t, th.ID, inbox[0].ThreadID)
	assert.Equal(t, threaddb.NotificationKindThread, inbox[0].Kind)
	assert.Equal(t, serviceEpoch.Add(time.Minute), inbox[0].NotifiedAt)

	read, err := svc.MarkRead("alice", []string{inbox[0].ID}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{inbox[0].ID}, read.IDs)

	clk.Advance(time.Minute)
	_, err = svc.CreateComment("bob", "room-1", th.ID, restapi.CreateCommentRequest{Body: "again"})
	require.NoError(t, err)
	inbox = svc.Inbox("alice")
	require.Len(t, inbox, 1, "one notification per thread")
	assert.Nil(t, inbox[0].ReadAt, "a new comment makes the notification unread again")

	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Version)
		assert.Equal(t, "changed", e.Type)
	}
	assert.Equal(t, "room-1", events[0].RoomID)
	assert.Empty(t, events[2].RoomID, "inbox changes are not tied to a room")
}

func TestServiceDeltaIsStrictlyAfterSince(t *testing.T) {
	svc, clk := newTestService(t)
	th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{Body: "first"})
	require.NoError(t, err)

	baseline := svc.Delta("alice", time.Time{})
	require.Len(t, baseline.Upserts, 1)
	require.Len(t, baseline.Subscriptions, 1)
	assert.Equal(t, serviceEpoch, baseline.RequestedAt)

	quiet := svc.Delta("alice", baseline.RequestedAt)
	assert.Empty(t, quiet.Upserts, "records stamped exactly at since were already delivered")
	assert.Empty(t, quiet.Subscriptions)

	clk.Advance(time.Second)
	_, err = svc.SetResolved("alice", "room-1", th.ID, true)
	require.NoError(t, err)
	delta := svc.Delta("alice", baseline.RequestedAt)
	require.Len(t, delta.Upserts, 1)
	assert.True(t, delta.Upserts[0].Resolved)

	clk.Advance(time.Second)
	require.NoError(t, svc.DeleteThread("alice", "room-1", th.ID))
	delta = svc.Delta("alice", delta.RequestedAt)
	assert.Empty(t, delta.Upserts)
	require.Len(t, delta.Deletions, 1)
	assert.Equal(t, th.ID, delta.Deletions[0].ID)
	assert.Equal(t, []string{th.ID}, delta.DeletedSubscriptions)
}

func TestServiceStampsCommitsAfterHandedOutSyncPoint(t *testing.T) {
	svc, _ := newTestService(t)
	th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{Body: "first"})
	require.NoError(t, err)
	mark := svc.Delta("alice", time.Time{}).RequestedAt

	// The clock has not moved since the delta was served.
	_, err = svc.SetResolved("alice", "room-1", th.ID, true)
	require.NoError(t, err)
	delta := svc.Delta("alice", mark)
	require.Len(t, delta.Upserts, 1)
	assert.True(t, delta.Upserts[0].UpdatedAt.After(mark))
	assert.Equal(t, mark, svc.RequestedAt())
}

func TestServiceDeletingThreadDropsNotifications(t *testing.T) {
	svc, clk := newTestService(t)
	th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{Body: "first"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = svc.CreateComment("bob", "room-1", th.ID, restapi.CreateCommentRequest{Body: "reply"})
	require.NoError(t, err)
	notification := svc.Inbox("alice")[0]

	err = svc.DeleteThread("bob", "room-1", th.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	clk.Advance(time.Second)
	require.NoError(t, svc.DeleteThread("alice", "room-1", th.ID))
	assert.Empty(t, svc.Inbox("alice"))
	assert.Empty(t, svc.Subscriptions("bob"))

	delta := svc.Delta("alice", serviceEpoch.Add(time.Second))
	require.Len(t, delta.NotificationDeletions, 1)
	assert.Equal(t, notification.ID, delta.NotificationDeletions[0].ID)

	_, err = svc.CreateComment("bob", "room-1", th.ID, restapi.CreateCommentRequest{Body: "late"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceDeletingLastCommentDeletesThread(t *testing.T) {
	svc, clk := newTestService(t)
	th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{ID: "th_one", CommentID: "cm_one", Body: "first"})
	require.NoError(t, err)

	_, err = svc.DeleteComment("bob", "room-1", th.ID, "cm_one")
	assert.ErrorIs(t, err, ErrForbidden)

	clk.Advance(time.Second)
	updated, err := svc.DeleteComment("alice", "room-1", th.ID, "cm_one")
	require.NoError(t, err)
	assert.True(t, updated.IsDeleted())
	assert.Equal(t, serviceEpoch.Add(time.Second), *updated.DeletedAt)

	threads, _, _ := svc.ListThreads("room-1", threaddb.Query{}, 0, 10)
	assert.Empty(t, threads)
	assert.Empty(t, svc.Subscriptions("alice"))

	_, err = svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{ID: "th_one", Body: "again"})
	assert.ErrorIs(t, err, ErrConflict, "deleted ids are not reusable")
}

func TestServiceCommentEditRules(t *testing.T) {
	svc, clk := newTestService(t)
	th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{CommentID: "cm_one", Body: "first"})
	require.NoError(t, err)

	_, err = svc.EditComment("bob", "room-1", th.ID, "cm_one", "hijack")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.EditComment("alice", "room-1", th.ID, "cm_missing", "text")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.EditComment("alice", "room-1", th.ID, "cm_one", "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.EditComment("alice", "room-2", th.ID, "cm_one", "text")
	assert.ErrorIs(t, err, ErrNotFound, "threads are scoped to their room")

	clk.Advance(time.Second)
	updated, err := svc.EditComment("alice", "room-1", th.ID, "cm_one", "edited")
	require.NoError(t, err)
	c, ok := updated.Comment("cm_one")
	require.True(t, ok)
	assert.Equal(t, "edited", c.Body)
	require.NotNil(t, c.EditedAt)
	assert.Equal(t, serviceEpoch.Add(time.Second), *c.EditedAt)
	assert.Equal(t, serviceEpoch.Add(time.Second), updated.UpdatedAt)

	_, err = svc.CreateComment("bob", "room-1", th.ID, restapi.CreateCommentRequest{ID: "cm_one", Body: "dupe"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestServiceMetadataPatch(t *testing.T) {
	svc, _ := newTestService(t)
	th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{
		Body:     "first",
		Metadata: threaddb.Metadata{"color": "red", "priority": float64(2)},
	})
	require.NoError(t, err)

	updated, err := svc.EditMetadata("bob", "room-1", th.ID, map[string]any{"color": nil, "pinned": true})
	require.NoError(t, err)
	assert.Equal(t, threaddb.Metadata{"priority": float64(2), "pinned": true}, updated.Metadata)

	pinned := true
	threads, _, _ := svc.ListThreads("room-1", threaddb.Query{Metadata: map[string]threaddb.MetadataFilter{"pinned": threaddb.Equals(pinned)}}, 0, 10)
	assert.Len(t, threads, 1)
}

func TestServiceSubscriptions(t *testing.T) {
	svc, clk := newTestService(t)
	th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{Body: "first"})
	require.NoError(t, err)

	sub, err := svc.Subscribe("bob", "room-1", th.ID)
	require.NoError(t, err)
	again, err := svc.Subscribe("bob", "room-1", th.ID)
	require.NoError(t, err)
	assert.Equal(t, sub, again)
	version := svc.Version()

	clk.Advance(time.Second)
	require.NoError(t, svc.Unsubscribe("bob", "room-1", th.ID))
	assert.Equal(t, version+1, svc.Version())
	assert.ErrorIs(t, svc.Unsubscribe("bob", "room-1", th.ID), ErrNotFound)

	delta := svc.Delta("bob", serviceEpoch)
	assert.Equal(t, []string{th.ID}, delta.DeletedSubscriptions)

	clk.Advance(time.Second)
	_, err = svc.Subscribe("bob", "room-1", th.ID)
	require.NoError(t, err)
	delta = svc.Delta("bob", serviceEpoch)
	assert.Empty(t, delta.DeletedSubscriptions, "resubscribing clears the tombstone")
	assert.Len(t, delta.Subscriptions, 1)
}

func TestServiceMarkRead(t *testing.T) {
	svc, clk := newTestService(t)
	for _, body := range []string{"one", "two"} {
		th, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{Body: body})
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = svc.CreateComment("bob", "room-1", th.ID, restapi.CreateCommentRequest{Body: "re: " + body})
		require.NoError(t, err)
	}
	require.Len(t, svc.Inbox("alice"), 2)

	_, err := svc.MarkRead("alice", nil, false)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.MarkRead("alice", []string{"in_missing"}, false)
	assert.ErrorIs(t, err, ErrNotFound)

	version := svc.Version()
	resp, err := svc.MarkRead("alice", nil, true)
	require.NoError(t, err)
	assert.Len(t, resp.IDs, 2)
	assert.Equal(t, clk.Now(), resp.ReadAt)
	assert.Equal(t, version+1, svc.Version())

	resp, err = svc.MarkRead("alice", nil, true)
	require.NoError(t, err)
	assert.Empty(t, resp.IDs)
	assert.Equal(t, version+1, svc.Version(), "nothing to mark means no new version")
	_, unread := svc.Stats()
	assert.Zero(t, unread)
}

func TestServiceListThreadsPaging(t *testing.T) {
	svc, clk := newTestService(t)
	for i := 0; i < 5; i++ {
		_, err := svc.CreateThread("alice", "room-1", restapi.CreateThreadRequest{Body: "thread"})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	_, err := svc.CreateThread("alice", "room-2", restapi.CreateThreadRequest{Body: "elsewhere"})
	require.NoError(t, err)

	page, more, _ := svc.ListThreads("room-1", threaddb.Query{}, 0, 2)
	require.Len(t, page, 2)
	assert.True(t, more)
	assert.True(t, page[0].CreatedAt.Before(page[1].CreatedAt))

	page, more, _ = svc.ListThreads("room-1", threaddb.Query{}, 4, 2)
	assert.Len(t, page, 1)
	assert.False(t, more)

	page, more, _ = svc.ListThreads("room-1", threaddb.Query{}, 10, 2)
	assert.Empty(t, page)
	assert.False(t, more)

	all, _, _ := svc.ListThreads("", threaddb.Query{}, 0, 0)
	assert.Len(t, all, 6)
	threads, _ := svc.Stats()
	assert.Equal(t, 6, threads)
}
