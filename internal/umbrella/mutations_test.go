package umbrella

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

func TestCreateThreadIsOptimisticThenConfirmed(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan restapi.CreateThreadRequest, 1)
	backend := &fakeBackend{
		createThread: func(roomID string, req restapi.CreateThreadRequest) (threaddb.ThreadRecord, error) {
			entered <- req
			<-release
			rec := thread(req.ID, roomID, "alice", fixedNow)
			rec.Comments[0].ID = req.CommentID
			rec.Comments[0].Body = "confirmed " + req.Body
			rec.Metadata = req.Metadata
			return rec, nil
		},
	}
	s, _ := newTestStore(t, backend)

	type result struct {
		rec threaddb.ThreadRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := s.CreateThread(context.Background(), "room1", "first!", threaddb.Metadata{"color": "red"})
		done <- result{rec, err}
	}()
	req := <-entered

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.PendingMutations())
	draft, ok := snap.Get(req.ID)
	require.True(t, ok, "draft visible before the backend answers")
	assert.Equal(t, "first!", draft.Comments[0].Body)
	assert.Equal(t, "alice", draft.CreatorID())
	assert.True(t, snap.IsSubscribed(req.ID))

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, req.ID, res.rec.ID)

	snap = s.Snapshot()
	assert.Zero(t, snap.PendingMutations())
	got, ok := snap.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, "confirmed first!", got.Comments[0].Body)
	assert.Equal(t, "red", got.Metadata["color"])
}

func TestFailedMutationRollsBackAndReplaysOthers(t *testing.T) {
	releaseEdit := make(chan struct{})
	releaseResolve := make(chan struct{})
	backend := &fakeBackend{
		editMetadata: func(threadID string, md map[string]any) (threaddb.ThreadRecord, error) {
			<-releaseEdit
			return threaddb.ThreadRecord{}, &restapi.HTTPError{StatusCode: http.StatusInternalServerError, Code: "internal"}
		},
		resolve: func(threadID string, resolved bool) (threaddb.ThreadRecord, error) {
			<-releaseResolve
			rec := thread(threadID, "room1", "bob", fixedNow.Add(-time.Hour))
			rec.Resolved = resolved
			rec.UpdatedAt = fixedNow
			return rec, nil
		},
	}
	s, _ := newTestStore(t, backend)
	seed(t, s, thread("th_abc", "room1", "bob", fixedNow.Add(-time.Hour)))

	editErr := make(chan error, 1)
	go func() {
		_, err := s.EditThreadMetadata(context.Background(), "th_abc", map[string]any{"color": "red"})
		editErr <- err
	}()
	require.Eventually(t, func() bool { return s.Snapshot().PendingMutations() == 1 }, time.Second, time.Millisecond)

	resolveErr := make(chan error, 1)
	go func() {
		_, err := s.MarkThreadResolved(context.Background(), "th_abc")
		resolveErr <- err
	}()
	require.Eventually(t, func() bool { return s.Snapshot().PendingMutations() == 2 }, time.Second, time.Millisecond)

	both, _ := s.Snapshot().Get("th_abc")
	assert.Equal(t, "red", both.Metadata["color"])
	assert.True(t, both.Resolved)

	close(releaseEdit)
	err := <-editErr
	require.Error(t, err)
	var mutErr *MutationError
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, "edit_thread_metadata", mutErr.Op)
	assert.NotEmpty(t, mutErr.CorrelationID)
	assert.Equal(t, http.StatusInternalServerError, restapi.StatusCode(err))

	rolledBack, _ := s.Snapshot().Get("th_abc")
	assert.NotContains(t, rolledBack.Metadata, "color")
	assert.True(t, rolledBack.Resolved, "pending resolve is replayed after the rollback")
	assert.Equal(t, 1, s.Snapshot().PendingMutations())

	close(releaseResolve)
	require.NoError(t, <-resolveErr)
	final, _ := s.Snapshot().Get("th_abc")
	assert.True(t, final.Resolved)
	assert.Zero(t, s.Snapshot().PendingMutations())
}

func TestDeleteThreadRequiresCreator(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestStore(t, backend)
	seed(t, s, thread("th_abc", "room1", "bob", fixedNow))
	before := s.Snapshot().Version()

	err := s.DeleteThread(context.Background(), "th_abc")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, backend.Calls())
	assert.Equal(t, before, s.Snapshot().Version())

	assert.ErrorIs(t, s.DeleteThread(context.Background(), "th_missing"), ErrThreadNotFound)
}

func TestDeleteThreadTreatsNotFoundAsSuccess(t *testing.T) {
	backend := &fakeBackend{
		deleteThread: func(string) error {
			return &restapi.HTTPError{StatusCode: http.StatusNotFound, Code: "not_found"}
		},
	}
	s, _ := newTestStore(t, backend)
	s.MergeDelta(threaddb.Delta{
		Upserts:       []threaddb.ThreadRecord{thread("th_abc", "room1", "alice", fixedNow)},
		Notifications: []threaddb.InboxNotification{{ID: "in_1", ThreadID: "th_abc", RoomID: "room1", NotifiedAt: fixedNow}},
	})

	require.NoError(t, s.DeleteThread(context.Background(), "th_abc"))
	snap := s.Snapshot()
	got, ok := snap.GetEvenIfDeleted("th_abc")
	require.True(t, ok)
	assert.True(t, got.IsDeleted())
	assert.Empty(t, snap.Notifications())

	require.NoError(t, s.DeleteThread(context.Background(), "th_abc"), "already deleted")
	assert.Equal(t, []string{"DeleteThread"}, backend.Calls())
}

func TestDeleteThreadFailureRestoresThread(t *testing.T) {
	backend := &fakeBackend{
		deleteThread: func(string) error {
			return &restapi.HTTPError{StatusCode: http.StatusForbidden, Code: "forbidden"}
		},
	}
	s, _ := newTestStore(t, backend)
	seed(t, s, thread("th_abc", "room1", "alice", fixedNow))

	err := s.DeleteThread(context.Background(), "th_abc")
	require.Error(t, err)
	assert.True(t, restapi.IsPermission(err))
	_, ok := s.Snapshot().Get("th_abc")
	assert.True(t, ok)
}

func TestCommentLifecycle(t *testing.T) {
	var server threaddb.ThreadRecord
	backend := &fakeBackend{
		createComment: func(threadID string, req restapi.CreateCommentRequest) (threaddb.ThreadRecord, error) {
			server.Comments = append(server.Comments, threaddb.CommentRecord{
				ID: req.ID, ThreadID: threadID, RoomID: "room1", UserID: "alice", CreatedAt: fixedNow, Body: req.Body,
			})
			server.UpdatedAt = fixedNow
			return server.Clone(), nil
		},
		editComment: func(threadID, commentID, body string) (threaddb.ThreadRecord, error) {
			for i := range server.Comments {
				if server.Comments[i].ID == commentID {
					server.Comments[i].Body = body
					server.Comments[i].EditedAt = threaddb.TimePtr(fixedNow)
				}
			}
			return server.Clone(), nil
		},
	}
	s, _ := newTestStore(t, backend)
	server = thread("th_abc", "room1", "bob", fixedNow.Add(-time.Hour))
	seed(t, s, server)

	c, err := s.CreateComment(context.Background(), "th_abc", "reply")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.UserID)
	assert.True(t, s.Snapshot().IsSubscribed("th_abc"))

	edited, err := s.EditComment(context.Background(), "th_abc", c.ID, "reply v2")
	require.NoError(t, err)
	assert.Equal(t, "reply v2", edited.Body)
	assert.NotNil(t, edited.EditedAt)

	_, err = s.EditComment(context.Background(), "th_abc", "cm_th_abc", "hijack")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.EditComment(context.Background(), "th_abc", "cm_missing", "x")
	assert.ErrorIs(t, err, ErrCommentNotFound)
	assert.ErrorIs(t, s.DeleteComment(context.Background(), "th_abc", "cm_th_abc"), ErrForbidden)
	_, err = s.CreateComment(context.Background(), "th_abc", "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeletingLastCommentDeletesThread(t *testing.T) {
	backend := &fakeBackend{
		deleteComment: func(threadID, commentID string) (threaddb.ThreadRecord, error) {
			return threaddb.ThreadRecord{}, &restapi.HTTPError{StatusCode: http.StatusNotFound, Code: "not_found"}
		},
	}
	s, _ := newTestStore(t, backend)
	s.MergeDelta(threaddb.Delta{
		Upserts:       []threaddb.ThreadRecord{thread("th_abc", "room1", "alice", fixedNow.Add(-time.Hour))},
		Notifications: []threaddb.InboxNotification{{ID: "in_1", ThreadID: "th_abc", RoomID: "room1", NotifiedAt: fixedNow}},
	})

	require.NoError(t, s.DeleteComment(context.Background(), "th_abc", "cm_th_abc"))
	snap := s.Snapshot()
	got, ok := snap.GetEvenIfDeleted("th_abc")
	require.True(t, ok)
	assert.True(t, got.IsDeleted())
	assert.Empty(t, got.Comments)
	assert.Empty(t, snap.Notifications())
	assert.NoError(t, s.DeleteComment(context.Background(), "th_abc", "cm_th_abc"))
}

func TestSubscriptionRaces(t *testing.T) {
	backend := &fakeBackend{
		subscribe: func(threadID string) (threaddb.ThreadSubscription, error) {
			return threaddb.ThreadSubscription{ThreadID: threadID, CreatedAt: fixedNow}, nil
		},
		unsubscribe: func(string) error {
			return &restapi.HTTPError{StatusCode: http.StatusNotFound, Code: "not_found"}
		},
	}
	s, _ := newTestStore(t, backend)
	seed(t, s, thread("th_abc", "room1", "bob", fixedNow))

	sub, err := s.SubscribeToThread(context.Background(), "th_abc")
	require.NoError(t, err)
	assert.Equal(t, "th_abc", sub.ThreadID)
	_, err = s.SubscribeToThread(context.Background(), "th_abc")
	require.NoError(t, err)

	require.NoError(t, s.UnsubscribeFromThread(context.Background(), "th_abc"))
	assert.False(t, s.Snapshot().IsSubscribed("th_abc"))
	require.NoError(t, s.UnsubscribeFromThread(context.Background(), "th_abc"))
	assert.Equal(t, []string{"SubscribeToThread", "UnsubscribeFromThread"}, backend.Calls())
}

func TestMarkNotificationsRead(t *testing.T) {
	readAt := fixedNow.Add(time.Second)
	var requests []restapi.MarkReadRequest
	backend := &fakeBackend{
		markRead: func(req restapi.MarkReadRequest) (restapi.MarkReadResponse, error) {
			requests = append(requests, req)
			ids := req.IDs
			if req.All {
				ids = []string{"in_2"}
			}
			return restapi.MarkReadResponse{IDs: ids, ReadAt: readAt}, nil
		},
	}
	s, _ := newTestStore(t, backend)
	s.MergeDelta(threaddb.Delta{
		Upserts: []threaddb.ThreadRecord{
			thread("th_abc", "room1", "bob", fixedNow),
			thread("th_def", "room1", "bob", fixedNow),
		},
		Notifications: []threaddb.InboxNotification{
			{ID: "in_1", ThreadID: "th_abc", RoomID: "room1", NotifiedAt: fixedNow},
			{ID: "in_2", ThreadID: "th_def", RoomID: "room1", NotifiedAt: fixedNow.Add(-time.Minute)},
		},
	})
	assert.Equal(t, 2, s.Snapshot().UnreadCount())

	assert.ErrorIs(t, s.MarkNotificationsRead(context.Background(), "in_missing"), ErrNotificationNotFound)
	require.NoError(t, s.MarkNotificationsRead(context.Background(), "in_1"))
	n, _ := s.Snapshot().Notification("in_1")
	require.NotNil(t, n.ReadAt)
	assert.Equal(t, readAt, *n.ReadAt)

	require.NoError(t, s.MarkNotificationsRead(context.Background(), "in_1"), "already read")
	require.NoError(t, s.MarkAllNotificationsRead(context.Background()))
	assert.Zero(t, s.Snapshot().UnreadCount())
	require.NoError(t, s.MarkAllNotificationsRead(context.Background()))

	assert.Equal(t, []restapi.MarkReadRequest{{IDs: []string{"in_1"}}, {All: true}}, requests)
}

func TestLocalValidationPublishesNothing(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestStore(t, backend)
	count, unsubscribe := countNotifications(s)
	defer unsubscribe()

	_, err := s.CreateThread(context.Background(), "", "body", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.MarkThreadResolved(context.Background(), "th_missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	_, err = s.EditThreadMetadata(context.Background(), "th_missing", map[string]any{"a": "b"})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	assert.Zero(t, *count)
	assert.Empty(t, backend.Calls())
}

func TestPatchMetadataRemovesNilKeys(t *testing.T) {
	got := patchMetadata(threaddb.Metadata{"color": "red", "tag": "odd"}, map[string]any{"color": nil, "size": 3})
	assert.Equal(t, threaddb.Metadata{"tag": "odd", "size": 3}, got)
}

func TestLateConfirmationDoesNotOverwriteNewerDelta(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{
		resolve: func(threadID string, resolved bool) (threaddb.ThreadRecord, error) {
			close(entered)
			<-release
			rec := thread(threadID, "room1", "bob", fixedNow)
			rec.Resolved = resolved
			rec.UpdatedAt = fixedNow.Add(time.Second)
			return rec, nil
		},
	}
	s, _ := newTestStore(t, backend)
	seed(t, s, thread("th_a", "room1", "bob", fixedNow))

	done := make(chan error, 1)
	go func() {
		_, err := s.MarkThreadResolved(context.Background(), "th_a")
		done <- err
	}()
	<-entered

	newer := thread("th_a", "room1", "bob", fixedNow)
	newer.Resolved = true
	newer.UpdatedAt = fixedNow.Add(5 * time.Second)
	newer.Metadata = threaddb.Metadata{"edited": "later"}
	require.True(t, s.MergeDelta(threaddb.Delta{Upserts: []threaddb.ThreadRecord{newer}}))

	close(release)
	require.NoError(t, <-done)

	got, ok := s.Snapshot().Get("th_a")
	require.True(t, ok)
	assert.Equal(t, fixedNow.Add(5*time.Second), got.UpdatedAt)
	assert.Equal(t, "later", got.Metadata["edited"])
	assert.True(t, got.Resolved)
}
