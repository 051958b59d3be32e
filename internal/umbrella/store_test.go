package umbrella

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/threadsync/internal/clock"
	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/scheduler"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

var fixedNow = time.Date(2024, 10, 20, 12, 0, 0, 0, time.UTC)

var errUnexpected = errors.New("unexpected backend call")

type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	page           func(roomID string) (restapi.ThreadsPage, error)
	delta          func(since time.Time) (restapi.DeltaResponse, error)
	createThread   func(roomID string, req restapi.CreateThreadRequest) (threaddb.ThreadRecord, error)
	editMetadata   func(threadID string, md map[string]any) (threaddb.ThreadRecord, error)
	resolve        func(threadID string, resolved bool) (threaddb.ThreadRecord, error)
	deleteThread   func(threadID string) error
	createComment  func(threadID string, req restapi.CreateCommentRequest) (threaddb.ThreadRecord, error)
	editComment    func(threadID, commentID, body string) (threaddb.ThreadRecord, error)
	deleteComment  func(threadID, commentID string) (threaddb.ThreadRecord, error)
	subscribe      func(threadID string) (threaddb.ThreadSubscription, error)
	unsubscribe    func(threadID string) error
	markRead       func(req restapi.MarkReadRequest) (restapi.MarkReadResponse, error)
	correlationIDs []string
}

func (f *fakeBackend) record(name, correlationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if correlationID != "" {
		f.correlationIDs = append(f.correlationIDs, correlationID)
	}
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) GetAllThreads(ctx context.Context, roomID string, query threaddb.Query) (restapi.ThreadsPage, error) {
	f.record("GetAllThreads", "")
	if f.page == nil {
		return restapi.ThreadsPage{}, errUnexpected
	}
	return f.page(roomID)
}

func (f *fakeBackend) GetDelta(ctx context.Context, since time.Time) (restapi.DeltaResponse, error) {
	f.record("GetDelta", "")
	if f.delta == nil {
		return restapi.DeltaResponse{}, errUnexpected
	}
	return f.delta(since)
}

func (f *fakeBackend) CreateThread(ctx context.Context, correlationID, roomID string, req restapi.CreateThreadRequest) (threaddb.ThreadRecord, error) {
	f.record("CreateThread", correlationID)
	if f.createThread == nil {
		return threaddb.ThreadRecord{}, errUnexpected
	}
	return f.createThread(roomID, req)
}

func (f *fakeBackend) EditThreadMetadata(ctx context.Context, correlationID, roomID, threadID string, metadata map[string]any) (threaddb.ThreadRecord, error) {
	f.record("EditThreadMetadata", correlationID)
	if f.editMetadata == nil {
		return threaddb.ThreadRecord{}, errUnexpected
	}
	return f.editMetadata(threadID, metadata)
}

func (f *fakeBackend) MarkThreadResolved(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadRecord, error) {
	f.record("MarkThreadResolved", correlationID)
	if f.resolve == nil {
		return threaddb.ThreadRecord{}, errUnexpected
	}
	return f.resolve(threadID, true)
}

func (f *fakeBackend) MarkThreadUnresolved(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadRecord, error) {
	f.record("MarkThreadUnresolved", correlationID)
	if f.resolve == nil {
		return threaddb.ThreadRecord{}, errUnexpected
	}
	return f.resolve(threadID, false)
}

func (f *fakeBackend) DeleteThread(ctx context.Context, correlationID, roomID, threadID string) error {
	f.record("DeleteThread", correlationID)
	if f.deleteThread == nil {
		return errUnexpected
	}
	return f.deleteThread(threadID)
}

func (f *fakeBackend) CreateComment(ctx context.Context, correlationID, roomID, threadID string, req restapi.CreateCommentRequest) (threaddb.ThreadRecord, error) {
	f.record("CreateComment", correlationID)
	if f.createComment == nil {
		return threaddb.ThreadRecord{}, errUnexpected
	}
	return f.createComment(threadID, req)
}

func (f *fakeBackend) EditComment(ctx context.Context, correlationID, roomID, threadID, commentID string, req restapi.EditCommentRequest) (threaddb.ThreadRecord, error) {
	f.record("EditComment", correlationID)
	if f.editComment == nil {
		return threaddb.ThreadRecord{}, errUnexpected
	}
	return f.editComment(threadID, commentID, req.Body)
}

func (f *fakeBackend) DeleteComment(ctx context.Context, correlationID, roomID, threadID, commentID string) (threaddb.ThreadRecord, error) {
	f.record("DeleteComment", correlationID)
	if f.deleteComment == nil {
		return threaddb.ThreadRecord{}, errUnexpected
	}
	return f.deleteComment(threadID, commentID)
}

func (f *fakeBackend) SubscribeToThread(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadSubscription, error) {
	f.record("SubscribeToThread", correlationID)
	if f.subscribe == nil {
		return threaddb.ThreadSubscription{}, errUnexpected
	}
	return f.subscribe(threadID)
}

func (f *fakeBackend) UnsubscribeFromThread(ctx context.Context, correlationID, roomID, threadID string) error {
	f.record("UnsubscribeFromThread", correlationID)
	if f.unsubscribe == nil {
		return errUnexpected
	}
	return f.unsubscribe(threadID)
}

func (f *fakeBackend) MarkNotificationsRead(ctx context.Context, correlationID string, req restapi.MarkReadRequest) (restapi.MarkReadResponse, error) {
	f.record("MarkNotificationsRead", correlationID)
	if f.markRead == nil {
		return restapi.MarkReadResponse{}, errUnexpected
	}
	return f.markRead(req)
}

func newTestStore(t *testing.T, backend *fakeBackend) (*Store, *clock.Manual) {
	t.Helper()
	m := clock.NewManual(fixedNow)
	s, err := New(Options{Backend: backend, UserID: "alice", Clock: m})
	require.NoError(t, err)
	return s, m
}

func thread(id, room, author string, created time.Time) threaddb.ThreadRecord {
	return threaddb.ThreadRecord{
		ID:        id,
		RoomID:    room,
		CreatedAt: created,
		UpdatedAt: created,
		Metadata:  threaddb.Metadata{},
		Comments: []threaddb.CommentRecord{{
			ID:        "cm_" + id,
			ThreadID:  id,
			RoomID:    room,
			UserID:    author,
			CreatedAt: created,
			Body:      "hello",
		}},
	}
}

func seed(t *testing.T, s *Store, threads ...threaddb.ThreadRecord) {
	t.Helper()
	require.True(t, s.MergeDelta(threaddb.Delta{Upserts: threads}))
}

func countNotifications(s *Store) (*int, func()) {
	var mu sync.Mutex
	n := 0
	unsubscribe := s.Subscribe(func(Snapshot) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	return &n, unsubscribe
}

func TestMergeDeltaNotifiesOnlyWhenNewer(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	count, unsubscribe := countNotifications(s)
	defer unsubscribe()

	base := thread("th_abc", "room1", "alice", fixedNow.Add(-time.Hour))
	version := func(d time.Duration, body string) threaddb.ThreadRecord {
		t := base.Clone()
		t.UpdatedAt = base.CreatedAt.Add(d)
		t.Comments[0].Body = body
		return t
	}
	s.MergeDelta(threaddb.Delta{Upserts: []threaddb.ThreadRecord{version(time.Minute, "v1")}})
	s.MergeDelta(threaddb.Delta{Upserts: []threaddb.ThreadRecord{version(3*time.Minute, "v3")}})
	s.MergeDelta(threaddb.Delta{Upserts: []threaddb.ThreadRecord{version(time.Minute, "v1")}})
	s.MergeDelta(threaddb.Delta{Upserts: []threaddb.ThreadRecord{version(2*time.Minute, "v2")}})

	assert.Equal(t, 2, *count)
	got, ok := s.Snapshot().Get("th_abc")
	require.True(t, ok)
	assert.Equal(t, "v3", got.Comments[0].Body)
}

func TestMergeEmptyDeltaPublishesNothing(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	seed(t, s, thread("th_abc", "room1", "alice", fixedNow))
	before := s.Snapshot().Version()
	count, unsubscribe := countNotifications(s)
	defer unsubscribe()

	assert.False(t, s.MergeDelta(threaddb.Delta{}))
	assert.False(t, s.MergeDelta(threaddb.Delta{Deletions: []threaddb.DeletionMarker{{ID: "th_unknown", DeletedAt: fixedNow}}}))
	assert.Equal(t, before, s.Snapshot().Version())
	assert.Zero(t, *count)
}

func TestMergeDeltaDeletionDropsNotification(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	s.MergeDelta(threaddb.Delta{
		Upserts:       []threaddb.ThreadRecord{thread("th_abc", "room1", "bob", fixedNow)},
		Notifications: []threaddb.InboxNotification{{ID: "in_1", ThreadID: "th_abc", RoomID: "room1", NotifiedAt: fixedNow}},
	})
	require.Len(t, s.Snapshot().Notifications(), 1)

	s.MergeDelta(threaddb.Delta{Deletions: []threaddb.DeletionMarker{{ID: "th_abc", RoomID: "room1", DeletedAt: fixedNow.Add(time.Minute)}}})
	snap := s.Snapshot()
	_, ok := snap.Get("th_abc")
	assert.False(t, ok)
	assert.Empty(t, snap.Notifications())
}

func TestBatchPublishesOnce(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	count, unsubscribe := countNotifications(s)
	defer unsubscribe()

	s.Batch(func() {
		s.MergeDelta(threaddb.Delta{Upserts: []threaddb.ThreadRecord{thread("th_abc", "room1", "alice", fixedNow)}})
		s.MergeDelta(threaddb.Delta{Upserts: []threaddb.ThreadRecord{thread("th_def", "room1", "alice", fixedNow)}})
	})
	assert.Equal(t, 1, *count)
	assert.Len(t, s.Snapshot().FindMany("room1", threaddb.Query{}, threaddb.Ascending), 2)

	s.Batch(func() {})
	assert.Equal(t, 1, *count)
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	seed(t, s, thread("th_abc", "room1", "alice", fixedNow))
	old := s.Snapshot()

	s.MergeDelta(threaddb.Delta{Deletions: []threaddb.DeletionMarker{{ID: "th_abc", DeletedAt: fixedNow.Add(time.Minute)}}})
	_, ok := old.Get("th_abc")
	assert.True(t, ok)
	_, ok = s.Snapshot().Get("th_abc")
	assert.False(t, ok)
	assert.Greater(t, s.Snapshot().Version(), old.Version())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	count, unsubscribe := countNotifications(s)
	seed(t, s, thread("th_abc", "room1", "alice", fixedNow))
	unsubscribe()
	seed(t, s, thread("th_def", "room1", "alice", fixedNow))
	assert.Equal(t, 1, *count)
}

func TestObserveResourceBumpsOnTransitionsOnly(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	count, unsubscribe := countNotifications(s)
	defer unsubscribe()

	s.ObserveResource(scheduler.Status{Resource: ResourceThreads, State: scheduler.StateFetching})
	s.ObserveResource(scheduler.Status{Resource: ResourceThreads, State: scheduler.StateFetching, Generation: 2})
	s.ObserveResource(scheduler.Status{Resource: ResourceThreads, State: scheduler.StateRetrying, Err: errors.New("boom")})
	assert.Equal(t, 2, *count)

	st, ok := s.Snapshot().Resource(ResourceThreads)
	require.True(t, ok)
	assert.Equal(t, scheduler.StateRetrying, st.State)
	assert.EqualError(t, st.Err, "boom")
}

func TestThreadsFetchLoadsThenPullsDeltas(t *testing.T) {
	requestedAt := fixedNow.Add(-time.Minute)
	var sinceSeen time.Time
	backend := &fakeBackend{
		page: func(roomID string) (restapi.ThreadsPage, error) {
			return restapi.ThreadsPage{
				Threads:       []threaddb.ThreadRecord{thread("th_abc", roomID, "alice", fixedNow.Add(-time.Hour))},
				Subscriptions: []threaddb.ThreadSubscription{{ThreadID: "th_abc", CreatedAt: fixedNow.Add(-time.Hour)}},
				RequestedAt:   requestedAt,
			}, nil
		},
		delta: func(since time.Time) (restapi.DeltaResponse, error) {
			sinceSeen = since
			return restapi.DeltaResponse{
				Delta: threaddb.Delta{
					Deletions: []threaddb.DeletionMarker{{ID: "th_abc", RoomID: "room1", DeletedAt: fixedNow}},
				},
				DeletedSubscriptions: []string{"th_abc"},
				RequestedAt:          fixedNow,
			}, nil
		},
	}
	s, _ := newTestStore(t, backend)
	sched, err := scheduler.New(s.SchedulerOptions(ResourceThreads, s.ThreadsFetch("room1", threaddb.Query{})))
	require.NoError(t, err)

	require.NoError(t, sched.RefreshNow(context.Background()))
	snap := s.Snapshot()
	_, ok := snap.Get("th_abc")
	assert.True(t, ok)
	assert.True(t, snap.IsSubscribed("th_abc"))
	st, _ := snap.Resource(ResourceThreads)
	assert.Equal(t, scheduler.StateReady, st.State)
	assert.True(t, st.HasData)
	assert.Equal(t, requestedAt, s.SyncedAt())

	require.NoError(t, sched.RefreshNow(context.Background()))
	assert.Equal(t, requestedAt, sinceSeen)
	snap = s.Snapshot()
	_, ok = snap.Get("th_abc")
	assert.False(t, ok)
	assert.False(t, snap.IsSubscribed("th_abc"))
	assert.Equal(t, fixedNow, s.SyncedAt())
	assert.Equal(t, []string{"GetAllThreads", "GetDelta"}, backend.Calls())

	s.ResetSync()
	assert.True(t, s.SyncedAt().IsZero())
}

func TestThreadsFetchPermissionErrorIsTerminal(t *testing.T) {
	backend := &fakeBackend{
		page: func(string) (restapi.ThreadsPage, error) {
			return restapi.ThreadsPage{}, &restapi.HTTPError{StatusCode: http.StatusForbidden, Code: "forbidden"}
		},
	}
	s, m := newTestStore(t, backend)
	sched, err := scheduler.New(s.SchedulerOptions(ResourceThreads, s.ThreadsFetch("", threaddb.Query{})))
	require.NoError(t, err)

	require.Error(t, sched.RefreshNow(context.Background()))
	st, ok := s.Snapshot().Resource(ResourceThreads)
	require.True(t, ok)
	assert.Equal(t, scheduler.StateTerminalError, st.State)
	assert.True(t, restapi.IsPermission(st.Err))
	assert.Zero(t, m.Pending())
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestMergeIdenticalDeltaPublishesNothing(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	th := thread("th_abc", "room1", "alice", fixedNow)
	seed(t, s, th)
	before := s.Snapshot().Version()
	count, unsubscribe := countNotifications(s)
	defer unsubscribe()

	assert.False(t, s.MergeDelta(threaddb.Delta{Upserts: []threaddb.ThreadRecord{th.Clone()}}))
	assert.Equal(t, before, s.Snapshot().Version())
	assert.Zero(t, *count)
}

func TestSnapshotFindManyIsNotAliased(t *testing.T) {
	s, _ := newTestStore(t, &fakeBackend{})
	th := thread("th_a", "room1", "alice", fixedNow)
	th.Metadata = threaddb.Metadata{"color": "red"}
	seed(t, s, th)
	old := s.Snapshot()

	got := old.FindMany("room1", threaddb.Query{}, threaddb.Ascending)
	require.Len(t, got, 1)
	got[0].Metadata["color"] = "blue"
	got[0].Comments[0].Body = "tampered"
	seed(t, s, thread("th_b", "room2", "bob", fixedNow))

	for _, snap := range []Snapshot{old, s.Snapshot()} {
		stored, ok := snap.Get("th_a")
		require.True(t, ok)
		assert.Equal(t, "red", stored.Metadata["color"])
		assert.Equal(t, "hello", stored.Comments[0].Body)
	}
}
