package server

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/clock"
	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
)

type ServiceOptions struct {
	Backend StateBackend
	Clock   clock.Clock
	Logger  *zap.Logger
	// OnChange receives one event per committed mutation, outside the
	// service lock.
	OnChange func(restapi.ChangeEvent)
}

// ThreadService owns the authoritative thread, inbox and subscription state
// served over REST.
type ThreadService struct {
	clock   clock.Clock
	backend StateBackend
	logger  *zap.Logger

	mu           sync.Mutex
	listeners    []func(restapi.ChangeEvent)
	threads      *threaddb.ThreadStore
	inbox        map[string]*threaddb.NotificationStore
	inboxDeleted map[string][]threaddb.NotificationDeletion
	subs         map[string]map[string]threaddb.ThreadSubscription
	subsDeleted  map[string][]subscriptionTombstone
	version      uint64
	// readMark is the latest RequestedAt handed out. Commits are stamped
	// strictly after it, so a client resuming from it never misses one.
	readMark time.Time
}

func NewThreadService(opts ServiceOptions) (*ThreadService, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ThreadService{
		clock:        opts.Clock,
		backend:      opts.Backend,
		logger:       logger,
		inbox:        map[string]*threaddb.NotificationStore{},
		inboxDeleted: map[string][]threaddb.NotificationDeletion{},
		subs:         map[string]map[string]threaddb.ThreadSubscription{},
		subsDeleted:  map[string][]subscriptionTombstone{},
	}
	s.threads = threaddb.NewThreadStore(s.stampLocked)
	if opts.OnChange != nil {
		s.listeners = append(s.listeners, opts.OnChange)
	}
	if s.backend == nil {
		return s, nil
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if snapshot != nil {
		s.restore(snapshot)
		logger.Info("state_restored", zap.Uint64("version", s.version), zap.Int("threads", s.threads.Len()))
	}
	return s, nil
}

func (s *ThreadService) restore(p *persistedState) {
	s.version = p.Version
	s.threads.Restore(p.Threads, p.Version)
	for user, items := range p.Notifications {
		store := threaddb.NewNotificationStore()
		store.Restore(items)
		s.inbox[user] = store
	}
	for user, items := range p.NotificationTombstones {
		s.inboxDeleted[user] = slices.Clone(items)
	}
	for user, items := range p.Subscriptions {
		m := make(map[string]threaddb.ThreadSubscription, len(items))
		for _, sub := range items {
			m[sub.ThreadID] = sub
		}
		s.subs[user] = m
	}
	for user, items := range p.SubscriptionTombstones {
		s.subsDeleted[user] = slices.Clone(items)
	}
}

func (s *ThreadService) snapshotLocked() *persistedState {
	p := &persistedState{
		Version:                s.version,
		Threads:                slices.Collect(s.threads.All()),
		Notifications:          make(map[string][]threaddb.InboxNotification, len(s.inbox)),
		NotificationTombstones: make(map[string][]threaddb.NotificationDeletion, len(s.inboxDeleted)),
		Subscriptions:          make(map[string][]threaddb.ThreadSubscription, len(s.subs)),
		SubscriptionTombstones: make(map[string][]subscriptionTombstone, len(s.subsDeleted)),
	}
	for user, store := range s.inbox {
		p.Notifications[user] = store.List()
	}
	maps.Copy(p.NotificationTombstones, s.inboxDeleted)
	for user := range s.subs {
		p.Subscriptions[user] = s.subscriptionsLocked(user)
	}
	maps.Copy(p.SubscriptionTombstones, s.subsDeleted)
	return p
}

// commitLocked bumps the version and persists. The returned func publishes
// the change event and must run after s.mu is released.
func (s *ThreadService) commitLocked(roomID string) (func(), error) {
	s.version++
	if s.backend != nil {
		if err := s.backend.Save(s.snapshotLocked()); err != nil {
			s.logger.Error("state_save_failed", zap.Uint64("version", s.version), zap.Error(err))
			return func() {}, fmt.Errorf("save state: %w", err)
		}
	}
	event := restapi.ChangeEvent{Type: "changed", RoomID: roomID, At: s.stampLocked(), Version: s.version}
	listeners := slices.Clone(s.listeners)
	return func() {
		for _, fn := range listeners {
			fn(event)
		}
	}, nil
}

// OnChange registers fn for every committed mutation.
func (s *ThreadService) OnChange(fn func(restapi.ChangeEvent)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *ThreadService) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *ThreadService) Now() time.Time {
	return s.clock.Now()
}

// RequestedAt returns the sync point for a full listing that starts now.
func (s *ThreadService) RequestedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestedAtLocked()
}

func (s *ThreadService) requestedAtLocked() time.Time {
	now := s.clock.Now()
	if now.After(s.readMark) {
		s.readMark = now
	}
	return now
}

func (s *ThreadService) stampLocked() time.Time {
	now := s.clock.Now()
	if !now.After(s.readMark) {
		now = s.readMark.Add(time.Nanosecond)
	}
	return now
}

// Stats reports live thread and unread notification totals.
func (s *ThreadService) Stats() (threads, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range s.threads.Find("", threaddb.Query{}, threaddb.Ascending) {
		threads++
	}
	for _, store := range s.inbox {
		unread += len(store.Unread())
	}
	return threads, unread
}

// ListThreads returns one page of live threads ordered by creation time.
func (s *ThreadService) ListThreads(roomID string, q threaddb.Query, offset, limit int) ([]threaddb.ThreadRecord, bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.threads.FindMany(roomID, q, threaddb.Ascending)
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]threaddb.ThreadRecord, 0, end-offset)
	for _, t := range all[offset:end] {
		page = append(page, t.Clone())
	}
	return page, end < len(all), s.version
}

func (s *ThreadService) Inbox(user string) []threaddb.InboxNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.inbox[user]
	if !ok {
		return []threaddb.InboxNotification{}
	}
	return store.List()
}

func (s *ThreadService) Subscriptions(user string) []threaddb.ThreadSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptionsLocked(user)
}

func (s *ThreadService) subscriptionsLocked(user string) []threaddb.ThreadSubscription {
	m := s.subs[user]
	out := make([]threaddb.ThreadSubscription, 0, len(m))
	for _, id := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[id])
	}
	return out
}

// Delta reports every change visible to user strictly after since. The
// returned RequestedAt is the since value for the next call.
func (s *ThreadService) Delta(user string, since time.Time) restapi.DeltaResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := restapi.DeltaResponse{
		Delta: threaddb.Delta{
			Upserts:               []threaddb.ThreadRecord{},
			Deletions:             []threaddb.DeletionMarker{},
			Notifications:         []threaddb.InboxNotification{},
			NotificationDeletions: []threaddb.NotificationDeletion{},
		},
		Subscriptions:        []threaddb.ThreadSubscription{},
		DeletedSubscriptions: []string{},
		RequestedAt:          s.requestedAtLocked(),
	}
	for t := range s.threads.All() {
		switch {
		case t.IsDeleted():
			if t.DeletedAt.After(since) {
				resp.Deletions = append(resp.Deletions, threaddb.DeletionMarker{ID: t.ID, RoomID: t.RoomID, DeletedAt: *t.DeletedAt})
			}
		case t.UpdatedAt.After(since):
			resp.Upserts = append(resp.Upserts, t.Clone())
		}
	}
	if store, ok := s.inbox[user]; ok {
		for n := range store.Find(func(n threaddb.InboxNotification) bool {
			return n.NotifiedAt.After(since) || (n.ReadAt != nil && n.ReadAt.After(since))
		}) {
			resp.Notifications = append(resp.Notifications, n)
		}
	}
	for _, del := range s.inboxDeleted[user] {
		if del.DeletedAt.After(since) {
			resp.NotificationDeletions = append(resp.NotificationDeletions, del)
		}
	}
	for _, sub := range s.subscriptionsLocked(user) {
		if sub.CreatedAt.After(since) {
			resp.Subscriptions = append(resp.Subscriptions, sub)
		}
	}
	for _, tomb := range s.subsDeleted[user] {
		if _, resubscribed := s.subs[user][tomb.ThreadID]; resubscribed {
			continue
		}
		if tomb.DeletedAt.After(since) {
			resp.DeletedSubscriptions = append(resp.DeletedSubscriptions, tomb.ThreadID)
		}
	}
	return resp
}

func (s *ThreadService) liveThreadLocked(roomID, threadID string) (threaddb.ThreadRecord, error) {
	t, ok := s.threads.Get(threadID)
	if !ok || t.RoomID != roomID {
		return threaddb.ThreadRecord{}, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	return t, nil
}

func (s *ThreadService) CreateThread(user, roomID string, req restapi.CreateThreadRequest) (threaddb.ThreadRecord, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(req.Body) == "" {
		return threaddb.ThreadRecord{}, fmt.Errorf("%w: room and body are required", ErrInvalidInput)
	}
	if req.ID == "" {
		req.ID = threaddb.NewThreadID()
	}
	if req.CommentID == "" {
		req.CommentID = threaddb.NewCommentID()
	}

	s.mu.Lock()
	if _, exists := s.threads.GetEvenIfDeleted(req.ID); exists {
		s.mu.Unlock()
		return threaddb.ThreadRecord{}, fmt.Errorf("%w: thread %s already exists", ErrConflict, req.ID)
	}
	now := s.stampLocked()
	t := threaddb.ThreadRecord{
		ID:        req.ID,
		RoomID:    roomID,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  req.Metadata.Clone(),
		Comments: []threaddb.CommentRecord{{
			ID:        req.CommentID,
			ThreadID:  req.ID,
			RoomID:    roomID,
			UserID:    user,
			CreatedAt: now,
			Body:      req.Body,
		}},
	}
	s.threads.Upsert(t)
	s.subscribeLocked(user, t.ID, now)
	publish, err := s.commitLocked(roomID)
	stored, _ := s.threads.Get(t.ID)
	s.mu.Unlock()
	publish()
	return stored, err
}

// EditMetadata merges patch into the thread metadata; nil values remove keys.
func (s *ThreadService) EditMetadata(user, roomID, threadID string, patch map[string]any) (threaddb.ThreadRecord, error) {
	return s.updateThread(roomID, threadID, func(t *threaddb.ThreadRecord) error {
		if t.Metadata == nil {
			t.Metadata = threaddb.Metadata{}
		}
		for k, v := range patch {
			if v == nil {
				delete(t.Metadata, k)
				continue
			}
			t.Metadata[k] = v
		}
		return nil
	})
}

func (s *ThreadService) SetResolved(user, roomID, threadID string, resolved bool) (threaddb.ThreadRecord, error) {
	return s.updateThread(roomID, threadID, func(t *threaddb.ThreadRecord) error {
		t.Resolved = resolved
		return nil
	})
}

func (s *ThreadService) updateThread(roomID, threadID string, fn func(t *threaddb.ThreadRecord) error) (threaddb.ThreadRecord, error) {
	s.mu.Lock()
	t, err := s.liveThreadLocked(roomID, threadID)
	if err != nil {
		s.mu.Unlock()
		return threaddb.ThreadRecord{}, err
	}
	if err := fn(&t); err != nil {
		s.mu.Unlock()
		return threaddb.ThreadRecord{}, err
	}
	t.UpdatedAt = s.stampLocked()
	s.threads.Upsert(t)
	if stored, ok := s.threads.GetEvenIfDeleted(threadID); ok && stored.IsDeleted() {
		s.dropThreadLocked(threadID, *stored.DeletedAt)
	}
	publish, err := s.commitLocked(roomID)
	stored, _ := s.threads.GetEvenIfDeleted(threadID)
	s.mu.Unlock()
	publish()
	return stored, err
}

// DeleteThread soft-deletes a thread. Only its creator may delete it.
func (s *ThreadService) DeleteThread(user, roomID, threadID string) error {
	s.mu.Lock()
	t, err := s.liveThreadLocked(roomID, threadID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if t.CreatorID() != user {
		s.mu.Unlock()
		return fmt.Errorf("%w: only the thread creator can delete it", ErrForbidden)
	}
	now := s.stampLocked()
	s.threads.Delete(threadID, now)
	s.dropThreadLocked(threadID, now)
	publish, err := s.commitLocked(roomID)
	s.mu.Unlock()
	publish()
	return err
}

// dropThreadLocked removes every inbox entry and subscription of a deleted
// thread, leaving tombstones for delta readers.
func (s *ThreadService) dropThreadLocked(threadID string, at time.Time) {
	for user, store := range s.inbox {
		if n, ok := store.ForThread(threadID); ok {
			store.Delete(n.ID)
			s.inboxDeleted[user] = append(s.inboxDeleted[user], threaddb.NotificationDeletion{ID: n.ID, DeletedAt: at})
		}
	}
	for user := range s.subs {
		s.unsubscribeLocked(user, threadID, at)
	}
}

func (s *ThreadService) CreateComment(user, roomID, threadID string, req restapi.CreateCommentRequest) (threaddb.ThreadRecord, error) {
	if strings.TrimSpace(req.Body) == "" {
		return threaddb.ThreadRecord{}, fmt.Errorf("%w: body is required", ErrInvalidInput)
	}
	if req.ID == "" {
		req.ID = threaddb.NewCommentID()
	}
	s.mu.Lock()
	t, err := s.liveThreadLocked(roomID, threadID)
	if err != nil {
		s.mu.Unlock()
		return threaddb.ThreadRecord{}, err
	}
	if _, exists := t.Comment(req.ID); exists {
		s.mu.Unlock()
		return threaddb.ThreadRecord{}, fmt.Errorf("%w: comment %s already exists", ErrConflict, req.ID)
	}
	now := s.stampLocked()
	t.Comments = append(t.Comments, threaddb.CommentRecord{
		ID:        req.ID,
		ThreadID:  threadID,
		RoomID:    roomID,
		UserID:    user,
		CreatedAt: now,
		Body:      req.Body,
	})
	t.UpdatedAt = now
	s.threads.Upsert(t)
	s.subscribeLocked(user, threadID, now)
	s.notifySubscribersLocked(t, user, now)
	publish, err := s.commitLocked(roomID)
	stored, _ := s.threads.Get(threadID)
	s.mu.Unlock()
	publish()
	return stored, err
}

// notifySubscribersLocked raises or refreshes the thread notification of
// every subscriber except the author.
func (s *ThreadService) notifySubscribersLocked(t threaddb.ThreadRecord, author string, now time.Time) {
	for _, user := range slices.Sorted(maps.Keys(s.subs)) {
		if user == author {
			continue
		}
		if _, ok := s.subs[user][t.ID]; !ok {
			continue
		}
		store := s.inboxLocked(user)
		n, ok := store.ForThread(t.ID)
		if !ok {
			n = threaddb.InboxNotification{ID: threaddb.NewNotificationID(), Kind: threaddb.NotificationKindThread, ThreadID: t.ID, RoomID: t.RoomID}
		}
		n.NotifiedAt = now
		n.ReadAt = nil
		store.Upsert(n)
	}
}

func (s *ThreadService) inboxLocked(user string) *threaddb.NotificationStore {
	store, ok := s.inbox[user]
	if !ok {
		store = threaddb.NewNotificationStore()
		s.inbox[user] = store
	}
	return store
}

func (s *ThreadService) EditComment(user, roomID, threadID, commentID, body string) (threaddb.ThreadRecord, error) {
	if strings.TrimSpace(body) == "" {
		return threaddb.ThreadRecord{}, fmt.Errorf("%w: body is required", ErrInvalidInput)
	}
	return s.updateComment(user, roomID, threadID, commentID, func(c *threaddb.CommentRecord, now time.Time) {
		c.Body = body
		c.EditedAt = threaddb.TimePtr(now)
	})
}

// DeleteComment soft-deletes a comment. A thread left without live comments
// is deleted with it.
func (s *ThreadService) DeleteComment(user, roomID, threadID, commentID string) (threaddb.ThreadRecord, error) {
	return s.updateComment(user, roomID, threadID, commentID, func(c *threaddb.CommentRecord, now time.Time) {
		c.DeletedAt = threaddb.TimePtr(now)
		c.Body = ""
	})
}

func (s *ThreadService) updateComment(user, roomID, threadID, commentID string, fn func(c *threaddb.CommentRecord, now time.Time)) (threaddb.ThreadRecord, error) {
	return s.updateThread(roomID, threadID, func(t *threaddb.ThreadRecord) error {
		for i := range t.Comments {
			c := &t.Comments[i]
			if c.ID != commentID || c.DeletedAt != nil {
				continue
			}
			if c.UserID != user {
				return fmt.Errorf("%w: only the author can change comment %s", ErrForbidden, commentID)
			}
			fn(c, s.stampLocked())
			return nil
		}
		return fmt.Errorf("%w: comment %s", ErrNotFound, commentID)
	})
}

func (s *ThreadService) Subscribe(user, roomID, threadID string) (threaddb.ThreadSubscription, error) {
	s.mu.Lock()
	if _, err := s.liveThreadLocked(roomID, threadID); err != nil {
		s.mu.Unlock()
		return threaddb.ThreadSubscription{}, err
	}
	if sub, ok := s.subs[user][threadID]; ok {
		s.mu.Unlock()
		return sub, nil
	}
	sub := s.subscribeLocked(user, threadID, s.stampLocked())
	publish, err := s.commitLocked(roomID)
	s.mu.Unlock()
	publish()
	return sub, err
}

func (s *ThreadService) subscribeLocked(user, threadID string, at time.Time) threaddb.ThreadSubscription {
	m, ok := s.subs[user]
	if !ok {
		m = map[string]threaddb.ThreadSubscription{}
		s.subs[user] = m
	}
	if sub, ok := m[threadID]; ok {
		return sub
	}
	sub := threaddb.ThreadSubscription{ThreadID: threadID, CreatedAt: at}
	m[threadID] = sub
	return sub
}

func (s *ThreadService) Unsubscribe(user, roomID, threadID string) error {
	s.mu.Lock()
	if _, err := s.liveThreadLocked(roomID, threadID); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.unsubscribeLocked(user, threadID, s.stampLocked()) {
		s.mu.Unlock()
		return fmt.Errorf("%w: not subscribed to %s", ErrNotFound, threadID)
	}
	publish, err := s.commitLocked(roomID)
	s.mu.Unlock()
	publish()
	return err
}

func (s *ThreadService) unsubscribeLocked(user, threadID string, at time.Time) bool {
	if _, ok := s.subs[user][threadID]; !ok {
		return false
	}
	delete(s.subs[user], threadID)
	s.subsDeleted[user] = append(s.subsDeleted[user], subscriptionTombstone{ThreadID: threadID, DeletedAt: at})
	return true
}

// MarkRead marks ids, or every unread notification when all is set, as read
// for user. Unknown ids fail the whole request.
func (s *ThreadService) MarkRead(user string, ids []string, all bool) (restapi.MarkReadResponse, error) {
	if !all && len(ids) == 0 {
		return restapi.MarkReadResponse{}, fmt.Errorf("%w: ids or all is required", ErrInvalidInput)
	}
	s.mu.Lock()
	now := s.stampLocked()
	store := s.inboxLocked(user)
	if all {
		ids = nil
		for _, n := range store.Unread() {
			ids = append(ids, n.ID)
		}
	}
	for _, id := range ids {
		if _, ok := store.Get(id); !ok {
			s.mu.Unlock()
			return restapi.MarkReadResponse{}, fmt.Errorf("%w: inbox notification %s", ErrNotFound, id)
		}
	}
	marked := make([]string, 0, len(ids))
	for _, id := range ids {
		if store.MarkRead(id, now) {
			marked = append(marked, id)
		}
	}
	resp := restapi.MarkReadResponse{IDs: marked, ReadAt: now}
	if len(marked) == 0 {
		s.mu.Unlock()
		return resp, nil
	}
	publish, err := s.commitLocked("")
	s.mu.Unlock()
	publish()
	return resp, err
}
