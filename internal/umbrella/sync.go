package umbrella

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/scheduler"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

const ResourceThreads = "threads"

// ThreadsFetch returns the scheduler fetch for the thread cache. Until the
// first success it loads every page for roomID and q; afterwards it pulls
// deltas since the last server timestamp.
func (s *Store) ThreadsFetch(roomID string, q threaddb.Query) scheduler.FetchFunc {
	return func(ctx context.Context) (func(), error) {
		s.mu.Lock()
		since := s.syncedAt
		s.mu.Unlock()

		if since.IsZero() {
			page, err := s.backend.GetAllThreads(ctx, roomID, q)
			if err != nil {
				return nil, err
			}
			return func() { s.applyPage(page) }, nil
		}
		delta, err := s.backend.GetDelta(ctx, since)
		if err != nil {
			return nil, err
		}
		return func() { s.applyDeltaResponse(delta) }, nil
	}
}

// SchedulerOptions wires a scheduler to the store: status changes land in
// snapshots and only transient errors are retried.
func (s *Store) SchedulerOptions(resource string, fetch scheduler.FetchFunc) scheduler.Options {
	return scheduler.Options{
		Resource:    resource,
		Fetch:       fetch,
		Clock:       s.clock,
		IsRetryable: restapi.IsRetryable,
		OnChange:    s.ObserveResource,
		Logger:      s.logger,
	}
}

// SyncedAt is the server timestamp of the last applied fetch.
func (s *Store) SyncedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncedAt
}

// ResetSync makes the next fetch a full load.
func (s *Store) ResetSync() {
	s.mu.Lock()
	s.syncedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Store) applyPage(page restapi.ThreadsPage) {
	s.mu.Lock()
	changed := s.mergeLocked(threaddb.Delta{
		Upserts:       page.Threads,
		Notifications: page.InboxNotifications,
	})
	subs := make(map[string]threaddb.ThreadSubscription, len(page.Subscriptions))
	for _, sub := range page.Subscriptions {
		subs[sub.ThreadID] = sub
	}
	if !sameSubscriptions(s.confirmed.subscriptions, subs) {
		s.confirmed.subscriptions = subs
		changed = true
	}
	s.advanceSyncLocked(page.RequestedAt)
	notify := func() {}
	if changed {
		notify = s.changedLocked()
	}
	s.mu.Unlock()
	notify()
	s.logger.Debug("sync_page_applied",
		zap.Int("threads", len(page.Threads)),
		zap.Int("inbox_notifications", len(page.InboxNotifications)),
		zap.Bool("changed", changed),
	)
}

func (s *Store) applyDeltaResponse(resp restapi.DeltaResponse) {
	s.mu.Lock()
	changed := s.mergeLocked(resp.Delta)
	for _, sub := range resp.Subscriptions {
		if existing, ok := s.confirmed.subscriptions[sub.ThreadID]; !ok || !existing.CreatedAt.Equal(sub.CreatedAt) {
			s.confirmed.subscriptions[sub.ThreadID] = sub
			changed = true
		}
	}
	for _, threadID := range resp.DeletedSubscriptions {
		if _, ok := s.confirmed.subscriptions[threadID]; ok {
			delete(s.confirmed.subscriptions, threadID)
			changed = true
		}
	}
	s.advanceSyncLocked(resp.RequestedAt)
	notify := func() {}
	if changed {
		notify = s.changedLocked()
	}
	s.mu.Unlock()
	notify()
}

func (s *Store) advanceSyncLocked(at time.Time) {
	if at.IsZero() {
		at = s.clock.Now()
	}
	if at.After(s.syncedAt) {
		s.syncedAt = at
	}
}

func sameSubscriptions(a, b map[string]threaddb.ThreadSubscription) bool {
	if len(a) != len(b) {
		return false
	}
	for id, sa := range a {
		sb, ok := b[id]
		if !ok || !sa.CreatedAt.Equal(sb.CreatedAt) {
			return false
		}
	}
	return true
}
