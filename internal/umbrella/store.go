package umbrella

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/clock"
	"github.com/agentworkforce/threadsync/internal/scheduler"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

var ErrNoBackend = errors.New("umbrella: backend is required")

type Options struct {
	Backend Backend
	// UserID identifies the signed-in user for local authorization checks.
	UserID  string
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

// state is one consistent set of client caches.
type state struct {
	threads       *threaddb.ThreadStore
	notifications *threaddb.NotificationStore
	subscriptions map[string]threaddb.ThreadSubscription
}

func newState(now func() time.Time) *state {
	return &state{
		threads:       threaddb.NewThreadStore(now),
		notifications: threaddb.NewNotificationStore(),
		subscriptions: map[string]threaddb.ThreadSubscription{},
	}
}

func (st *state) clone() *state {
	return &state{
		threads:       st.threads.Clone(),
		notifications: st.notifications.Clone(),
		subscriptions: maps.Clone(st.subscriptions),
	}
}

// Store is the client-side cache of threads, inbox notifications and
// subscriptions. Readers observe immutable snapshots that combine the
// server-confirmed state with every pending optimistic effect.
type Store struct {
	backend Backend
	userID  string
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	mu          sync.Mutex
	confirmed   *state
	pending     []*pendingMutation
	resources   map[string]ResourceStatus
	syncedAt    time.Time
	version     uint64
	current     Snapshot
	batchDepth  int
	dirty       bool
	subscribers map[uint64]func(Snapshot)
	nextSubID   uint64

	deliverMu     sync.Mutex
	lastDelivered uint64
}

func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend:     opts.Backend,
		userID:      opts.UserID,
		clock:       opts.Clock,
		logger:      logger,
		metrics:     opts.Metrics,
		resources:   map[string]ResourceStatus{},
		subscribers: map[uint64]func(Snapshot){},
	}
	s.confirmed = newState(s.clock.Now)
	s.current = s.buildSnapshotLocked()
	return s, nil
}

func (s *Store) UserID() string {
	return s.userID
}

// Snapshot returns the latest published view.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe registers fn for every published version bump. Callbacks run
// outside the store lock, in version order. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Batch defers notifications until fn returns, then publishes at most once.
func (s *Store) Batch(fn func()) {
	s.mu.Lock()
	s.batchDepth++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.batchDepth--
		var notify func()
		if s.batchDepth == 0 && s.dirty {
			notify = s.publishLocked()
		}
		s.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()
	fn()
}

// changedLocked records a content change. The returned func delivers the new
// snapshot and must be called after s.mu is released.
func (s *Store) changedLocked() func() {
	s.dirty = true
	if s.batchDepth > 0 {
		return func() {}
	}
	return s.publishLocked()
}

func (s *Store) publishLocked() func() {
	s.dirty = false
	s.version++
	s.current = s.buildSnapshotLocked()
	snap := s.current
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, id := range slices.Sorted(maps.Keys(s.subscribers)) {
		subs = append(subs, s.subscribers[id])
	}
	return func() { s.deliver(snap, subs) }
}

func (s *Store) deliver(snap Snapshot, subs []func(Snapshot)) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if snap.version <= s.lastDelivered {
		return
	}
	s.lastDelivered = snap.version
	for _, fn := range subs {
		fn(snap)
	}
}

// buildSnapshotLocked replays every pending effect, in order, over a copy of
// the confirmed state.
func (s *Store) buildSnapshotLocked() Snapshot {
	view := s.confirmed.clone()
	draft := &Draft{state: view}
	for _, p := range s.pending {
		p.effect(draft)
	}
	return Snapshot{
		version:       s.version,
		threads:       view.threads,
		notifications: view.notifications,
		subscriptions: view.subscriptions,
		resources:     maps.Clone(s.resources),
		pending:       len(s.pending),
	}
}

// MergeDelta applies a batch of server changes to the confirmed state. An
// empty or stale batch publishes nothing.
func (s *Store) MergeDelta(d threaddb.Delta) bool {
	s.mu.Lock()
	changed := s.mergeLocked(d)
	notify := func() {}
	if changed {
		notify = s.changedLocked()
	}
	s.mu.Unlock()
	notify()
	return changed
}

func (s *Store) mergeLocked(d threaddb.Delta) bool {
	if d.IsEmpty() {
		return false
	}
	changed := threaddb.ApplyDelta(s.confirmed.threads, d)
	for _, m := range d.Deletions {
		if s.confirmed.notifications.DeleteForThread(m.ID) {
			changed = true
		}
	}
	if threaddb.ApplyNotificationDelta(s.confirmed.notifications, d) {
		changed = true
	}
	return changed
}

// ObserveResource folds a scheduler status into the snapshot. Only state and
// error transitions bump the version.
func (s *Store) ObserveResource(st scheduler.Status) {
	s.mu.Lock()
	prev, ok := s.resources[st.Resource]
	next := ResourceStatus{
		State:         st.State,
		Err:           st.Err,
		HasData:       st.HasData,
		LastSuccessAt: st.LastSuccessAt,
		NextAttemptAt: st.NextAttemptAt,
	}
	s.resources[st.Resource] = next
	notify := func() {}
	if !ok || prev.State != next.State || !sameError(prev.Err, next.Err) || prev.HasData != next.HasData {
		notify = s.changedLocked()
	}
	s.mu.Unlock()
	notify()
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Error() == b.Error()
}
