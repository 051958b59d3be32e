package umbrella

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

// Draft is the mutable view an optimistic effect writes to. Effects must be
// deterministic: they are replayed every time the view is rebuilt.
type Draft struct {
	state *state
}

func (d *Draft) Threads() *threaddb.ThreadStore {
	return d.state.threads
}

func (d *Draft) Notifications() *threaddb.NotificationStore {
	return d.state.notifications
}

func (d *Draft) Subscribe(sub threaddb.ThreadSubscription) {
	d.state.subscriptions[sub.ThreadID] = sub
}

func (d *Draft) Unsubscribe(threadID string) {
	delete(d.state.subscriptions, threadID)
}

type Effect func(d *Draft)

type pendingMutation struct {
	correlationID string
	op            string
	effect        Effect
	// baseVersion is the confirmed thread store version the effect was
	// first applied on top of.
	baseVersion uint64
	startedAt   time.Time
}

// mutation describes one optimistic write. Send talks to the backend; confirm
// folds its result into the confirmed state and runs under the store lock.
type mutation[T any] struct {
	op      string
	effect  Effect
	send    func(ctx context.Context, correlationID string) (T, error)
	confirm func(st *state, result T)
	// accept turns selected backend errors into success.
	accept func(err error) bool
}

// run publishes the effect, waits for the backend and then either confirms
// the result or drops the effect. Dropping rebuilds the view from confirmed
// state and the remaining pending effects in their original order.
func run[T any](ctx context.Context, s *Store, m mutation[T]) (T, error) {
	var zero T
	p := &pendingMutation{
		correlationID: restapi.NewCorrelationID(),
		op:            m.op,
		effect:        m.effect,
	}

	s.mu.Lock()
	p.baseVersion = s.confirmed.threads.Version()
	p.startedAt = s.clock.Now()
	s.pending = append(s.pending, p)
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	result, err := m.send(ctx, p.correlationID)
	accepted := err != nil && m.accept != nil && m.accept(err)

	s.mu.Lock()
	s.removePendingLocked(p)
	if err == nil || accepted {
		if m.confirm != nil {
			m.confirm(s.confirmed, result)
		}
	}
	notify = s.changedLocked()
	elapsed := s.clock.Now().Sub(p.startedAt)
	s.mu.Unlock()
	notify()

	switch {
	case err == nil:
		s.metrics.mutation(m.op, "success", elapsed)
		return result, nil
	case accepted:
		s.metrics.mutation(m.op, "idempotent", elapsed)
		s.logger.Debug("mutation_idempotent",
			zap.String("op", m.op),
			zap.String("correlation_id", p.correlationID),
			zap.Error(err),
		)
		return result, nil
	default:
		s.metrics.mutation(m.op, "rolled_back", elapsed)
		s.logger.Warn("mutation_rolled_back",
			zap.String("op", m.op),
			zap.String("correlation_id", p.correlationID),
			zap.Uint64("base_version", p.baseVersion),
			zap.Error(err),
		)
		return zero, &MutationError{Op: m.op, CorrelationID: p.correlationID, Err: err}
	}
}

func (s *Store) removePendingLocked(p *pendingMutation) {
	for i, q := range s.pending {
		if q == p {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}

// local fails the mutation before any effect is published.
func (s *Store) local(op string, err error) error {
	s.metrics.mutation(op, "local_error", 0)
	return err
}
