package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/clock"
)

type State string

const (
	StateIdle            State = "idle"
	StateFetching        State = "fetching"
	StateReady           State = "ready"
	StateRetrying        State = "retrying"
	StatePersistentError State = "persistent_error"
	StateTerminalError   State = "terminal_error"
)

var ErrNoFetch = errors.New("scheduler: fetch function is required")

// FetchFunc performs one attempt. On success it returns a commit function
// that publishes the fetched data. Commit is only invoked when no newer
// attempt was started in the meantime. Commits are serialized, so a commit
// (or a subscriber it notifies synchronously) must not call back into the
// scheduler; hand RefreshNow off to another goroutine instead.
type FetchFunc func(ctx context.Context) (commit func(), err error)

var DefaultBackoff = []time.Duration{5 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second}

const (
	DefaultBackoffFloor            = 30 * time.Second
	DefaultMaxAttempts             = 6
	DefaultPersistentRetryInterval = time.Minute
	DefaultPollInterval            = 5 * time.Minute
)

type Options struct {
	Resource string
	Fetch    FetchFunc
	Clock    clock.Clock
	// Backoff lists the delays after the first failures; BackoffFloor applies
	// once the list is exhausted.
	Backoff      []time.Duration
	BackoffFloor time.Duration
	// MaxAttempts consecutive failures move the resource to the persistent
	// error state, which keeps retrying every PersistentRetryInterval.
	MaxAttempts             int
	PersistentRetryInterval time.Duration
	PollInterval            time.Duration
	PollJitter              float64
	AttemptTimeout          time.Duration
	IsRetryable             func(error) bool
	OnChange                func(Status)
	Logger                  *zap.Logger
	Metrics                 *Metrics
	Rand                    func() float64
}

type Status struct {
	Resource      string
	State         State
	Err           error
	Failures      int
	Generation    uint64
	HasData       bool
	LastSuccessAt time.Time
	NextAttemptAt time.Time
}

// Scheduler keeps one logical resource fresh: it fetches on demand, retries
// with backoff on transient failures and polls while healthy.
type Scheduler struct {
	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	commitMu sync.Mutex

	mu          sync.Mutex
	baseCtx     context.Context
	state       State
	err         error
	failures    int
	generation  uint64
	hasData     bool
	lastSuccess time.Time
	nextAttempt time.Time
	timer       clock.Timer
	cancel      context.CancelFunc
	stopped     bool
}

func New(opts Options) (*Scheduler, error) {
	if opts.Fetch == nil {
		return nil, ErrNoFetch
	}
	if opts.Resource == "" {
		opts.Resource = "default"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.BackoffFloor <= 0 {
		opts.BackoffFloor = DefaultBackoffFloor
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PersistentRetryInterval <= 0 {
		opts.PersistentRetryInterval = DefaultPersistentRetryInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	opts.PollJitter = clampJitterRatio(opts.PollJitter)
	if opts.IsRetryable == nil {
		opts.IsRetryable = func(error) bool { return true }
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		opts:    opts,
		clock:   opts.Clock,
		logger:  logger.With(zap.String("resource", opts.Resource)),
		metrics: opts.Metrics,
		baseCtx: context.Background(),
		state:   StateIdle,
	}, nil
}

// Start kicks off the initial fetch in the background. Timers fire until ctx
// is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.stopped = false
	s.mu.Unlock()
	go func() {
		_ = s.attempt(ctx)
	}()
}

// RefreshNow runs one attempt on the calling goroutine, superseding any
// attempt in flight, and returns its error.
func (s *Scheduler) RefreshNow(ctx context.Context) error {
	return s.attempt(ctx)
}

// Invalidate discards the in-flight attempt, if any, and fetches again in the
// background. Use it when the inputs of the fetch changed.
func (s *Scheduler) Invalidate() {
	s.mu.Lock()
	ctx := s.baseCtx
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	go func() {
		_ = s.attempt(ctx)
	}()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.nextAttempt = time.Time{}
	if s.state == StateFetching {
		s.state = StateIdle
	}
	status := s.statusLocked()
	s.mu.Unlock()
	s.emit(status)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) attempt(ctx context.Context) error {
	gen, attemptCtx, cancel, ok := s.begin(ctx)
	if !ok {
		return context.Canceled
	}
	commit, err := s.opts.Fetch(attemptCtx)
	cancel()
	return s.finish(ctx, gen, commit, err)
}

// begin starts a new generation. It waits for a commit in progress, so a
// result that passed its generation check is never superseded while it is
// being applied.
func (s *Scheduler) begin(ctx context.Context) (uint64, context.Context, context.CancelFunc, bool) {
	s.commitMu.Lock()
	s.mu.Lock()
	s.commitMu.Unlock()
	if s.stopped || ctx.Err() != nil {
		s.mu.Unlock()
		return 0, nil, nil, false
	}
	s.generation++
	gen := s.generation
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if s.opts.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, s.opts.AttemptTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	s.nextAttempt = time.Time{}
	s.state = StateFetching
	status := s.statusLocked()
	s.mu.Unlock()

	s.metrics.attempt(s.opts.Resource)
	s.emit(status)
	return gen, attemptCtx, cancel, true
}

func (s *Scheduler) finish(ctx context.Context, gen uint64, commit func(), fetchErr error) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if gen != s.generation || s.stopped {
		s.mu.Unlock()
		s.metrics.outcome(s.opts.Resource, "discarded")
		s.logger.Debug("sync_attempt_discarded", zap.Uint64("generation", gen))
		return fetchErr
	}
	s.cancel = nil
	if fetchErr == nil {
		s.mu.Unlock()
		if commit != nil {
			commit()
		}
		s.mu.Lock()
		if gen != s.generation || s.stopped {
			s.mu.Unlock()
			return nil
		}
		s.state = StateReady
		s.err = nil
		s.failures = 0
		s.hasData = true
		s.lastSuccess = s.clock.Now()
		s.scheduleLocked(ctx, s.pollDelay())
		status := s.statusLocked()
		s.mu.Unlock()
		s.metrics.outcome(s.opts.Resource, "success")
		s.emit(status)
		return nil
	}

	if ctx.Err() != nil {
		s.state = StateIdle
		status := s.statusLocked()
		s.mu.Unlock()
		s.emit(status)
		return fetchErr
	}

	s.err = fetchErr
	if !s.opts.IsRetryable(fetchErr) {
		s.state = StateTerminalError
		status := s.statusLocked()
		s.mu.Unlock()
		s.metrics.outcome(s.opts.Resource, "terminal")
		s.logger.Warn("sync_attempt_terminal", zap.Error(fetchErr))
		s.emit(status)
		return fetchErr
	}

	s.failures++
	var delay time.Duration
	if s.failures >= s.opts.MaxAttempts {
		s.state = StatePersistentError
		delay = s.opts.PersistentRetryInterval
	} else {
		s.state = StateRetrying
		delay = s.backoff(s.failures)
	}
	s.scheduleLocked(ctx, delay)
	status := s.statusLocked()
	s.mu.Unlock()

	s.metrics.outcome(s.opts.Resource, "failure")
	s.logger.Info("sync_attempt_failed",
		zap.Int("failures", status.Failures),
		zap.String("state", string(status.State)),
		zap.Duration("retry_in", delay),
		zap.Error(fetchErr),
	)
	s.emit(status)
	return fetchErr
}

// backoff returns the delay after the n-th consecutive failure.
func (s *Scheduler) backoff(n int) time.Duration {
	if n-1 < len(s.opts.Backoff) {
		return s.opts.Backoff[n-1]
	}
	return s.opts.BackoffFloor
}

func (s *Scheduler) pollDelay() time.Duration {
	return jitteredIntervalWithSample(s.opts.PollInterval, s.opts.PollJitter, s.opts.Rand())
}

func (s *Scheduler) scheduleLocked(ctx context.Context, delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	timerCtx := s.baseCtx
	if timerCtx == nil || timerCtx.Err() != nil {
		timerCtx = ctx
	}
	s.nextAttempt = s.clock.Now().Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() {
		_ = s.attempt(timerCtx)
	})
}

func (s *Scheduler) statusLocked() Status {
	return Status{
		Resource:      s.opts.Resource,
		State:         s.state,
		Err:           s.err,
		Failures:      s.failures,
		Generation:    s.generation,
		HasData:       s.hasData,
		LastSuccessAt: s.lastSuccess,
		NextAttemptAt: s.nextAttempt,
	}
}

func (s *Scheduler) emit(status Status) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(status)
	}
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	multiplier := 1 - jitterRatio + (2 * jitterRatio * sample)
	interval := time.Duration(float64(base) * multiplier)
	if interval <= 0 {
		return time.Millisecond
	}
	return interval
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
