package workflow

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/config"
	"bitbucket.org/mmdatafocus/shopsync/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultDebounce   = 2 * time.Second
	defaultBackoffMin = 5 * time.Second
	defaultBackoffMax = 5 * time.Minute
)

// Partition drain states.
const (
	stateIdle       = "IDLE"
	stateDebouncing = "DEBOUNCING"
	stateDraining   = "DRAINING"
	stateBackoff    = "BACKOFF"
)

// Scheduler decides when each partition drains. Local writes only signal
// it; the debounce window coalesces a burst of edits into one drain pass,
// and nothing drains while the backend is unreachable. Each partition runs
// its own state machine, so a backlog in one never delays another.
type Scheduler struct {
	Logger     *logrus.Logger
	Reconciler *Reconciler
	Debounce   time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	online bool
	parts  map[models.EntityType]*partitionState
}

type partitionState struct {
	state   string
	timer   *time.Timer
	backoff time.Duration

	// rerun records a signal that arrived mid-drain; the drain loop picks
	// it up instead of going idle.
	rerun bool
}

func NewScheduler(reconciler *Reconciler) *Scheduler {
	s := &Scheduler{
		Logger:     config.GetLogger(),
		Reconciler: reconciler,
		Debounce:   defaultDebounce,
		BackoffMin: defaultBackoffMin,
		BackoffMax: defaultBackoffMax,
		parts:      make(map[models.EntityType]*partitionState),
	}
	for _, entityType := range models.AllEntityTypes() {
		s.parts[entityType] = &partitionState{state: stateIdle}
	}
	return s
}

// Start wires the scheduler into the store's enqueue hooks and the
// reconciler's dependency-release callback. Call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	models.RegisterEnqueueHook(s.NotifyEnqueue)
	s.Reconciler.OnDependencyReleased = s.Kick
}

// Stop cancels in-flight drains and waits for them to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for _, part := range s.parts {
		if part.timer != nil {
			part.timer.Stop()
			part.timer = nil
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// NotifyEnqueue is the store-side signal that a partition gained work.
// Repeated signals within the debounce window reset it, so a burst drains
// once, after the burst ends.
func (s *Scheduler) NotifyEnqueue(partition models.EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.parts[partition]
	if !ok || s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	switch part.state {
	case stateDraining:
		part.rerun = true
	case stateIdle, stateBackoff, stateDebouncing:
		// A write during backoff restarts the debounce rather than waiting
		// out the rest of the backoff window.
		s.armDebounceLocked(partition, part, s.Debounce)
	}
}

// Kick schedules an immediate drain, bypassing the debounce. Used when a
// dependency release makes parked entries dispatchable.
func (s *Scheduler) Kick(partition models.EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.parts[partition]
	if !ok || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	switch part.state {
	case stateDraining:
		part.rerun = true
	default:
		s.startDrainLocked(partition, part)
	}
}

// SetOnline records a connectivity transition. Going online cuts any
// debounce or backoff short for partitions that have outstanding work;
// going offline freezes the timers until the link returns.
func (s *Scheduler) SetOnline(online bool) {
	models.SetSyncOnline(online)

	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	if !online {
		for _, part := range s.parts {
			if part.timer != nil {
				part.timer.Stop()
				part.timer = nil
			}
			if part.state == stateBackoff {
				part.state = stateDebouncing
			}
		}
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	if wasOnline || ctx == nil || ctx.Err() != nil {
		return
	}
	for _, partition := range models.AllEntityTypes() {
		has, err := models.HasUnprocessed(ctx, partition)
		if err != nil {
			config.LogError(s.Logger, "workflow", "SetOnline", "checking partition backlog", partition, err)
			continue
		}
		if has {
			s.Kick(partition)
		}
	}
}

func (s *Scheduler) armDebounceLocked(partition models.EntityType, part *partitionState, wait time.Duration) {
	part.state = stateDebouncing
	if part.timer != nil {
		part.timer.Stop()
	}
	part.timer = time.AfterFunc(wait, func() { s.debounceExpired(partition) })
}

func (s *Scheduler) debounceExpired(partition models.EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := s.parts[partition]
	if part.state != stateDebouncing || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if !s.online {
		// Stay parked; SetOnline(true) re-checks the backlog.
		return
	}
	s.startDrainLocked(partition, part)
}

func (s *Scheduler) startDrainLocked(partition models.EntityType, part *partitionState) {
	if part.state == stateDraining {
		part.rerun = true
		return
	}
	if part.timer != nil {
		part.timer.Stop()
		part.timer = nil
	}
	part.state = stateDraining
	part.rerun = false
	ctx := s.ctx
	s.wg.Add(1)
	go s.drain(ctx, partition)
}

func (s *Scheduler) drain(ctx context.Context, partition models.EntityType) {
	defer s.wg.Done()
	result, err := s.Reconciler.DrainPartition(ctx, partition)

	s.mu.Lock()
	defer s.mu.Unlock()
	part := s.parts[partition]
	if ctx.Err() != nil {
		part.state = stateIdle
		return
	}

	if err != nil {
		part.backoff = nextBackoff(part.backoff, s.BackoffMin, s.BackoffMax)
		s.Logger.WithFields(logrus.Fields{
			"module":    "workflow",
			"funcName":  "drain",
			"partition": partition,
			"processed": result.Processed,
			"backoff":   part.backoff.String(),
		}).Warn("drain failed, backing off")
		if !s.online {
			part.state = stateDebouncing
			return
		}
		part.state = stateBackoff
		part.timer = time.AfterFunc(part.backoff, func() { s.backoffExpired(partition) })
		return
	}

	part.backoff = 0
	if part.rerun {
		part.state = stateIdle
		s.startDrainLocked(partition, part)
		return
	}
	if result.RetryAt != nil {
		part.state = stateBackoff
		wait := time.Until(*result.RetryAt)
		if wait < 0 {
			wait = 0
		}
		part.timer = time.AfterFunc(wait, func() { s.backoffExpired(partition) })
		return
	}
	part.state = stateIdle
}

func (s *Scheduler) backoffExpired(partition models.EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := s.parts[partition]
	if part.state != stateBackoff || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if !s.online {
		part.state = stateDebouncing
		return
	}
	s.startDrainLocked(partition, part)
}

func nextBackoff(current, floor, ceiling time.Duration) time.Duration {
	if current < floor {
		return floor
	}
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}
