package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"slawatch/internal/logging"
)

// Scheduler fires ticks at the configured interval with a hard
// once-at-a-time rule: a trigger that arrives while a tick is running
// is dropped and counted, never queued. The first scheduled tick fires
// one full interval after Start; there is no auto-fire at startup.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     func() time.Duration

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	manual      chan struct{}
	missedTicks int
}

// NewScheduler creates a scheduler. interval is re-read before each
// wait so runtime config changes take effect on the next cycle.
func NewScheduler(orchestrator *Orchestrator, interval func() time.Duration) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		interval:     interval,
		manual:       make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop. Non-blocking; Stop or context
// cancellation ends it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	logging.Scheduler("Started, first tick in %s", s.interval())
	return nil
}

// Stop ends the loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	logging.Scheduler("Stopped")
}

// TriggerNow requests an immediate tick. Returns false when a trigger
// is already queued; the pending one covers this request.
func (s *Scheduler) TriggerNow() bool {
	select {
	case s.manual <- struct{}{}:
		return true
	default:
		return false
	}
}

// MissedTicks reports how many triggers were dropped because a tick
// was still running.
func (s *Scheduler) MissedTicks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missedTicks
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Each trigger fires in its own goroutine; the orchestrator's lock
	// turns overlapping triggers into drops instead of a queue, and the
	// timer keeps its cadence even when a tick overruns the interval.
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.fire(ctx, "scheduled")
			}()
			timer.Reset(s.interval())
		case <-s.manual:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.fire(ctx, "manual")
			}()
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, trigger string) {
	result, err := s.orchestrator.Tick(ctx, trigger, false)
	if errors.Is(err, ErrTickInProgress) {
		s.mu.Lock()
		s.missedTicks++
		missed := s.missedTicks
		s.mu.Unlock()
		logging.SchedulerWarn("Dropped %s trigger, tick in progress (missed=%d)", trigger, missed)
		return
	}
	if err != nil {
		logging.SchedulerWarn("Tick failed to start: %v", err)
		return
	}
	logging.Scheduler("Tick %s done: processed=%d sent=%d", result.RunID, result.Processed, result.Sent)
}
