package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slawatch/internal/config"
	"slawatch/internal/logging"
	"slawatch/internal/notify"
	"slawatch/internal/opportunity"
	"slawatch/internal/store"
	syncdata "slawatch/internal/sync"
)

// ErrTickInProgress is returned when a trigger arrives while another
// tick is still executing. The caller drops the trigger; ticks are
// never queued.
var ErrTickInProgress = errors.New("tick already in progress")

// TickResult summarizes one completed tick.
type TickResult struct {
	RunID         string
	Status        store.RunStatus
	Processed     int
	ReminderDue   int
	EscalationDue int
	Sent          int
	Failed        int
	Skipped       int
	Errors        []string
	DryRun        bool
	Duration      time.Duration
}

// TaskManager is the notification surface the orchestrator drives:
// the plan phase and the execute phase. *notify.Manager satisfies it.
type TaskManager interface {
	CreateTasks(opps []opportunity.Opportunity, runID string, snap config.Settings) ([]*store.NotificationTask, error)
	ExecutePending(ctx context.Context, runID string, snap config.Settings) (*notify.ExecResult, error)
}

// Orchestrator drives the fixed per-tick step sequence: fetchData,
// analyzeStatus, decideToContinue, planNotifications,
// sendNotifications, recordResults. At most one tick runs at a time.
type Orchestrator struct {
	store    *store.Store
	strategy *syncdata.Strategy
	manager  TaskManager
	tracker  *RunTracker

	mu sync.Mutex
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(st *store.Store, strategy *syncdata.Strategy, manager TaskManager, tracker *RunTracker) *Orchestrator {
	return &Orchestrator{store: st, strategy: strategy, manager: manager, tracker: tracker}
}

// Tick runs one complete cycle. trigger names the origin (scheduled,
// manual). With dryRun set, planning and sending are skipped and only
// the analysis counts are reported. Returns ErrTickInProgress when
// another tick holds the lock.
func (o *Orchestrator) Tick(ctx context.Context, trigger string, dryRun bool) (result *TickResult, err error) {
	if !o.mu.TryLock() {
		return nil, ErrTickInProgress
	}
	defer o.mu.Unlock()

	started := time.Now()
	raw, err := o.store.SystemConfigs()
	if err != nil {
		return nil, fmt.Errorf("could not read settings: %w", err)
	}
	snap := config.SettingsFromMap(raw)

	ctx, cancel := context.WithTimeout(ctx, snap.TickTimeout)
	defer cancel()

	runID, err := o.tracker.StartRun(map[string]any{"trigger": trigger, "dry_run": dryRun})
	if err != nil {
		return nil, fmt.Errorf("could not start run: %w", err)
	}
	logging.Tick("Run %s started (trigger=%s)", runID, trigger)

	result = &TickResult{RunID: runID, Status: store.RunCompleted, DryRun: dryRun}

	// A panic anywhere in the step sequence fails the run instead of
	// killing the scheduler loop.
	defer func() {
		if r := recover(); r != nil {
			result.Status = store.RunFailed
			result.Errors = append(result.Errors, fmt.Sprintf("InternalError: panic: %v", r))
			logging.TickError("Run %s panicked: %v", runID, r)
		}
		result.Duration = time.Since(started)
		o.recordResults(runID, result)
		err = nil
	}()

	o.runSteps(ctx, runID, snap, result)
	return result, nil
}

// runSteps executes steps 1 through 5; step 6 (recordResults) runs in
// Tick's deferred close so it happens even on panic.
func (o *Orchestrator) runSteps(ctx context.Context, runID string, snap config.Settings, result *TickResult) {
	// Step 1: fetchData. A fetch failure degrades to cached data inside
	// the strategy but is still recorded on the run; the tick stays
	// Completed either way.
	scope := o.tracker.StartStep(runID, "fetchData", map[string]any{"force_refresh": true})
	opps, fetchErr := o.strategy.GetOpportunities(ctx, true, snap)
	scope.Close(map[string]any{"count": len(opps), "degraded": fetchErr != nil && len(opps) > 0}, fetchErr)
	if fetchErr != nil {
		result.Errors = append(result.Errors, "FetchError: "+fetchErr.Error())
		if len(opps) > 0 {
			logging.TickError("Run %s fetch degraded to cache: %v", runID, fetchErr)
		} else {
			logging.TickError("Run %s fetch failed with empty cache: %v", runID, fetchErr)
		}
	}

	// Step 2: analyzeStatus.
	scope = o.tracker.StartStep(runID, "analyzeStatus", nil)
	now := time.Now()
	opps = opportunity.ClassifyAll(opps, now, snap.Thresholds(), snap.Calendar())
	approaching := 0
	for _, opp := range opps {
		if opp.ReminderDue {
			result.ReminderDue++
		}
		if opp.EscalationDue {
			result.EscalationDue++
		}
		if opp.ApproachingEscalation {
			approaching++
		}
	}
	result.Processed = len(opps)
	scope.Close(map[string]any{
		"total":          len(opps),
		"reminder_due":   result.ReminderDue,
		"escalation_due": result.EscalationDue,
		"approaching":    approaching,
	}, nil)

	// Step 3: decideToContinue.
	proceed := len(opps) > 0 && !result.DryRun
	scope = o.tracker.StartStep(runID, "decideToContinue", nil)
	scope.Close(map[string]any{"proceed": proceed}, nil)
	if !proceed {
		return
	}

	// Step 4: planNotifications. A plan failure aborts planning only;
	// pending tasks from earlier ticks still dispatch below.
	scope = o.tracker.StartStep(runID, "planNotifications", nil)
	created, planErr := o.manager.CreateTasks(opps, runID, snap)
	scope.Close(map[string]any{"created": len(created)}, planErr)
	if planErr != nil {
		result.Status = store.RunFailed
		result.Errors = append(result.Errors, "TaskStateError: "+planErr.Error())
		logging.TickError("Run %s plan failed, executing pre-existing tasks: %v", runID, planErr)
	}

	// Step 5: sendNotifications.
	scope = o.tracker.StartStep(runID, "sendNotifications", nil)
	exec, sendErr := o.manager.ExecutePending(ctx, runID, snap)
	if exec != nil {
		result.Sent = exec.Sent
		result.Failed = exec.Failed
		result.Skipped = exec.SkippedCooldown
		scope.Close(map[string]any{
			"considered": exec.TotalConsidered,
			"sent":       exec.Sent,
			"failed":     exec.Failed,
			"skipped":    exec.SkippedCooldown,
		}, sendErr)
	} else {
		scope.Close(nil, sendErr)
	}
	if sendErr != nil {
		result.Status = store.RunFailed
		result.Errors = append(result.Errors, "TaskStateError: "+sendErr.Error())
	}
}

// recordResults is step 6: close the run row with aggregate counts.
func (o *Orchestrator) recordResults(runID string, result *TickResult) {
	scope := o.tracker.StartStep(runID, "recordResults", nil)
	finishErr := o.tracker.FinishRun(runID, result.Status, result.Processed, result.Sent,
		map[string]any{"dry_run": result.DryRun}, result.Errors)
	scope.Close(map[string]any{
		"status":    string(result.Status),
		"processed": result.Processed,
		"sent":      result.Sent,
	}, finishErr)
	logging.Tick("Run %s finished: status=%s processed=%d sent=%d failed=%d in %s",
		runID, result.Status, result.Processed, result.Sent, result.Failed,
		result.Duration.Round(time.Millisecond))
}
