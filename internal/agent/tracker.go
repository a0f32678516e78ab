// Package agent composes the tick: run tracking, the fixed step
// orchestration, and the once-at-a-time scheduler.
package agent

import (
	"time"

	"github.com/google/uuid"

	"slawatch/internal/logging"
	"slawatch/internal/store"
)

// RunTracker records run lineage: one row per tick plus one row per
// orchestrator step.
type RunTracker struct {
	store *store.Store
}

// NewRunTracker creates a tracker over the run tables.
func NewRunTracker(st *store.Store) *RunTracker {
	return &RunTracker{store: st}
}

// StartRun opens a new run in Running state and returns its id.
func (r *RunTracker) StartRun(context map[string]any) (string, error) {
	run := &store.Run{
		ID:          uuid.NewString(),
		TriggerTime: time.Now(),
		Status:      store.RunRunning,
		Context:     context,
	}
	if err := r.store.CreateRun(run); err != nil {
		return "", err
	}
	return run.ID, nil
}

// FinishRun closes the run with its final status and counts.
func (r *RunTracker) FinishRun(runID string, status store.RunStatus, processed, sent int, context map[string]any, errs []string) error {
	return r.store.FinishRun(runID, status, processed, sent, context, errs)
}

// StepScope is a scoped step record: opened before the step body runs,
// closed on scope exit. Close always persists the row, attaching any
// error that escaped the step.
type StepScope struct {
	tracker *RunTracker
	runID   string
	name    string
	input   map[string]any
	started time.Time
}

// StartStep opens a scope for one orchestrator step.
func (r *RunTracker) StartStep(runID, name string, input map[string]any) *StepScope {
	logging.TickDebug("Step %s starting", name)
	return &StepScope{
		tracker: r,
		runID:   runID,
		name:    name,
		input:   input,
		started: time.Now(),
	}
}

// Close persists the step row regardless of how the step ended.
func (s *StepScope) Close(output map[string]any, stepErr error) {
	errMsg := ""
	if stepErr != nil {
		errMsg = stepErr.Error()
	}
	step := &store.RunStep{
		RunID:           s.runID,
		StepName:        s.name,
		InputData:       s.input,
		OutputData:      output,
		Timestamp:       s.started,
		DurationSeconds: time.Since(s.started).Seconds(),
		ErrorMessage:    errMsg,
	}
	if err := s.tracker.store.SaveStep(step); err != nil {
		logging.TickError("Failed to persist step %s: %v", s.name, err)
	}
}
