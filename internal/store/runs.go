package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"slawatch/internal/logging"
)

// RunStatus is the lifecycle state of one agent run (tick).
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the durable audit record for one tick.
type Run struct {
	ID                     string
	TriggerTime            time.Time
	EndTime                *time.Time
	Status                 RunStatus
	Context                map[string]any
	OpportunitiesProcessed int
	NotificationsSent      int
	Errors                 []string
}

// RunStep is the durable record of one orchestrator step inside a run.
type RunStep struct {
	ID              int64
	RunID           string
	StepName        string
	InputData       map[string]any
	OutputData      map[string]any
	Timestamp       time.Time
	DurationSeconds float64
	ErrorMessage    string
}

func marshalBag(bag map[string]any) string {
	if len(bag) == 0 {
		return "{}"
	}
	data, err := json.Marshal(bag)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalBag(raw sql.NullString) map[string]any {
	bag := map[string]any{}
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &bag)
	}
	return bag
}

// CreateRun inserts a new running run row.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errsJSON, _ := json.Marshal(run.Errors)
	_, err := s.db.Exec(`
		INSERT INTO agent_runs (id, trigger_time, status, context, opportunities_processed, notifications_sent, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TriggerTime, run.Status, marshalBag(run.Context),
		run.OpportunitiesProcessed, run.NotificationsSent, string(errsJSON))
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	logging.Store("Created run %s", run.ID)
	return nil
}

// FinishRun closes a run with its final status and aggregate counts.
func (s *Store) FinishRun(runID string, status RunStatus, processed, sent int, context map[string]any, errs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errsJSON, _ := json.Marshal(errs)
	_, err := s.db.Exec(`
		UPDATE agent_runs
		SET end_time = ?, status = ?, opportunities_processed = ?, notifications_sent = ?, context = ?, errors = ?
		WHERE id = ?`,
		time.Now(), status, processed, sent, marshalBag(context), string(errsJSON), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	logging.Store("Finished run %s: status=%s processed=%d sent=%d", runID, status, processed, sent)
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run Run
	var end sql.NullTime
	var context, errs sql.NullString
	err := s.db.QueryRow(`
		SELECT id, trigger_time, end_time, status, context, opportunities_processed, notifications_sent, errors
		FROM agent_runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.TriggerTime, &end, &run.Status, &context,
			&run.OpportunitiesProcessed, &run.NotificationsSent, &errs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if end.Valid {
		at := end.Time
		run.EndTime = &at
	}
	run.Context = unmarshalBag(context)
	if errs.Valid && errs.String != "" {
		_ = json.Unmarshal([]byte(errs.String), &run.Errors)
	}
	return &run, nil
}

// RecentRuns returns the newest runs, most recent first.
func (s *Store) RecentRuns(limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, trigger_time, end_time, status, context, opportunities_processed, notifications_sent, errors
		FROM agent_runs ORDER BY trigger_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs query failed: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var end sql.NullTime
		var context, errs sql.NullString
		if err := rows.Scan(&run.ID, &run.TriggerTime, &end, &run.Status, &context,
			&run.OpportunitiesProcessed, &run.NotificationsSent, &errs); err != nil {
			return nil, fmt.Errorf("run scan failed: %w", err)
		}
		if end.Valid {
			at := end.Time
			run.EndTime = &at
		}
		run.Context = unmarshalBag(context)
		if errs.Valid && errs.String != "" {
			_ = json.Unmarshal([]byte(errs.String), &run.Errors)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// SaveStep appends one step record to a run's history.
func (s *Store) SaveStep(step *RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO agent_history (run_id, step_name, input_data, output_data, timestamp, duration_seconds, error_message)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
		step.RunID, step.StepName, marshalBag(step.InputData), marshalBag(step.OutputData),
		step.Timestamp, step.DurationSeconds, step.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to save step %s for run %s: %w", step.StepName, step.RunID, err)
	}
	step.ID, _ = res.LastInsertId()
	return nil
}

// RunSteps returns a run's step history in execution order.
func (s *Store) RunSteps(runID string) ([]*RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, step_name, input_data, output_data, timestamp, duration_seconds, error_message
		FROM agent_history WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("run steps query failed: %w", err)
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		var step RunStep
		var input, output, errMsg sql.NullString
		var duration sql.NullFloat64
		if err := rows.Scan(&step.ID, &step.RunID, &step.StepName, &input, &output,
			&step.Timestamp, &duration, &errMsg); err != nil {
			return nil, fmt.Errorf("step scan failed: %w", err)
		}
		step.InputData = unmarshalBag(input)
		step.OutputData = unmarshalBag(output)
		step.DurationSeconds = duration.Float64
		step.ErrorMessage = errMsg.String
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}
