package store

import (
	"database/sql"
	"fmt"
	"time"

	"slawatch/internal/logging"
)

// TaskType is the notification tier.
type TaskType string

const (
	TaskReminder   TaskType = "reminder"
	TaskEscalation TaskType = "escalation"
)

// TaskStatus is the lifecycle state of a notification task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSent      TaskStatus = "sent"
	TaskFailed    TaskStatus = "failed"
	TaskConfirmed TaskStatus = "confirmed"
)

// EscalationLogicalID returns the synthetic logical order id that scopes
// an escalation task to an organization.
func EscalationLogicalID(orgName string) string {
	return "ESCALATION_" + orgName
}

// normalizeTaskType rewrites legacy type strings on read. The old
// schema used "standard" for the first tier and "violation" for the
// hard-SLA tier; the canonical values are reminder/escalation.
func normalizeTaskType(raw string) TaskType {
	switch raw {
	case "standard":
		return TaskReminder
	case "violation":
		return TaskEscalation
	default:
		return TaskType(raw)
	}
}

// legacyTaskType returns the pre-migration spelling for a canonical
// type. Type-filtered queries match both spellings so rows written by
// the old schema stay visible to dedup, cooldown and cleanup.
func legacyTaskType(t TaskType) string {
	switch t {
	case TaskReminder:
		return "standard"
	case TaskEscalation:
		return "violation"
	default:
		return string(t)
	}
}

// NotificationTask is one durable notification obligation. For reminder
// tasks LogicalOrderID is the opportunity's order number; for escalation
// tasks it is EscalationLogicalID(org).
type NotificationTask struct {
	ID             int64
	LogicalOrderID string
	OrgName        string
	Type           TaskType
	Status         TaskStatus
	DueTime        time.Time
	Message        string // rendered message, write-once; "" until first render
	CreatedRunID   string
	SentRunID      string
	RetryCount     int
	MaxRetryCount  int
	CooldownHours  float64
	LastSentAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InCooldown reports whether the task's last send is within its
// cooldown window at the instant now.
func (t *NotificationTask) InCooldown(now time.Time) bool {
	if t.LastSentAt == nil {
		return false
	}
	cooldown := time.Duration(t.CooldownHours * float64(time.Hour))
	return now.Sub(*t.LastSentAt) < cooldown
}

// ShouldSendNow reports whether the execute phase may dispatch this
// task: pending, out of cooldown, and under the retry cap.
func (t *NotificationTask) ShouldSendNow(now time.Time) bool {
	return t.Status == TaskPending && !t.InCooldown(now) && t.RetryCount < t.MaxRetryCount
}

const taskColumns = `id, logical_order_id, org_name, type, status, due_time, message,
	created_run_id, sent_run_id, retry_count, max_retry_count, cooldown_hours,
	last_sent_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*NotificationTask, error) {
	var t NotificationTask
	var rawType string
	var message, createdRun, sentRun sql.NullString
	var lastSent sql.NullTime
	err := row.Scan(&t.ID, &t.LogicalOrderID, &t.OrgName, &rawType, &t.Status,
		&t.DueTime, &message, &createdRun, &sentRun, &t.RetryCount,
		&t.MaxRetryCount, &t.CooldownHours, &lastSent, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = normalizeTaskType(rawType)
	t.Message = message.String
	t.CreatedRunID = createdRun.String
	t.SentRunID = sentRun.String
	if lastSent.Valid {
		at := lastSent.Time
		t.LastSentAt = &at
	}
	return &t, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]*NotificationTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("task query failed: %w", err)
	}
	defer rows.Close()

	var tasks []*NotificationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task scan failed: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveTask inserts a new task. A second Pending task for the same
// (logicalOrderID, type) is rejected; callers check HasPendingTask
// first, this is the hard backstop.
func (s *Store) SaveTask(t *NotificationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Status == TaskPending {
		var count int
		err := s.db.QueryRow(
			`SELECT COUNT(*) FROM notification_tasks WHERE logical_order_id = ? AND type IN (?, ?) AND status = ?`,
			t.LogicalOrderID, t.Type, legacyTaskType(t.Type), TaskPending).Scan(&count)
		if err != nil {
			return fmt.Errorf("pending uniqueness check failed: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("pending task already exists for (%s, %s)", t.LogicalOrderID, t.Type)
		}
	}

	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO notification_tasks
			(logical_order_id, org_name, type, status, due_time, message,
			 created_run_id, retry_count, max_retry_count, cooldown_hours,
			 last_sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
		t.LogicalOrderID, t.OrgName, t.Type, t.Status, t.DueTime, t.Message,
		t.CreatedRunID, t.RetryCount, t.MaxRetryCount, t.CooldownHours,
		t.LastSentAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	logging.StoreDebug("Saved task %d (%s, %s)", id, t.LogicalOrderID, t.Type)
	return nil
}

// HasPendingTask reports whether a Pending task exists for the key.
func (s *Store) HasPendingTask(logicalOrderID string, typ TaskType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM notification_tasks WHERE logical_order_id = ? AND type IN (?, ?) AND status = ?`,
		logicalOrderID, typ, legacyTaskType(typ), TaskPending).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("pending check failed: %w", err)
	}
	return count > 0, nil
}

// UpdateTaskStatus transitions a task. A Pending -> Failed transition
// increments the retry counter.
func (s *Store) UpdateTaskStatus(id int64, status TaskStatus, sentRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current TaskStatus
	if err := s.db.QueryRow(`SELECT status FROM notification_tasks WHERE id = ?`, id).Scan(&current); err != nil {
		return fmt.Errorf("failed to read task %d: %w", id, err)
	}

	retryBump := 0
	if current == TaskPending && status == TaskFailed {
		retryBump = 1
	}

	_, err := s.db.Exec(`
		UPDATE notification_tasks
		SET status = ?, retry_count = retry_count + ?,
		    sent_run_id = COALESCE(NULLIF(?, ''), sent_run_id),
		    updated_at = ?
		WHERE id = ?`,
		status, retryBump, sentRunID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update task %d status: %w", id, err)
	}
	logging.StoreDebug("Task %d: %s -> %s", id, current, status)
	return nil
}

// UpdateTaskMessage stores the rendered message. Once set it is never
// overwritten, so retries resend the original rendering.
func (s *Store) UpdateTaskMessage(id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE notification_tasks
		SET message = ?, updated_at = ?
		WHERE id = ? AND (message IS NULL OR message = '')`,
		message, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update task %d message: %w", id, err)
	}
	return nil
}

// UpdateTaskLastSent records the instant of the most recent send.
func (s *Store) UpdateTaskLastSent(id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE notification_tasks SET last_sent_at = ?, sent_at = ?, updated_at = ? WHERE id = ?`,
		at, at, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update task %d last_sent_at: %w", id, err)
	}
	return nil
}

// MarkConfirmed moves a Sent task to Confirmed. No tick path writes
// this; it exists for operator acknowledgement.
func (s *Store) MarkConfirmed(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE notification_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		TaskConfirmed, time.Now(), id, TaskSent)
	if err != nil {
		return fmt.Errorf("failed to confirm task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %d is not in sent state", id)
	}
	return nil
}

// PendingTasks returns all tasks with status Pending.
func (s *Store) PendingTasks() ([]*NotificationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM notification_tasks WHERE status = ? ORDER BY id`, TaskPending)
}

// TasksByLogicalIDAndType returns every row for the dedup key, newest first.
func (s *Store) TasksByLogicalIDAndType(logicalOrderID string, typ TaskType) ([]*NotificationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM notification_tasks WHERE logical_order_id = ? AND type IN (?, ?) ORDER BY id DESC`,
		logicalOrderID, typ, legacyTaskType(typ))
}

// LatestTaskByLogicalIDAndType returns the most recent row for the key
// regardless of status, or nil when none exists. Cooldown checks at
// plan time use this row, not just Pending ones.
func (s *Store) LatestTaskByLogicalIDAndType(logicalOrderID string, typ TaskType) (*NotificationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+taskColumns+` FROM notification_tasks WHERE logical_order_id = ? AND type IN (?, ?) ORDER BY id DESC LIMIT 1`,
		logicalOrderID, typ, legacyTaskType(typ))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest task lookup failed: %w", err)
	}
	return t, nil
}

// OpenTasksForOrg returns the org's Pending tasks of the given type.
// The escalation cleanup pass uses this to find legacy per-order rows.
func (s *Store) OpenTasksForOrg(orgName string, typ TaskType) ([]*NotificationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM notification_tasks WHERE org_name = ? AND type IN (?, ?) AND status = ? ORDER BY id`,
		orgName, typ, legacyTaskType(typ), TaskPending)
}

// RetireTask marks a legacy task Sent without dispatching anything.
func (s *Store) RetireTask(id int64, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE notification_tasks
		SET status = ?, sent_run_id = ?, updated_at = ?
		WHERE id = ?`,
		TaskSent, runID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to retire task %d: %w", id, err)
	}
	logging.Store("Retired legacy task %d without dispatch", id)
	return nil
}
