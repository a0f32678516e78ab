package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"slawatch/internal/advisor"
	"slawatch/internal/config"
	"slawatch/internal/logging"
	"slawatch/internal/opportunity"
	"slawatch/internal/store"
)

// OpportunitySource supplies the working set during the execute phase.
// The data-sync strategy satisfies this.
type OpportunitySource interface {
	GetOpportunities(ctx context.Context, forceRefresh bool, snap config.Settings) ([]opportunity.Opportunity, error)
}

// Manager owns the notification task lifecycle. It runs twice per
// tick: CreateTasks plans new rows, ExecutePending dispatches the due
// ones. The two phases never interleave within a tick.
type Manager struct {
	store   *store.Store
	router  *Router
	sender  WebhookSender
	source  OpportunitySource
	advisor advisor.DecisionAdvisor
}

// NewManager wires the manager. A nil advisor disables LLM rewriting.
func NewManager(st *store.Store, router *Router, sender WebhookSender, source OpportunitySource, adv advisor.DecisionAdvisor) *Manager {
	if adv == nil {
		adv = advisor.Noop{}
	}
	return &Manager{store: st, router: router, sender: sender, source: source, advisor: adv}
}

// CreateTasks is the plan phase: it derives notification obligations
// from the classified working set and inserts new Pending rows. It
// never sends. Dedup holds at three levels: the per-tick createdKeys
// set, the store's Pending uniqueness rule, and the cooldown check
// against the most recent row for the key regardless of status.
func (m *Manager) CreateTasks(opps []opportunity.Opportunity, runID string, snap config.Settings) ([]*store.NotificationTask, error) {
	now := time.Now()
	createdKeys := make(map[string]bool)
	var created []*store.NotificationTask

	escalationOrgs := make(map[string]bool)
	for _, o := range opps {
		if !o.Monitored {
			continue
		}
		if snap.RemindersEnabled && o.ReminderDue {
			task, err := m.planTask(o.OrderNum, o.OrgName, store.TaskReminder, now, runID, snap, createdKeys)
			if err != nil {
				return created, err
			}
			if task != nil {
				created = append(created, task)
			}
		}
		if o.EscalationLevel > 0 {
			escalationOrgs[o.OrgName] = true
		}
	}

	if !snap.EscalationsEnabled {
		return created, nil
	}

	orgs := make([]string, 0, len(escalationOrgs))
	for org := range escalationOrgs {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	for _, org := range orgs {
		// Retire legacy per-order escalation rows before creating the
		// per-org row, so a single tick can never dispatch both shapes.
		if err := m.retireLegacyEscalations(org, runID); err != nil {
			return created, err
		}
		task, err := m.planTask(store.EscalationLogicalID(org), org, store.TaskEscalation, now, runID, snap, createdKeys)
		if err != nil {
			return created, err
		}
		if task != nil {
			created = append(created, task)
		}
	}

	logging.Notify("Plan created %d task(s) for run %s", len(created), runID)
	return created, nil
}

// planTask creates one Pending task for the key unless suppressed by
// the per-tick set, an existing Pending row, or cooldown.
func (m *Manager) planTask(logicalID, orgName string, typ store.TaskType, now time.Time, runID string, snap config.Settings, createdKeys map[string]bool) (*store.NotificationTask, error) {
	key := logicalID + "|" + string(typ)
	if createdKeys[key] {
		return nil, nil
	}

	pending, err := m.store.HasPendingTask(logicalID, typ)
	if err != nil {
		return nil, err
	}
	if pending {
		createdKeys[key] = true
		return nil, nil
	}

	latest, err := m.store.LatestTaskByLogicalIDAndType(logicalID, typ)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.LastSentAt != nil && now.Sub(*latest.LastSentAt) < snap.Cooldown {
		logging.NotifyDebug("Cooldown suppressed (%s, %s)", logicalID, typ)
		return nil, nil
	}

	task := &store.NotificationTask{
		LogicalOrderID: logicalID,
		OrgName:        orgName,
		Type:           typ,
		Status:         store.TaskPending,
		DueTime:        now,
		CreatedRunID:   runID,
		MaxRetryCount:  snap.MaxRetries,
		CooldownHours:  snap.CooldownHours(),
	}
	if err := m.store.SaveTask(task); err != nil {
		return nil, fmt.Errorf("failed to plan task (%s, %s): %w", logicalID, typ, err)
	}
	createdKeys[key] = true
	return task, nil
}

// retireLegacyEscalations marks any open escalation row for org whose
// logical id is not the per-org synthetic one as Sent without dispatch.
func (m *Manager) retireLegacyEscalations(org, runID string) error {
	open, err := m.store.OpenTasksForOrg(org, store.TaskEscalation)
	if err != nil {
		return err
	}
	wanted := store.EscalationLogicalID(org)
	for _, t := range open {
		if t.LogicalOrderID == wanted {
			continue
		}
		if err := m.store.RetireTask(t.ID, runID); err != nil {
			return err
		}
		logging.Notify("Retired legacy escalation task %d (%s) for org %s", t.ID, t.LogicalOrderID, org)
	}
	return nil
}

// ExecResult summarizes one execute phase.
type ExecResult struct {
	TotalConsidered int
	Sent            int
	Failed          int
	SkippedCooldown int
	ByOrg           map[string]OrgResult
}

// OrgResult is the per-organization slice of an ExecResult.
type OrgResult struct {
	Sent   int
	Failed int
}

// ExecutePending is the execute phase: it dispatches every due Pending
// task, one webhook message per org per tier, with the mandatory
// pacing sleep between webhook calls. Tasks created after the initial
// snapshot are not visible until the next tick.
func (m *Manager) ExecutePending(ctx context.Context, runID string, snap config.Settings) (*ExecResult, error) {
	now := time.Now()
	snapshot, err := m.store.PendingTasks()
	if err != nil {
		return nil, err
	}

	result := &ExecResult{
		TotalConsidered: len(snapshot),
		ByOrg:           make(map[string]OrgResult),
	}

	byOrg := make(map[string][]*store.NotificationTask)
	for _, t := range snapshot {
		if !t.ShouldSendNow(now) {
			if t.InCooldown(now) {
				result.SkippedCooldown++
			}
			continue
		}
		byOrg[t.OrgName] = append(byOrg[t.OrgName], t)
	}

	orgs := make([]string, 0, len(byOrg))
	for org := range byOrg {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	calls := 0
	for _, org := range orgs {
		var reminders, escalations []*store.NotificationTask
		for _, t := range byOrg[org] {
			if t.Type == store.TaskEscalation {
				escalations = append(escalations, t)
			} else {
				reminders = append(reminders, t)
			}
		}

		if len(reminders) > 0 {
			if err := m.sendReminders(ctx, org, reminders, runID, snap, &calls, result); err != nil {
				return result, err
			}
		}
		if len(escalations) > 0 {
			if err := m.sendEscalations(ctx, org, escalations, runID, snap, &calls, result); err != nil {
				return result, err
			}
		}
	}

	logging.Notify("Execute: considered=%d sent=%d failed=%d skipped=%d",
		result.TotalConsidered, result.Sent, result.Failed, result.SkippedCooldown)
	return result, nil
}

// sendReminders dispatches one reminder message covering the org's due
// reminder tasks.
func (m *Manager) sendReminders(ctx context.Context, org string, tasks []*store.NotificationTask, runID string, snap config.Settings, calls *int, result *ExecResult) error {
	wanted := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		wanted[t.LogicalOrderID] = true
	}

	opps, err := m.resolveOpportunities(ctx, wanted, snap)
	if err != nil {
		logging.NotifyWarn("Could not resolve opportunities for %s reminders: %v", org, err)
	}
	if len(opps) == 0 {
		// Every referenced opportunity left the breaching set since
		// plan; retire the tasks rather than send an empty message.
		for _, t := range tasks {
			if err := m.store.RetireTask(t.ID, runID); err != nil {
				return err
			}
		}
		return nil
	}
	sort.Slice(opps, func(i, j int) bool { return opps[i].OrderNum < opps[j].OrderNum })

	f := NewFormatter(float64(snap.Calendar().HoursPerDay()), snap.ReminderMaxDisplayOrders)
	message := m.finalMessage(ctx, "reminder", org, f.Reminder(org, opps))

	ok := m.paceAndSend(ctx, m.router.ReminderWebhook(org), message, snap, calls)
	return m.applySendOutcome(tasks, ok, message, runID, org, result)
}

// sendEscalations dispatches the org's single escalation message. The
// breaching list is re-queried from the freshest data so the header
// count reflects reality at send time, not plan time.
func (m *Manager) sendEscalations(ctx context.Context, org string, tasks []*store.NotificationTask, runID string, snap config.Settings, calls *int, result *ExecResult) error {
	all, err := m.source.GetOpportunities(ctx, true, snap)
	if err != nil {
		logging.NotifyWarn("Fresh query for %s escalation failed: %v", org, err)
	}
	var breaching []opportunity.Opportunity
	for _, o := range all {
		if o.OrgName == org && o.EscalationLevel > 0 {
			breaching = append(breaching, o)
		}
	}
	if len(breaching) == 0 {
		for _, t := range tasks {
			if err := m.store.RetireTask(t.ID, runID); err != nil {
				return err
			}
		}
		return nil
	}
	sort.Slice(breaching, func(i, j int) bool { return breaching[i].OrderNum < breaching[j].OrderNum })

	f := NewFormatter(float64(snap.Calendar().HoursPerDay()), snap.EscalationMaxDisplayOrders)
	message := m.finalMessage(ctx, "escalation", org, f.Escalation(org, breaching))

	ok := m.paceAndSend(ctx, m.router.EscalationWebhook(), message, snap, calls)
	return m.applySendOutcome(tasks, ok, message, runID, org, result)
}

// resolveOpportunities returns the working-set rows for the wanted
// order numbers, forcing a fresh fetch when any reference is missing.
func (m *Manager) resolveOpportunities(ctx context.Context, wanted map[string]bool, snap config.Settings) ([]opportunity.Opportunity, error) {
	pick := func(opps []opportunity.Opportunity) ([]opportunity.Opportunity, bool) {
		found := make(map[string]bool, len(wanted))
		var out []opportunity.Opportunity
		for _, o := range opps {
			if wanted[o.OrderNum] {
				out = append(out, o)
				found[o.OrderNum] = true
			}
		}
		return out, len(found) == len(wanted)
	}

	// A degraded fetch returns cached data alongside its error; that is
	// still usable here, so only an empty result is fatal.
	opps, err := m.source.GetOpportunities(ctx, false, snap)
	if err != nil && len(opps) == 0 {
		return nil, err
	}
	if out, complete := pick(opps); complete {
		return out, nil
	}

	opps, err = m.source.GetOpportunities(ctx, true, snap)
	if err != nil && len(opps) == 0 {
		return nil, err
	}
	out, _ := pick(opps)
	return out, nil
}

// finalMessage runs the advisor over the deterministic rendering; any
// failure keeps the deterministic text.
func (m *Manager) finalMessage(ctx context.Context, kind, org, deterministic string) string {
	revised, err := m.advisor.Revise(ctx, kind, org, deterministic)
	if err != nil || revised == "" {
		if err != nil {
			logging.NotifyDebug("Advisor fallback for %s/%s: %v", org, kind, err)
		}
		return deterministic
	}
	return revised
}

// paceAndSend enforces the inter-call interval before every webhook
// call after the first, then sends.
func (m *Manager) paceAndSend(ctx context.Context, webhookURL, message string, snap config.Settings, calls *int) bool {
	if *calls > 0 && snap.WebhookAPIInterval > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(snap.WebhookAPIInterval):
		}
	}
	*calls++
	return m.sender.Send(ctx, webhookURL, message)
}

// applySendOutcome transitions every task in the batch after one
// webhook call. Success stamps lastSentAt and the write-once message;
// failure increments retryCount via the Pending -> Failed transition.
func (m *Manager) applySendOutcome(tasks []*store.NotificationTask, ok bool, message, runID, org string, result *ExecResult) error {
	now := time.Now()
	orgResult := result.ByOrg[org]
	for _, t := range tasks {
		if ok {
			if err := m.store.UpdateTaskMessage(t.ID, message); err != nil {
				return err
			}
			if err := m.store.UpdateTaskLastSent(t.ID, now); err != nil {
				return err
			}
			if err := m.store.UpdateTaskStatus(t.ID, store.TaskSent, runID); err != nil {
				return err
			}
			result.Sent++
			orgResult.Sent++
		} else {
			if err := m.store.UpdateTaskStatus(t.ID, store.TaskFailed, ""); err != nil {
				return err
			}
			result.Failed++
			orgResult.Failed++
		}
	}
	result.ByOrg[org] = orgResult
	return nil
}
