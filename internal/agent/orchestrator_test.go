package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slawatch/internal/config"
	"slawatch/internal/notify"
	"slawatch/internal/opportunity"
	"slawatch/internal/store"
	syncdata "slawatch/internal/sync"
)

type fakeFetcher struct {
	opps []opportunity.Opportunity
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]opportunity.Opportunity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.opps, nil
}

type recordingSender struct {
	ok    bool
	calls []string
}

func (r *recordingSender) Send(_ context.Context, url, text string) bool {
	r.calls = append(r.calls, url)
	return r.ok
}

// breachingOpp is old enough to exceed every threshold regardless of
// when the test runs.
func breachingOpp(orderNum string) opportunity.Opportunity {
	return opportunity.Opportunity{
		OrderNum:     orderNum,
		CustomerName: "Customer",
		OrgName:      "North",
		CreateTime:   time.Now().Add(-14 * 24 * time.Hour),
		Status:       opportunity.StatusPendingAppointment,
	}
}

func newTestOrchestrator(t *testing.T, fetcher *fakeFetcher, sender notify.WebhookSender) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertGroupConfig(&store.GroupConfig{
		OrgName:    "North",
		WebhookURL: "https://chat.example.com/hook/north",
		Enabled:    true,
	}))
	require.NoError(t, st.SetSystemConfig("webhook_api_interval", "0", ""))

	strategy := syncdata.NewStrategy(fetcher, st)
	router := notify.NewRouter(st, "https://chat.example.com/hook/ops")
	manager := notify.NewManager(st, router, sender, strategy, nil)
	return NewOrchestrator(st, strategy, manager, NewRunTracker(st)), st
}

func TestTickEndToEnd(t *testing.T) {
	fetcher := &fakeFetcher{opps: []opportunity.Opportunity{breachingOpp("GD001")}}
	sender := &recordingSender{ok: true}
	o, st := newTestOrchestrator(t, fetcher, sender)

	result, err := o.Tick(context.Background(), "manual", false)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.ReminderDue)
	assert.Equal(t, 1, result.EscalationDue)
	assert.Equal(t, 2, result.Sent, "one reminder task and one escalation task")
	assert.Len(t, sender.calls, 2)

	run, err := st.GetRun(result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, 1, run.OpportunitiesProcessed)
	assert.Equal(t, 2, run.NotificationsSent)

	steps, err := st.RunSteps(result.RunID)
	require.NoError(t, err)
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.StepName
	}
	assert.Equal(t, []string{"fetchData", "analyzeStatus", "decideToContinue",
		"planNotifications", "sendNotifications", "recordResults"}, names)
}

func TestSecondTickIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{opps: []opportunity.Opportunity{breachingOpp("GD001")}}
	sender := &recordingSender{ok: true}
	o, st := newTestOrchestrator(t, fetcher, sender)

	first, err := o.Tick(context.Background(), "manual", false)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Sent)

	// The opportunity still breaches but every key is in cooldown.
	second, err := o.Tick(context.Background(), "manual", false)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, second.Status)
	assert.Equal(t, 0, second.Sent)
	assert.Len(t, sender.calls, 2, "no additional webhook calls")

	pending, err := st.PendingTasks()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFetchFailureWithEmptyCacheCompletes(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("source down")}
	sender := &recordingSender{ok: true}
	o, st := newTestOrchestrator(t, fetcher, sender)

	result, err := o.Tick(context.Background(), "manual", false)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.Sent)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "FetchError")

	run, err := st.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{result.Errors[0]}, run.Errors)
}

func TestFetchFailureFallsBackToCache(t *testing.T) {
	fetcher := &fakeFetcher{opps: []opportunity.Opportunity{breachingOpp("GD001")}}
	sender := &recordingSender{ok: true}
	o, st := newTestOrchestrator(t, fetcher, sender)

	// First tick populates the cache.
	_, err := o.Tick(context.Background(), "manual", false)
	require.NoError(t, err)

	// Source goes down; the tick proceeds on cached data but the run
	// still records the degraded fetch.
	fetcher.err = errors.New("source down")
	result, err := o.Tick(context.Background(), "manual", false)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, 1, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "FetchError")

	run, err := st.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, []string{result.Errors[0]}, run.Errors)
}

func TestDryRunPlansNothing(t *testing.T) {
	fetcher := &fakeFetcher{opps: []opportunity.Opportunity{breachingOpp("GD001")}}
	sender := &recordingSender{ok: true}
	o, st := newTestOrchestrator(t, fetcher, sender)

	result, err := o.Tick(context.Background(), "manual", true)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, result.Status)
	assert.Equal(t, 1, result.ReminderDue)
	assert.Equal(t, 0, result.Sent)
	assert.Empty(t, sender.calls)

	pending, err := st.PendingTasks()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// planFailingManager fails every plan phase but executes normally.
type planFailingManager struct {
	TaskManager
}

func (p *planFailingManager) CreateTasks([]opportunity.Opportunity, string, config.Settings) ([]*store.NotificationTask, error) {
	return nil, errors.New("task table unavailable")
}

func TestPlanFailureStillDispatchesPending(t *testing.T) {
	fetcher := &fakeFetcher{opps: []opportunity.Opportunity{breachingOpp("GD001")}}
	sender := &recordingSender{ok: true}
	o, st := newTestOrchestrator(t, fetcher, sender)
	o.manager = &planFailingManager{TaskManager: o.manager}

	// A reminder left Pending by an earlier tick.
	require.NoError(t, st.SaveTask(&store.NotificationTask{
		LogicalOrderID: "GD001",
		OrgName:        "North",
		Type:           store.TaskReminder,
		DueTime:        time.Now(),
		MaxRetryCount:  5,
	}))

	result, err := o.Tick(context.Background(), "manual", false)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "TaskStateError")

	// The execute phase still ran on the pre-existing task.
	assert.Equal(t, 1, result.Sent)
	require.Len(t, sender.calls, 1)

	latest, lookupErr := st.LatestTaskByLogicalIDAndType("GD001", store.TaskReminder)
	require.NoError(t, lookupErr)
	assert.Equal(t, store.TaskSent, latest.Status)
}

type blockingSender struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) Send(_ context.Context, _, _ string) bool {
	b.entered <- struct{}{}
	<-b.release
	return true
}

func TestOverlappingTickIsRejected(t *testing.T) {
	fetcher := &fakeFetcher{opps: []opportunity.Opportunity{breachingOpp("GD001")}}
	sender := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	o, _ := newTestOrchestrator(t, fetcher, sender)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := o.Tick(context.Background(), "scheduled", false)
		assert.NoError(t, err)
	}()

	// Wait until the first tick is mid-send, then trigger again.
	<-sender.entered
	_, err := o.Tick(context.Background(), "scheduled", false)
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(sender.release)
	// The blocked sender is called once more for the escalation tier.
	<-sender.entered
	<-done
}
