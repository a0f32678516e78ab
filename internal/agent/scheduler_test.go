package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"slawatch/internal/opportunity"
	"slawatch/internal/store"
)

func TestSchedulerManualTrigger(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fetcher := &fakeFetcher{opps: []opportunity.Opportunity{breachingOpp("GD001")}}
	sender := &recordingSender{ok: true}
	o, st := newTestOrchestrator(t, fetcher, sender)

	// A long interval keeps the periodic path quiet; only the manual
	// trigger should fire.
	s := NewScheduler(o, func() time.Duration { return time.Hour })
	require.NoError(t, s.Start(context.Background()))

	assert.True(t, s.TriggerNow())

	deadline := time.After(5 * time.Second)
	for {
		runs, err := st.RecentRuns(1)
		require.NoError(t, err)
		if len(runs) == 1 && runs[0].EndTime != nil {
			assert.Equal(t, store.RunCompleted, runs[0].Status)
			assert.Equal(t, "manual", runs[0].Context["trigger"])
			break
		}
		select {
		case <-deadline:
			t.Fatal("manual tick never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.Stop()
	assert.Equal(t, 0, s.MissedTicks())
}

func TestSchedulerDoesNotAutoFire(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fetcher := &fakeFetcher{opps: nil}
	sender := &recordingSender{ok: true}
	o, st := newTestOrchestrator(t, fetcher, sender)

	s := NewScheduler(o, func() time.Duration { return time.Hour })
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	runs, err := st.RecentRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs, "first tick waits a full interval")
}

func TestSchedulerStartIsExclusive(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fetcher := &fakeFetcher{}
	sender := &recordingSender{ok: true}
	o, _ := newTestOrchestrator(t, fetcher, sender)

	s := NewScheduler(o, func() time.Duration { return time.Hour })
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()

	// A stopped scheduler can be started again.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
