package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slawatch/internal/config"
	"slawatch/internal/opportunity"
	"slawatch/internal/store"
)

// fakeFetcher returns a canned set or error and counts calls.
type fakeFetcher struct {
	opps  []opportunity.Opportunity
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]opportunity.Opportunity, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.opps, nil
}

func monday9am() time.Time {
	return time.Date(2024, 6, 3, 9, 0, 0, 0, time.Local)
}

func newStrategy(t *testing.T, f *fakeFetcher) (*Strategy, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewStrategy(f, st), st
}

func TestGetOpportunitiesFreshPathRefreshesCache(t *testing.T) {
	f := &fakeFetcher{opps: []opportunity.Opportunity{
		{OrderNum: "GD001", OrgName: "North", Status: opportunity.StatusPendingAppointment, CreateTime: monday9am()},
		{OrderNum: "GD002", OrgName: "North", Status: opportunity.Status("Completed"), CreateTime: monday9am()},
	}}
	s, st := newStrategy(t, f)

	opps, err := s.GetOpportunities(context.Background(), true, config.DefaultSettings())
	require.NoError(t, err)
	require.Len(t, opps, 2, "unmonitored rows stay in the working set")
	assert.True(t, opps[0].Monitored)
	assert.False(t, opps[1].Monitored)
	assert.Greater(t, opps[0].ElapsedHours, 0.0)

	count, err := st.CacheCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the monitored row is cached")
}

func TestGetOpportunitiesReusesWorkingSetWithinTick(t *testing.T) {
	f := &fakeFetcher{opps: []opportunity.Opportunity{
		{OrderNum: "GD001", OrgName: "North", Status: opportunity.StatusPendingAppointment, CreateTime: monday9am()},
	}}
	s, _ := newStrategy(t, f)

	_, err := s.GetOpportunities(context.Background(), false, config.DefaultSettings())
	require.NoError(t, err)
	_, err = s.GetOpportunities(context.Background(), false, config.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)

	// forceRefresh always hits the source.
	_, err = s.GetOpportunities(context.Background(), true, config.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestGetOpportunitiesFallsBackToCache(t *testing.T) {
	f := &fakeFetcher{opps: []opportunity.Opportunity{
		{OrderNum: "GD001", OrgName: "North", Status: opportunity.StatusPendingAppointment, CreateTime: monday9am()},
	}}
	s, _ := newStrategy(t, f)

	// Populate the cache, then kill the source.
	_, err := s.GetOpportunities(context.Background(), true, config.DefaultSettings())
	require.NoError(t, err)
	f.err = errors.New("source down")
	s.Invalidate()

	// The cached set comes back together with the fetch error, so the
	// caller can keep working and still record the degraded fetch.
	opps, err := s.GetOpportunities(context.Background(), true, config.DefaultSettings())
	require.ErrorIs(t, err, f.err)
	require.Len(t, opps, 1)
	assert.Equal(t, "GD001", opps[0].OrderNum)
	assert.True(t, opps[0].Monitored, "cached rows are reclassified on read")
}

func TestGetOpportunitiesEmptyCachePropagatesError(t *testing.T) {
	f := &fakeFetcher{err: errors.New("source down")}
	s, _ := newStrategy(t, f)

	_, err := s.GetOpportunities(context.Background(), true, config.DefaultSettings())
	require.Error(t, err)
}

func TestRefreshCacheErrorsOnFetchFailure(t *testing.T) {
	f := &fakeFetcher{err: errors.New("source down")}
	s, _ := newStrategy(t, f)

	_, _, err := s.RefreshCache(context.Background(), config.DefaultSettings())
	require.Error(t, err)
}

func TestValidateConsistency(t *testing.T) {
	f := &fakeFetcher{opps: []opportunity.Opportunity{
		{OrderNum: "GD001", OrgName: "North", Status: opportunity.StatusPendingAppointment, CreateTime: monday9am()},
		{OrderNum: "GD002", OrgName: "North", Status: opportunity.Status("Completed"), CreateTime: monday9am()},
	}}
	s, _ := newStrategy(t, f)

	// Cache is empty: inconsistent.
	report, err := s.ValidateConsistency(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, 0, report.CachedCount)
	assert.Equal(t, 1, report.FreshCount)

	_, _, err = s.RefreshCache(context.Background(), config.DefaultSettings())
	require.NoError(t, err)

	report, err = s.ValidateConsistency(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}
