// Package sync implements the full-refresh data strategy: always try a
// fresh fetch, rebuild the cache on success, fall back to the cache
// when the source is down.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"slawatch/internal/config"
	"slawatch/internal/fetch"
	"slawatch/internal/logging"
	"slawatch/internal/opportunity"
	"slawatch/internal/store"
)

// Strategy delivers the freshest possible opportunity set. A fetch
// failure degrades to cached data; the error is still returned so the
// caller can record it, alongside an empty set only when the cache is
// empty too.
type Strategy struct {
	fetcher fetch.OpportunityFetcher
	store   *store.Store

	mu         sync.Mutex
	workingSet []opportunity.Opportunity
	setAt      time.Time
}

// NewStrategy creates a strategy over the given fetcher and store.
func NewStrategy(fetcher fetch.OpportunityFetcher, st *store.Store) *Strategy {
	return &Strategy{fetcher: fetcher, store: st}
}

// GetOpportunities returns the classified working set. It always
// attempts a fresh fetch; on success the cache is rebuilt whole and the
// fresh set returned. On failure the cache contents are returned
// together with the fetch error, so callers can keep working on stale
// data while recording the degraded fetch; the set is empty only when
// the cache is too. With forceRefresh false, a working set already
// fetched in the last minute is reused so the execute phase does not
// hit the source twice per tick.
func (s *Strategy) GetOpportunities(ctx context.Context, forceRefresh bool, snap config.Settings) ([]opportunity.Opportunity, error) {
	s.mu.Lock()
	if !forceRefresh && s.workingSet != nil && time.Since(s.setAt) < time.Minute {
		cached := s.workingSet
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	fresh, fetchErr := s.fetcher.Fetch(ctx)
	if fetchErr == nil {
		classified := opportunity.ClassifyAll(fresh, time.Now(), snap.Thresholds(), snap.Calendar())
		if _, _, err := s.store.FullRefreshCache(classified); err != nil {
			// Cache write failure is not fatal; the working set is fresh.
			logging.SyncWarn("Cache refresh failed after fetch: %v", err)
		}
		s.mu.Lock()
		s.workingSet = classified
		s.setAt = time.Now()
		s.mu.Unlock()
		return classified, nil
	}

	logging.SyncWarn("Fetch failed, falling back to cache: %v", fetchErr)
	cached, err := s.store.CachedOpportunities()
	if err != nil {
		return nil, fmt.Errorf("fetch failed and cache unreadable: %w", err)
	}
	if len(cached) == 0 {
		return nil, fetchErr
	}
	classified := opportunity.ClassifyAll(cached, time.Now(), snap.Thresholds(), snap.Calendar())
	logging.Sync("Serving %d opportunities from cache", len(classified))
	return classified, fetchErr
}

// RefreshCache fetches fresh data and rebuilds the cache, returning the
// row counts. Unlike GetOpportunities, a fetch failure here is an
// error: the operator asked for a refresh and did not get one.
func (s *Strategy) RefreshCache(ctx context.Context, snap config.Settings) (deleted, inserted int, err error) {
	fresh, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return 0, 0, err
	}
	classified := opportunity.ClassifyAll(fresh, time.Now(), snap.Thresholds(), snap.Calendar())
	deleted, inserted, err = s.store.FullRefreshCache(classified)
	if err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	s.workingSet = classified
	s.setAt = time.Now()
	s.mu.Unlock()
	return deleted, inserted, nil
}

// ConsistencyReport compares the cache against a fresh fetch.
type ConsistencyReport struct {
	CachedCount int       `json:"cached_count"`
	FreshCount  int       `json:"fresh_count"`
	Consistent  bool      `json:"consistent"`
	CheckedAt   time.Time `json:"checked_at"`
}

// ValidateConsistency reports whether the cache row count matches the
// monitored subset of a fresh fetch. Operator convenience only; it
// never mutates the cache.
func (s *Strategy) ValidateConsistency(ctx context.Context) (*ConsistencyReport, error) {
	fresh, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	freshCount := 0
	for _, o := range fresh {
		if o.Status.Monitored() && !o.CreateTime.IsZero() {
			freshCount++
		}
	}
	cachedCount, err := s.store.CacheCount()
	if err != nil {
		return nil, err
	}
	return &ConsistencyReport{
		CachedCount: cachedCount,
		FreshCount:  freshCount,
		Consistent:  cachedCount == freshCount,
		CheckedAt:   time.Now(),
	}, nil
}

// Invalidate drops the in-memory working set so the next call fetches.
func (s *Strategy) Invalidate() {
	s.mu.Lock()
	s.workingSet = nil
	s.mu.Unlock()
}
