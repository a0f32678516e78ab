// Package fetch retrieves service opportunities from the analytics
// source and maps them into the working-set model.
package fetch

import (
	"context"

	"slawatch/internal/opportunity"
)

// OpportunityFetcher is the inbound dependency the sync strategy pulls
// from. Implementations return the full current set of opportunities;
// the caller owns classification and caching.
type OpportunityFetcher interface {
	Fetch(ctx context.Context) ([]opportunity.Opportunity, error)
}

// FetchError wraps upstream failures so the orchestrator can recognize
// a degraded-but-survivable fetch.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch failed: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }
