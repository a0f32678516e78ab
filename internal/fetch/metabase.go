package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"slawatch/internal/logging"
	"slawatch/internal/opportunity"
)

// opportunityCardID is the saved analytics question that returns the
// current field-service opportunity set.
const opportunityCardID = 1712

// MetabaseClient fetches opportunities from a Metabase instance using
// session-token auth and a saved card query.
type MetabaseClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	maxRetries int

	mu           sync.Mutex
	sessionToken string
}

// MetabaseOption configures a MetabaseClient.
type MetabaseOption func(*MetabaseClient)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) MetabaseOption {
	return func(c *MetabaseClient) { c.httpClient.Timeout = d }
}

// WithMaxRetries sets the retry count for transient upstream errors.
func WithMaxRetries(n int) MetabaseOption {
	return func(c *MetabaseClient) { c.maxRetries = n }
}

// NewMetabaseClient creates a client for the given instance. No network
// call happens until Fetch; authentication is lazy and cached.
func NewMetabaseClient(baseURL, username, password string, opts ...MetabaseOption) *MetabaseClient {
	c := &MetabaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch implements OpportunityFetcher. It queries the opportunity card
// and maps rows into the model, skipping rows with no create time and
// keeping unknown statuses as unmonitored.
func (c *MetabaseClient) Fetch(ctx context.Context) ([]opportunity.Opportunity, error) {
	timer := logging.StartTimer(logging.CategorySync, "metabase fetch")
	defer timer.Stop()

	records, err := c.queryCard(ctx, opportunityCardID)
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	opps := make([]opportunity.Opportunity, 0, len(records))
	skipped := 0
	for _, rec := range records {
		o, ok := mapRecord(rec)
		if !ok {
			skipped++
			continue
		}
		opps = append(opps, o)
	}
	if skipped > 0 {
		logging.SyncWarn("Skipped %d records with missing create time", skipped)
	}
	logging.Sync("Fetched %d opportunities from source", len(opps))
	return opps, nil
}

// cardResult is the subset of the Metabase dataset response we read.
type cardResult struct {
	Data struct {
		Cols []struct {
			Name string `json:"name"`
		} `json:"cols"`
		Rows [][]any `json:"rows"`
	} `json:"data"`
}

// queryCard runs a saved card and flattens cols/rows into records.
// Retries transient status codes with linear backoff and re-auths once
// on a 401.
func (c *MetabaseClient) queryCard(ctx context.Context, cardID int) ([]map[string]any, error) {
	url := fmt.Sprintf("%s/api/card/%d/query", c.baseURL, cardID)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		token, err := c.ensureSession(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Metabase-Session", token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			// Session expired; drop it and re-auth on the next attempt.
			c.mu.Lock()
			c.sessionToken = ""
			c.mu.Unlock()
			lastErr = fmt.Errorf("card %d query unauthorized", cardID)
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("card %d query returned %d", cardID, resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("card %d query returned %d", cardID, resp.StatusCode)
		}

		var result cardResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("card %d response malformed: %w", cardID, err)
		}

		records := make([]map[string]any, 0, len(result.Data.Rows))
		for _, row := range result.Data.Rows {
			rec := make(map[string]any, len(result.Data.Cols))
			for i, col := range result.Data.Cols {
				if i < len(row) {
					rec[col.Name] = row[i]
				}
			}
			records = append(records, rec)
		}
		return records, nil
	}
	return nil, fmt.Errorf("card %d query exhausted retries: %w", cardID, lastErr)
}

// ensureSession returns a cached session token, authenticating when
// none is held.
func (c *MetabaseClient) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionToken != "" {
		return c.sessionToken, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authentication returned %d", resp.StatusCode)
	}

	var auth struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", fmt.Errorf("authentication response malformed: %w", err)
	}
	if auth.ID == "" {
		return "", fmt.Errorf("authentication returned no session token")
	}
	c.sessionToken = auth.ID
	logging.Sync("Authenticated with analytics source")
	return c.sessionToken, nil
}

// mapRecord converts one raw analytics row into an Opportunity. Rows
// without a parseable create time are dropped; unknown statuses are
// kept but never monitored. The supervisor column sometimes arrives
// under an exts. prefix depending on how the card was saved.
func mapRecord(rec map[string]any) (opportunity.Opportunity, bool) {
	orderNum := asString(rec["orderNum"])
	if orderNum == "" {
		logging.SyncWarn("Dropping record with empty orderNum")
		return opportunity.Opportunity{}, false
	}

	supervisor := asString(rec["supervisorName"])
	if supervisor == "" {
		supervisor = asString(rec["exts.supervisorName"])
	}

	createTime, ok := parseSourceTime(rec["createTime"])
	if !ok {
		logging.SyncWarn("Dropping %s: missing or unparseable createTime", orderNum)
		return opportunity.Opportunity{}, false
	}

	return opportunity.Opportunity{
		OrderNum:       orderNum,
		CustomerName:   asString(rec["name"]),
		Address:        asString(rec["address"]),
		SupervisorName: supervisor,
		OrgName:        asString(rec["orgName"]),
		CreateTime:     createTime,
		Status:         opportunity.Status(asString(rec["orderstatus"])),
	}, true
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// sourceTimeLayouts covers the timestamp shapes the analytics source
// emits, most specific first.
var sourceTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseSourceTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case float64:
		// Epoch milliseconds.
		if t <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(t)), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range sourceTimeLayouts {
			if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
