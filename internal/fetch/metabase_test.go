package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slawatch/internal/opportunity"
)

func cardResponse(cols []string, rows [][]any) map[string]any {
	colObjs := make([]map[string]any, len(cols))
	for i, c := range cols {
		colObjs[i] = map[string]any{"name": c}
	}
	return map[string]any{
		"data": map[string]any{"cols": colObjs, "rows": rows},
	}
}

func newSourceServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchMapsRecords(t *testing.T) {
	var authCalls atomic.Int32
	srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/session":
			authCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"id": "tok-1"})
		case "/api/card/1712/query":
			assert.Equal(t, "tok-1", r.Header.Get("X-Metabase-Session"))
			json.NewEncoder(w).Encode(cardResponse(
				[]string{"orderNum", "name", "address", "exts.supervisorName", "orgName", "createTime", "orderstatus"},
				[][]any{
					{"GD001", "Customer A", "1 Main St", "Zhang", "North", "2024-06-03T09:00:00", "PendingAppointment"},
					{"GD002", "Customer B", "2 Main St", "Li", "North", nil, "PendingAppointment"},
					{"GD003", "Customer C", "3 Main St", "Wang", "South", "2024-06-03 10:30:00", "Completed"},
				},
			))
		default:
			http.NotFound(w, r)
		}
	})

	client := NewMetabaseClient(srv.URL, "user", "pass")
	opps, err := client.Fetch(context.Background())
	require.NoError(t, err)

	// The row with no create time is dropped.
	require.Len(t, opps, 2)
	assert.Equal(t, "GD001", opps[0].OrderNum)
	assert.Equal(t, "Zhang", opps[0].SupervisorName)
	assert.Equal(t, opportunity.StatusPendingAppointment, opps[0].Status)
	assert.Equal(t, 9, opps[0].CreateTime.Hour())

	// Unknown status survives the mapping but is not monitored.
	assert.Equal(t, opportunity.Status("Completed"), opps[1].Status)
	assert.False(t, opps[1].Status.Monitored())

	// Second fetch reuses the session.
	_, err = client.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), authCalls.Load())
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var queryCalls atomic.Int32
	srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/session":
			json.NewEncoder(w).Encode(map[string]string{"id": "tok-1"})
		case "/api/card/1712/query":
			if queryCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(cardResponse(
				[]string{"orderNum", "name", "address", "supervisorName", "orgName", "createTime", "orderstatus"},
				[][]any{{"GD001", "Customer A", "1 Main St", "Zhang", "North", "2024-06-03T09:00:00", "PendingAppointment"}},
			))
		}
	})

	client := NewMetabaseClient(srv.URL, "user", "pass", WithMaxRetries(2))
	opps, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, opps, 1)
	assert.Equal(t, int32(2), queryCalls.Load())
}

func TestFetchReauthenticatesOn401(t *testing.T) {
	var authCalls atomic.Int32
	srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/session":
			n := authCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"id": map[int32]string{1: "stale", 2: "fresh"}[n]})
		case "/api/card/1712/query":
			if r.Header.Get("X-Metabase-Session") == "stale" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(cardResponse(
				[]string{"orderNum", "name", "address", "supervisorName", "orgName", "createTime", "orderstatus"},
				[][]any{{"GD001", "Customer A", "1 Main St", "Zhang", "North", "2024-06-03T09:00:00", "PendingAppointment"}},
			))
		}
	})

	client := NewMetabaseClient(srv.URL, "user", "pass", WithMaxRetries(2))
	opps, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, opps, 1)
	assert.Equal(t, int32(2), authCalls.Load())
}

func TestFetchWrapsUpstreamFailure(t *testing.T) {
	srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client := NewMetabaseClient(srv.URL, "user", "pass", WithMaxRetries(0), WithTimeout(2*time.Second))
	_, err := client.Fetch(context.Background())
	require.Error(t, err)

	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestParseSourceTime(t *testing.T) {
	cases := []struct {
		name string
		in   any
		ok   bool
	}{
		{"rfc3339", "2024-06-03T09:00:00Z", true},
		{"naive datetime", "2024-06-03T09:00:00", true},
		{"space datetime", "2024-06-03 09:00:00", true},
		{"date only", "2024-06-03", true},
		{"epoch millis", float64(1717405200000), true},
		{"empty", "", false},
		{"nil", nil, false},
		{"garbage", "yesterday", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := parseSourceTime(tc.in)
			assert.Equal(t, tc.ok, ok)
		})
	}
}
