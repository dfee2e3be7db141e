package hubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hubmetrics/groups-exporter/internal/groups"
	"github.com/hubmetrics/groups-exporter/internal/retryhttp"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, baseURL string, maxAttempts int) (*Client, *[]time.Duration) {
	t.Helper()

	retryClient := retryhttp.New(http.DefaultClient, retryhttp.Config{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     2 * time.Minute,
	})
	sleeps := &[]time.Duration{}
	retryClient.Sleep = func(d time.Duration) {
		*sleeps = append(*sleeps, d)
	}
	return New(retryClient, baseURL, "secret-token", zap.NewNop()), sleeps
}

func TestFetchGroupsSinglePage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hub/api/groups" {
			t.Errorf("path = %q, want /hub/api/groups", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "token secret-token" {
			t.Errorf("Authorization = %q, want token header", got)
		}
		if got := r.Header.Get("Accept"); got != AcceptHeader {
			t.Errorf("Accept = %q, want %q", got, AcceptHeader)
		}
		fmt.Fprint(w, `[{"name": "A", "users": ["u1"]}, {"name": "B", "users": ["u1", "u2"]}]`)
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server.URL, 3)
	records, err := client.FetchGroups(context.Background())
	if err != nil {
		t.Fatalf("FetchGroups() unexpected error: %v", err)
	}

	want := []groups.Record{
		{Name: "A", Users: []string{"u1"}},
		{Name: "B", Users: []string{"u1", "u2"}},
	}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("records = %v, want %v", records, want)
	}
}

func TestFetchGroupsPaginationEquivalence(t *testing.T) {
	t.Parallel()

	allRecords := []groups.Record{
		{Name: "g1", Users: []string{"u1"}},
		{Name: "g2", Users: []string{"u2"}},
		{Name: "g3", Users: []string{"u1", "u3"}},
		{Name: "g4", Users: []string{"u4"}},
		{Name: "g5", Users: []string{"u5"}},
	}

	// Paginated server: pages of 2, 2, and 1 records, each with a next link
	// except the last.
	var paged *httptest.Server
	paged = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			fmt.Fprintf(w, `{"items": [{"name": "g1", "users": ["u1"]}, {"name": "g2", "users": ["u2"]}],
				"_pagination": {"next": {"url": "%s/hub/api/groups?page=2"}}}`, paged.URL)
		case "2":
			fmt.Fprintf(w, `{"items": [{"name": "g3", "users": ["u1", "u3"]}, {"name": "g4", "users": ["u4"]}],
				"_pagination": {"next": {"url": "%s/hub/api/groups?page=3"}}}`, paged.URL)
		case "3":
			fmt.Fprint(w, `{"items": [{"name": "g5", "users": ["u5"]}], "_pagination": {"next": null}}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	t.Cleanup(paged.Close)

	single := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"name": "g1", "users": ["u1"]}, {"name": "g2", "users": ["u2"]},
			{"name": "g3", "users": ["u1", "u3"]}, {"name": "g4", "users": ["u4"]}, {"name": "g5", "users": ["u5"]}]`)
	}))
	t.Cleanup(single.Close)

	pagedClient, _ := newTestClient(t, paged.URL, 3)
	pagedRecords, err := pagedClient.FetchGroups(context.Background())
	if err != nil {
		t.Fatalf("FetchGroups() paginated unexpected error: %v", err)
	}
	if !reflect.DeepEqual(pagedRecords, allRecords) {
		t.Fatalf("paginated records = %v, want %v", pagedRecords, allRecords)
	}

	singleClient, _ := newTestClient(t, single.URL, 3)
	singleRecords, err := singleClient.FetchGroups(context.Background())
	if err != nil {
		t.Fatalf("FetchGroups() single-page unexpected error: %v", err)
	}

	policy := groups.Policy{DoubleCount: true, DefaultGroupLabel: "multiple"}
	pagedSnapshot := groups.Resolve(pagedRecords, nil, policy)
	singleSnapshot := groups.Resolve(singleRecords, nil, policy)
	if !reflect.DeepEqual(pagedSnapshot, singleSnapshot) {
		t.Fatalf("paginated snapshot = %+v, want %+v", pagedSnapshot, singleSnapshot)
	}
}

func TestFetchGroupsRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	failuresLeft := 3
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failuresLeft > 0 {
			failuresLeft--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `[{"name": "A", "users": ["u1"]}]`)
	}))
	t.Cleanup(server.Close)

	client, sleeps := newTestClient(t, server.URL, 8)
	records, err := client.FetchGroups(context.Background())
	if err != nil {
		t.Fatalf("FetchGroups() unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].Name != "A" {
		t.Fatalf("records = %v, want single group A", records)
	}

	if len(*sleeps) != 3 {
		t.Fatalf("backoff sleeps = %d, want 3", len(*sleeps))
	}
	for i := 1; i < len(*sleeps); i++ {
		if (*sleeps)[i] <= (*sleeps)[i-1] {
			t.Fatalf("backoff delays not increasing: %v", *sleeps)
		}
	}
}

func TestFetchGroupsPermanentFailureAborts(t *testing.T) {
	t.Parallel()

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	client, sleeps := newTestClient(t, server.URL, 8)
	_, err := client.FetchGroups(context.Background())
	if err == nil {
		t.Fatalf("FetchGroups() expected error for 403 response")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("error = %v, want status 403 mention", err)
	}
	if calls != 1 {
		t.Fatalf("upstream calls = %d, want 1 (no retry on 4xx)", calls)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("backoff sleeps = %v, want none", *sleeps)
	}
}

func TestFetchGroupsMalformedJSONAborts(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"items": [{"name": `)
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server.URL, 3)
	if _, err := client.FetchGroups(context.Background()); err == nil {
		t.Fatalf("FetchGroups() expected error for malformed JSON")
	}
}
