package retryhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type fakeDoer struct {
	responses []*http.Response
	errors    []error
	callCount int
}

func (d *fakeDoer) Do(_ *http.Request) (*http.Response, error) {
	idx := d.callCount
	d.callCount++

	var resp *http.Response
	if idx < len(d.responses) {
		resp = d.responses[idx]
	}
	var err error
	if idx < len(d.errors) {
		err = d.errors[idx]
	}
	return resp, err
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestClientDo(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		doer          *fakeDoer
		cfg           Config
		wantAttempts  int
		wantErr       bool
		wantStatus    int
		wantSleepCall int
	}{
		{
			name: "retries_transient_5xx_and_succeeds",
			doer: &fakeDoer{
				responses: []*http.Response{
					newResponse(http.StatusInternalServerError, "boom"),
					newResponse(http.StatusOK, "ok"),
				},
			},
			cfg: Config{
				MaxAttempts:    3,
				InitialBackoff: 1 * time.Second,
				MaxBackoff:     5 * time.Second,
			},
			wantAttempts:  2,
			wantErr:       false,
			wantStatus:    http.StatusOK,
			wantSleepCall: 1,
		},
		{
			name: "retries_429_and_succeeds",
			doer: &fakeDoer{
				responses: []*http.Response{
					newResponse(http.StatusTooManyRequests, "slow down"),
					newResponse(http.StatusOK, "ok"),
				},
			},
			cfg: Config{
				MaxAttempts:    3,
				InitialBackoff: 1 * time.Second,
				MaxBackoff:     5 * time.Second,
			},
			wantAttempts:  2,
			wantErr:       false,
			wantStatus:    http.StatusOK,
			wantSleepCall: 1,
		},
		{
			name: "does_not_retry_permanent_4xx",
			doer: &fakeDoer{
				responses: []*http.Response{
					newResponse(http.StatusForbidden, "denied"),
				},
			},
			cfg: Config{
				MaxAttempts:    3,
				InitialBackoff: 1 * time.Second,
				MaxBackoff:     5 * time.Second,
			},
			wantAttempts:  1,
			wantErr:       false,
			wantStatus:    http.StatusForbidden,
			wantSleepCall: 0,
		},
		{
			name: "network_errors_retry_until_exhausted",
			doer: &fakeDoer{
				errors: []error{
					fmt.Errorf("connection refused"),
					fmt.Errorf("connection refused"),
				},
			},
			cfg: Config{
				MaxAttempts:    2,
				InitialBackoff: 1 * time.Second,
				MaxBackoff:     5 * time.Second,
			},
			wantAttempts:  2,
			wantErr:       true,
			wantStatus:    0,
			wantSleepCall: 1,
		},
		{
			name: "exhausted_transient_status_returns_last_response",
			doer: &fakeDoer{
				responses: []*http.Response{
					newResponse(http.StatusBadGateway, "bad"),
					newResponse(http.StatusBadGateway, "bad"),
				},
			},
			cfg: Config{
				MaxAttempts:    2,
				InitialBackoff: 1 * time.Second,
				MaxBackoff:     5 * time.Second,
			},
			wantAttempts:  2,
			wantErr:       false,
			wantStatus:    http.StatusBadGateway,
			wantSleepCall: 1,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sleepCalls := 0
			client := New(tc.doer, tc.cfg)
			client.Sleep = func(_ time.Duration) {
				sleepCalls++
			}

			req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://hub:8081/hub/api/groups", nil)
			if err != nil {
				t.Fatalf("NewRequestWithContext() unexpected error: %v", err)
			}

			resp, metadata, callErr := client.Do(req)
			if resp != nil && resp.Body != nil {
				t.Cleanup(func() {
					_ = resp.Body.Close()
				})
			}
			if tc.wantErr && callErr == nil {
				t.Fatalf("Do() expected error, got nil")
			}
			if !tc.wantErr && callErr != nil {
				t.Fatalf("Do() unexpected error: %v", callErr)
			}
			if metadata.Attempts != tc.wantAttempts {
				t.Fatalf("Attempts = %d, want %d", metadata.Attempts, tc.wantAttempts)
			}
			if tc.wantStatus == 0 {
				if resp != nil {
					t.Fatalf("response = %v, want nil", resp)
				}
			} else if resp == nil || resp.StatusCode != tc.wantStatus {
				got := 0
				if resp != nil {
					got = resp.StatusCode
				}
				t.Fatalf("status = %d, want %d", got, tc.wantStatus)
			}
			if sleepCalls != tc.wantSleepCall {
				t.Fatalf("sleepCalls = %d, want %d", sleepCalls, tc.wantSleepCall)
			}
		})
	}
}

func TestBackoffForAttemptDoublesUpToCap(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MaxAttempts:    8,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, expected := range want {
		if got := backoffForAttempt(cfg, i+1); got != expected {
			t.Fatalf("backoffForAttempt(%d) = %v, want %v", i+1, got, expected)
		}
	}
}
