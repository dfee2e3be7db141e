package promql

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hubmetrics/groups-exporter/internal/retryhttp"
)

// Sample is one per-user usage point extracted from a range query result.
type Sample struct {
	Username  string
	Value     float64
	Timestamp time.Time
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, retryhttp.CallMetadata, error)
}

// Client queries a Prometheus-compatible range query API.
type Client struct {
	doer    httpDoer
	baseURL string
}

// New creates a query backend client. baseURL is the server root, e.g.
// http://prometheus-server:9090.
func New(doer *retryhttp.Client, baseURL string) *Client {
	return &Client{
		doer:    doer,
		baseURL: baseURL,
	}
}

type rangeResponse struct {
	Status string    `json:"status"`
	Data   rangeData `json:"data"`
}

type rangeData struct {
	Result []rangeSeries `json:"result"`
}

type rangeSeries struct {
	Metric map[string]string `json:"metric"`
	Values [][2]json.RawMessage `json:"values"`
}

// QueryRange runs one range query over [start, end] with the given step and
// returns the most recent value of each series, keyed by its username label.
// A response status other than "success" is a hard error for this call.
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("step", strconv.FormatInt(int64(step.Seconds()), 10))

	endpoint := c.baseURL + "/api/v1/query_range?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, _, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query backend returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var decoded rangeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("unmarshal range response: %w", err)
	}
	if decoded.Status != "success" {
		return nil, fmt.Errorf("query backend reported status %q", decoded.Status)
	}

	samples := make([]Sample, 0, len(decoded.Data.Result))
	for _, series := range decoded.Data.Result {
		sample, ok, err := latestValue(series)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// latestValue extracts the most recent [timestamp, value] pair of a series.
func latestValue(series rangeSeries) (Sample, bool, error) {
	if len(series.Values) == 0 {
		return Sample{}, false, nil
	}
	pair := series.Values[len(series.Values)-1]

	var ts float64
	if err := json.Unmarshal(pair[0], &ts); err != nil {
		return Sample{}, false, fmt.Errorf("unmarshal sample timestamp: %w", err)
	}
	var raw string
	if err := json.Unmarshal(pair[1], &raw); err != nil {
		return Sample{}, false, fmt.Errorf("unmarshal sample value: %w", err)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Sample{}, false, fmt.Errorf("parse sample value %q: %w", raw, err)
	}

	return Sample{
		Username:  series.Metric["username"],
		Value:     value,
		Timestamp: time.Unix(int64(ts), 0).UTC(),
	}, true, nil
}
