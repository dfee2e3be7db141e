package hubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hubmetrics/groups-exporter/internal/groups"
	"github.com/hubmetrics/groups-exporter/internal/retryhttp"
	"go.uber.org/zap"
)

// AcceptHeader opts in to the hub's paginated response envelope.
const AcceptHeader = "application/jupyterhub-pagination+json"

const groupsPath = "/hub/api/groups"

type httpDoer interface {
	Do(req *http.Request) (*http.Response, retryhttp.CallMetadata, error)
}

// Client talks to the JupyterHub REST API.
type Client struct {
	doer    httpDoer
	baseURL string
	token   string
	logger  *zap.Logger
}

// New creates a hub API client. baseURL is the hub service root, e.g.
// http://hub:8081.
func New(doer *retryhttp.Client, baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		doer:    doer,
		baseURL: baseURL,
		token:   token,
		logger:  logger,
	}
}

type paginatedPage struct {
	Items      []groups.Record `json:"items"`
	Pagination *pagination     `json:"_pagination"`
}

type pagination struct {
	Next *nextLink `json:"next"`
}

type nextLink struct {
	URL string `json:"url"`
}

// FetchGroups fetches the full group collection, following pagination links
// until exhausted. The whole collection is materialized because membership
// resolution needs every record before multi-group users can be computed.
// A response without pagination metadata is treated as a single complete
// page. Any page failing permanently (4xx, malformed JSON) aborts the whole
// fetch so the caller can keep its previous snapshot.
func (c *Client) FetchGroups(ctx context.Context) ([]groups.Record, error) {
	url := c.baseURL + groupsPath

	var records []groups.Record
	pages := 0
	for url != "" {
		items, next, err := c.fetchPage(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("fetch groups page %d: %w", pages+1, err)
		}
		records = append(records, items...)
		pages++
		url = next
	}

	c.logger.Debug("fetched hub groups",
		zap.Int("pages", pages),
		zap.Int("groups", len(records)),
	)
	return records, nil
}

func (c *Client) fetchPage(ctx context.Context, url string) ([]groups.Record, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", AcceptHeader)
	req.Header.Set("Authorization", "token "+c.token)

	resp, _, err := c.doer.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("hub api returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response body: %w", err)
	}

	return decodePage(body)
}

// decodePage accepts both response shapes the hub can return: a flat array
// of group records, or a pagination envelope with items and a next link.
func decodePage(body []byte) ([]groups.Record, string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []groups.Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, "", fmt.Errorf("unmarshal groups array: %w", err)
		}
		return records, "", nil
	}

	var page paginatedPage
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, "", fmt.Errorf("unmarshal paginated groups: %w", err)
	}
	next := ""
	if page.Pagination != nil && page.Pagination.Next != nil {
		next = page.Pagination.Next.URL
	}
	return page.Items, next, nil
}
