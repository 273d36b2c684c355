package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Upstream event actions, matching the index's changelog vocabulary.
const (
	ActionCreate        = "create"
	ActionNewRelease    = "new release"
	ActionYankRelease   = "yank release"
	ActionUnyankRelease = "unyank release"
	ActionRemoveRelease = "remove release"
	ActionRemoveProject = "remove project"
	ActionRename        = "rename"
)

// Event is one entry of the upstream changelog. Serial numbers increase
// monotonically; Timestamp is seconds since the epoch.
type Event struct {
	Serial    int64  `json:"serial"`
	Action    string `json:"action"`
	Package   string `json:"package"`
	Version   string `json:"version,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Time returns the event timestamp as a UTC time.
func (e Event) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// Upstream is the read surface of the package index the watcher follows.
type Upstream interface {
	// Events returns changelog entries with serial strictly greater
	// than since, in serial order. An empty slice means caught up.
	Events(ctx context.Context, since int64) ([]Event, error)

	// ListPackages returns every project name the index currently
	// serves, for reconciliation against the local catalogue.
	ListPackages(ctx context.Context) ([]string, error)
}

// Client talks to the upstream index over HTTP with retries and a
// politeness rate limit shared across both endpoints.
type Client struct {
	indexURL  string
	eventsURL string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient builds an upstream client. rps bounds outgoing requests per
// second; zero or negative disables the limit.
func NewClient(indexURL, eventsURL string, rps float64) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = nil

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		indexURL:  indexURL,
		eventsURL: eventsURL,
		http:      rc.StandardClient(),
		limiter:   rate.NewLimiter(limit, 1),
	}
}

func (c *Client) get(ctx context.Context, url, accept string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// Events implements Upstream.
func (c *Client) Events(ctx context.Context, since int64) ([]Event, error) {
	var events []Event
	url := fmt.Sprintf("%s/events?since=%d", c.eventsURL, since)
	if err := c.get(ctx, url, "", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListPackages implements Upstream using the index's JSON simple API.
func (c *Client) ListPackages(ctx context.Context) ([]string, error) {
	var index struct {
		Projects []struct {
			Name string `json:"name"`
		} `json:"projects"`
	}
	if err := c.get(ctx, c.indexURL+"/", "application/vnd.pypi.simple.v1+json", &index); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(index.Projects))
	for _, p := range index.Projects {
		names = append(names, p.Name)
	}
	return names, nil
}
