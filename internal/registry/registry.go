// Package registry lists published tags of container image repositories
// on Docker Hub.  The pipeline uses tag presence as the publication
// marker for container images.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultBaseURL is the Docker Hub v1 registry index endpoint.
const DefaultBaseURL = "https://index.docker.io/v1"

// Config holds registry client settings.
type Config struct {
	// BaseURL is the registry index base URL.  Defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient is the client used for all requests.  Defaults to a
	// client with a 30s timeout.
	HTTPClient *http.Client
}

// Client queries repository tags.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a registry client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: cfg.BaseURL, http: cfg.HTTPClient}
}

// Tags returns the set of tags published for a repository
// (e.g. "example/runtime").
func (c *Client) Tags(ctx context.Context, repo string) (map[string]bool, error) {
	u := fmt.Sprintf("%s/repositories/%s/tags", c.baseURL, repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tags for %s: %w", repo, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing tags for %s: %w", repo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing tags for %s: unexpected status %s", repo, resp.Status)
	}

	var raw []struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("listing tags for %s: decoding response: %w", repo, err)
	}

	tags := make(map[string]bool, len(raw))
	for _, t := range raw {
		tags[t.Name] = true
	}
	return tags, nil
}
