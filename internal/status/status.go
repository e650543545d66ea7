// Package status queries the build-status service and the artifact
// bucket.  Both are read-only: the pipeline never writes status, it only
// consults it to decide whether a step is a no-op.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/terrpan/buildfleet/internal/release"
)

// Config holds the endpoints the client talks to.
type Config struct {
	// StatusURL is the base URL of the build-status service
	// (e.g. "https://status.example.org").  Required.
	StatusURL string

	// BucketURL is the public base URL of the artifact bucket
	// (e.g. "https://dl.example.org").  Required.
	BucketURL string

	// Project is the project name used in artifact object names.  Required.
	Project string

	// HTTPClient is the client used for all requests.  Defaults to a
	// client with a 30s timeout.
	HTTPClient *http.Client
}

// Client reads build statuses and artifact presence.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a status client.
func New(cfg Config) (*Client, error) {
	if cfg.StatusURL == "" {
		return nil, fmt.Errorf("status: StatusURL is required")
	}
	if cfg.BucketURL == "" {
		return nil, fmt.Errorf("status: BucketURL is required")
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("status: Project is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{cfg: cfg, http: httpClient}, nil
}

// BuildStatuses returns the per-platform build status for a version.
// The status service responds with a flat JSON object mapping platform
// names to status strings.
func (c *Client) BuildStatuses(ctx context.Context, v release.Version) (map[release.Platform]release.Status, error) {
	u := fmt.Sprintf("%s/builds/%s", c.cfg.StatusURL, url.PathEscape(v.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build statuses for %s: %w", v, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("build statuses for %s: %w", v, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("build statuses for %s: unexpected status %s", v, resp.Status)
	}

	var raw map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("build statuses for %s: decoding response: %w", v, err)
	}

	statuses := make(map[release.Platform]release.Status, len(raw))
	for platform, s := range raw {
		parsed, err := release.ParseStatus(s)
		if err != nil {
			return nil, fmt.Errorf("build statuses for %s: platform %s: %w", v, platform, err)
		}
		statuses[release.Platform(platform)] = parsed
	}
	return statuses, nil
}

// BuildStatus returns the status of a single (version, platform) pair.
// A platform the status service does not know about is not_built.
func (c *Client) BuildStatus(ctx context.Context, v release.Version, p release.Platform) (release.Status, error) {
	statuses, err := c.BuildStatuses(ctx, v)
	if err != nil {
		return "", err
	}
	s, ok := statuses[p]
	if !ok {
		return release.StatusNotBuilt, nil
	}
	return s, nil
}

// SourceTarballExists reports whether the source tarball for a version
// is already present in the artifact bucket, via a HEAD request against
// its public URL.
func (c *Client) SourceTarballExists(ctx context.Context, v release.Version) (bool, error) {
	name := release.SourceTarballName(c.cfg.Project, v)
	u := fmt.Sprintf("%s/source/%s", c.cfg.BucketURL, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, fmt.Errorf("checking source tarball %s: %w", name, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking source tarball %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("checking source tarball %s: unexpected status %s", name, resp.Status)
	}
}
