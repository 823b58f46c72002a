// Package registry resolves module versions and enumerates the public module
// index through the GOPROXY protocol.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/mod/module"
)

// ErrNotFound indicates the proxy knows nothing about the requested module or
// version.
var ErrNotFound = errors.New("module not found in registry")

// Client answers version questions for a single module and enumerates the
// whole registry.
type Client interface {
	// Latest returns the latest published version of the named module.
	Latest(ctx context.Context, name string) (string, error)
	// HasVersion reports whether the exact version exists.
	HasVersion(ctx context.Context, name, version string) (bool, error)
	// List starts a full enumeration of module names. The enumeration is
	// cursor-based and may be restarted from a saved cursor.
	List(cursor string) Enumeration
}

// Enumeration is a restartable, paginated sequence of module names. Next
// returns one page at a time; Done reports the explicit end of the list.
type Enumeration interface {
	Next(ctx context.Context) ([]string, error)
	Cursor() string
	Done() bool
}

// ProxyClient talks to a Go module proxy plus a module index endpoint.
type ProxyClient struct {
	ProxyURL string
	IndexURL string
	PageSize int

	client *http.Client
}

// NewProxyClient creates a client for the given proxy and index base URLs.
func NewProxyClient(proxyURL, indexURL string) *ProxyClient {
	return &ProxyClient{
		ProxyURL: strings.TrimRight(proxyURL, "/"),
		IndexURL: strings.TrimRight(indexURL, "/"),
		PageSize: 2000,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type latestInfo struct {
	Version string `json:"Version"`
}

func (c *ProxyClient) Latest(ctx context.Context, name string) (string, error) {
	escaped, err := module.EscapePath(name)
	if err != nil {
		return "", fmt.Errorf("invalid module path %q: %w", name, err)
	}
	body, err := c.get(ctx, fmt.Sprintf("%s/%s/@latest", c.ProxyURL, escaped))
	if err != nil {
		return "", err
	}
	var info latestInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("decode @latest response for %s: %w", name, err)
	}
	if info.Version == "" {
		return "", fmt.Errorf("empty version in @latest response for %s", name)
	}
	return info.Version, nil
}

func (c *ProxyClient) HasVersion(ctx context.Context, name, version string) (bool, error) {
	escaped, err := module.EscapePath(name)
	if err != nil {
		return false, fmt.Errorf("invalid module path %q: %w", name, err)
	}
	escapedVersion, err := module.EscapeVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", version, err)
	}
	_, err = c.get(ctx, fmt.Sprintf("%s/%s/@v/%s.info", c.ProxyURL, escaped, escapedVersion))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *ProxyClient) List(cursor string) Enumeration {
	return &indexEnumeration{client: c, cursor: cursor}
}

func (c *ProxyClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("registry request %s: unexpected status %s", rawURL, resp.Status)
	}
}

// indexEnumeration pages through the module index. The index serves JSON
// lines ordered by timestamp; the timestamp of the last entry is the cursor
// for the next page, so an interrupted enumeration can resume from it.
type indexEnumeration struct {
	client *ProxyClient
	cursor string
	done   bool
}

type indexEntry struct {
	Path      string `json:"Path"`
	Timestamp string `json:"Timestamp"`
}

func (e *indexEnumeration) Next(ctx context.Context) ([]string, error) {
	if e.done {
		return nil, nil
	}
	query := url.Values{}
	query.Set("limit", fmt.Sprintf("%d", e.client.PageSize))
	if e.cursor != "" {
		query.Set("since", e.cursor)
	}
	body, err := e.client.get(ctx, e.client.IndexURL+"/index?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("enumerate index: %w", err)
	}

	var names []string
	last := e.cursor
	dec := json.NewDecoder(strings.NewReader(string(body)))
	for {
		var entry indexEntry
		if err := dec.Decode(&entry); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode index page: %w", err)
		}
		names = append(names, entry.Path)
		last = entry.Timestamp
	}
	// The since cursor is inclusive, so page boundaries can repeat entries;
	// callers dedup by name. An empty or non-advancing page is the explicit
	// end of the list.
	if len(names) == 0 || last == e.cursor {
		e.done = true
	}
	e.cursor = last
	return names, nil
}

func (e *indexEnumeration) Cursor() string { return e.cursor }
func (e *indexEnumeration) Done() bool     { return e.done }
