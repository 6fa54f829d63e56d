// Package hub is a thin client for the model hub HTTPS API: search,
// repository file listings, and download URL construction.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/appkitstudio/llamactl/pkg/models"
)

const (
	// DefaultBaseURL is the public model hub.
	DefaultBaseURL = "https://huggingface.co"

	listingCacheSize = 128
	defaultLimit     = 25
)

// Client talks to the hub API. Repository listings are cached because shard
// downloads hit the same listing once per shard.
type Client struct {
	baseURL  string
	http     *http.Client
	listings *lru.Cache[string, []string]
}

// New creates a hub client against baseURL (DefaultBaseURL when empty).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	cache, _ := lru.New[string, []string](listingCacheSize) // only errors on size <= 0

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     rc.StandardClient(),
		listings: cache,
	}
}

// Search queries the hub for gguf repositories matching query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	params := url.Values{}
	params.Set("search", query)
	params.Set("filter", "gguf")
	params.Set("limit", strconv.Itoa(limit))

	var raw []struct {
		ID        string   `json:"id"`
		ModelID   string   `json:"modelId"`
		Author    string   `json:"author"`
		Downloads int64    `json:"downloads"`
		Likes     int64    `json:"likes"`
		Tags      []string `json:"tags"`
		Siblings  []struct {
			Rfilename string `json:"rfilename"`
		} `json:"siblings"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/models?"+params.Encode(), &raw); err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(raw))
	for _, m := range raw {
		id := m.ID
		if id == "" {
			id = m.ModelID
		}
		r := models.SearchResult{
			ID:        id,
			Author:    m.Author,
			Downloads: m.Downloads,
			Likes:     m.Likes,
			Tags:      m.Tags,
		}
		for _, s := range m.Siblings {
			if strings.HasSuffix(strings.ToLower(s.Rfilename), ".gguf") {
				r.Files = append(r.Files, s.Rfilename)
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// ListFiles returns every file path in a hub repository.
func (c *Client) ListFiles(ctx context.Context, repo string) ([]string, error) {
	if files, ok := c.listings.Get(repo); ok {
		return files, nil
	}

	var raw struct {
		Siblings []struct {
			Rfilename string `json:"rfilename"`
		} `json:"siblings"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/models/"+repo, &raw); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(raw.Siblings))
	for _, s := range raw.Siblings {
		files = append(files, s.Rfilename)
	}
	c.listings.Add(repo, files)
	return files, nil
}

// ResolveURL builds the direct download URL for one file in a repository.
func (c *Client) ResolveURL(repo, filename string) string {
	return c.baseURL + "/" + repo + "/resolve/main/" + filename
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return fmt.Errorf("hub: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hub: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hub: decode response: %w", err)
	}
	return nil
}
