// Package imagesearch finds topic illustrations on Unsplash.
package imagesearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stupiduntilnot/skychat/internal/provider"
)

const DefaultBaseURL = "https://api.unsplash.com"

// Photo is one search hit.
type Photo struct {
	URL         string
	Description string
	Author      string
}

type Client struct {
	accessKey  string
	baseURL    string
	httpClient *http.Client
}

func NewClient(accessKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		accessKey:  accessKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		Description    string `json:"description"`
		AltDescription string `json:"alt_description"`
		URLs           struct {
			Regular string `json:"regular"`
			Small   string `json:"small"`
		} `json:"urls"`
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	} `json:"results"`
}

// Search returns up to n landscape photos for query. No hits is NotFound.
func (c *Client) Search(ctx context.Context, query string, n int) provider.Outcome[[]Photo] {
	if n <= 0 {
		n = 1
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("per_page", strconv.Itoa(n))
	params.Set("orientation", "landscape")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search/photos?"+params.Encode(), nil)
	if err != nil {
		return provider.Transient[[]Photo](fmt.Errorf("create search request: %w", err))
	}
	req.Header.Set("Authorization", "Client-ID "+c.accessKey)
	req.Header.Set("Accept-Version", "v1")

	out := provider.FetchJSON[searchResponse](c.httpClient, req)
	if !out.OK() {
		return provider.Outcome[[]Photo]{Kind: out.Kind, Err: out.Err}
	}

	photos := make([]Photo, 0, n)
	for _, r := range out.Value.Results {
		u := r.URLs.Regular
		if u == "" {
			u = r.URLs.Small
		}
		if u == "" {
			continue
		}
		desc := r.Description
		if desc == "" {
			desc = r.AltDescription
		}
		photos = append(photos, Photo{URL: u, Description: desc, Author: r.User.Name})
		if len(photos) == n {
			break
		}
	}
	if len(photos) == 0 {
		return provider.Missing[[]Photo](fmt.Errorf("no photos for %q", query))
	}
	return provider.Ok(photos)
}
