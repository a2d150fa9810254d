// Package apod fetches NASA's Astronomy Picture of the Day.
package apod

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stupiduntilnot/skychat/internal/provider"
)

const (
	DefaultBaseURL = "https://api.nasa.gov"
	// DemoKey is NASA's shared rate-limited key.
	DemoKey = "DEMO_KEY"
)

// Picture is one APOD entry. MediaType is "image" or "video".
type Picture struct {
	Title       string `json:"title"`
	Explanation string `json:"explanation"`
	URL         string `json:"url"`
	HDURL       string `json:"hdurl"`
	MediaType   string `json:"media_type"`
	Date        string `json:"date"`
	Copyright   string `json:"copyright"`
}

// IsImage reports whether the entry can be sent as a photo.
func (p Picture) IsImage() bool {
	return p.MediaType == "image" && p.URL != ""
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if apiKey == "" {
		apiKey = DemoKey
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Today returns the current picture of the day.
func (c *Client) Today(ctx context.Context) provider.Outcome[Picture] {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/planetary/apod?"+params.Encode(), nil)
	if err != nil {
		return provider.Transient[Picture](fmt.Errorf("create apod request: %w", err))
	}
	out := provider.FetchJSON[Picture](c.httpClient, req)
	if out.OK() && out.Value.Title == "" {
		return provider.Malformed[Picture](errors.New("apod response without title"))
	}
	return out
}
