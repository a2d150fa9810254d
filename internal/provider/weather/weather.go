// Package weather looks up current conditions from OpenWeatherMap.
package weather

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

const DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

// Report is the current weather in one city, in metric units.
type Report struct {
	City        string
	Description string
	TempC       float64
	FeelsLikeC  float64
	Humidity    int
	WindSpeed   float64
}

type Client struct {
	apiKey     string
	baseURL    string
	lang       string
	httpClient *http.Client
}

// NewClient creates an OpenWeatherMap client. lang selects the language
// of the description (e.g. "ru", "en").
func NewClient(apiKey, baseURL, lang string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		lang:       lang,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type currentResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main *struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

// Current returns the weather for city.
func (c *Client) Current(ctx context.Context, city string) provider.Outcome[Report] {
	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	if c.lang != "" {
		params.Set("lang", c.lang)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/weather?"+params.Encode(), nil)
	if err != nil {
		return provider.Transient[Report](fmt.Errorf("create weather request: %w", err))
	}

	out := provider.FetchJSON[currentResponse](c.httpClient, req)
	if !out.OK() {
		return provider.Outcome[Report]{Kind: out.Kind, Err: out.Err}
	}
	data := out.Value
	if data.Main == nil || len(data.Weather) == 0 {
		return provider.Malformed[Report](errors.New("weather response missing main or weather"))
	}
	name := data.Name
	if name == "" {
		name = city
	}
	return provider.Ok(Report{
		City:        name,
		Description: data.Weather[0].Description,
		TempC:       data.Main.Temp,
		FeelsLikeC:  data.Main.FeelsLike,
		Humidity:    data.Main.Humidity,
		WindSpeed:   data.Wind.Speed,
	})
}
