// Package gemini calls the Google Generative Language generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stupiduntilnot/skychat/internal/fault"
	"github.com/stupiduntilnot/skychat/internal/model"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var (
	// ErrBlocked is returned when the prompt or every candidate was
	// withheld by safety filtering.
	ErrBlocked = errors.New("gemini response blocked")
	// ErrEmptyResponse is returned when no candidate carried text.
	ErrEmptyResponse = errors.New("empty model response")
)

// Client is a minimal generateContent client.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a Gemini client. An empty baseURL selects DefaultBaseURL.
func NewClient(apiKey, baseURL, model string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Generate sends prompt as a single user turn.
func (c *Client) Generate(ctx context.Context, prompt string) (model.Completion, error) {
	payload, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return model.Completion{}, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return model.Completion{}, fmt.Errorf("failed to create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Completion{}, fault.External("gemini request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Completion{}, fault.External("gemini read", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Completion{}, fault.External("gemini",
			fmt.Errorf("non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400)))
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.Completion{}, fault.External("gemini",
			fmt.Errorf("failed to parse response: %s", truncate(string(body), 400)))
	}

	result := model.Completion{}
	if parsed.UsageMetadata != nil {
		result.InputTokens = parsed.UsageMetadata.PromptTokenCount
		result.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return result, fault.External("gemini",
			fmt.Errorf("%w: reason=%s", ErrBlocked, parsed.PromptFeedback.BlockReason))
	}
	if len(parsed.Candidates) == 0 {
		return result, fault.External("gemini", ErrEmptyResponse)
	}

	cand := parsed.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}
	result.Text = strings.TrimSpace(text.String())
	if result.Text == "" {
		if cand.FinishReason == "SAFETY" {
			return result, fault.External("gemini", fmt.Errorf("%w: reason=SAFETY", ErrBlocked))
		}
		return result, fault.External("gemini", ErrEmptyResponse)
	}
	return result, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
