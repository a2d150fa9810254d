package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
	"github.com/stupiduntilnot/skychat/internal/fault"
)

const (
	maxMessageRunes = 3900
	maxCaptionRunes = 1000
)

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client

	mu      sync.RWMutex
	botName string
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>"). requestTimeout must exceed
// the long-poll timeout passed to GetUpdates.
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat

type botUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

// Connect calls getMe to verify the token and the network path.
func (c *Client) Connect(ctx context.Context) error {
	var me botUser
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return fault.Transport("telegram getMe", err)
	}
	c.mu.Lock()
	c.botName = me.Username
	c.mu.Unlock()
	return nil
}

// BotName returns the username reported by the last successful Connect.
func (c *Client) BotName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botName
}

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create getUpdates request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Transport("telegram getUpdates", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transport("telegram getUpdates", fmt.Errorf("failed to read response: %w", err))
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return nil, fault.Transport("telegram getUpdates", fmt.Errorf("failed to parse response: %w", err))
	}
	if !tgResp.OK {
		return nil, fault.Transport("telegram getUpdates", apiError(resp.StatusCode, tgResp))
	}

	var updates []Update
	if err := json.Unmarshal(tgResp.Result, &updates); err != nil {
		return nil, fault.Transport("telegram getUpdates", fmt.Errorf("failed to parse result: %w", err))
	}
	return updates, nil
}

type sendMessageRequest struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

type sendPhotoRequest struct {
	ChatID           int64  `json:"chat_id"`
	Photo            string `json:"photo"`
	Caption          string `json:"caption,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

// Send delivers the reply: every attachment as a photo, then the text
// split into chunks that fit a single message. Only the first outbound
// message quotes the original.
func (c *Client) Send(ctx context.Context, reply cmdpkg.Reply) error {
	replyTo := reply.ReplyTo
	for _, m := range reply.Media {
		err := c.call(ctx, "sendPhoto", sendPhotoRequest{
			ChatID:           reply.ChatID,
			Photo:            m.URL,
			Caption:          truncate(m.Caption, maxCaptionRunes),
			ReplyToMessageID: replyTo,
		}, nil)
		if err != nil {
			return fault.Transport("telegram sendPhoto", err)
		}
		replyTo = 0
	}
	for _, chunk := range splitText(reply.Text, maxMessageRunes) {
		err := c.call(ctx, "sendMessage", sendMessageRequest{
			ChatID:           reply.ChatID,
			Text:             chunk,
			ReplyToMessageID: replyTo,
		}, nil)
		if err != nil {
			return fault.Transport("telegram sendMessage", err)
		}
		replyTo = 0
	}
	return nil
}

type setMyCommandsRequest struct {
	Commands []cmdpkg.MenuCommand `json:"commands"`
}

// SetCommands publishes the bot's command menu.
func (c *Client) SetCommands(ctx context.Context, commands []cmdpkg.MenuCommand) error {
	if err := c.call(ctx, "setMyCommands", setMyCommandsRequest{Commands: commands}, nil); err != nil {
		return fault.Transport("telegram setMyCommands", err)
	}
	return nil
}

// call POSTs payload as JSON to method and decodes the result into out
// when out is non-nil.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var tgResp Response
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		return fmt.Errorf("parse %s response: %w", method, err)
	}
	if !tgResp.OK {
		return apiError(resp.StatusCode, tgResp)
	}
	if out != nil {
		if err := json.Unmarshal(tgResp.Result, out); err != nil {
			return fmt.Errorf("parse %s result: %w", method, err)
		}
	}
	return nil
}

func apiError(status int, r Response) error {
	code := r.ErrorCode
	if code == 0 {
		code = status
	}
	return fmt.Errorf("telegram api error code=%d: %s", code, r.Description)
}

// splitText cuts s into pieces of at most maxRunes runes, preferring to
// break after a newline in the second half of a piece.
func splitText(s string, maxRunes int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var chunks []string
	for len(runes) > maxRunes {
		cut := maxRunes
		for i := maxRunes - 1; i >= maxRunes/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
