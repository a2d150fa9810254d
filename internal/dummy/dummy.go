package dummy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
	"github.com/stupiduntilnot/skychat/internal/fault"
	modelpkg "github.com/stupiduntilnot/skychat/internal/model"
)

// DefaultUserID is the sender of scripted messages unless overridden.
const DefaultUserID = 1

type action struct {
	kind string
	arg  string
}

// parseScript reads a comma-separated list of actions:
//
//	ok            nothing happens
//	err[:class]   fail with an error of the given class
//	sleep:<ms>    wait, then behave like ok
//	msg:<text>    deliver (or reply with) text
//	msgb64:<b64>  same as msg with base64 encoded text
//	eof           the source is exhausted (commander only)
func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		switch {
		case token == "ok", token == "eof", token == "err":
			actions = append(actions, action{kind: token})
		case strings.HasPrefix(token, "err:"):
			actions = append(actions, action{kind: "err", arg: strings.TrimPrefix(token, "err:")})
		case strings.HasPrefix(token, "sleep:"):
			ms := strings.TrimPrefix(token, "sleep:")
			if _, err := strconv.Atoi(ms); err != nil {
				return nil, fmt.Errorf("invalid dummy sleep: %s", token)
			}
			actions = append(actions, action{kind: "sleep", arg: ms})
		case strings.HasPrefix(token, "msgb64:"):
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, "msgb64:"))
			if err != nil {
				return nil, fmt.Errorf("invalid dummy msgb64 %q: %w", token, err)
			}
			actions = append(actions, action{kind: "msg", arg: string(raw)})
		case strings.HasPrefix(token, "msg:"):
			actions = append(actions, action{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

// scriptRunner replays actions in order and repeats the last one forever.
type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepCtx(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Commander is a scripted transport. Each GetUpdates call consumes one
// poll action; each Send call consumes one send action.
type Commander struct {
	// UserID is the sender and chat of scripted messages.
	UserID int64

	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	connects int
	sent     []cmdpkg.Reply
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{UserID: DefaultUserID, poll: poll, send: send}, nil
}

// Connect always succeeds and is counted.
func (c *Commander) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return ctx.Err()
}

// Connects returns how many times Connect was called.
func (c *Commander) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fault.Transport("dummy getUpdates",
			fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api")))
	case "eof":
		return nil, cmdpkg.ErrClosed
	case "sleep":
		return nil, sleepCtx(ctx, a.arg)
	case "msg":
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.updateID < offset {
			c.updateID = offset
		}
		c.updateID++
		text := a.arg
		return []cmdpkg.Update{
			{
				UpdateID: c.updateID,
				Message: &cmdpkg.Message{
					MessageID: c.updateID,
					From:      &cmdpkg.User{ID: c.UserID, Username: "dummy"},
					Chat:      cmdpkg.Chat{ID: c.UserID},
					Text:      &text,
					Date:      time.Now().Unix(),
				},
			},
		}, nil
	default:
		return nil, nil
	}
}

func (c *Commander) Send(ctx context.Context, reply cmdpkg.Reply) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fault.Transport("dummy send",
			fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api")))
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, reply)
	c.mu.Unlock()
	return nil
}

// Sent returns the replies delivered so far.
func (c *Commander) Sent() []cmdpkg.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cmdpkg.Reply(nil), c.sent...)
}

// Generator is a scripted AI backend.
type Generator struct {
	mu      sync.Mutex
	script  *scriptRunner
	prompts []string
}

func NewGenerator(script string) (*Generator, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Generator{script: runner}, nil
}

// ErrScripted is wrapped by every scripted generator failure.
var ErrScripted = errors.New("dummy generator error")

func (g *Generator) Generate(ctx context.Context, prompt string) (modelpkg.Completion, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	a := g.script.next()
	g.mu.Unlock()

	switch a.kind {
	case "err":
		return modelpkg.Completion{}, fault.External("dummy generate",
			fmt.Errorf("%w class=%s", ErrScripted, emptyAs(a.arg, "provider_api")))
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return modelpkg.Completion{}, fault.External("dummy generate", err)
		}
		return modelpkg.Completion{Text: "dummy-after-sleep", InputTokens: 1, OutputTokens: 1}, nil
	case "msg":
		return modelpkg.Completion{Text: a.arg, InputTokens: 1, OutputTokens: 1}, nil
	default:
		return modelpkg.Completion{Text: "dummy-ok", InputTokens: 1, OutputTokens: 1}, nil
	}
}

// Prompts returns every prompt received so far.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
