package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
)

// Request is what a command handler receives.
type Request struct {
	Event
	// Args is the text after the command token, trimmed.
	Args   string
	TurnID string
}

// Response is a command's reply. Media are sent before Text.
type Response struct {
	Text  string
	Media []cmdpkg.Attachment
}

// Handler runs one command. A fault.UserInput error is shown to the user
// as-is; any other error is replaced by a generic failure text.
type Handler func(ctx context.Context, req Request) (Response, error)

// Command is a registered slash command.
type Command struct {
	Name        string
	Description string
	// RecordHistory stores the command text and its reply as an exchange.
	RecordHistory bool
	// Hidden commands are routed but not published in the menu.
	Hidden  bool
	Handler Handler
}

// Registry stores commands by unique name, in registration order.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{
		commands: map[string]Command{},
	}
}

func (r *Registry) Register(c Command) error {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Name), "/"))
	if name == "" {
		return fmt.Errorf("command name is empty")
	}
	if strings.ContainsAny(name, " @/") {
		return fmt.Errorf("invalid command name: %q", c.Name)
	}
	if c.Handler == nil {
		return fmt.Errorf("command %s has no handler", name)
	}
	c.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command already registered: %s", name)
	}
	r.commands[name] = c
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[strings.ToLower(name)]
	return c, ok
}

// List returns the commands in registration order.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.commands[name])
	}
	return out
}

// Menu returns the visible commands for the front-end menu.
func (r *Registry) Menu() []cmdpkg.MenuCommand {
	var out []cmdpkg.MenuCommand
	for _, c := range r.List() {
		if c.Hidden {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Name
		}
		out = append(out, cmdpkg.MenuCommand{Command: c.Name, Description: desc})
	}
	return out
}

// SetRecordHistory changes which commands are stored as exchanges.
// Commands not named are left unchanged; unknown names are reported.
func (r *Registry) SetRecordHistory(names []string, record bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var unknown []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(n), "/"))
		if n == "" {
			continue
		}
		c, ok := r.commands[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		c.RecordHistory = record
		r.commands[n] = c
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown commands: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// parseCommand splits "/name@bot args" into name, addressee and args.
// bot is empty when the command names no addressee. ok is false when
// text does not start with a slash command.
func parseCommand(text string) (name, bot, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", "", false
	}
	token, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(token, "\n\t"); i >= 0 {
		rest = token[i:] + " " + rest
		token = token[:i]
	}
	token = strings.TrimPrefix(token, "/")
	if at := strings.IndexByte(token, '@'); at >= 0 {
		bot = token[at+1:]
		token = token[:at]
	}
	if token == "" {
		return "", "", "", false
	}
	return strings.ToLower(token), bot, strings.TrimSpace(rest), true
}
