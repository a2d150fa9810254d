// Package router decides what to do with one inbound message: run a
// registered slash command or ask the AI backend with the user's recent
// conversation as context.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stupiduntilnot/skychat/internal/catalog"
	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
	ctxpkg "github.com/stupiduntilnot/skychat/internal/context"
	"github.com/stupiduntilnot/skychat/internal/control"
	"github.com/stupiduntilnot/skychat/internal/db"
	"github.com/stupiduntilnot/skychat/internal/fault"
	"github.com/stupiduntilnot/skychat/internal/history"
	"github.com/stupiduntilnot/skychat/internal/model"
)

// Event is one inbound text message.
type Event struct {
	UpdateID  int64
	UserID    int64
	ChatID    int64
	MessageID int64
	Text      string
	Username  string
}

// FromUpdate converts a transport update. ok is false for updates that
// carry no text. A message without a sender is attributed to its chat.
func FromUpdate(u cmdpkg.Update) (Event, bool) {
	m := u.Message
	if m == nil || m.Text == nil || strings.TrimSpace(*m.Text) == "" {
		return Event{}, false
	}
	ev := Event{
		UpdateID:  u.UpdateID,
		UserID:    m.Chat.ID,
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		Text:      *m.Text,
	}
	if m.From != nil {
		ev.UserID = m.From.ID
		ev.Username = m.From.Username
	}
	return ev, true
}

// Config wires a Router. Compressor, Breaker and Journal are optional.
type Config struct {
	Registry   *Registry
	History    *history.Store
	Window     int
	Compressor ctxpkg.Compressor
	Assembler  ctxpkg.Assembler
	Generator  model.Generator
	Breaker    *control.CircuitBreaker
	Catalog    *catalog.Catalog
	Journal    *db.Journal
	Logger     *slog.Logger
	// BotName, when set, reports this bot's username. Commands addressed
	// to a different bot with /name@other are ignored.
	BotName func() string
}

type Router struct {
	registry   *Registry
	history    *history.Store
	window     int
	compressor ctxpkg.Compressor
	assembler  ctxpkg.Assembler
	generator  model.Generator
	breaker    *control.CircuitBreaker
	catalog    *catalog.Catalog
	journal    *db.Journal
	logger     *slog.Logger
	botName    func() string
	now        func() time.Time
}

func New(cfg Config) *Router {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Window <= 0 {
		cfg.Window = history.DefaultWindow
	}
	if cfg.Assembler == nil {
		cfg.Assembler = &ctxpkg.StandardAssembler{}
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.MustLoad(catalog.DefaultLanguage)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		registry:   cfg.Registry,
		history:    cfg.History,
		window:     cfg.Window,
		compressor: cfg.Compressor,
		assembler:  cfg.Assembler,
		generator:  cfg.Generator,
		breaker:    cfg.Breaker,
		catalog:    cfg.Catalog,
		journal:    cfg.Journal,
		logger:     cfg.Logger.With("component", "router"),
		botName:    cfg.BotName,
		now:        time.Now,
	}
}

// Registry returns the command registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Route handles one event and returns the reply to send. It never
// panics and never returns an error: every failure becomes a localized
// reply text. The reply is empty for a turn cut short by ctx cancellation
// and for a command addressed to another bot.
func (r *Router) Route(ctx context.Context, ev Event) (reply cmdpkg.Reply) {
	turnID := uuid.NewString()
	logger := r.logger.With("turn_id", turnID, "user_id", ev.UserID)
	reply = cmdpkg.Reply{ChatID: ev.ChatID, ReplyTo: ev.MessageID}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while routing message", "panic", p, "stack", string(debug.Stack()))
			r.journal.Record(ctx, db.EventTurnFailed, map[string]any{
				"turn_id": turnID,
				"user_id": ev.UserID,
				"error":   fmt.Sprint(p),
			})
			reply.Text = r.catalog.Text("ai.error", nil)
			reply.Media = nil
		}
	}()

	if strings.TrimSpace(ev.Text) == "" {
		reply.Text = r.catalog.Text("ai.empty", nil)
		return reply
	}

	if name, bot, args, ok := parseCommand(ev.Text); ok {
		if !r.addressedToUs(bot) {
			logger.Debug("ignoring command for another bot", "command", name, "bot", bot)
			return reply
		}
		if cmd, found := r.registry.Get(name); found {
			resp := r.runCommand(ctx, logger, cmd, Request{Event: ev, Args: args, TurnID: turnID})
			reply.Text = resp.Text
			reply.Media = resp.Media
			return reply
		}
	}

	reply.Text = r.ask(ctx, logger, turnID, ev)
	return reply
}

func (r *Router) runCommand(ctx context.Context, logger *slog.Logger, cmd Command, req Request) Response {
	logger = logger.With("command", cmd.Name)
	start := r.now()
	resp, err := safeHandle(ctx, cmd.Handler, req)
	if err != nil {
		logger.Warn("command failed", "error", err, "kind", fault.KindOf(err))
		r.journal.Record(ctx, db.EventCommandFailed, map[string]any{
			"turn_id": req.TurnID,
			"user_id": req.UserID,
			"command": cmd.Name,
			"kind":    string(fault.KindOf(err)),
			"error":   err.Error(),
		})
		if fault.Is(err, fault.KindUserInput) {
			return Response{Text: userMessage(err)}
		}
		return Response{Text: r.catalog.Text("command.failed", nil)}
	}

	if cmd.RecordHistory && resp.Text != "" && r.history != nil {
		r.history.Append(ctx, req.UserID, req.Text, resp.Text)
	}
	logger.Info("command completed", "duration_ms", r.now().Sub(start).Milliseconds())
	r.journal.Record(ctx, db.EventCommandCompleted, map[string]any{
		"turn_id":  req.TurnID,
		"user_id":  req.UserID,
		"command":  cmd.Name,
		"recorded": cmd.RecordHistory,
	})
	return resp
}

func (r *Router) ask(ctx context.Context, logger *slog.Logger, turnID string, ev Event) string {
	if r.generator == nil {
		return r.catalog.Text("ai.unavailable", nil)
	}
	if r.breaker != nil && !r.breaker.Allow(r.now()) {
		logger.Warn("generator circuit open, refusing message")
		r.journal.Record(ctx, db.EventTurnFailed, map[string]any{
			"turn_id": turnID,
			"user_id": ev.UserID,
			"reason":  "circuit_open",
		})
		return r.catalog.Text("ai.unavailable", nil)
	}

	var window []history.Exchange
	if r.history != nil {
		window = r.history.Recent(ctx, ev.UserID, r.window)
	}
	if r.compressor != nil {
		window = r.compressor.Compress(window, ev.Text)
	}
	prompt := r.assembler.Build(window, ev.Text)

	start := r.now()
	completion, err := safeGenerate(ctx, r.generator, prompt)
	if err != nil && ctx.Err() != nil {
		// Cancelled by the caller: not a backend failure, and nobody is
		// waiting for an apology.
		logger.Warn("generation interrupted", "error", err)
		if r.breaker != nil {
			r.breaker.AbandonProbe()
		}
		return ""
	}
	if err == nil && strings.TrimSpace(completion.Text) == "" {
		err = fault.External("generate", errors.New("empty completion"))
	}
	if err != nil {
		logger.Error("generation failed", "error", err, "window", len(window))
		r.recordFailure(ctx, logger, err)
		r.journal.Record(ctx, db.EventTurnFailed, map[string]any{
			"turn_id": turnID,
			"user_id": ev.UserID,
			"kind":    string(fault.KindOf(err)),
			"error":   err.Error(),
		})
		return r.catalog.Text("ai.error", nil)
	}

	if r.breaker != nil && r.breaker.RecordSuccess() {
		logger.Info("generator circuit closed")
		r.journal.Record(ctx, db.EventCircuitClosed, nil)
	}
	if r.history != nil {
		r.history.Append(ctx, ev.UserID, ev.Text, completion.Text)
	}
	logger.Info("turn completed",
		"window", len(window),
		"input_tokens", completion.InputTokens,
		"output_tokens", completion.OutputTokens,
		"duration_ms", r.now().Sub(start).Milliseconds(),
	)
	r.journal.Record(ctx, db.EventTurnCompleted, map[string]any{
		"turn_id":       turnID,
		"user_id":       ev.UserID,
		"window":        len(window),
		"input_tokens":  completion.InputTokens,
		"output_tokens": completion.OutputTokens,
	})
	return completion.Text
}

func (r *Router) addressedToUs(bot string) bool {
	if bot == "" || r.botName == nil {
		return true
	}
	own := r.botName()
	return own == "" || strings.EqualFold(bot, own)
}

func (r *Router) recordFailure(ctx context.Context, logger *slog.Logger, err error) {
	if r.breaker == nil {
		return
	}
	class := string(fault.KindOf(err))
	if r.breaker.RecordFailure(class, r.now()) {
		logger.Warn("generator circuit opened", "class", class, "cooldown", r.breaker.Cooldown)
		r.journal.Record(ctx, db.EventCircuitOpened, map[string]any{
			"class":            class,
			"cooldown_seconds": int64(r.breaker.Cooldown.Seconds()),
		})
	}
}

func safeGenerate(ctx context.Context, g model.Generator, prompt string) (c model.Completion, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fault.External("generate", fmt.Errorf("generator panic: %v", p))
		}
	}()
	return g.Generate(ctx, prompt)
}

func safeHandle(ctx context.Context, h Handler, req Request) (resp Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("command panic: %v", p)
		}
	}()
	return h(ctx, req)
}

// userMessage returns the text of the innermost user input fault.
func userMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Err != nil {
		return fe.Err.Error()
	}
	return err.Error()
}
