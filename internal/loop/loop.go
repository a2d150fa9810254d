// Package loop drives the gateway: it pulls updates from the transport,
// hands each message to the router and sends the reply back. Transport
// faults switch the loop into recovery, which waits out a backoff and
// reconnects; only cancellation or an exhausted input source stop it.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
	"github.com/stupiduntilnot/skychat/internal/control"
	"github.com/stupiduntilnot/skychat/internal/db"
	"github.com/stupiduntilnot/skychat/internal/router"
)

// State is the loop's connection state.
type State string

const (
	Running    State = "running"
	Recovering State = "recovering"
)

// Router produces the reply for one event.
type Router interface {
	Route(ctx context.Context, ev router.Event) cmdpkg.Reply
}

// OffsetStore persists the next update offset across restarts.
type OffsetStore interface {
	LoadOffset(ctx context.Context) (int64, error)
	SaveOffset(ctx context.Context, offset int64) error
}

// Config wires a Loop. Offsets and Journal are optional.
type Config struct {
	Commander cmdpkg.Commander
	Router    Router
	Offsets   OffsetStore
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	Backoff     control.Backoff
	// Workers > 1 handles distinct users in parallel.
	Workers int
	// DropPending skips stale updates on a first start: only updates
	// newer than PendingWindow, and at most PendingMax of them, are kept.
	DropPending   bool
	PendingWindow time.Duration
	PendingMax    int
	Journal       *db.Journal
	Logger        *slog.Logger
}

type Loop struct {
	cfg    Config
	logger *slog.Logger
	state  atomic.Value
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

func New(cfg Config) *Loop {
	if cfg.PollTimeout < 0 {
		cfg.PollTimeout = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PendingMax <= 0 {
		cfg.PendingMax = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Loop{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "loop"),
		sleep:  control.Sleep,
		now:    time.Now,
	}
	l.state.Store(Recovering)
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	return l.state.Load().(State)
}

func (l *Loop) setState(s State) {
	l.state.Store(s)
}

// Run blocks until ctx is cancelled or the transport reports
// commander.ErrClosed. Both are a clean stop and return nil once the
// turns already started have been answered.
func (l *Loop) Run(ctx context.Context) error {
	offset := l.loadOffset(ctx)
	bootstrap := offset == 0 && l.cfg.DropPending

	// Turns already taken off the transport run on work, which outlives
	// ctx: cancellation stops new turns from starting and lets started
	// ones finish, so a committed offset never covers an unanswered message.
	work := context.WithoutCancel(ctx)
	dispatch := func(ev router.Event) error {
		l.handle(work, ev)
		return nil
	}
	if l.cfg.Workers > 1 {
		p := newPool(work, l.cfg.Workers, l.handle)
		defer p.close()
		dispatch = func(ev router.Event) error { return p.submit(ctx, ev) }
	}

	var (
		attempt   int
		sessionID string
		lastErr   error
	)
	l.setState(Recovering)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if l.State() == Recovering {
			if attempt > 0 {
				delay := l.cfg.Backoff.Delay(attempt)
				l.logger.Warn("transport unavailable, waiting before reconnect",
					"attempt", attempt, "delay", delay, "error", lastErr)
				if err := l.sleep(ctx, delay); err != nil {
					return nil
				}
			}
			if err := l.cfg.Commander.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				attempt++
				lastErr = err
				l.fault(ctx, "connect", err, attempt)
				continue
			}
			sessionID = uuid.NewString()
			if attempt > 0 {
				l.logger.Info("transport recovered", "session_id", sessionID, "attempts", attempt)
				l.cfg.Journal.Record(ctx, db.EventTransportRecovered, map[string]any{
					"session_id": sessionID,
					"attempts":   attempt,
				})
			} else {
				l.logger.Info("transport connected", "session_id", sessionID, "offset", offset)
			}
			attempt = 0
			l.setState(Running)

			if bootstrap {
				next, err := l.bootstrapOffset(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					// Polling before the bootstrap would answer stale updates.
					attempt = 1
					lastErr = err
					l.setState(Recovering)
					l.fault(ctx, "bootstrap", err, attempt)
					continue
				}
				bootstrap = false
				if next > offset {
					offset = next
					l.saveOffset(ctx, offset)
				}
			}
		}

		updates, err := l.cfg.Commander.GetUpdates(ctx, offset, l.cfg.PollTimeout)
		if err != nil {
			switch {
			case errors.Is(err, cmdpkg.ErrClosed):
				l.logger.Info("transport closed, stopping", "session_id", sessionID)
				return nil
			case ctx.Err() != nil:
				return nil
			}
			attempt = 1
			lastErr = err
			l.setState(Recovering)
			l.fault(ctx, "get_updates", err, attempt)
			continue
		}

		// The offset only moves past updates that were handed to a worker.
		next := offset
		for _, u := range updates {
			if ctx.Err() != nil {
				break
			}
			if ev, ok := router.FromUpdate(u); ok {
				if err := dispatch(ev); err != nil {
					break
				}
			}
			if u.UpdateID >= next {
				next = u.UpdateID + 1
			}
		}
		if next != offset {
			offset = next
			l.saveOffset(work, offset)
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev router.Event) {
	reply := l.cfg.Router.Route(ctx, ev)
	if reply.Empty() {
		return
	}
	if err := l.cfg.Commander.Send(ctx, reply); err != nil {
		l.logger.Error("failed to send reply", "user_id", ev.UserID, "chat_id", ev.ChatID, "error", err)
		l.cfg.Journal.Record(ctx, db.EventReplyFailed, map[string]any{
			"user_id":   ev.UserID,
			"chat_id":   ev.ChatID,
			"update_id": ev.UpdateID,
			"error":     err.Error(),
		})
	}
}

func (l *Loop) fault(ctx context.Context, op string, err error, attempt int) {
	l.logger.Error("transport fault", "op", op, "attempt", attempt, "error", err)
	l.cfg.Journal.Record(ctx, db.EventTransportFault, map[string]any{
		"op":      op,
		"attempt": attempt,
		"error":   err.Error(),
	})
}

func (l *Loop) loadOffset(ctx context.Context) int64 {
	if l.cfg.Offsets == nil {
		return 0
	}
	offset, err := l.cfg.Offsets.LoadOffset(ctx)
	if err != nil {
		l.logger.Warn("failed to load update offset, starting from 0", "error", err)
		return 0
	}
	return offset
}

func (l *Loop) saveOffset(ctx context.Context, offset int64) {
	if l.cfg.Offsets == nil {
		return
	}
	if err := l.cfg.Offsets.SaveOffset(ctx, offset); err != nil {
		l.logger.Warn("failed to save update offset", "offset", offset, "error", err)
	}
}

// bootstrapOffset peeks at pending updates and returns the offset of the
// oldest one worth answering: at most PendingMax updates newer than
// PendingWindow. With nothing recent it skips everything pending.
func (l *Loop) bootstrapOffset(ctx context.Context) (int64, error) {
	updates, err := l.cfg.Commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := l.now().Add(-l.cfg.PendingWindow).Unix()
	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}
	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}
	if len(inWindow) > l.cfg.PendingMax {
		inWindow = inWindow[len(inWindow)-l.cfg.PendingMax:]
	}
	return inWindow[0].UpdateID, nil
}
