package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/stupiduntilnot/skychat/internal/fault"
)

// Store is the History Store. Writes and reads are best effort: a
// degraded backend costs the bot its memory, never its reply.
type Store struct {
	backend Backend
	logger  *slog.Logger
	locks   *keyedMutex
	now     func() time.Time
}

// NewStore wraps backend. A nil logger falls back to slog.Default.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.With("component", "history"),
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// Append records one exchange stamped with the current time. Storage
// errors are logged and dropped.
func (s *Store) Append(ctx context.Context, userID int64, message, response string) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	e := Exchange{
		UserID:    userID,
		Message:   message,
		Response:  response,
		Timestamp: s.now(),
	}
	if err := s.backend.Append(ctx, e); err != nil {
		s.logger.Error("failed to append exchange",
			"user_id", userID,
			"error", fault.Persistence("history append", err),
		)
	}
}

// Recent returns the user's conversation window: at most limit exchanges,
// oldest first. Storage errors yield an empty window.
func (s *Store) Recent(ctx context.Context, userID int64, limit int) []Exchange {
	window, err := s.backend.Recent(ctx, userID, limit)
	if err != nil {
		s.logger.Error("failed to load conversation window",
			"user_id", userID,
			"error", fault.Persistence("history recent", err),
		)
		return []Exchange{}
	}
	if window == nil {
		return []Exchange{}
	}
	return window
}

// Clear removes the user's whole history. Clearing an empty history
// succeeds. The error is returned so the user can be told the history
// is still there.
func (s *Store) Clear(ctx context.Context, userID int64) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.backend.Clear(ctx, userID); err != nil {
		err = fault.Persistence("history clear", err)
		s.logger.Error("failed to clear history", "user_id", userID, "error", err)
		return err
	}
	return nil
}
