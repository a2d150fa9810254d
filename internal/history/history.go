// Package history keeps the per-user log of exchanges that gives AI
// replies their conversational context.
package history

import (
	"context"
	"time"
)

// DefaultWindow is the number of exchanges fed back into a prompt.
const DefaultWindow = 5

// Exchange is one persisted user turn and the reply it produced.
type Exchange struct {
	UserID    int64
	Message   string
	Response  string
	Timestamp time.Time
}

// Backend is the storage engine behind a Store. Implementations return
// errors; the Store decides which of them the caller gets to see.
type Backend interface {
	Append(ctx context.Context, e Exchange) error
	// Recent returns at most limit exchanges for userID, oldest first.
	Recent(ctx context.Context, userID int64, limit int) ([]Exchange, error)
	Clear(ctx context.Context, userID int64) error
}

// timestampLayout sorts lexicographically in chronological order and
// matches what earlier releases wrote: local wall-clock time without a
// zone, so stored rows are only comparable within one location.
const timestampLayout = "2006-01-02 15:04:05.000000"

// parseLayout also accepts timestamps without a fractional part.
const parseLayout = "2006-01-02 15:04:05.999999999"

func formatTimestamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(timestampLayout)
}

func parseTimestamp(s string, loc *time.Location) time.Time {
	if ts, err := time.ParseInLocation(parseLayout, s, loc); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	return time.Time{}
}

func reverse(xs []Exchange) {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
}
