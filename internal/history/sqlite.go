package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteBackend stores exchanges in the messages table created by
// db.InitSchema.
type SQLiteBackend struct {
	DB *sql.DB
	// Location is the zone timestamps are written and read in. Nil means
	// time.Local, which is what databases from earlier releases hold.
	Location *time.Location
}

func (b *SQLiteBackend) location() *time.Location {
	if b.Location == nil {
		return time.Local
	}
	return b.Location
}

func (b *SQLiteBackend) Append(ctx context.Context, e Exchange) error {
	_, err := b.DB.ExecContext(ctx,
		"INSERT INTO messages (user_id, message, response, timestamp) VALUES (?, ?, ?, ?)",
		e.UserID, e.Message, e.Response, formatTimestamp(e.Timestamp, b.location()),
	)
	if err != nil {
		return fmt.Errorf("insert exchange user_id=%d: %w", e.UserID, err)
	}
	return nil
}

// Recent returns the most recent `limit` exchanges for the given user,
// ordered chronologically (oldest first).
func (b *SQLiteBackend) Recent(ctx context.Context, userID int64, limit int) ([]Exchange, error) {
	if limit <= 0 {
		return []Exchange{}, nil
	}
	rows, err := b.DB.QueryContext(ctx,
		`SELECT message, response, CAST(timestamp AS TEXT) FROM messages
		 WHERE user_id = ?
		 ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query exchanges user_id=%d: %w", userID, err)
	}
	defer rows.Close()

	results := make([]Exchange, 0, limit)
	for rows.Next() {
		var message, response, ts sql.NullString
		if err := rows.Scan(&message, &response, &ts); err != nil {
			return nil, fmt.Errorf("scan exchange user_id=%d: %w", userID, err)
		}
		results = append(results, Exchange{
			UserID:    userID,
			Message:   message.String,
			Response:  response.String,
			Timestamp: parseTimestamp(ts.String, b.location()),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read exchanges user_id=%d: %w", userID, err)
	}

	// Reverse to chronological order.
	reverse(results)
	return results, nil
}

// Clear deletes every exchange of the user in a single statement, so
// readers see either the full history or none of it.
func (b *SQLiteBackend) Clear(ctx context.Context, userID int64) error {
	if _, err := b.DB.ExecContext(ctx, "DELETE FROM messages WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete exchanges user_id=%d: %w", userID, err)
	}
	return nil
}
