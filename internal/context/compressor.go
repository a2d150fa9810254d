package context

import (
	"unicode/utf8"

	"github.com/stupiduntilnot/skychat/internal/history"
)

// SimpleCompressor drops the oldest exchanges until the serialized window
// plus the new message fits in MaxRunes. Zero means no limit.
type SimpleCompressor struct {
	MaxRunes int
}

// Compress returns a suffix of window; order is preserved.
func (c *SimpleCompressor) Compress(window []history.Exchange, message string) []history.Exchange {
	if c.MaxRunes <= 0 || len(window) == 0 {
		return window
	}
	total := utf8.RuneCountInString(formatOpenTurn(message))
	for i := len(window) - 1; i >= 0; i-- {
		total += utf8.RuneCountInString(formatExchange(window[i]))
		if total > c.MaxRunes {
			return window[i+1:]
		}
	}
	return window
}
