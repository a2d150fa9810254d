package context

import "github.com/stupiduntilnot/skychat/internal/history"

// Compressor reduces a conversation window to fit within constraints.
type Compressor interface {
	Compress(window []history.Exchange, message string) []history.Exchange
}

// Assembler turns a conversation window and a new message into a prompt.
type Assembler interface {
	Build(window []history.Exchange, message string) string
}
