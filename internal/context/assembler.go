package context

import (
	"strings"

	"github.com/stupiduntilnot/skychat/internal/history"
)

const (
	userMarker      = "User: "
	assistantMarker = "Assistant: "
)

// StandardAssembler serializes the window as alternating User/Assistant
// turns, then the new message and an open Assistant turn for the model to
// complete. An empty window goes through the same path.
type StandardAssembler struct {
	// Preamble, when set, opens every prompt.
	Preamble string
}

// Build is pure: identical inputs always give identical prompts.
func (a *StandardAssembler) Build(window []history.Exchange, message string) string {
	var b strings.Builder
	if p := strings.TrimSpace(a.Preamble); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	for _, e := range window {
		b.WriteString(formatExchange(e))
	}
	b.WriteString(formatOpenTurn(message))
	return b.String()
}

// BuildPrompt assembles a prompt without a preamble.
func BuildPrompt(window []history.Exchange, message string) string {
	return (&StandardAssembler{}).Build(window, message)
}

func formatExchange(e history.Exchange) string {
	return userMarker + e.Message + "\n" + assistantMarker + e.Response + "\n"
}

func formatOpenTurn(message string) string {
	return userMarker + message + "\n" + assistantMarker
}
