package commander

import (
	"context"
	"errors"
)

// ErrClosed is returned by GetUpdates when the source has no more input
// and never will, e.g. a console transport whose stdin reached EOF.
var ErrClosed = errors.New("commander closed")

// Commander is the front-end transport abstraction used by the event loop.
type Commander interface {
	// Connect (re-)establishes the connection and verifies credentials.
	Connect(ctx context.Context) error
	// GetUpdates blocks up to timeout seconds for updates at or after offset.
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	// Send delivers a reply.
	Send(ctx context.Context, reply Reply) error
}

// MenuPublisher is implemented by transports that show a command menu.
type MenuPublisher interface {
	SetCommands(ctx context.Context, commands []MenuCommand) error
}

// Named is implemented by transports that learn their own account name
// on Connect. Commands addressed to another account are ignored.
type Named interface {
	BotName() string
}

// MenuCommand is one entry of the front-end command menu.
type MenuCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Update represents an incoming command/update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a source message.
type Message struct {
	MessageID int64   `json:"message_id"`
	From      *User   `json:"from,omitempty"`
	Chat      Chat    `json:"chat"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

// User identifies the author of a message.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// Reply is an outbound message. Media are sent before Text.
type Reply struct {
	ChatID  int64
	ReplyTo int64
	Text    string
	Media   []Attachment
}

// Empty reports whether there is nothing to send.
func (r Reply) Empty() bool {
	return r.Text == "" && len(r.Media) == 0
}

// Attachment is a photo referenced by URL.
type Attachment struct {
	URL     string
	Caption string
}
