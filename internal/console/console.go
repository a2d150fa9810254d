// Package console is a line-oriented terminal transport: each line read
// from the input is one message, replies are written to the output.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
)

// DefaultWidth is used when the terminal size is unknown.
const DefaultWidth = 80

// Options configures a console Commander.
type Options struct {
	// UserID is the sender and chat of every line read.
	UserID int64
	// Username is reported on every message.
	Username string
	// Markdown renders replies with glamour. Width is the wrap column.
	Markdown bool
	Width    int
}

// DetectTerminal reports whether f is a terminal and its width.
func DetectTerminal(f *os.File) (bool, int) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return false, DefaultWidth
	}
	width, _, err := term.GetSize(fd)
	if err != nil || width <= 0 {
		return true, DefaultWidth
	}
	return true, width
}

type line struct {
	text string
	err  error
}

// Commander implements commander.Commander over a reader and a writer.
type Commander struct {
	opts     Options
	in       io.Reader
	out      io.Writer
	renderer *glamour.TermRenderer

	start    sync.Once
	lines    chan line
	mu       sync.Mutex
	updateID int64
}

func NewCommander(in io.Reader, out io.Writer, opts Options) *Commander {
	if opts.Username == "" {
		opts.Username = "console"
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	c := &Commander{
		opts:  opts,
		in:    in,
		out:   out,
		lines: make(chan line, 16),
	}
	if opts.Markdown {
		wrap := opts.Width - 10
		if wrap < 20 {
			wrap = opts.Width
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(wrap),
		)
		if err == nil {
			c.renderer = renderer
		}
	}
	return c
}

// Connect starts reading input. Later calls are no-ops.
func (c *Commander) Connect(ctx context.Context) error {
	c.start.Do(func() {
		go c.read()
	})
	return ctx.Err()
}

func (c *Commander) read() {
	defer close(c.lines)
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.lines <- line{text: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		c.lines <- line{err: err}
	}
}

// GetUpdates waits up to timeout seconds for at least one line and
// returns every line already buffered. Once the input is exhausted it
// returns commander.ErrClosed.
func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.start.Do(func() {
		go c.read()
	})

	var wait <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(time.Duration(timeout) * time.Second)
		defer t.Stop()
		wait = t.C
	}

	var first line
	var ok bool
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wait:
		return nil, nil
	case first, ok = <-c.lines:
	}
	if !ok {
		return nil, cmdpkg.ErrClosed
	}
	if first.err != nil {
		return nil, fmt.Errorf("%w: %v", cmdpkg.ErrClosed, first.err)
	}

	updates := []cmdpkg.Update{c.update(offset, first.text)}
	for {
		select {
		case next, ok := <-c.lines:
			if !ok || next.err != nil {
				return updates, nil
			}
			updates = append(updates, c.update(offset, next.text))
		default:
			return updates, nil
		}
	}
}

func (c *Commander) update(offset int64, text string) cmdpkg.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateID < offset {
		c.updateID = offset
	}
	c.updateID++
	return cmdpkg.Update{
		UpdateID: c.updateID,
		Message: &cmdpkg.Message{
			MessageID: c.updateID,
			From:      &cmdpkg.User{ID: c.opts.UserID, Username: c.opts.Username},
			Chat:      cmdpkg.Chat{ID: c.opts.UserID},
			Text:      &text,
			Date:      time.Now().Unix(),
		},
	}
}

// Send writes attachments as links followed by the reply text.
func (c *Commander) Send(ctx context.Context, reply cmdpkg.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	for _, m := range reply.Media {
		if m.Caption != "" {
			fmt.Fprintf(&b, "[photo] %s\n  %s\n", m.URL, m.Caption)
		} else {
			fmt.Fprintf(&b, "[photo] %s\n", m.URL)
		}
	}
	b.WriteString(c.render(reply.Text))
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, b.String())
	return err
}

func (c *Commander) render(text string) string {
	if c.renderer == nil || text == "" {
		return text
	}
	out, err := c.renderer.Render(text)
	if err != nil {
		return text
	}
	return out
}
