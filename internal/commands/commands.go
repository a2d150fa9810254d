// Package commands provides the built-in slash commands.
package commands

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/stupiduntilnot/skychat/internal/catalog"
	cmdpkg "github.com/stupiduntilnot/skychat/internal/commander"
	"github.com/stupiduntilnot/skychat/internal/db"
	"github.com/stupiduntilnot/skychat/internal/fault"
	"github.com/stupiduntilnot/skychat/internal/history"
	"github.com/stupiduntilnot/skychat/internal/provider"
	"github.com/stupiduntilnot/skychat/internal/provider/apod"
	"github.com/stupiduntilnot/skychat/internal/provider/imagesearch"
	"github.com/stupiduntilnot/skychat/internal/provider/weather"
	"github.com/stupiduntilnot/skychat/internal/router"
)

// DefaultMaxPhotos is how many photos /image and /cars send.
const DefaultMaxPhotos = 3

// DefaultHistoryCommands are stored as exchanges unless configured otherwise.
var DefaultHistoryCommands = []string{"image", "cars"}

type WeatherSource interface {
	Current(ctx context.Context, city string) provider.Outcome[weather.Report]
}

type PictureSource interface {
	Today(ctx context.Context) provider.Outcome[apod.Picture]
}

type ImageSource interface {
	Search(ctx context.Context, query string, n int) provider.Outcome[[]imagesearch.Photo]
}

// Deps are the collaborators of the built-in commands. A nil provider
// leaves its command unregistered.
type Deps struct {
	Catalog   *catalog.Catalog
	History   *history.Store
	Window    int
	Weather   WeatherSource
	Pictures  PictureSource
	Images    ImageSource
	MaxPhotos int
	Journal   *db.Journal
	Logger    *slog.Logger
}

type handlers struct {
	Deps
	logger *slog.Logger
}

// Register adds the built-in commands to reg in menu order. historyCommands
// names the commands whose exchanges are recorded.
func Register(reg *router.Registry, d Deps, historyCommands []string) error {
	if d.Catalog == nil {
		d.Catalog = catalog.MustLoad(catalog.DefaultLanguage)
	}
	if d.Window <= 0 {
		d.Window = history.DefaultWindow
	}
	if d.MaxPhotos <= 0 {
		d.MaxPhotos = DefaultMaxPhotos
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{Deps: d, logger: logger.With("component", "commands")}
	text := d.Catalog.Text

	cmds := []router.Command{
		{Name: "start", Description: text("menu.start", nil), Handler: h.static("start")},
		{Name: "help", Description: text("menu.help", nil), Handler: h.static("help")},
	}
	if d.Weather != nil {
		cmds = append(cmds, router.Command{Name: "weather", Description: text("menu.weather", nil), Handler: h.weather})
	}
	if d.Pictures != nil {
		cmds = append(cmds, router.Command{Name: "nasa", Description: text("menu.nasa", nil), Handler: h.nasa})
	}
	if d.Images != nil {
		cmds = append(cmds,
			router.Command{Name: "image", Description: text("menu.image", nil), Handler: h.images("image.usage", "")},
			router.Command{Name: "cars", Description: text("menu.cars", nil), Handler: h.images("cars.usage", "car")},
		)
	}
	if d.History != nil {
		cmds = append(cmds,
			router.Command{Name: "history", Description: text("menu.history", nil), Handler: h.history},
			router.Command{Name: "clear", Description: text("menu.clear", nil), Handler: h.clear},
		)
	}

	for _, c := range cmds {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return reg.SetRecordHistory(known(reg, historyCommands), true)
}

// known drops names of commands that were not registered, such as /image
// without an image search key.
func known(reg *router.Registry, names []string) []string {
	var out []string
	for _, n := range names {
		if _, ok := reg.Get(strings.TrimPrefix(strings.TrimSpace(n), "/")); ok {
			out = append(out, n)
		}
	}
	return out
}

func (h *handlers) static(key string) router.Handler {
	return func(context.Context, router.Request) (router.Response, error) {
		return router.Response{Text: h.Catalog.Text(key, nil)}, nil
	}
}

func (h *handlers) weather(ctx context.Context, req router.Request) (router.Response, error) {
	city := req.Args
	if city == "" {
		return router.Response{}, fault.UserInput("weather", "%s", h.Catalog.Text("weather.usage", nil))
	}
	out := h.Weather.Current(ctx, city)
	switch out.Kind {
	case provider.Success:
		return router.Response{Text: h.Catalog.Text("weather.report", out.Value)}, nil
	case provider.NotFound:
		return router.Response{Text: h.Catalog.Text("weather.not_found", city)}, nil
	default:
		h.logger.Warn("weather lookup failed", "city", city, "kind", out.Kind, "error", out.Fault("weather"))
		return router.Response{Text: h.Catalog.Text("weather.error", nil)}, nil
	}
}

func (h *handlers) nasa(ctx context.Context, _ router.Request) (router.Response, error) {
	out := h.Pictures.Today(ctx)
	if !out.OK() {
		h.logger.Warn("apod lookup failed", "kind", out.Kind, "error", out.Fault("apod"))
		return router.Response{Text: h.Catalog.Text("nasa.error", nil)}, nil
	}
	pic := out.Value
	resp := router.Response{Text: h.Catalog.Text("nasa.report", pic)}
	if pic.IsImage() {
		resp.Media = []cmdpkg.Attachment{{URL: pic.URL, Caption: pic.Title}}
	}
	return resp, nil
}

// images searches for the arguments, optionally qualified by suffix.
func (h *handlers) images(usageKey, suffix string) router.Handler {
	return func(ctx context.Context, req router.Request) (router.Response, error) {
		topic := req.Args
		if topic == "" {
			return router.Response{}, fault.UserInput("images", "%s", h.Catalog.Text(usageKey, nil))
		}
		query := topic
		if suffix != "" {
			query = topic + " " + suffix
		}
		out := h.Images.Search(ctx, query, h.MaxPhotos)
		switch out.Kind {
		case provider.Success:
		case provider.NotFound:
			return router.Response{Text: h.Catalog.Text("image.not_found", topic)}, nil
		default:
			h.logger.Warn("image search failed", "query", query, "kind", out.Kind, "error", out.Fault("images"))
			return router.Response{Text: h.Catalog.Text("image.error", nil)}, nil
		}

		resp := router.Response{
			Text: h.Catalog.Text("image.found", map[string]any{"Count": len(out.Value), "Query": topic}),
		}
		for _, p := range out.Value {
			resp.Media = append(resp.Media, cmdpkg.Attachment{
				URL:     p.URL,
				Caption: h.Catalog.Text("image.caption", p),
			})
		}
		return resp, nil
	}
}

func (h *handlers) history(ctx context.Context, req router.Request) (router.Response, error) {
	window := h.History.Recent(ctx, req.UserID, h.Window)
	if len(window) == 0 {
		return router.Response{Text: h.Catalog.Text("history.empty", nil)}, nil
	}
	lines := []string{h.Catalog.Text("history.header", len(window))}
	for i, e := range window {
		lines = append(lines, h.Catalog.Text("history.entry", map[string]any{
			"Index":    i + 1,
			"Message":  clip(e.Message, 200),
			"Response": clip(e.Response, 200),
		}))
	}
	return router.Response{Text: strings.Join(lines, "\n")}, nil
}

func (h *handlers) clear(ctx context.Context, req router.Request) (router.Response, error) {
	if err := h.History.Clear(ctx, req.UserID); err != nil {
		h.logger.Error("failed to clear history", "user_id", req.UserID, "error", err)
		return router.Response{Text: h.Catalog.Text("clear.failed", nil)}, nil
	}
	h.Journal.Record(ctx, db.EventHistoryCleared, map[string]any{
		"turn_id": req.TurnID,
		"user_id": req.UserID,
	})
	return router.Response{Text: h.Catalog.Text("clear.done", nil)}, nil
}

func clip(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes]) + "…"
}
