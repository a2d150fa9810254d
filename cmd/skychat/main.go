package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/stupiduntilnot/skychat/internal/catalog"
	"github.com/stupiduntilnot/skychat/internal/commander"
	"github.com/stupiduntilnot/skychat/internal/commands"
	"github.com/stupiduntilnot/skychat/internal/config"
	"github.com/stupiduntilnot/skychat/internal/console"
	ctxpkg "github.com/stupiduntilnot/skychat/internal/context"
	"github.com/stupiduntilnot/skychat/internal/control"
	"github.com/stupiduntilnot/skychat/internal/db"
	"github.com/stupiduntilnot/skychat/internal/dummy"
	"github.com/stupiduntilnot/skychat/internal/gemini"
	"github.com/stupiduntilnot/skychat/internal/history"
	"github.com/stupiduntilnot/skychat/internal/loop"
	"github.com/stupiduntilnot/skychat/internal/model"
	"github.com/stupiduntilnot/skychat/internal/ollama"
	"github.com/stupiduntilnot/skychat/internal/openai"
	"github.com/stupiduntilnot/skychat/internal/provider/apod"
	"github.com/stupiduntilnot/skychat/internal/provider/imagesearch"
	"github.com/stupiduntilnot/skychat/internal/provider/weather"
	"github.com/stupiduntilnot/skychat/internal/router"
	"github.com/stupiduntilnot/skychat/internal/telegram"
)

var version = "dev"

const banner = `
      _               _           _
  ___| | ___   _  ___| |__   __ _| |_
 / __| |/ / | | |/ __| '_ \ / _' | __|
 \__ \   <| |_| | (__| | | | (_| | |_
 |___/_|\_\\__, |\___|_| |_|\__,_|\__|
           |___/
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	logLevel    string
	showVersion bool
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("skychat", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVar(&opts.configPath, "config", "", "path to a YAML or TOML config file (default: $"+config.EnvConfigPath+")")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override the log level: debug, info, warn, error")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print the version and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(out, "Usage: skychat [flags]\n\nConversational gateway between a chat front-end and an AI backend.\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.configPath == "" {
		opts.configPath = os.Getenv(config.EnvConfigPath)
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("skychat %s\n", version)
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(logger)

	printBanner(os.Stderr, cfg, opts.configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := build(ctx, cfg, logger, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	defer gw.Close()

	gw.publishMenu(ctx)
	logger.Info("gateway running", "transport", cfg.Transport, "backend", cfg.Backend, "version", version)
	if err := gw.loop.Run(ctx); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

func setupLogger(level, format string, w io.Writer) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printBanner(w io.Writer, cfg config.Config, configPath string) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	cyan.Fprint(w, banner)
	line := func(label, value string) {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-10s %s\n", label+":", value)
	}
	if configPath != "" {
		line("Config", configPath)
	}
	line("Transport", cfg.Transport)
	line("Backend", cfg.Backend)
	line("Language", cfg.Language)
	if cfg.Storage.InMemory() {
		line("Storage", "memory")
	} else {
		line("Storage", cfg.Storage.DBPath)
	}
	line("Workers", fmt.Sprint(cfg.Loop.Workers))
	fmt.Fprintln(w)
}

// gateway is the assembled process.
type gateway struct {
	transport commander.Commander
	generator model.Generator
	router    *router.Router
	loop      *loop.Loop
	database  *sql.DB
	logger    *slog.Logger
}

func (g *gateway) Close() {
	if g.database != nil {
		g.database.Close()
	}
}

func (g *gateway) publishMenu(ctx context.Context) {
	mp, ok := g.transport.(commander.MenuPublisher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := mp.SetCommands(ctx, g.router.Registry().Menu()); err != nil {
		g.logger.Warn("failed to publish command menu", "error", err)
	}
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer) (*gateway, error) {
	gw := &gateway{logger: logger}

	var (
		backend history.Backend
		journal *db.Journal
		offsets loop.OffsetStore
	)
	if cfg.Storage.InMemory() {
		backend = history.NewMemoryBackend()
	} else {
		database, err := db.OpenDB(cfg.Storage.DBPath)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(database); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
		gw.database = database
		backend = &history.SQLiteBackend{DB: database}
		offsets = &db.Offsets{DB: database, Cursor: db.OffsetCursor(cfg.Transport)}
		journal = db.NewJournal(ctx, database, logger, map[string]any{
			"pid":       os.Getpid(),
			"version":   version,
			"transport": cfg.Transport,
			"backend":   cfg.Backend,
		})
	}
	store := history.NewStore(backend, logger)

	transport, err := newCommander(cfg, in, out)
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to init transport: %w", err)
	}
	gw.transport = transport

	generator, err := newGenerator(cfg)
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to init backend: %w", err)
	}
	gw.generator = generator

	cat, err := catalog.Load(cfg.Language)
	if err != nil {
		gw.Close()
		return nil, err
	}

	registry := router.NewRegistry()
	deps := newProviders(cfg)
	deps.Catalog = cat
	deps.History = store
	deps.Window = cfg.Conversation.Window
	deps.Journal = journal
	deps.Logger = logger
	if err := commands.Register(registry, deps, cfg.Conversation.HistoryCommands); err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	var compressor ctxpkg.Compressor
	if cfg.Conversation.MaxPromptRunes > 0 {
		compressor = &ctxpkg.SimpleCompressor{MaxRunes: cfg.Conversation.MaxPromptRunes}
	}
	var botName func() string
	if named, ok := transport.(commander.Named); ok {
		botName = named.BotName
	}
	gw.router = router.New(router.Config{
		Registry:   registry,
		History:    store,
		Window:     cfg.Conversation.Window,
		Compressor: compressor,
		Assembler:  &ctxpkg.StandardAssembler{Preamble: cfg.Conversation.Preamble},
		Generator:  generator,
		Breaker: control.NewCircuitBreaker(
			cfg.Circuit.Threshold,
			time.Duration(cfg.Circuit.CooldownSeconds)*time.Second,
		),
		Catalog: cat,
		Journal: journal,
		Logger:  logger,
		BotName: botName,
	})

	initial, limit := cfg.Loop.Backoff()
	gw.loop = loop.New(loop.Config{
		Commander:     transport,
		Router:        gw.router,
		Offsets:       offsets,
		PollTimeout:   pollTimeout(cfg),
		Backoff:       control.Backoff{Initial: initial, Max: limit},
		Workers:       cfg.Loop.Workers,
		DropPending:   cfg.Transport == "telegram" && cfg.Telegram.DropPending,
		PendingWindow: time.Duration(cfg.Telegram.PendingWindowSeconds) * time.Second,
		PendingMax:    cfg.Telegram.PendingMaxMessages,
		Journal:       journal,
		Logger:        logger,
	})
	return gw, nil
}

func pollTimeout(cfg config.Config) int {
	if cfg.Transport == "telegram" {
		return cfg.Telegram.PollTimeout
	}
	return 1
}

func newCommander(cfg config.Config, in io.Reader, out io.Writer) (commander.Commander, error) {
	switch cfg.Transport {
	case "telegram":
		return telegram.NewClient(cfg.Telegram.BotURL(), time.Duration(cfg.Telegram.PollTimeout+20)*time.Second), nil
	case "console":
		opts := console.Options{UserID: cfg.Console.UserID}
		if f, ok := out.(*os.File); ok {
			opts.Markdown, opts.Width = console.DetectTerminal(f)
		}
		return console.NewCommander(in, out, opts), nil
	case "dummy":
		return dummy.NewCommander(cfg.Dummy.PollScript, cfg.Dummy.SendScript)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

func newGenerator(cfg config.Config) (model.Generator, error) {
	timeout := time.Duration(cfg.Conversation.GenerateTimeoutSeconds) * time.Second
	switch cfg.Backend {
	case "gemini":
		return gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, cfg.Gemini.Model, timeout), nil
	case "openai":
		return openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.URL, cfg.OpenAI.Model, cfg.OpenAI.SystemPrompt, timeout), nil
	case "ollama":
		return ollama.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.Model, timeout), nil
	case "dummy":
		return dummy.NewGenerator(cfg.Dummy.Script)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// newProviders builds the auxiliary data sources. Weather and image
// search need a key; the picture of the day falls back to NASA's demo key.
func newProviders(cfg config.Config) commands.Deps {
	p := cfg.Providers
	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	var deps commands.Deps
	if p.WeatherAPIKey != "" {
		deps.Weather = weather.NewClient(p.WeatherAPIKey, p.WeatherBaseURL, cfg.Language, timeout)
	}
	deps.Pictures = apod.NewClient(p.NASAAPIKey, p.NASABaseURL, timeout)
	if p.UnsplashAccessKey != "" {
		deps.Images = imagesearch.NewClient(p.UnsplashAccessKey, p.UnsplashBaseURL, timeout)
	}
	return deps
}
