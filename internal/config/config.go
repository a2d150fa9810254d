// Package config loads gateway settings from built-in defaults, an
// optional YAML or TOML file, and the environment, in increasing order of
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/stupiduntilnot/skychat/internal/catalog"
)

// EnvConfigPath names the config file when no --config flag is given.
const EnvConfigPath = "SKYCHAT_CONFIG"

var (
	Transports = []string{"telegram", "console", "dummy"}
	Backends   = []string{"gemini", "openai", "ollama", "dummy"}
)

// Config is the complete gateway configuration.
type Config struct {
	Transport string `yaml:"transport" toml:"transport"`
	Backend   string `yaml:"backend" toml:"backend"`
	Language  string `yaml:"language" toml:"language"`

	Telegram     TelegramConfig     `yaml:"telegram" toml:"telegram"`
	Console      ConsoleConfig      `yaml:"console" toml:"console"`
	Gemini       GeminiConfig       `yaml:"gemini" toml:"gemini"`
	OpenAI       OpenAIConfig       `yaml:"openai" toml:"openai"`
	Ollama       OllamaConfig       `yaml:"ollama" toml:"ollama"`
	Dummy        DummyConfig        `yaml:"dummy" toml:"dummy"`
	Providers    ProvidersConfig    `yaml:"providers" toml:"providers"`
	Storage      StorageConfig      `yaml:"storage" toml:"storage"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Loop         LoopConfig         `yaml:"loop" toml:"loop"`
	Circuit      CircuitConfig      `yaml:"circuit" toml:"circuit"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

type TelegramConfig struct {
	Token                string `yaml:"token" toml:"token"`
	APIBase              string `yaml:"api_base" toml:"api_base"`
	PollTimeout          int    `yaml:"poll_timeout" toml:"poll_timeout"`
	DropPending          bool   `yaml:"drop_pending" toml:"drop_pending"`
	PendingWindowSeconds int    `yaml:"pending_window_seconds" toml:"pending_window_seconds"`
	PendingMaxMessages   int    `yaml:"pending_max_messages" toml:"pending_max_messages"`
}

// BotURL is the method base URL for the configured token.
func (t TelegramConfig) BotURL() string {
	return strings.TrimRight(t.APIBase, "/") + "/bot" + t.Token
}

type ConsoleConfig struct {
	UserID int64 `yaml:"user_id" toml:"user_id"`
}

type GeminiConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	Model   string `yaml:"model" toml:"model"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key" toml:"api_key"`
	URL          string `yaml:"url" toml:"url"`
	Model        string `yaml:"model" toml:"model"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`
}

type DummyConfig struct {
	Script     string `yaml:"script" toml:"script"`
	PollScript string `yaml:"poll_script" toml:"poll_script"`
	SendScript string `yaml:"send_script" toml:"send_script"`
}

type ProvidersConfig struct {
	WeatherAPIKey     string `yaml:"weather_api_key" toml:"weather_api_key"`
	WeatherBaseURL    string `yaml:"weather_base_url" toml:"weather_base_url"`
	NASAAPIKey        string `yaml:"nasa_api_key" toml:"nasa_api_key"`
	NASABaseURL       string `yaml:"nasa_base_url" toml:"nasa_base_url"`
	UnsplashAccessKey string `yaml:"unsplash_access_key" toml:"unsplash_access_key"`
	UnsplashBaseURL   string `yaml:"unsplash_base_url" toml:"unsplash_base_url"`
	TimeoutSeconds    int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

type StorageConfig struct {
	// DBPath is the SQLite file. "memory" keeps history in process memory.
	DBPath string `yaml:"db_path" toml:"db_path"`
}

// InMemory reports whether history is kept in process memory only.
func (s StorageConfig) InMemory() bool {
	return s.DBPath == "" || s.DBPath == "memory"
}

type ConversationConfig struct {
	Window                 int      `yaml:"window" toml:"window"`
	Preamble               string   `yaml:"preamble" toml:"preamble"`
	MaxPromptRunes         int      `yaml:"max_prompt_runes" toml:"max_prompt_runes"`
	HistoryCommands        []string `yaml:"history_commands" toml:"history_commands"`
	GenerateTimeoutSeconds int      `yaml:"generate_timeout_seconds" toml:"generate_timeout_seconds"`
}

type LoopConfig struct {
	Workers           int `yaml:"workers" toml:"workers"`
	BackoffSeconds    int `yaml:"backoff_seconds" toml:"backoff_seconds"`
	BackoffMaxSeconds int `yaml:"backoff_max_seconds" toml:"backoff_max_seconds"`
}

type CircuitConfig struct {
	Threshold       int `yaml:"threshold" toml:"threshold"`
	CooldownSeconds int `yaml:"cooldown_seconds" toml:"cooldown_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transport: "telegram",
		Backend:   "gemini",
		Language:  catalog.DefaultLanguage,
		Telegram: TelegramConfig{
			APIBase:              "https://api.telegram.org",
			PollTimeout:          30,
			DropPending:          true,
			PendingWindowSeconds: 600,
			PendingMaxMessages:   50,
		},
		Console: ConsoleConfig{UserID: 1},
		Gemini: GeminiConfig{
			Model:   "gemini-1.5-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		},
		OpenAI: OpenAIConfig{
			URL:   "https://api.openai.com/v1/chat/completions",
			Model: "gpt-4o-mini",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3",
		},
		Dummy: DummyConfig{
			Script:     "ok",
			PollScript: "eof",
			SendScript: "ok",
		},
		Providers: ProvidersConfig{
			WeatherBaseURL:  "https://api.openweathermap.org/data/2.5",
			NASABaseURL:     "https://api.nasa.gov",
			UnsplashBaseURL: "https://api.unsplash.com",
			TimeoutSeconds:  10,
		},
		Storage: StorageConfig{DBPath: "chat_history.db"},
		Conversation: ConversationConfig{
			Window:                 5,
			HistoryCommands:        []string{"image", "cars"},
			GenerateTimeoutSeconds: 60,
		},
		Loop: LoopConfig{
			Workers:           1,
			BackoffSeconds:    15,
			BackoffMaxSeconds: 15,
		},
		Circuit: CircuitConfig{
			Threshold:       5,
			CooldownSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration: defaults, then the file at path (if
// any), then environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(name)
	})
}

func applyEnv(cfg *Config) {
	cfg.Transport = envOrDefault("SKYCHAT_TRANSPORT", cfg.Transport)
	cfg.Backend = envOrDefault("SKYCHAT_BACKEND", cfg.Backend)
	cfg.Language = envOrDefault("SKYCHAT_LANGUAGE", cfg.Language)

	t := &cfg.Telegram
	t.Token = envOrDefault("TELEGRAM_TOKEN", t.Token)
	t.APIBase = envOrDefault("TELEGRAM_API_BASE", t.APIBase)
	t.PollTimeout = envIntOrDefault("TG_TIMEOUT", t.PollTimeout)
	t.DropPending = envBoolOrDefault("TG_DROP_PENDING", t.DropPending)
	t.PendingWindowSeconds = envIntOrDefault("TG_PENDING_WINDOW_SECONDS", t.PendingWindowSeconds)
	t.PendingMaxMessages = envIntOrDefault("TG_PENDING_MAX_MESSAGES", t.PendingMaxMessages)

	cfg.Console.UserID = int64(envIntOrDefault("SKYCHAT_CONSOLE_USER_ID", int(cfg.Console.UserID)))

	cfg.Gemini.APIKey = envOrDefault("GOOGLE_API_KEY", cfg.Gemini.APIKey)
	cfg.Gemini.Model = envOrDefault("GEMINI_MODEL", cfg.Gemini.Model)
	cfg.Gemini.BaseURL = envOrDefault("GEMINI_BASE_URL", cfg.Gemini.BaseURL)

	cfg.OpenAI.APIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.URL = envOrDefault("OPENAI_CHAT_COMPLETIONS_URL", cfg.OpenAI.URL)
	cfg.OpenAI.Model = envOrDefault("OPENAI_MODEL", cfg.OpenAI.Model)
	cfg.OpenAI.SystemPrompt = envOrDefault("OPENAI_SYSTEM_PROMPT", cfg.OpenAI.SystemPrompt)

	cfg.Ollama.BaseURL = envOrDefault("OLLAMA_BASE_URL", cfg.Ollama.BaseURL)
	cfg.Ollama.Model = envOrDefault("OLLAMA_MODEL", cfg.Ollama.Model)

	cfg.Dummy.Script = envOrDefault("SKYCHAT_DUMMY_SCRIPT", cfg.Dummy.Script)
	cfg.Dummy.PollScript = envOrDefault("SKYCHAT_DUMMY_POLL_SCRIPT", cfg.Dummy.PollScript)
	cfg.Dummy.SendScript = envOrDefault("SKYCHAT_DUMMY_SEND_SCRIPT", cfg.Dummy.SendScript)

	p := &cfg.Providers
	p.WeatherAPIKey = envOrDefault("WEATHER_API_KEY", p.WeatherAPIKey)
	p.WeatherBaseURL = envOrDefault("WEATHER_BASE_URL", p.WeatherBaseURL)
	p.NASAAPIKey = envOrDefault("NASA_API_KEY", p.NASAAPIKey)
	p.NASABaseURL = envOrDefault("NASA_BASE_URL", p.NASABaseURL)
	p.UnsplashAccessKey = envOrDefault("UNSPLASH_ACCESS_KEY", p.UnsplashAccessKey)
	p.UnsplashBaseURL = envOrDefault("UNSPLASH_BASE_URL", p.UnsplashBaseURL)
	p.TimeoutSeconds = envIntOrDefault("SKYCHAT_PROVIDER_TIMEOUT_SECONDS", p.TimeoutSeconds)

	cfg.Storage.DBPath = envOrDefault("SKYCHAT_DB_PATH", cfg.Storage.DBPath)

	c := &cfg.Conversation
	c.Window = envIntOrDefault("SKYCHAT_HISTORY_WINDOW", c.Window)
	c.Preamble = envOrDefault("SKYCHAT_PREAMBLE", c.Preamble)
	c.MaxPromptRunes = envIntOrDefault("SKYCHAT_MAX_PROMPT_RUNES", c.MaxPromptRunes)
	c.HistoryCommands = envListOrDefault("SKYCHAT_HISTORY_COMMANDS", c.HistoryCommands)
	c.GenerateTimeoutSeconds = envIntOrDefault("SKYCHAT_GENERATE_TIMEOUT_SECONDS", c.GenerateTimeoutSeconds)

	cfg.Loop.Workers = envIntOrDefault("SKYCHAT_WORKERS", cfg.Loop.Workers)
	cfg.Loop.BackoffSeconds = envIntOrDefault("SKYCHAT_BACKOFF_SECONDS", cfg.Loop.BackoffSeconds)
	cfg.Loop.BackoffMaxSeconds = envIntOrDefault("SKYCHAT_BACKOFF_MAX_SECONDS", cfg.Loop.BackoffMaxSeconds)

	cfg.Circuit.Threshold = envIntOrDefault("SKYCHAT_CIRCUIT_THRESHOLD", cfg.Circuit.Threshold)
	cfg.Circuit.CooldownSeconds = envIntOrDefault("SKYCHAT_CIRCUIT_COOLDOWN_SECONDS", cfg.Circuit.CooldownSeconds)

	cfg.Logging.Level = envOrDefault("SKYCHAT_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOrDefault("SKYCHAT_LOG_FORMAT", cfg.Logging.Format)
}

// Validate checks names, credentials and numeric ranges.
func (c *Config) Validate() error {
	if !slices.Contains(Transports, c.Transport) {
		return fmt.Errorf("unknown transport %q (want one of %s)", c.Transport, strings.Join(Transports, ", "))
	}
	if !slices.Contains(Backends, c.Backend) {
		return fmt.Errorf("unknown backend %q (want one of %s)", c.Backend, strings.Join(Backends, ", "))
	}
	if !slices.Contains(catalog.Languages(), c.Language) {
		return fmt.Errorf("unknown language %q (want one of %s)", c.Language, strings.Join(catalog.Languages(), ", "))
	}
	if c.Transport == "telegram" && c.Telegram.Token == "" {
		return fmt.Errorf("TELEGRAM_TOKEN is required when transport is telegram")
	}
	switch c.Backend {
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("GOOGLE_API_KEY is required when backend is gemini")
		}
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when backend is openai")
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"conversation.window", c.Conversation.Window},
		{"conversation.generate_timeout_seconds", c.Conversation.GenerateTimeoutSeconds},
		{"loop.workers", c.Loop.Workers},
		{"loop.backoff_seconds", c.Loop.BackoffSeconds},
		{"circuit.threshold", c.Circuit.Threshold},
		{"circuit.cooldown_seconds", c.Circuit.CooldownSeconds},
		{"providers.timeout_seconds", c.Providers.TimeoutSeconds},
		{"telegram.pending_max_messages", c.Telegram.PendingMaxMessages},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.Loop.BackoffMaxSeconds < c.Loop.BackoffSeconds {
		return fmt.Errorf("loop.backoff_max_seconds (%d) must not be below loop.backoff_seconds (%d)",
			c.Loop.BackoffMaxSeconds, c.Loop.BackoffSeconds)
	}
	if c.Telegram.PollTimeout < 0 || c.Conversation.MaxPromptRunes < 0 || c.Telegram.PendingWindowSeconds < 0 {
		return fmt.Errorf("telegram.poll_timeout, telegram.pending_window_seconds and conversation.max_prompt_runes must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("unknown log format %q (want text or json)", c.Logging.Format)
	}
	return nil
}

// Backoff returns the reconnect backoff bounds.
func (l LoopConfig) Backoff() (initial, limit time.Duration) {
	return time.Duration(l.BackoffSeconds) * time.Second, time.Duration(l.BackoffMaxSeconds) * time.Second
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

// envListOrDefault splits a comma-separated variable. A variable that is
// set but empty yields an empty list.
func envListOrDefault(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
