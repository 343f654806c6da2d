// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override. A double underscore
	// separates nesting levels: PARLEY_ENGINE__COMMAND -> engine.command.
	EnvPrefix = "PARLEY_"
	// FileEnv names an optional YAML file loaded before the environment.
	FileEnv = "PARLEY_CONFIG"

	defaultFile          = "parley.yaml"
	defaultAdviceBaseURL = "https://api.openai.com/v1"
)

// Engine launchers.
const (
	LauncherExec   = "exec"
	LauncherDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Engine    EngineConfig    `koanf:"engine"`
	Game      GameConfig      `koanf:"game"`
	Advice    AdviceConfig    `koanf:"advice"`
	EventLog  EventLogConfig  `koanf:"event_log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Port        string `koanf:"port"`
	FrontendURL string `koanf:"frontend_url"`
	// PublicURL is how the engine reaches this server's /session/{id}/chat.
	PublicURL       string        `koanf:"public_url"`
	AllowedOrigins  string        `koanf:"allowed_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig places the event ledger and per-session directories.
type StorageConfig struct {
	DBPath  string `koanf:"db_path"`
	DataDir string `koanf:"data_dir"`
}

// EngineConfig controls how engines are launched and watched.
type EngineConfig struct {
	Launcher string `koanf:"launcher"`
	// Command is split on whitespace, e.g. "python3 main.py".
	Command         string        `koanf:"command"`
	WorkDir         string        `koanf:"work_dir"`
	Image           string        `koanf:"image"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	MaxGameDuration time.Duration `koanf:"max_game_duration"`
}

// GameConfig holds per-turn behaviour.
type GameConfig struct {
	TurnTimeout        time.Duration `koanf:"turn_timeout"`
	ViewerWriteTimeout time.Duration `koanf:"viewer_write_timeout"`
	DefaultOpponentURL string        `koanf:"default_opponent_url"`
}

// AdviceConfig configures the suggestion provider. An empty APIKey with the
// default base URL disables the provider and every suggestion is the local
// fallback.
type AdviceConfig struct {
	APIKey          string        `koanf:"api_key"`
	BaseURL         string        `koanf:"base_url"`
	Model           string        `koanf:"model"`
	Timeout         time.Duration `koanf:"timeout"`
	MaxPromptTokens int           `koanf:"max_prompt_tokens"`
}

// EventLogConfig controls the interaction log.
type EventLogConfig struct {
	Enabled   bool `koanf:"enabled"`
	QueueSize int  `koanf:"queue_size"`
}

// TelemetryConfig toggles stdout tracing.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"server.port":               "8080",
	"server.frontend_url":       "",
	"server.public_url":         "http://127.0.0.1:8080",
	"server.allowed_origins":    "*",
	"server.shutdown_timeout":   30 * time.Second,
	"storage.db_path":           "./data/parley.db",
	"storage.data_dir":          "./data/sessions",
	"engine.launcher":           LauncherExec,
	"engine.command":            "python3 main.py",
	"engine.request_timeout":    600 * time.Second,
	"engine.poll_interval":      time.Second,
	"engine.max_game_duration":  30 * time.Minute,
	"game.turn_timeout":         600 * time.Second,
	"game.viewer_write_timeout": 5 * time.Second,
	"game.default_opponent_url": "http://localhost:5001",
	"advice.base_url":           defaultAdviceBaseURL,
	"advice.model":              "gpt-4o-mini",
	"advice.timeout":            20 * time.Second,
	"advice.max_prompt_tokens":  2000,
	"event_log.enabled":         true,
	"event_log.queue_size":      1000,
	"telemetry.enabled":         false,
}

// Load reads defaults, then an optional YAML file, then PARLEY_ environment
// variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	path, explicit := os.LookupEnv(FileEnv)
	if !explicit {
		path = defaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		if s == FileEnv {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port cannot be empty")
	}
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url cannot be empty")
	}
	if c.Storage.DBPath == "" {
		return errors.New("storage.db_path cannot be empty")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir cannot be empty")
	}
	switch c.Engine.Launcher {
	case LauncherExec:
		if len(c.Engine.Argv()) == 0 {
			return errors.New("engine.command cannot be empty")
		}
	case LauncherDocker:
		if c.Engine.Image == "" {
			return errors.New("engine.image is required for the docker launcher")
		}
	default:
		return fmt.Errorf("engine.launcher must be %q or %q, got %q", LauncherExec, LauncherDocker, c.Engine.Launcher)
	}
	if c.Game.TurnTimeout <= 0 {
		return errors.New("game.turn_timeout must be > 0")
	}
	if c.EventLog.QueueSize <= 0 {
		return errors.New("event_log.queue_size must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if appEnv := os.Getenv("APP_ENV"); appEnv != "" {
		return appEnv == "development"
	}
	return c.Server.FrontendURL == "" ||
		strings.Contains(c.Server.FrontendURL, "localhost") ||
		strings.Contains(c.Server.FrontendURL, "127.0.0.1")
}

// Origins splits the comma-separated CORS allow list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.Server.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Argv splits the engine command line.
func (e EngineConfig) Argv() []string {
	return strings.Fields(e.Command)
}

// Enabled reports whether a remote suggestion provider is configured.
func (a AdviceConfig) Enabled() bool {
	return a.APIKey != "" || (a.BaseURL != "" && a.BaseURL != defaultAdviceBaseURL)
}
