// Package config loads studyhall settings from flags, environment and an
// optional YAML file.
//
// Precedence, highest first: explicitly set flags, STUDYHALL_* environment
// variables, the YAML file named by --config, flag defaults. Nested keys are
// separated by a double underscore in environment names, for example
// STUDYHALL_STORAGE__DRIVER=sqlite.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "STUDYHALL_"

// Config is the complete runtime configuration.
type Config struct {
	Storage StorageConfig `koanf:"storage"`
	HTTP    HTTPConfig    `koanf:"http"`
	MCP     MCPConfig     `koanf:"mcp"`
	Log     LogConfig     `koanf:"log"`
	Review  ReviewConfig  `koanf:"review"`
}

type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=file sqlite postgres"`
	// Path is the JSON file or SQLite database file.
	Path string `koanf:"path" validate:"required_unless=Driver postgres"`
	DSN  string `koanf:"dsn" validate:"required_if=Driver postgres"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	RateLimit       float64       `koanf:"rate_limit" validate:"gte=0"`
	Burst           int           `koanf:"burst" validate:"gte=1"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type MCPConfig struct {
	// UserID owns every card touched through the stdio server.
	UserID string `koanf:"user_id" validate:"required"`
}

type LogConfig struct {
	Level       string `koanf:"level" validate:"oneof=debug info warn error"`
	Development bool   `koanf:"development"`
}

type ReviewConfig struct {
	DefaultDueLimit  int `koanf:"default_due_limit" validate:"gte=1"`
	MaxDueLimit      int `koanf:"max_due_limit" validate:"gtefield=DefaultDueLimit"`
	DefaultListLimit int `koanf:"default_list_limit" validate:"gte=1"`
	MaxListLimit     int `koanf:"max_list_limit" validate:"gtefield=DefaultListLimit"`
}

// RegisterFlags adds every setting to fs. Flag defaults are the
// configuration defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")

	fs.String("storage.driver", "file", "storage backend: file, sqlite or postgres")
	fs.String("storage.path", "./flashcards.json", "JSON file or SQLite database path")
	fs.String("storage.dsn", "", "PostgreSQL connection string")

	fs.String("http.addr", ":8080", "HTTP listen address")
	fs.Float64("http.rate_limit", 10, "requests per second allowed per user, 0 disables limiting")
	fs.Int("http.burst", 20, "request burst allowed per user")
	fs.Duration("http.shutdown_timeout", 10*time.Second, "graceful shutdown timeout")

	fs.String("mcp.user_id", "local", "user that owns cards managed over MCP")

	fs.String("log.level", "info", "log level: debug, info, warn or error")
	fs.Bool("log.development", false, "human-readable development logging")

	fs.Int("review.default_due_limit", 20, "due cards returned when no limit is given")
	fs.Int("review.max_due_limit", 200, "largest due-card limit honoured")
	fs.Int("review.default_list_limit", 50, "cards listed when no limit is given")
	fs.Int("review.max_list_limit", 200, "largest list limit honoured")
}

// Load merges the YAML file, environment and fs into a validated Config.
// fs must have been populated by RegisterFlags and parsed.
func Load(fs *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path, _ := fs.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	// Unchanged flags only fill keys nothing else has set.
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return Config{}, fmt.Errorf("load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}
