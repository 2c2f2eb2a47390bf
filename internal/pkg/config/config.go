package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// DefaultPath is read when no config path is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides, e.g. ROUNDTABLE_SERVER__PORT.
const EnvPrefix = "ROUNDTABLE_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Watchdog  WatchdogConfig  `koanf:"watchdog"`
	Engine    EngineConfig    `koanf:"engine"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Defaults  ThreadDefaults  `koanf:"defaults"`
	Threads   []ThreadConfig  `koanf:"threads"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

// WatchdogConfig controls how often the watchdog runs and when it gives up
// on a phase or stream.
type WatchdogConfig struct {
	Interval         time.Duration `koanf:"interval"`
	SearchTimeout    time.Duration `koanf:"search_timeout"`
	SynthesisTimeout time.Duration `koanf:"synthesis_timeout"`
	StreamTimeout    time.Duration `koanf:"stream_timeout"`
}

type EngineConfig struct {
	MaxParticipantAttempts int `koanf:"max_participant_attempts"`
}

// Dispatch modes.
const (
	DispatchWebhook = "webhook"
	DispatchLog     = "log"
	DispatchPoll    = "poll"
)

// DispatchConfig selects how directives leave the coordinator. An empty
// mode means webhook when a URL is configured and poll otherwise.
type DispatchConfig struct {
	Mode    string        `koanf:"mode"`
	Webhook WebhookConfig `koanf:"webhook"`
}

// EffectiveMode resolves an empty mode.
func (d DispatchConfig) EffectiveMode() string {
	if d.Mode != "" {
		return d.Mode
	}
	if d.Webhook.URL != "" {
		return DispatchWebhook
	}
	return DispatchPoll
}

// WebhookConfig configures the outbound directive webhook.
type WebhookConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Retries int               `koanf:"retries"`
	Headers map[string]string `koanf:"headers"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// ThreadDefaults apply to threads without their own entry.
type ThreadDefaults struct {
	Mode         string              `koanf:"mode"`
	WebSearch    bool                `koanf:"web_search"`
	Participants []ParticipantConfig `koanf:"participants"`
}

type ThreadConfig struct {
	ID           string              `koanf:"id"`
	Mode         string              `koanf:"mode"`
	WebSearch    *bool               `koanf:"web_search"`
	Participants []ParticipantConfig `koanf:"participants"`
}

type ParticipantConfig struct {
	ID       string `koanf:"id"`
	ModelRef string `koanf:"model_ref"`
	Role     string `koanf:"role"`
	Priority int    `koanf:"priority"`
	Enabled  *bool  `koanf:"enabled"` // nil means enabled
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path, applies ROUNDTABLE_ environment
// overrides and fills defaults. A missing file is not an error; the
// configuration then comes from the environment and defaults alone.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Dispatch.Webhook.URL = substituteEnvVars(cfg.Dispatch.Webhook.URL)
	for name, value := range cfg.Dispatch.Webhook.Headers {
		cfg.Dispatch.Webhook.Headers[name] = substituteEnvVars(value)
	}
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                     8080,
		"server.request_timeout":          "60s",
		"storage.type":                    "memory",
		"storage.sqlite.path":             "roundtable.db",
		"watchdog.interval":               "5s",
		"watchdog.search_timeout":         "45s",
		"watchdog.synthesis_timeout":      "90s",
		"watchdog.stream_timeout":         "60s",
		"engine.max_participant_attempts": 2,
		"dispatch.webhook.timeout":        "10s",
		"dispatch.webhook.retries":        2,
		"telemetry.service_name":          "polyglot-roundtable",
		"defaults.mode":                   "debate",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// Validate checks the configuration for values the coordinator cannot run
// with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q not supported", c.Storage.Type))
	}
	if c.Engine.MaxParticipantAttempts < 0 {
		errs = append(errs, errors.New("engine.max_participant_attempts must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"watchdog.interval":          c.Watchdog.Interval,
		"watchdog.search_timeout":    c.Watchdog.SearchTimeout,
		"watchdog.synthesis_timeout": c.Watchdog.SynthesisTimeout,
		"watchdog.stream_timeout":    c.Watchdog.StreamTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch c.Dispatch.Mode {
	case "", DispatchPoll, DispatchLog:
	case DispatchWebhook:
		if c.Dispatch.Webhook.URL == "" {
			errs = append(errs, errors.New("dispatch.webhook.url is required in webhook mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.mode %q not supported", c.Dispatch.Mode))
	}
	if u := c.Dispatch.Webhook.URL; u != "" {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("dispatch.webhook.url %q is not an absolute URL", u))
		}
	}

	errs = append(errs, validateParticipants("defaults", c.Defaults.Participants)...)
	seen := make(map[string]bool, len(c.Threads))
	for i, t := range c.Threads {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("threads[%d].id is required", i))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("thread %q configured twice", t.ID))
		}
		seen[t.ID] = true
		errs = append(errs, validateParticipants("thread "+t.ID, t.Participants)...)
	}
	return errors.Join(errs...)
}

func validateParticipants(scope string, ps []ParticipantConfig) []error {
	var errs []error
	ids := make(map[string]bool, len(ps))
	for i, p := range ps {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s: participants[%d].id is required", scope, i))
			continue
		}
		if ids[p.ID] {
			errs = append(errs, fmt.Errorf("%s: participant %q configured twice", scope, p.ID))
		}
		ids[p.ID] = true
		if p.ModelRef == "" {
			errs = append(errs, fmt.Errorf("%s: participant %q has no model_ref", scope, p.ID))
		}
	}
	return errs
}

// Thread returns the participant configuration of threadID, falling back to
// the defaults for threads without an entry or for unset fields.
func (c *Config) Thread(threadID string) domain.ThreadConfig {
	out := domain.ThreadConfig{
		ThreadID:     threadID,
		Mode:         c.Defaults.Mode,
		WebSearch:    c.Defaults.WebSearch,
		Participants: roster(c.Defaults.Participants),
	}
	for _, t := range c.Threads {
		if t.ID != threadID {
			continue
		}
		if t.Mode != "" {
			out.Mode = t.Mode
		}
		if t.WebSearch != nil {
			out.WebSearch = *t.WebSearch
		}
		if len(t.Participants) > 0 {
			out.Participants = roster(t.Participants)
		}
		break
	}
	return out
}

func roster(ps []ParticipantConfig) domain.Roster {
	out := make(domain.Roster, 0, len(ps))
	for _, p := range ps {
		out = append(out, domain.Participant{
			ID:       p.ID,
			ModelRef: p.ModelRef,
			Role:     p.Role,
			Priority: p.Priority,
			Enabled:  p.Enabled == nil || *p.Enabled,
		})
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
