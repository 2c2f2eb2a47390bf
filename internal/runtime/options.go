package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-roundtable/internal/adapters/dispatch/noop"
	"github.com/tjfontaine/polyglot-roundtable/internal/adapters/dispatch/webhook"
	"github.com/tjfontaine/polyglot-roundtable/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-roundtable/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/engine"
	"github.com/tjfontaine/polyglot-roundtable/internal/metrics"
	"github.com/tjfontaine/polyglot-roundtable/internal/pkg/config"
	"github.com/tjfontaine/polyglot-roundtable/internal/storage"
	"github.com/tjfontaine/polyglot-roundtable/internal/storage/memory"
	"github.com/tjfontaine/polyglot-roundtable/internal/tokens"
)

// Option is a functional option for configuring a Coordinator.
type Option func(*Coordinator) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(c *Coordinator) error {
		provider, err := file.NewProvider(path, c.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		c.config = provider
		return nil
	}
}

// WithStaticConfig serves a fixed configuration.
func WithStaticConfig(cfg *config.Config) Option {
	return func(c *Coordinator) error {
		if cfg == nil {
			return fmt.Errorf("static config cannot be nil")
		}
		c.config = file.NewStatic(cfg)
		return nil
	}
}

// WithSQLite uses SQLite storage (default for single-instance deployments).
func WithSQLite(path string) Option {
	return func(c *Coordinator) error {
		store, err := sqlite.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		c.store = store
		return nil
	}
}

// WithStorage opens the store described by the storage section of the
// configuration.
func WithStorage(cfg config.StorageConfig) Option {
	return func(c *Coordinator) error {
		store, err := storage.Open(cfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		c.store = store
		return nil
	}
}

// WithMemoryStore keeps everything in memory. State is lost on restart.
func WithMemoryStore() Option {
	return func(c *Coordinator) error {
		c.store = memory.New()
		return nil
	}
}

// WithDirectEvents writes events directly to storage (default).
// No separate event bus, events are written synchronously to storage.
func WithDirectEvents() Option {
	return func(c *Coordinator) error {
		if c.store == nil {
			return fmt.Errorf("thread store must be set before event publisher")
		}
		publisher, err := direct.NewPublisher(c.store)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		c.events = publisher
		return nil
	}
}

// WithWebhookDispatcher posts directives to an external orchestrator.
func WithWebhookDispatcher(cfg config.WebhookConfig) Option {
	return func(c *Coordinator) error {
		d, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Timeout: cfg.Timeout,
			Retries: cfg.Retries,
			Headers: cfg.Headers,
		}, webhook.WithLogger(c.logger))
		if err != nil {
			return fmt.Errorf("create webhook dispatcher: %w", err)
		}
		c.dispatcher = d
		return nil
	}
}

// WithLogDispatcher marks directives dispatched and only logs them.
func WithLogDispatcher() Option {
	return func(c *Coordinator) error {
		c.dispatcher = noop.New(c.logger)
		return nil
	}
}

// WithDispatch selects the dispatcher from the dispatch section of the
// configuration. Poll mode leaves the coordinator without a dispatcher.
func WithDispatch(cfg config.DispatchConfig) Option {
	return func(c *Coordinator) error {
		switch mode := cfg.EffectiveMode(); mode {
		case config.DispatchWebhook:
			return WithWebhookDispatcher(cfg.Webhook)(c)
		case config.DispatchLog:
			return WithLogDispatcher()(c)
		case config.DispatchPoll:
			c.dispatcher = nil
			return nil
		default:
			return fmt.Errorf("unknown dispatch mode %q", mode)
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = logger
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(c *Coordinator) error {
		c.config = provider
		return nil
	}
}

// WithThreadStore sets a custom thread store.
func WithThreadStore(store ports.ThreadStore) Option {
	return func(c *Coordinator) error {
		c.store = store
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(c *Coordinator) error {
		c.events = publisher
		return nil
	}
}

// WithDispatcher sets a custom dispatcher. A nil dispatcher selects poll
// mode: directives stay visible through NextAction until the participant's
// message arrives.
func WithDispatcher(d ports.Dispatcher) Option {
	return func(c *Coordinator) error {
		c.dispatcher = d
		return nil
	}
}

// WithStreamRegistry sets the registry consulted for live transport streams.
func WithStreamRegistry(r ports.StreamRegistry) Option {
	return func(c *Coordinator) error {
		c.streams = r
		return nil
	}
}

// WithTokenRegistry sets the token counters used for round usage.
func WithTokenRegistry(r *tokens.Registry) Option {
	return func(c *Coordinator) error {
		c.tokens = r
		return nil
	}
}

// WithMetrics records coordinator metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) error {
		c.metrics = m
		return nil
	}
}

// WithSettings tunes the engine.
func WithSettings(s engine.Settings) Option {
	return func(c *Coordinator) error {
		c.settings = s
		return nil
	}
}

// WithWatchdogInterval sets how often the watchdog runs.
func WithWatchdogInterval(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return fmt.Errorf("watchdog interval must be positive")
		}
		c.watchdogInterval = d
		return nil
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) error {
		c.now = now
		return nil
	}
}
