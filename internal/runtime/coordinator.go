// Package runtime provides the Coordinator, which hosts the round engine:
// one session per thread, persistence of everything the engine produces,
// directive dispatch and the watchdog.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-roundtable/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/engine"
	"github.com/tjfontaine/polyglot-roundtable/internal/metrics"
	"github.com/tjfontaine/polyglot-roundtable/internal/pkg/config"
	"github.com/tjfontaine/polyglot-roundtable/internal/streams"
	"github.com/tjfontaine/polyglot-roundtable/internal/telemetry"
	"github.com/tjfontaine/polyglot-roundtable/internal/tokens"
)

// DefaultWatchdogInterval is how often the watchdog runs unless configured.
const DefaultWatchdogInterval = 5 * time.Second

// Coordinator is the main entry point for running rounds.
// It can be embedded in larger applications or served over HTTP.
type Coordinator struct {
	// Dependencies (injected via options)
	config     ports.ConfigProvider
	store      ports.ThreadStore
	events     ports.EventPublisher
	dispatcher ports.Dispatcher // nil in poll mode
	streams    ports.StreamRegistry
	tokens     *tokens.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer

	settings         engine.Settings
	watchdogInterval time.Duration
	now              func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	started  bool
}

// New creates a new Coordinator with the given options.
// A config provider and a thread store are required.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		logger:           slog.Default(),
		watchdogInterval: DefaultWatchdogInterval,
		now:              time.Now,
		sessions:         make(map[string]*session),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if c.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if c.store == nil {
		return nil, fmt.Errorf("thread store required (use WithSQLite, WithMemoryStore or WithThreadStore)")
	}

	if c.events == nil {
		c.logger.Debug("no event publisher specified, using direct storage")
		publisher, err := direct.NewPublisher(c.store)
		if err != nil {
			return nil, fmt.Errorf("create default event publisher: %w", err)
		}
		c.events = publisher
	}
	if c.streams == nil {
		c.streams = streams.NewRegistry(c.settings.Thresholds.WithDefaults().Stream)
	}
	if c.tokens == nil {
		c.tokens = tokens.NewRegistry()
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer()
	}
	if c.dispatcher == nil {
		c.logger.Info("no dispatcher configured, directives are served through next-action polling")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start runs the watchdog and watches the configuration for changes until
// ctx is done or Shutdown is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coordinator already started")
	}
	c.started = true
	context.AfterFunc(ctx, c.cancel)

	if _, err := c.config.Load(c.ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.runWatchdog(c.ctx)
	}()

	if err := c.config.Watch(c.ctx, c.onConfigChange); err != nil {
		c.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}

	c.logger.Info("coordinator started",
		slog.Duration("watchdog_interval", c.watchdogInterval),
		slog.Bool("dispatch", c.dispatcher != nil))
	return nil
}

// onConfigChange reports a reload. Open rounds keep their snapshots; rounds
// started afterwards pick the new roster up through the provider.
func (c *Coordinator) onConfigChange(cfg *config.Config) {
	c.logger.Info("config changed, new rounds use the reloaded rosters",
		slog.Int("threads", len(cfg.Threads)),
		slog.Int("default_participants", len(cfg.Defaults.Participants)))
}

// Shutdown stops background work, waits for in-flight dispatches and
// closes the dependencies.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down coordinator")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight work: %w", ctx.Err())
	}

	var errs []error
	if err := c.events.Close(); err != nil {
		c.logger.Error("failed to close events", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		c.logger.Error("failed to close storage", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := c.config.Close(); err != nil {
		c.logger.Error("failed to close config", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	c.logger.Info("coordinator shutdown complete")
	return errors.Join(errs...)
}

// Metrics returns the metrics the coordinator records, or nil.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *Coordinator) threadIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(c.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("watchdog stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
