// Package file provides file-based configuration with hot-reload.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/pkg/config"
)

// Provider implements ports.ConfigProvider using file-based configuration.
// It watches the config file for changes and swaps the active configuration
// so that rounds started afterwards snapshot the new roster.
type Provider struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	mu      sync.RWMutex
	current *config.Config
}

// NewProvider creates a new file-based config provider.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		path:   path,
		logger: logger,
	}, nil
}

// Load loads the configuration from the file.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}

	p.current = cfg
	p.logger.Info("config loaded",
		slog.String("path", p.path),
		slog.Int("threads", len(cfg.Threads)))

	return cfg, nil
}

// Snapshot returns the participant configuration of threadID from the most
// recently loaded configuration, loading it first if needed.
func (p *Provider) Snapshot(ctx context.Context, threadID string) (*domain.ThreadConfig, error) {
	p.mu.RLock()
	cfg := p.current
	p.mu.RUnlock()

	if cfg == nil {
		var err error
		if cfg, err = p.Load(ctx); err != nil {
			return nil, err
		}
	}

	tc := cfg.Thread(threadID)
	return &tc, nil
}

// Watch watches the config file for changes and calls onChange when the file is modified.
// A reload that fails validation keeps the previous configuration.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	if err := watcher.Add(p.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.logger.Info("watching config file for changes", slog.String("path", p.path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				p.logger.Debug("config watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// Only reload on write events
				if !event.Has(fsnotify.Write) {
					continue
				}
				p.logger.Info("config file changed, reloading", slog.String("path", event.Name))

				cfg, err := config.Load(p.path)
				if err != nil {
					p.logger.Error("failed to reload config",
						slog.String("error", err.Error()),
						slog.String("path", p.path))
					continue
				}

				p.mu.Lock()
				p.current = cfg
				p.mu.Unlock()

				if onChange != nil {
					onChange(cfg)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Error("config watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops watching the config file.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}

	return nil
}

// Static serves a fixed configuration. It is used when the service runs
// without a config file and in tests.
type Static struct {
	cfg *config.Config
}

// NewStatic returns a provider that always serves cfg.
func NewStatic(cfg *config.Config) *Static {
	return &Static{cfg: cfg}
}

func (s *Static) Load(context.Context) (*config.Config, error) { return s.cfg, nil }

func (s *Static) Watch(context.Context, func(*config.Config)) error { return nil }

func (s *Static) Snapshot(_ context.Context, threadID string) (*domain.ThreadConfig, error) {
	tc := s.cfg.Thread(threadID)
	return &tc, nil
}

func (s *Static) Close() error { return nil }
