// Package storage selects the ports.ThreadStore implementation named by the
// storage configuration.
package storage

import (
	"fmt"

	sqliteadapter "github.com/tjfontaine/polyglot-roundtable/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/pkg/config"
	"github.com/tjfontaine/polyglot-roundtable/internal/storage/memory"
	"github.com/tjfontaine/polyglot-roundtable/internal/storage/sqldb"
)

// Open returns the store described by cfg. A database driver takes
// precedence over the sqlite path.
func Open(cfg config.StorageConfig) (ports.ThreadStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if cfg.Database.Driver != "" {
			store, err := sqldb.New(sqldb.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return nil, fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
			}
			return store, nil
		}
		provider, err := sqliteadapter.NewProvider(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
