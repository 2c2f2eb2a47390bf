// Package sqlite provides the SQLite storage adapter for the coordinator.
package sqlite

import (
	"fmt"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/storage/sqldb"
)

// Provider implements ports.ThreadStore on a SQLite file.
// It wraps the sqldb implementation.
type Provider struct {
	*sqldb.Store
}

// NewProvider opens (or creates) the database file at path.
func NewProvider(path string) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	store, err := sqldb.NewSQLite(path)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Store: store,
	}, nil
}

// Ensure Provider implements ports.ThreadStore at compile time.
var _ ports.ThreadStore = (*Provider)(nil)
