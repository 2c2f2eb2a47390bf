// Package roundtable provides the public API for embedding the round
// coordinator. This is the stable API for external consumers.
package roundtable

import (
	"github.com/tjfontaine/polyglot-roundtable/internal/runtime"
)

// Coordinator gates multi-participant rounds and tells the orchestrator
// what to run next. See internal/runtime.Coordinator for full documentation.
type Coordinator = runtime.Coordinator

// Option is a functional option for configuring a Coordinator.
type Option = runtime.Option

// StartRoundRequest opens a round with its user message.
type StartRoundRequest = runtime.StartRoundRequest

// Chunk is a streamed delta of a message.
type Chunk = runtime.Chunk

// RoundReport is the status of a round together with its token usage.
type RoundReport = runtime.RoundReport

// New creates a new Coordinator with the given options.
// Example:
//
//	c, err := roundtable.New(
//	    roundtable.WithFileConfig("config.yaml"),
//	    roundtable.WithSQLite("./data/roundtable.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig   = runtime.WithFileConfig
	WithStaticConfig = runtime.WithStaticConfig

	// Storage
	WithSQLite      = runtime.WithSQLite
	WithMemoryStore = runtime.WithMemoryStore
	WithStorage     = runtime.WithStorage

	// Events
	WithDirectEvents = runtime.WithDirectEvents

	// Dispatch
	WithWebhookDispatcher = runtime.WithWebhookDispatcher
	WithLogDispatcher     = runtime.WithLogDispatcher
	WithDispatch          = runtime.WithDispatch

	// Advanced options
	WithLogger           = runtime.WithLogger
	WithConfigProvider   = runtime.WithConfigProvider
	WithThreadStore      = runtime.WithThreadStore
	WithEventPublisher   = runtime.WithEventPublisher
	WithDispatcher       = runtime.WithDispatcher
	WithStreamRegistry   = runtime.WithStreamRegistry
	WithTokenRegistry    = runtime.WithTokenRegistry
	WithMetrics          = runtime.WithMetrics
	WithSettings         = runtime.WithSettings
	WithWatchdogInterval = runtime.WithWatchdogInterval
	WithClock            = runtime.WithClock
)
