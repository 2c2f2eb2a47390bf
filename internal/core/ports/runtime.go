package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	// Snapshot returns the current participant configuration of a thread.
	Snapshot(ctx context.Context, threadID string) (*domain.ThreadConfig, error)
	Close() error
}

// StreamRegistry tracks which participant streams the transport currently
// has open.
type StreamRegistry interface {
	IsStreamActive(ctx context.Context, threadID string, round, participantIndex int) bool
}

// DirectiveKind identifies an outbound directive.
type DirectiveKind string

const (
	DirectiveInvokeParticipant DirectiveKind = "invoke-participant"
	DirectiveStartSynthesis    DirectiveKind = "start-synthesis"
)

// Directive asks the external orchestrator to run a model call.
type Directive struct {
	Kind             DirectiveKind `json:"kind"`
	ThreadID         string        `json:"thread_id"`
	RoundNumber      int           `json:"round_number"`
	ParticipantIndex *int          `json:"participant_index"`
	ParticipantID    string        `json:"participant_id,omitempty"`
	ModelRef         string        `json:"model_ref,omitempty"`
}

// Dispatcher delivers directives to whatever performs the model calls.
// Implementations: webhook (default), noop.
type Dispatcher interface {
	InvokeParticipant(ctx context.Context, d Directive) error
	StartSynthesis(ctx context.Context, d Directive) error
}

// EventPublisher publishes round lifecycle events.
// Implementations: direct storage (default), Kafka, NATS, etc.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.RoundEvent) error
	Close() error
}
