package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// ThreadStore persists everything the coordinator needs to rebuild a
// thread after a restart.
type ThreadStore interface {
	// SaveMessage inserts or replaces a message by id. The stored round
	// number of an existing message is never changed.
	SaveMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the messages of a thread in insertion order.
	ListMessages(ctx context.Context, threadID string) ([]domain.Message, error)

	// SavePhaseRecord upserts a phase record keyed on thread, round and kind,
	// folding the write through the status lattice.
	SavePhaseRecord(ctx context.Context, rec *domain.PhaseRecord) error

	// ListPhaseRecords returns the phase records of a thread.
	ListPhaseRecords(ctx context.Context, threadID string) ([]*domain.PhaseRecord, error)

	// SaveRoundConfig stores the configuration snapshot of a round.
	SaveRoundConfig(ctx context.Context, cfg *domain.RoundConfig) error

	// ListRoundConfigs returns the round snapshots of a thread ordered by round.
	ListRoundConfigs(ctx context.Context, threadID string) ([]domain.RoundConfig, error)

	// AppendChangelog appends roster changelog entries.
	AppendChangelog(ctx context.Context, entries []domain.ChangelogEntry) error

	// ListChangelog returns the changelog of a thread ordered by round.
	ListChangelog(ctx context.Context, threadID string) ([]domain.ChangelogEntry, error)

	// AppendRoundEvent appends an auditable lifecycle event.
	AppendRoundEvent(ctx context.Context, event *domain.RoundEvent) error

	// ListRoundEvents returns lifecycle events of a thread ordered by time.
	ListRoundEvents(ctx context.Context, threadID string, opts EventListOptions) ([]*domain.RoundEvent, error)

	// DeleteRoundContent removes the participant and moderator messages and
	// the phase records of a round. User messages and the round snapshot are
	// kept.
	DeleteRoundContent(ctx context.Context, threadID string, round int) error

	// Close closes the storage connection
	Close() error
}

// DefaultEventLimit caps event listings that do not set a limit.
const DefaultEventLimit = 500

// EventListOptions filters round event listings.
type EventListOptions struct {
	RoundNumber *int // nil lists every round
	Limit       int
	Offset      int
}

// EffectiveLimit returns the limit to apply to a listing.
func (o EventListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultEventLimit
	}
	return o.Limit
}
