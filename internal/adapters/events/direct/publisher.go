// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store ports.ThreadStore
	now   func() time.Time
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.ThreadStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("thread store required")
	}

	return &Publisher{
		store: store,
		now:   time.Now,
	}, nil
}

// Publish writes a round event to storage. Events without an id get a fresh
// uuid; events without a timestamp are stamped now. The caller's event is
// not modified.
func (p *Publisher) Publish(ctx context.Context, event *domain.RoundEvent) error {
	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = p.now().UTC()
	}

	if err := p.store.AppendRoundEvent(ctx, &ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
