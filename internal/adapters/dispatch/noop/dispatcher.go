// Package noop provides a dispatcher that accepts every directive without
// delivering it, for dry runs of the coordinator.
package noop

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
)

// Dispatcher accepts every directive and only logs it.
type Dispatcher struct {
	logger *slog.Logger
}

var _ ports.Dispatcher = (*Dispatcher)(nil)

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

func (d *Dispatcher) InvokeParticipant(ctx context.Context, directive ports.Directive) error {
	attrs := []any{
		slog.String("thread_id", directive.ThreadID),
		slog.Int("round_number", directive.RoundNumber),
		slog.String("participant_id", directive.ParticipantID),
	}
	if directive.ParticipantIndex != nil {
		attrs = append(attrs, slog.Int("participant_index", *directive.ParticipantIndex))
	}
	d.logger.DebugContext(ctx, "participant directive not dispatched", attrs...)
	return nil
}

func (d *Dispatcher) StartSynthesis(ctx context.Context, directive ports.Directive) error {
	d.logger.DebugContext(ctx, "synthesis directive not dispatched",
		slog.String("thread_id", directive.ThreadID),
		slog.Int("round_number", directive.RoundNumber))
	return nil
}
