package runtime

import (
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/engine"
	"github.com/tjfontaine/polyglot-roundtable/internal/phase"
	"github.com/tjfontaine/polyglot-roundtable/internal/pkg/config"
	"github.com/tjfontaine/polyglot-roundtable/internal/telemetry"
)

// SettingsFromConfig builds engine settings from the watchdog and engine
// sections of the configuration.
func SettingsFromConfig(cfg *config.Config) engine.Settings {
	return engine.Settings{
		MaxParticipantAttempts: cfg.Engine.MaxParticipantAttempts,
		Thresholds: phase.Thresholds{
			Search:    cfg.Watchdog.SearchTimeout,
			Synthesis: cfg.Watchdog.SynthesisTimeout,
			Stream:    cfg.Watchdog.StreamTimeout,
		},
	}
}

// endSpan records err on span and ends it. Client errors are not marked as
// span failures.
func endSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		span.SetAttributes(attribute.String("roundtable.error_type", string(engErr.Type)))
		if engErr.HTTPStatusCode() < 500 {
			return
		}
	}
	span.SetStatus(codes.Error, err.Error())
}

func directiveAttrs(kind, threadID string, round int, index *int) []any {
	attrs := []any{
		slog.String("kind", kind),
		slog.String("thread_id", threadID),
		slog.Int("round_number", round),
	}
	if index != nil {
		attrs = append(attrs, slog.Int("participant_index", *index))
	}
	return attrs
}

func directiveSpanAttrs(d ports.Directive) []attribute.KeyValue {
	attrs := append(telemetry.RoundAttributes(d.ThreadID, d.RoundNumber),
		attribute.String("roundtable.directive", string(d.Kind)))
	if d.ParticipantIndex != nil {
		attrs = append(attrs, attribute.Int("roundtable.participant_index", *d.ParticipantIndex))
	}
	return attrs
}
