package phase

import (
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

const (
	DefaultSearchTimeout    = 45 * time.Second
	DefaultSynthesisTimeout = 90 * time.Second
	DefaultStreamTimeout    = 60 * time.Second
)

// Thresholds are the ages, measured from creation, after which the watchdog
// considers a non-terminal record or a streaming message stuck.
type Thresholds struct {
	Search    time.Duration
	Synthesis time.Duration
	Stream    time.Duration
}

// DefaultThresholds returns the default watchdog thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Search:    DefaultSearchTimeout,
		Synthesis: DefaultSynthesisTimeout,
		Stream:    DefaultStreamTimeout,
	}
}

// WithDefaults fills zero thresholds with the defaults.
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Search <= 0 {
		t.Search = d.Search
	}
	if t.Synthesis <= 0 {
		t.Synthesis = d.Synthesis
	}
	if t.Stream <= 0 {
		t.Stream = d.Stream
	}
	return t
}

// RecordStale reports whether rec is still open after its threshold.
// Records without a creation time are never stale.
func (t Thresholds) RecordStale(rec *domain.PhaseRecord, now time.Time) bool {
	if rec == nil || rec.Status.IsTerminal() || rec.CreatedAt.IsZero() {
		return false
	}
	limit := t.Search
	if rec.Kind == domain.PhaseKindSynthesis {
		limit = t.Synthesis
	}
	return now.Sub(rec.CreatedAt) >= limit
}

// MessageStale reports whether msg has been streaming past the stream
// threshold.
func (t Thresholds) MessageStale(msg *domain.Message, now time.Time) bool {
	if msg == nil || !msg.IsStreaming() || msg.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(msg.CreatedAt) >= t.Stream
}

// ForceRecord returns a copy of rec promoted to complete. The boolean is
// false when rec was already terminal.
func ForceRecord(rec *domain.PhaseRecord, now time.Time) (*domain.PhaseRecord, bool) {
	status, changed := domain.ForceComplete(rec.Status)
	if !changed {
		return rec, false
	}
	out := rec.Clone()
	out.Status = status
	out.UpdatedAt = now
	return out, true
}

// ForceMessage returns a copy of msg with every part finished. A message
// that produced text is marked with an unknown completion reason, one that
// produced nothing is marked failed so the round can move on.
func ForceMessage(msg domain.Message) domain.Message {
	out := msg.Clone()
	for i := range out.Parts {
		out.Parts[i].State = domain.PartDone
	}
	if out.HasText() {
		return out.WithCompletionReason(domain.CompletionUnknown)
	}
	return out.WithCompletionReason(domain.CompletionFailed)
}
