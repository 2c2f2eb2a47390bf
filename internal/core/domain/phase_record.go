package domain

import (
	"encoding/json"
	"time"
)

// PhaseKind distinguishes the two sub-phase records a round can carry.
type PhaseKind string

const (
	PhaseKindSearch    PhaseKind = "search"
	PhaseKindSynthesis PhaseKind = "synthesis"
)

// Valid reports whether k is a known kind.
func (k PhaseKind) Valid() bool {
	return k == PhaseKindSearch || k == PhaseKindSynthesis
}

// PhaseRecord tracks the status of a round's web search or synthesis.
// There is one logical record per thread, round and kind.
type PhaseRecord struct {
	ThreadID     string          `json:"thread_id"`
	RoundNumber  int             `json:"round_number"`
	Kind         PhaseKind       `json:"kind"`
	Status       PhaseStatus     `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *PhaseRecord) Clone() *PhaseRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Data != nil {
		out.Data = append(json.RawMessage(nil), r.Data...)
	}
	return &out
}

// MergePhaseRecord folds an incoming write into the current record using
// the status lattice. A nil current record adopts the incoming one. The
// earliest creation time is kept; payload fields follow the winning write
// and are never cleared by an empty one.
func MergePhaseRecord(current, incoming *PhaseRecord) *PhaseRecord {
	if incoming == nil {
		return current.Clone()
	}
	if current == nil {
		out := incoming.Clone()
		if !out.Status.Valid() {
			out.Status = StatusPending
		}
		return out
	}

	out := current.Clone()
	out.Status = MergeStatus(current.Status, incoming.Status)

	if out.Status == incoming.Status {
		if len(incoming.Data) > 0 {
			out.Data = append(json.RawMessage(nil), incoming.Data...)
		}
		if incoming.ErrorMessage != "" {
			out.ErrorMessage = incoming.ErrorMessage
		}
		if incoming.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = incoming.UpdatedAt
		}
	}
	if !incoming.CreatedAt.IsZero() && (out.CreatedAt.IsZero() || incoming.CreatedAt.Before(out.CreatedAt)) {
		out.CreatedAt = incoming.CreatedAt
	}
	return out
}
