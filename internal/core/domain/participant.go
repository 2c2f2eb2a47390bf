package domain

import "sort"

// Participant is a configured AI responder.
type Participant struct {
	ID       string `json:"id"`
	ModelRef string `json:"model_ref"`
	Role     string `json:"role,omitempty"` // empty means no role
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// Roster is a list of participants in configuration order.
type Roster []Participant

// Enabled returns the enabled participants ordered by priority. Ties keep
// configuration order. The position in the result is the participant index.
func (r Roster) Enabled() Roster {
	out := make(Roster, 0, len(r))
	for _, p := range r {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// ModelRefs returns the set of model references of the enabled participants.
func (r Roster) ModelRefs() map[string]struct{} {
	refs := make(map[string]struct{}, len(r))
	for _, p := range r.Enabled() {
		if p.ModelRef != "" {
			refs[p.ModelRef] = struct{}{}
		}
	}
	return refs
}

// IndexOf returns the participant index of id among enabled participants,
// or -1.
func (r Roster) IndexOf(id string) int {
	for i, p := range r.Enabled() {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a copy of r.
func (r Roster) Clone() Roster {
	if r == nil {
		return nil
	}
	out := make(Roster, len(r))
	copy(out, r)
	return out
}

// ThreadConfig is the per-thread configuration pulled when a round starts.
type ThreadConfig struct {
	ThreadID     string `json:"thread_id"`
	Mode         string `json:"mode"`
	WebSearch    bool   `json:"web_search"`
	Participants Roster `json:"participants"`
}

// RoundConfig is the snapshot of the thread configuration taken when a
// round's user message was created. Its roster is never updated afterwards.
// Stopped persists a user stop until the round is regenerated.
type RoundConfig struct {
	ThreadID     string `json:"thread_id"`
	RoundNumber  int    `json:"round_number"`
	Mode         string `json:"mode"`
	WebSearch    bool   `json:"web_search"`
	Participants Roster `json:"participants"`
	Stopped      bool   `json:"stopped,omitempty"`
}

// Roster returns the effective roster: the enabled participants of the
// snapshot in priority order.
func (c RoundConfig) Roster() Roster {
	return c.Participants.Enabled()
}

// SnapshotRound freezes a thread configuration for the given round.
func SnapshotRound(cfg ThreadConfig, round int) RoundConfig {
	return RoundConfig{
		ThreadID:     cfg.ThreadID,
		RoundNumber:  round,
		Mode:         cfg.Mode,
		WebSearch:    cfg.WebSearch,
		Participants: cfg.Participants.Enabled(),
	}
}
