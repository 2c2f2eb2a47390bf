// Package engine holds the round orchestration state of one thread and the
// reducer that folds events into it.
//
// Apply never mutates the state it is given. Each call returns a fresh state
// whose Outbox lists the side effects the event produced: messages, phase
// records, round configs and changelog entries to persist, rounds whose AI
// content must be deleted, and lifecycle events to publish. The host drains
// the outbox; the reducer itself does no I/O and never reads the clock.
package engine

import (
	"maps"
	"slices"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/phase"
)

// DefaultMaxParticipantAttempts is how many times an interrupted participant
// is invoked before its response is finalised as failed.
const DefaultMaxParticipantAttempts = 2

// Settings tune the reducer.
type Settings struct {
	MaxParticipantAttempts int
	Thresholds             phase.Thresholds
}

func (s Settings) withDefaults() Settings {
	if s.MaxParticipantAttempts <= 0 {
		s.MaxParticipantAttempts = DefaultMaxParticipantAttempts
	}
	s.Thresholds = s.Thresholds.WithDefaults()
	return s
}

// Directive is the single outstanding request to invoke a participant.
type Directive struct {
	RoundNumber      int       `json:"round_number"`
	ParticipantIndex int       `json:"participant_index"`
	ParticipantID    string    `json:"participant_id"`
	ModelRef         string    `json:"model_ref"`
	Dispatched       bool      `json:"dispatched"`
	DispatchedAt     time.Time `json:"dispatched_at,omitzero"`
}

// RoundState is the orchestration state of a single round. AwaitingPlan
// marks a round restored from persistence: it issues no directive until a
// resume decision has been applied to it.
type RoundState struct {
	Config               domain.RoundConfig
	Phase                phase.Phase
	Search               *domain.PhaseRecord
	Synthesis            *domain.PhaseRecord
	Directive            *Directive
	Attempts             map[int]int
	SynthesisRequested   bool
	SynthesisRequestedAt time.Time
	SynthesisAttempts    int
	Stopped              bool
	Drifted              bool
	AwaitingPlan         bool
	StartedAt            time.Time
}

func (r *RoundState) clone() *RoundState {
	out := *r
	out.Config.Participants = r.Config.Participants.Clone()
	out.Search = r.Search.Clone()
	out.Synthesis = r.Synthesis.Clone()
	if r.Directive != nil {
		d := *r.Directive
		out.Directive = &d
	}
	out.Attempts = maps.Clone(r.Attempts)
	if out.Attempts == nil {
		out.Attempts = make(map[int]int)
	}
	return &out
}

// Outbox collects the side effects of a single Apply call.
type Outbox struct {
	Events        []domain.RoundEvent
	Messages      []domain.Message
	Records       []*domain.PhaseRecord
	Configs       []domain.RoundConfig
	Changelog     []domain.ChangelogEntry
	ClearedRounds []int
}

// Empty reports whether the outbox holds nothing.
func (o Outbox) Empty() bool {
	return len(o.Events) == 0 && len(o.Messages) == 0 && len(o.Records) == 0 &&
		len(o.Configs) == 0 && len(o.Changelog) == 0 && len(o.ClearedRounds) == 0
}

// State is everything the engine knows about one thread.
type State struct {
	ThreadID  string
	Settings  Settings
	Messages  []domain.Message
	Rounds    map[int]*RoundState
	Changelog []domain.ChangelogEntry
	Outbox    Outbox

	// DisplaySearches holds search records of rounds that have no config
	// snapshot. They only feed the timeline.
	DisplaySearches map[int]*domain.PhaseRecord
}

// New returns an empty state for threadID.
func New(threadID string, settings Settings) *State {
	return &State{
		ThreadID: threadID,
		Settings: settings.withDefaults(),
		Rounds:   make(map[int]*RoundState),
	}
}

// Clone returns a deep copy of s with an empty outbox.
func (s *State) Clone() *State {
	out := &State{
		ThreadID:  s.ThreadID,
		Settings:  s.Settings,
		Messages:  make([]domain.Message, len(s.Messages)),
		Rounds:    make(map[int]*RoundState, len(s.Rounds)),
		Changelog: slices.Clone(s.Changelog),
	}
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	for n, rs := range s.Rounds {
		out.Rounds[n] = rs.clone()
	}
	if s.DisplaySearches != nil {
		out.DisplaySearches = make(map[int]*domain.PhaseRecord, len(s.DisplaySearches))
		for n, rec := range s.DisplaySearches {
			out.DisplaySearches[n] = rec.Clone()
		}
	}
	return out
}

// LatestRound returns the highest known round number.
func (s *State) LatestRound() (int, bool) {
	if len(s.Rounds) == 0 {
		return 0, false
	}
	return slices.Max(slices.Collect(maps.Keys(s.Rounds))), true
}

// Round returns the state of round n.
func (s *State) Round(n int) (*RoundState, bool) {
	rs, ok := s.Rounds[n]
	return rs, ok
}

// RoundMessages returns the messages of round n in canonical order.
func (s *State) RoundMessages(n int) []domain.Message {
	var out []domain.Message
	for _, m := range s.Messages {
		if m.RoundNumber == n {
			out = append(out, m)
		}
	}
	return out
}

func (s *State) messageIndex(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) roundNumbers() []int {
	return slices.Sorted(maps.Keys(s.Rounds))
}

func (s *State) emit(ev domain.RoundEvent) {
	ev.ThreadID = s.ThreadID
	s.Outbox.Events = append(s.Outbox.Events, ev)
}

func (s *State) persistMessage(msg domain.Message) {
	s.Outbox.Messages = append(s.Outbox.Messages, msg.Clone())
}

func (s *State) persistRecord(rec *domain.PhaseRecord) {
	s.Outbox.Records = append(s.Outbox.Records, rec.Clone())
}

func status(rec *domain.PhaseRecord) domain.PhaseStatus {
	if rec == nil {
		return ""
	}
	return rec.Status
}
