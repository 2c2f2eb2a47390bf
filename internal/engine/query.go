package engine

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/completion"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/merge"
	"github.com/tjfontaine/polyglot-roundtable/internal/phase"
	"github.com/tjfontaine/polyglot-roundtable/internal/timeline"
)

// ActionKind is what the orchestrator should do next.
type ActionKind string

const (
	ActionInvokeParticipant ActionKind = "invoke-participant"
	ActionWait              ActionKind = "wait"
	ActionStartSynthesis    ActionKind = "start-synthesis"
	ActionRoundComplete     ActionKind = "round-complete"
)

// Action is the next step for the latest round.
type Action struct {
	Kind             ActionKind `json:"kind"`
	RoundNumber      int        `json:"round_number"`
	ParticipantIndex *int       `json:"participant_index,omitempty"`
	ParticipantID    string     `json:"participant_id,omitempty"`
	ModelRef         string     `json:"model_ref,omitempty"`
}

// NextAction returns the next step for the latest round. A thread without
// rounds waits, as does a round that is stopped, drifted or restored but
// not yet planned.
func NextAction(s *State) Action {
	n, ok := s.LatestRound()
	if !ok {
		return Action{Kind: ActionWait}
	}
	rs := s.Rounds[n]
	act := Action{Kind: ActionWait, RoundNumber: n}

	switch {
	case rs.Stopped || rs.Drifted || rs.AwaitingPlan:
	case rs.Phase == phase.Complete:
		act.Kind = ActionRoundComplete
	case rs.Phase == phase.Participants && rs.Directive != nil && !rs.Directive.Dispatched:
		act.Kind = ActionInvokeParticipant
		act.ParticipantIndex = domain.IntPtr(rs.Directive.ParticipantIndex)
		act.ParticipantID = rs.Directive.ParticipantID
		act.ModelRef = rs.Directive.ModelRef
	case rs.Phase == phase.Synthesis && !rs.SynthesisRequested:
		act.Kind = ActionStartSynthesis
	}
	return act
}

// Status summarises one round.
type Status struct {
	RoundNumber     int                        `json:"round_number"`
	Phase           phase.Phase                `json:"phase"`
	Completion      completion.RoundCompletion `json:"completion"`
	Stopped         bool                       `json:"stopped"`
	Drifted         bool                       `json:"configuration_drift,omitempty"`
	SearchStatus    domain.PhaseStatus         `json:"search_status,omitempty"`
	SynthesisStatus domain.PhaseStatus         `json:"synthesis_status,omitempty"`
	Directive       *Directive                 `json:"directive,omitempty"`
	Attempts        map[int]int                `json:"attempts,omitempty"`
}

// RoundStatus reports the status of round n.
func RoundStatus(s *State, n int) (Status, error) {
	rs, ok := s.Rounds[n]
	if !ok {
		return Status{}, domain.ErrRoundNotFound(n)
	}
	st := Status{
		RoundNumber:     n,
		Phase:           rs.Phase,
		Completion:      completion.GetRoundCompletion(s.Messages, rs.Config.Roster(), n),
		Stopped:         rs.Stopped,
		Drifted:         rs.Drifted,
		SearchStatus:    status(rs.Search),
		SynthesisStatus: status(rs.Synthesis),
		Attempts:        maps.Clone(rs.Attempts),
	}
	if rs.Directive != nil {
		d := *rs.Directive
		st.Directive = &d
	}
	return st, nil
}

// Timeline returns the display timeline of the thread.
func Timeline(s *State) []timeline.Item {
	var searches []*domain.PhaseRecord
	for _, n := range s.roundNumbers() {
		if rec := s.Rounds[n].Search; rec != nil {
			searches = append(searches, rec)
		}
	}
	for _, n := range slices.Sorted(maps.Keys(s.DisplaySearches)) {
		searches = append(searches, s.DisplaySearches[n])
	}
	return timeline.Compose(s.Messages, s.Changelog, searches)
}

// Snapshot is the persisted state of a thread.
type Snapshot struct {
	Configs   []domain.RoundConfig
	Messages  []domain.Message
	Records   []*domain.PhaseRecord
	Changelog []domain.ChangelogEntry
}

// Restore rebuilds a thread's state from persistence. Rounds are recreated
// from their config snapshots, messages are merged as store messages and
// phase records folded through the status lattice. Messages and search
// records of rounds without a snapshot are kept for display only.
//
// Restored rounds keep a persisted stop and await a resume decision before
// any participant is invoked. The returned state has an empty outbox.
func Restore(threadID string, settings Settings, snap Snapshot, at time.Time) (*State, error) {
	s := New(threadID, settings)

	configs := slices.SortedFunc(slices.Values(snap.Configs), func(a, b domain.RoundConfig) int {
		return cmp.Compare(a.RoundNumber, b.RoundNumber)
	})
	for _, cfg := range configs {
		cfg.Participants = cfg.Participants.Clone()
		s.Rounds[cfg.RoundNumber] = &RoundState{
			Config:       cfg,
			Phase:        phase.Initial(cfg.WebSearch),
			Attempts:     make(map[int]int),
			Stopped:      cfg.Stopped,
			AwaitingPlan: true,
			StartedAt:    at,
		}
	}
	s.Changelog = slices.Clone(snap.Changelog)

	msgs := make([]domain.Message, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		m = m.Normalize()
		if m.ThreadID == "" {
			m.ThreadID = threadID
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if m.Role == domain.RoleUser {
			if rs, ok := s.Rounds[m.RoundNumber]; ok && !m.CreatedAt.IsZero() && m.CreatedAt.Before(rs.StartedAt) {
				rs.StartedAt = m.CreatedAt
			}
		}
		msgs = append(msgs, m)
	}
	s.Messages = merge.Merge(nil, msgs)

	for _, rec := range snap.Records {
		if rec == nil {
			continue
		}
		rs, ok := s.Rounds[rec.RoundNumber]
		if !ok {
			if rec.Kind == domain.PhaseKindSearch {
				if s.DisplaySearches == nil {
					s.DisplaySearches = make(map[int]*domain.PhaseRecord)
				}
				s.DisplaySearches[rec.RoundNumber] = domain.MergePhaseRecord(s.DisplaySearches[rec.RoundNumber], rec)
			}
			continue
		}
		switch rec.Kind {
		case domain.PhaseKindSearch:
			rs.Search = domain.MergePhaseRecord(rs.Search, rec)
		case domain.PhaseKindSynthesis:
			rs.Synthesis = domain.MergePhaseRecord(rs.Synthesis, rec)
		}
	}

	for _, n := range s.roundNumbers() {
		s.reconcile(n, at)
	}
	s.Outbox = Outbox{}
	return s, nil
}
