// Package phase implements the per-round phase state machine and the
// watchdog that unsticks phases whose writers went away.
package phase

import (
	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// Phase is the stage a round is in.
type Phase string

const (
	PreSearch    Phase = "PRE_SEARCH"
	Participants Phase = "PARTICIPANTS"
	Synthesis    Phase = "SYNTHESIS"
	Complete     Phase = "COMPLETE"
)

var order = map[Phase]int{
	PreSearch:    0,
	Participants: 1,
	Synthesis:    2,
	Complete:     3,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := order[p]
	return ok
}

// Before reports whether p comes strictly before other.
func (p Phase) Before(other Phase) bool {
	return order[p] < order[other]
}

// Initial returns the first phase of a round.
func Initial(webSearch bool) Phase {
	if webSearch {
		return PreSearch
	}
	return Participants
}

// Inputs are the observations that drive phase transitions.
type Inputs struct {
	SearchStatus         domain.PhaseStatus
	ParticipantsComplete bool
	SynthesisStatus      domain.PhaseStatus
}

// Advance moves current forward as far as inputs allow and returns the
// resulting phase together with every phase entered on the way, in order.
// Transitions never go backwards; a phase whose exit condition already
// holds is left in the same evaluation.
func Advance(current Phase, in Inputs) (Phase, []Phase) {
	var entered []Phase
	for {
		next, ok := step(current, in)
		if !ok {
			return current, entered
		}
		current = next
		entered = append(entered, next)
	}
}

func step(current Phase, in Inputs) (Phase, bool) {
	switch current {
	case PreSearch:
		if in.SearchStatus.IsTerminal() {
			return Participants, true
		}
	case Participants:
		if in.ParticipantsComplete {
			return Synthesis, true
		}
	case Synthesis:
		if in.SynthesisStatus.IsTerminal() {
			return Complete, true
		}
	}
	return current, false
}
