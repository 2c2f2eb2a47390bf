// Package resume works out where an interrupted thread should pick up after
// a client reattaches.
package resume

import (
	"github.com/tjfontaine/polyglot-roundtable/internal/completion"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// Reason explains a resume decision.
type Reason string

const (
	ReasonNoMessages         Reason = "no_messages"
	ReasonEmptyRoster        Reason = "empty_roster"
	ReasonStreamActive       Reason = "stream_active"
	ReasonRoundComplete      Reason = "round_complete"
	ReasonConfigurationDrift Reason = "configuration_drift"
	ReasonResume             Reason = "resume"

	// ReasonStopped is reported by callers that track cancellation: the
	// round was stopped and is only restarted by regenerating it.
	ReasonStopped Reason = "stopped"
)

// Streams reports whether the transport still has a live stream for a
// participant.
type Streams interface {
	IsStreamActive(round, participantIndex int) bool
}

// StreamsFunc adapts a function to Streams.
type StreamsFunc func(round, participantIndex int) bool

// IsStreamActive calls f.
func (f StreamsFunc) IsStreamActive(round, participantIndex int) bool {
	return f(round, participantIndex)
}

// Plan names the participant to invoke next.
type Plan struct {
	RoundNumber          int `json:"round_number"`
	NextParticipantIndex int `json:"next_participant_index"`
}

// Decision is a Plan, or nil, together with the reason it was chosen.
type Decision struct {
	Plan   *Plan  `json:"plan,omitempty"`
	Reason Reason `json:"reason"`
}

// PlanNext returns the participant to invoke for the latest round of
// persisted, or nil when nothing should be invoked.
func PlanNext(persisted []domain.Message, roster domain.Roster, streams Streams) *Plan {
	return Resume(persisted, roster, streams).Plan
}

// Resume computes the resume plan for the latest round of persisted.
//
// roster is the effective roster of that round. A nil streams is treated as
// reporting no active streams. No plan is returned when the round is
// complete, when a responded model is no longer in the roster, or when the
// participant that would be invoked still has a live stream.
func Resume(persisted []domain.Message, roster domain.Roster, streams Streams) Decision {
	round, ok := latestRound(persisted)
	if !ok {
		return Decision{Reason: ReasonNoMessages}
	}
	enabled := roster.Enabled()
	if len(enabled) == 0 {
		return Decision{Reason: ReasonEmptyRoster}
	}

	active := func(index int) bool {
		return streams != nil && streams.IsStreamActive(round, index)
	}

	var responded []*domain.Message
	for i := range persisted {
		msg := &persisted[i]
		if msg.RoundNumber != round {
			continue
		}
		if _, ok := msg.Assistant(); ok {
			responded = append(responded, msg)
		}
	}

	if len(responded) == 0 {
		if active(0) {
			return Decision{Reason: ReasonStreamActive}
		}
		return Decision{Plan: &Plan{RoundNumber: round}, Reason: ReasonResume}
	}

	matches := completion.MatchParticipants(persisted, enabled, round)
	if completion.Summarize(matches).AllComplete {
		return Decision{Reason: ReasonRoundComplete}
	}

	refs := enabled.ModelRefs()
	for _, msg := range responded {
		ref := msg.ModelRef()
		if ref == "" {
			continue
		}
		if _, ok := refs[ref]; !ok {
			return Decision{Reason: ReasonConfigurationDrift}
		}
	}

	next, ok := completion.NextIncomplete(matches)
	if !ok {
		return Decision{Reason: ReasonRoundComplete}
	}
	if active(next.Index) {
		return Decision{Reason: ReasonStreamActive}
	}
	return Decision{Plan: &Plan{RoundNumber: round, NextParticipantIndex: next.Index}, Reason: ReasonResume}
}

func latestRound(messages []domain.Message) (int, bool) {
	round, found := 0, false
	for i := range messages {
		if !found || messages[i].RoundNumber > round {
			round = messages[i].RoundNumber
			found = true
		}
	}
	return round, found
}
