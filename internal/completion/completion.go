// Package completion decides whether participant responses are finished and
// whether a round may leave its participant phase.
package completion

import (
	"strconv"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// IsMessageComplete reports whether a generated message is finished.
//
// A message without parts is never complete, nor is one with a part still
// streaming. Otherwise any non-blank text is enough. Without text the message
// needs a reported completion reason other than "unknown": unknown with no
// content means the stream was interrupted before it produced anything.
func IsMessageComplete(msg *domain.Message) bool {
	if msg == nil || msg.Parts == nil {
		return false
	}
	if msg.IsStreaming() {
		return false
	}
	if msg.HasText() {
		return true
	}

	reason := msg.CompletionReason()
	return reason != "" && reason != domain.CompletionUnknown
}

// IsInterrupted reports whether msg stopped without producing output and
// without a usable completion reason. Such messages are eligible for resumption.
func IsInterrupted(msg *domain.Message) bool {
	if msg == nil || msg.IsStreaming() || msg.HasText() {
		return false
	}
	reason := msg.CompletionReason()
	return reason == "" || reason == domain.CompletionUnknown
}

// Match pairs an enabled participant with its response for a round.
type Match struct {
	Participant domain.Participant
	Index       int
	Message     *domain.Message // nil when no response has been seen
	Complete    bool
}

// Streaming reports whether the participant has a response still receiving text.
func (m Match) Streaming() bool {
	return m.Message != nil && m.Message.IsStreaming()
}

// MatchParticipants assigns each enabled participant of roster its response
// among the assistant messages of round.
//
// Messages are claimed in three passes: by participant id, then by
// participant index, then by model reference. A message claimed in an
// earlier pass is not offered to later participants, so one response never
// satisfies two participants. Within a pass a complete candidate is
// preferred over an incomplete one.
func MatchParticipants(messages []domain.Message, roster domain.Roster, round int) []Match {
	enabled := roster.Enabled()
	matches := make([]Match, len(enabled))
	for i, p := range enabled {
		matches[i] = Match{Participant: p, Index: i}
	}
	if len(enabled) == 0 {
		return matches
	}

	byID := make(map[string][]int)
	byIndex := make(map[int][]int)
	byModel := make(map[string][]int)
	for i := range messages {
		msg := &messages[i]
		if msg.RoundNumber != round {
			continue
		}
		md, ok := msg.Assistant()
		if !ok {
			continue
		}
		if md.ParticipantID != "" {
			byID[md.ParticipantID] = append(byID[md.ParticipantID], i)
		}
		if md.ParticipantIndex != nil {
			byIndex[*md.ParticipantIndex] = append(byIndex[*md.ParticipantIndex], i)
		}
		if md.ModelRef != "" {
			byModel[md.ModelRef] = append(byModel[md.ModelRef], i)
		}
	}

	claimed := make(map[int]bool)
	pick := func(candidates []int) int {
		best := -1
		for _, idx := range candidates {
			if claimed[idx] {
				continue
			}
			if IsMessageComplete(&messages[idx]) {
				return idx
			}
			if best < 0 {
				best = idx
			}
		}
		return best
	}
	assign := func(lookup func(m Match) []int) {
		for i := range matches {
			if matches[i].Message != nil {
				continue
			}
			if idx := pick(lookup(matches[i])); idx >= 0 {
				claimed[idx] = true
				matches[i].Message = &messages[idx]
				matches[i].Complete = IsMessageComplete(&messages[idx])
			}
		}
	}

	assign(func(m Match) []int { return byID[m.Participant.ID] })
	assign(func(m Match) []int { return byIndex[m.Index] })
	assign(func(m Match) []int {
		if m.Participant.ModelRef == "" {
			return nil
		}
		return byModel[m.Participant.ModelRef]
	})

	return matches
}

// RoundCompletion summarises how far a round's participants have got.
type RoundCompletion struct {
	AllComplete    bool     `json:"all_complete"`
	CompletedIDs   []string `json:"completed_participant_ids"`
	StreamingIDs   []string `json:"streaming_participant_ids"`
	CompletedCount int      `json:"completed_count"`
	ExpectedCount  int      `json:"expected_count"`
}

// GetRoundCompletion reports which enabled participants have finished their
// response for round. A participant without a response counts as streaming.
// An empty roster never completes.
func GetRoundCompletion(messages []domain.Message, roster domain.Roster, round int) RoundCompletion {
	return Summarize(MatchParticipants(messages, roster, round))
}

// Summarize builds a RoundCompletion from participant matches.
func Summarize(matches []Match) RoundCompletion {
	rc := RoundCompletion{
		CompletedIDs:  []string{},
		StreamingIDs:  []string{},
		ExpectedCount: len(matches),
	}
	for _, m := range matches {
		if m.Complete {
			rc.CompletedIDs = append(rc.CompletedIDs, participantKey(m))
		} else {
			rc.StreamingIDs = append(rc.StreamingIDs, participantKey(m))
		}
	}
	rc.CompletedCount = len(rc.CompletedIDs)
	rc.AllComplete = rc.ExpectedCount > 0 && rc.CompletedCount == rc.ExpectedCount
	return rc
}

// NextIncomplete returns the first match, in priority order, without a
// complete response.
func NextIncomplete(matches []Match) (Match, bool) {
	for _, m := range matches {
		if !m.Complete {
			return m, true
		}
	}
	return Match{}, false
}

func participantKey(m Match) string {
	if m.Participant.ID != "" {
		return m.Participant.ID
	}
	return strconv.Itoa(m.Index)
}
