package engine

import (
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/completion"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/merge"
	"github.com/tjfontaine/polyglot-roundtable/internal/phase"
)

// reconcile brings round n up to date after a change: the completion gate
// is evaluated, phases advance, and the invocation directive is
// re-evaluated. Abandoning a participant changes completion, so the loop
// repeats until nothing moves.
func (s *State) reconcile(n int, at time.Time) {
	rs, ok := s.Rounds[n]
	if !ok {
		return
	}
	if rs.Synthesis != nil {
		rs.SynthesisRequested = true
	}

	for range len(rs.Config.Participants) + 1 {
		matches := completion.MatchParticipants(s.Messages, rs.Config.Roster(), n)
		clearSatisfiedDirective(rs, matches)
		s.advance(n, rs, completion.Summarize(matches).AllComplete, at)
		if !s.evaluateDirective(n, rs, matches, at) {
			return
		}
	}
}

// clearSatisfiedDirective drops the directive once its participant's
// response is streaming or complete.
func clearSatisfiedDirective(rs *RoundState, matches []completion.Match) {
	d := rs.Directive
	if d == nil || d.ParticipantIndex >= len(matches) {
		return
	}
	m := matches[d.ParticipantIndex]
	if m.Message != nil && (m.Streaming() || m.Complete) {
		rs.Directive = nil
	}
}

func (s *State) advance(n int, rs *RoundState, participantsComplete bool, at time.Time) {
	from := rs.Phase
	to, entered := phase.Advance(rs.Phase, phase.Inputs{
		SearchStatus:         status(rs.Search),
		ParticipantsComplete: participantsComplete,
		SynthesisStatus:      status(rs.Synthesis),
	})
	if to == from {
		return
	}
	rs.Phase = to
	if to != phase.Participants {
		rs.Directive = nil
	}

	prev := from
	for _, p := range entered {
		s.emit(domain.RoundEvent{
			RoundNumber: n,
			Type:        domain.RoundEventPhaseChanged,
			Phase:       string(p),
			Detail:      string(prev),
			CreatedAt:   at,
		})
		prev = p
	}
	if to == phase.Complete {
		s.emit(domain.RoundEvent{
			RoundNumber: n,
			Type:        domain.RoundEventCompleted,
			Phase:       string(to),
			CreatedAt:   at,
		})
	}
}

// evaluateDirective issues the next invocation when the round is in its
// participant phase, has no outstanding directive and nobody is streaming.
// It reports whether a participant was abandoned, which requires another
// reconciliation pass.
func (s *State) evaluateDirective(n int, rs *RoundState, matches []completion.Match, at time.Time) bool {
	if rs.Phase != phase.Participants || rs.Stopped || rs.Drifted || rs.AwaitingPlan || rs.Directive != nil {
		return false
	}
	if latest, _ := s.LatestRound(); latest != n {
		return false
	}
	for _, m := range matches {
		if m.Streaming() {
			return false
		}
	}

	next, ok := completion.NextIncomplete(matches)
	if !ok {
		return false
	}
	if rs.Attempts[next.Index] >= s.Settings.MaxParticipantAttempts {
		s.abandon(n, next, at)
		return true
	}

	rs.Directive = &Directive{
		RoundNumber:      n,
		ParticipantIndex: next.Index,
		ParticipantID:    next.Participant.ID,
		ModelRef:         next.Participant.ModelRef,
	}
	return false
}

// abandon finalises a participant's response as failed after it used up its
// attempts. A participant that never produced a message gets an empty
// failed one.
func (s *State) abandon(n int, m completion.Match, at time.Time) {
	var msg domain.Message
	if m.Message != nil {
		msg = m.Message.WithCompletionReason(domain.CompletionFailed)
		if msg.Parts == nil {
			msg.Parts = []domain.Part{}
		}
		for i := range msg.Parts {
			msg.Parts[i].State = domain.PartDone
		}
		if i := s.messageIndex(msg.ID); i >= 0 {
			s.Messages[i] = msg
		}
	} else {
		msg = domain.Message{
			ID:          domain.ParticipantMessageID(s.ThreadID, n, m.Index),
			ThreadID:    s.ThreadID,
			Role:        domain.RoleAssistant,
			RoundNumber: n,
			Parts:       []domain.Part{},
			Origin:      domain.OriginDurable,
			Metadata: domain.AssistantMetadata{
				ParticipantID:    m.Participant.ID,
				ParticipantIndex: domain.IntPtr(m.Index),
				ModelRef:         m.Participant.ModelRef,
				CompletionReason: domain.CompletionFailed,
			},
			CreatedAt: at,
		}
		s.Messages = merge.Merge(append(s.Messages, msg), nil)
	}
	s.persistMessage(msg)

	s.emit(domain.RoundEvent{
		RoundNumber:      n,
		Type:             domain.RoundEventParticipantAbandoned,
		Phase:            string(phase.Participants),
		ParticipantIndex: domain.IntPtr(m.Index),
		Detail:           fmt.Sprintf("gave up after %d attempts", s.Settings.MaxParticipantAttempts),
		CreatedAt:        at,
	})
}

// watchdog forces everything that has been open longer than its threshold.
func (s *State) watchdog(now time.Time) {
	th := s.Settings.Thresholds
	for _, n := range s.roundNumbers() {
		rs := s.Rounds[n]
		if rs.Phase == phase.Complete {
			continue
		}

		for _, rec := range []**domain.PhaseRecord{&rs.Search, &rs.Synthesis} {
			if !th.RecordStale(*rec, now) {
				continue
			}
			forced, changed := phase.ForceRecord(*rec, now)
			if !changed {
				continue
			}
			*rec = forced
			s.persistRecord(forced)
			s.emit(domain.RoundEvent{
				RoundNumber: n,
				Type:        domain.RoundEventWatchdogForced,
				Phase:       string(forced.Kind),
				Detail:      "stale record forced complete",
				CreatedAt:   now,
			})
		}

		if rs.Phase == phase.PreSearch && rs.Search == nil && !rs.StartedAt.IsZero() && now.Sub(rs.StartedAt) >= th.Search {
			s.failMissingRecord(n, rs, domain.PhaseKindSearch, "search never reported", now)
		}
		if rs.Phase == phase.Synthesis && rs.SynthesisRequested && rs.Synthesis == nil &&
			!rs.SynthesisRequestedAt.IsZero() && now.Sub(rs.SynthesisRequestedAt) >= th.Synthesis {
			s.failMissingRecord(n, rs, domain.PhaseKindSynthesis, "synthesis never reported", now)
		}

		if d := rs.Directive; d != nil && d.Dispatched && !d.DispatchedAt.IsZero() && now.Sub(d.DispatchedAt) >= th.Stream {
			rs.Directive = nil
			s.emit(domain.RoundEvent{
				RoundNumber:      n,
				Type:             domain.RoundEventWatchdogForced,
				Phase:            string(rs.Phase),
				ParticipantIndex: domain.IntPtr(d.ParticipantIndex),
				Detail:           "participant never started streaming",
				CreatedAt:        now,
			})
		}

		for i := range s.Messages {
			msg := &s.Messages[i]
			if msg.RoundNumber != n || !th.MessageStale(msg, now) {
				continue
			}
			forced := phase.ForceMessage(*msg)
			*msg = forced
			s.persistMessage(forced)
			ev := domain.RoundEvent{
				RoundNumber: n,
				Type:        domain.RoundEventWatchdogForced,
				Phase:       string(rs.Phase),
				Detail:      fmt.Sprintf("stale message %s forced %s", forced.ID, forced.CompletionReason()),
				CreatedAt:   now,
			}
			if md, ok := forced.Assistant(); ok && md.ParticipantIndex != nil {
				ev.ParticipantIndex = domain.IntPtr(*md.ParticipantIndex)
			}
			s.emit(ev)
		}

		s.reconcile(n, now)
	}
}
