package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/changelog"
	"github.com/tjfontaine/polyglot-roundtable/internal/completion"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/merge"
	"github.com/tjfontaine/polyglot-roundtable/internal/phase"
	"github.com/tjfontaine/polyglot-roundtable/internal/resume"
)

// Apply folds ev into state and returns the resulting state. state is not
// modified. On error the original state is returned together with a
// *domain.EngineError.
func Apply(state *State, ev Event) (*State, error) {
	if state == nil {
		return nil, domain.ErrInvalidRequest("state is required")
	}

	next := state.Clone()
	var err error
	switch e := ev.(type) {
	case RoundStarted:
		err = next.startRound(e)
	case MessagesReceived:
		err = next.receiveMessages(e)
	case StreamChunk:
		err = next.appendChunk(e)
	case PhaseRecordUpdated:
		err = next.updatePhase(e)
	case WatchdogTick:
		next.watchdog(e.Now)
	case ParticipantDispatched:
		err = next.participantDispatched(e)
	case DispatchFailed:
		err = next.dispatchFailed(e)
	case SynthesisDispatched:
		err = next.synthesisDispatched(e)
	case StopRequested:
		err = next.stop(e)
	case RegenerateRequested:
		err = next.regenerate(e)
	case ResumePlanned:
		err = next.resumePlanned(e)
	default:
		err = domain.ErrInvalidRequest(fmt.Sprintf("unsupported event %T", ev))
	}
	if err != nil {
		return state, err
	}
	return next, nil
}

func (s *State) round(n int) (*RoundState, error) {
	rs, ok := s.Rounds[n]
	if !ok {
		return nil, domain.ErrRoundNotFound(n)
	}
	return rs, nil
}

func (s *State) startRound(e RoundStarted) error {
	cfg := e.Config
	if cfg.ThreadID == "" {
		cfg.ThreadID = s.ThreadID
	}
	if cfg.ThreadID != s.ThreadID {
		return domain.ErrInvalidRequest(fmt.Sprintf("round config belongs to thread %q", cfg.ThreadID)).WithParam("thread_id")
	}
	n := cfg.RoundNumber
	if n < 0 {
		return domain.ErrInvalidRequest("round number must be non-negative").WithParam("round_number")
	}
	if _, ok := s.Rounds[n]; ok {
		return domain.ErrConflict(fmt.Sprintf("round %d already exists", n)).WithCode(domain.ErrorCodeRoundExists)
	}
	expected := 0
	if latest, ok := s.LatestRound(); ok {
		expected = latest + 1
	}
	if n != expected {
		return domain.ErrConflict(fmt.Sprintf("round %d is out of sequence, expected %d", n, expected)).
			WithCode(domain.ErrorCodeRoundOutOfSequence).
			WithParam("round_number")
	}
	cfg.Participants = cfg.Participants.Enabled()

	user := e.UserMessage
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.Role != domain.RoleUser {
		return domain.ErrInvalidRequest("a round must start with a user message").WithParam("role")
	}
	if user.ID == "" {
		user.ID = domain.UserMessageID(s.ThreadID, n)
	}
	if user.RoundNumber != n {
		if user.RoundNumber != 0 {
			return domain.ErrInvalidRequest(fmt.Sprintf("user message belongs to round %d", user.RoundNumber)).WithParam("round_number")
		}
		user.RoundNumber = n
	}
	user.ThreadID = s.ThreadID
	if user.CreatedAt.IsZero() {
		user.CreatedAt = e.At
	}
	user = user.Normalize()
	if err := user.Validate(); err != nil {
		return err
	}

	if prev, ok := s.Rounds[n-1]; ok {
		prev.Directive = nil
		entries := changelog.Diff(prev.Config, cfg)
		for i := range entries {
			entries[i].CreatedAt = e.At
		}
		s.Changelog = append(s.Changelog, entries...)
		s.Outbox.Changelog = append(s.Outbox.Changelog, entries...)
	}

	rs := &RoundState{
		Config:    cfg,
		Phase:     phase.Initial(cfg.WebSearch),
		Attempts:  make(map[int]int),
		StartedAt: e.At,
	}
	s.Rounds[n] = rs
	s.Outbox.Configs = append(s.Outbox.Configs, cfg)

	s.Messages = merge.Merge(append(s.Messages, user), nil)
	if i := s.messageIndex(user.ID); i >= 0 {
		s.persistMessage(s.Messages[i])
	}

	s.emit(domain.RoundEvent{
		RoundNumber: n,
		Type:        domain.RoundEventStarted,
		Phase:       string(rs.Phase),
		CreatedAt:   e.At,
	})
	s.reconcile(n, e.At)
	return nil
}

func (s *State) receiveMessages(e MessagesReceived) error {
	incoming := make([]domain.Message, 0, len(e.Messages))
	touched := make(map[int]bool)
	for _, m := range e.Messages {
		m = m.Normalize()
		if m.ThreadID == "" {
			m.ThreadID = s.ThreadID
		}
		if m.ThreadID != s.ThreadID {
			return domain.ErrInvalidRequest(fmt.Sprintf("message %s belongs to thread %q", m.ID, m.ThreadID)).WithParam("thread_id")
		}
		if err := m.Validate(); err != nil {
			return err
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = e.At
		}
		if i := s.messageIndex(m.ID); i >= 0 && s.Messages[i].RoundNumber != m.RoundNumber {
			return domain.ErrConflict(fmt.Sprintf("message %s belongs to round %d", m.ID, s.Messages[i].RoundNumber)).
				WithCode(domain.ErrorCodeRoundNumberImmutable).
				WithParam("round_number")
		}
		if e.Source != SourceStore {
			if _, ok := s.Rounds[m.RoundNumber]; !ok {
				return domain.ErrRoundNotFound(m.RoundNumber)
			}
		}
		incoming = append(incoming, m)
		touched[m.RoundNumber] = true
	}

	if e.Source == SourceStore {
		s.Messages = merge.Merge(s.Messages, incoming)
	} else {
		s.Messages = merge.Merge(append(s.Messages, incoming...), nil)
		for _, m := range incoming {
			if i := s.messageIndex(m.ID); i >= 0 {
				if completion.IsMessageComplete(&s.Messages[i]) && !completion.IsMessageComplete(&m) {
					// A stale snapshot of a finished response.
					continue
				}
				s.persistMessage(s.Messages[i])
				s.settleInterrupted(&s.Messages[i])
			}
		}
	}

	for _, n := range slices.Sorted(maps.Keys(touched)) {
		s.reconcile(n, e.At)
	}
	return nil
}

func (s *State) appendChunk(e StreamChunk) error {
	i := s.messageIndex(e.MessageID)
	if i < 0 {
		return domain.ErrNotFound(fmt.Sprintf("message %s not found", e.MessageID)).
			WithCode(domain.ErrorCodeMessageNotFound).
			WithParam("message_id")
	}

	msg := s.Messages[i]
	if e.Delta != "" {
		if n := len(msg.Parts); n > 0 && msg.Parts[n-1].State == domain.PartStreaming {
			msg.Parts[n-1].Text += e.Delta
		} else {
			msg.Parts = append(msg.Parts, domain.Part{Text: e.Delta, State: domain.PartStreaming})
		}
	} else if msg.Parts == nil && !e.Final {
		msg.Parts = []domain.Part{{State: domain.PartStreaming}}
	}
	if e.Final {
		if msg.Parts == nil {
			msg.Parts = []domain.Part{}
		}
		for j := range msg.Parts {
			msg.Parts[j].State = domain.PartDone
		}
		if e.CompletionReason != "" {
			msg = msg.WithCompletionReason(e.CompletionReason)
		}
	}

	s.Messages[i] = msg
	s.persistMessage(msg)
	s.settleInterrupted(&s.Messages[i])
	s.reconcile(msg.RoundNumber, e.At)
	return nil
}

func (s *State) updatePhase(e PhaseRecordUpdated) error {
	rec := e.Record.Clone()
	if !rec.Kind.Valid() {
		return domain.ErrInvalidRequest(fmt.Sprintf("unknown phase kind %q", rec.Kind)).WithParam("kind")
	}
	if !rec.Status.Valid() {
		return domain.ErrInvalidRequest(fmt.Sprintf("unknown phase status %q", rec.Status)).WithParam("status")
	}
	if rec.ThreadID == "" {
		rec.ThreadID = s.ThreadID
	}
	rs, err := s.round(rec.RoundNumber)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.At
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = e.At
	}

	switch rec.Kind {
	case domain.PhaseKindSearch:
		rs.Search = domain.MergePhaseRecord(rs.Search, rec)
		s.persistRecord(rs.Search)
	case domain.PhaseKindSynthesis:
		rs.Synthesis = domain.MergePhaseRecord(rs.Synthesis, rec)
		s.persistRecord(rs.Synthesis)
	}
	s.reconcile(rec.RoundNumber, e.At)
	return nil
}

func (s *State) participantDispatched(e ParticipantDispatched) error {
	rs, err := s.round(e.RoundNumber)
	if err != nil {
		return err
	}
	d := rs.Directive
	if d == nil || d.Dispatched || d.ParticipantIndex != e.ParticipantIndex {
		return domain.ErrConflict(fmt.Sprintf("no pending invocation for participant %d in round %d", e.ParticipantIndex, e.RoundNumber)).
			WithParam("participant_index")
	}
	d.Dispatched = true
	d.DispatchedAt = e.At
	rs.Attempts[d.ParticipantIndex]++

	s.emit(domain.RoundEvent{
		RoundNumber:      e.RoundNumber,
		Type:             domain.RoundEventParticipantInvoked,
		Phase:            string(rs.Phase),
		ParticipantIndex: domain.IntPtr(d.ParticipantIndex),
		Detail:           fmt.Sprintf("%s attempt %d", d.ModelRef, rs.Attempts[d.ParticipantIndex]),
		CreatedAt:        e.At,
	})
	return nil
}

func (s *State) dispatchFailed(e DispatchFailed) error {
	rs, err := s.round(e.RoundNumber)
	if err != nil {
		return err
	}

	if e.ParticipantIndex == nil {
		if rs.Synthesis == nil && rs.SynthesisRequested {
			rs.SynthesisRequested = false
			if rs.SynthesisAttempts >= s.Settings.MaxParticipantAttempts {
				s.failMissingRecord(e.RoundNumber, rs, domain.PhaseKindSynthesis, "synthesis could not be dispatched: "+e.Reason, e.At)
			}
		}
	} else if d := rs.Directive; d != nil && d.Dispatched && d.ParticipantIndex == *e.ParticipantIndex {
		rs.Directive = nil
	}

	s.reconcile(e.RoundNumber, e.At)
	return nil
}

func (s *State) synthesisDispatched(e SynthesisDispatched) error {
	rs, err := s.round(e.RoundNumber)
	if err != nil {
		return err
	}
	if rs.Phase != phase.Synthesis || rs.SynthesisRequested || rs.Stopped {
		return domain.ErrConflict(fmt.Sprintf("round %d is not waiting for synthesis", e.RoundNumber))
	}
	rs.SynthesisRequested = true
	rs.SynthesisRequestedAt = e.At
	rs.SynthesisAttempts++

	s.emit(domain.RoundEvent{
		RoundNumber: e.RoundNumber,
		Type:        domain.RoundEventSynthesisRequested,
		Phase:       string(rs.Phase),
		CreatedAt:   e.At,
	})
	return nil
}

func (s *State) stop(e StopRequested) error {
	rs, err := s.round(e.RoundNumber)
	if err != nil {
		return err
	}
	if rs.Stopped || rs.Phase == phase.Complete {
		return nil
	}
	rs.Stopped = true
	rs.Directive = nil
	rs.Config.Stopped = true
	s.Outbox.Configs = append(s.Outbox.Configs, rs.Config)

	s.emit(domain.RoundEvent{
		RoundNumber: e.RoundNumber,
		Type:        domain.RoundEventStopped,
		Phase:       string(rs.Phase),
		CreatedAt:   e.At,
	})
	return nil
}

func (s *State) regenerate(e RegenerateRequested) error {
	rs, err := s.round(e.RoundNumber)
	if err != nil {
		return err
	}
	if latest, _ := s.LatestRound(); latest != e.RoundNumber {
		return domain.ErrConflict(fmt.Sprintf("only the latest round (%d) can be regenerated", latest)).
			WithCode(domain.ErrorCodeRoundOutOfSequence).
			WithParam("round_number")
	}

	kept := s.Messages[:0]
	for _, m := range s.Messages {
		if m.RoundNumber == e.RoundNumber && m.Role != domain.RoleUser {
			continue
		}
		kept = append(kept, m)
	}
	s.Messages = kept

	changed := rs.Config.Stopped
	rs.Config.Stopped = false
	if e.WebSearch != nil && *e.WebSearch != rs.Config.WebSearch {
		rs.Config.WebSearch = *e.WebSearch
		changed = true
	}
	if changed {
		s.Outbox.Configs = append(s.Outbox.Configs, rs.Config)
	}
	*rs = RoundState{
		Config:    rs.Config,
		Phase:     phase.Initial(rs.Config.WebSearch),
		Attempts:  make(map[int]int),
		StartedAt: e.At,
	}
	s.Outbox.ClearedRounds = append(s.Outbox.ClearedRounds, e.RoundNumber)

	s.emit(domain.RoundEvent{
		RoundNumber: e.RoundNumber,
		Type:        domain.RoundEventRegenerated,
		Phase:       string(rs.Phase),
		CreatedAt:   e.At,
	})
	s.reconcile(e.RoundNumber, e.At)
	return nil
}

func (s *State) resumePlanned(e ResumePlanned) error {
	d := e.Decision
	n, ok := s.LatestRound()
	if d.Plan != nil {
		n, ok = d.Plan.RoundNumber, true
	}
	if !ok {
		return nil
	}
	rs, err := s.round(n)
	if err != nil {
		return err
	}

	for _, other := range s.Rounds {
		other.AwaitingPlan = false
	}
	if d.Reason == resume.ReasonConfigurationDrift {
		rs.Drifted = true
		rs.Directive = nil
	}
	s.reconcile(n, e.At)
	if latest, _ := s.LatestRound(); latest != n {
		s.reconcile(latest, e.At)
	}

	ev := domain.RoundEvent{
		RoundNumber: n,
		Type:        domain.RoundEventResumePlanned,
		Phase:       string(rs.Phase),
		Detail:      string(d.Reason),
		CreatedAt:   e.At,
	}
	if d.Plan != nil {
		ev.ParticipantIndex = domain.IntPtr(d.Plan.NextParticipantIndex)
	}
	s.emit(ev)

	switch d.Reason {
	case resume.ReasonStreamActive:
		// The transport is already producing the next response.
		if rs.Directive != nil && !rs.Directive.Dispatched {
			rs.Directive.Dispatched = true
			rs.Directive.DispatchedAt = e.At
		}
	case resume.ReasonResume:
		if d.Plan == nil || rs.Phase != phase.Participants || rs.Stopped {
			break
		}
		if rs.Directive != nil && (rs.Directive.Dispatched || rs.Directive.ParticipantIndex == d.Plan.NextParticipantIndex) {
			break
		}
		roster := rs.Config.Roster()
		if idx := d.Plan.NextParticipantIndex; idx >= 0 && idx < len(roster) {
			rs.Directive = &Directive{
				RoundNumber:      n,
				ParticipantIndex: idx,
				ParticipantID:    roster[idx].ID,
				ModelRef:         roster[idx].ModelRef,
			}
		}
	}
	return nil
}

// settleInterrupted clears a dispatched directive when the invoked
// participant reports a response that ended without output, so the
// participant can be retried without waiting for the watchdog.
func (s *State) settleInterrupted(msg *domain.Message) {
	rs, ok := s.Rounds[msg.RoundNumber]
	if !ok || rs.Directive == nil || !rs.Directive.Dispatched || !completion.IsInterrupted(msg) {
		return
	}
	matches := completion.MatchParticipants(s.Messages, rs.Config.Roster(), msg.RoundNumber)
	if idx := rs.Directive.ParticipantIndex; idx < len(matches) {
		if m := matches[idx].Message; m != nil && m.ID == msg.ID {
			rs.Directive = nil
		}
	}
}

// failMissingRecord records a failed phase for a round whose search or
// synthesis never reported, so the round can move on.
func (s *State) failMissingRecord(n int, rs *RoundState, kind domain.PhaseKind, reason string, at time.Time) {
	rec := &domain.PhaseRecord{
		ThreadID:     s.ThreadID,
		RoundNumber:  n,
		Kind:         kind,
		Status:       domain.StatusFailed,
		ErrorMessage: reason,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	switch kind {
	case domain.PhaseKindSearch:
		rs.Search = domain.MergePhaseRecord(rs.Search, rec)
		s.persistRecord(rs.Search)
	case domain.PhaseKindSynthesis:
		rs.Synthesis = domain.MergePhaseRecord(rs.Synthesis, rec)
		s.persistRecord(rs.Synthesis)
	}
	s.emit(domain.RoundEvent{
		RoundNumber: n,
		Type:        domain.RoundEventWatchdogForced,
		Phase:       string(kind),
		Detail:      reason,
		CreatedAt:   at,
	})
}
