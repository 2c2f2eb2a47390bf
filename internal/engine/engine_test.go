package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/phase"
	"github.com/tjfontaine/polyglot-roundtable/internal/resume"
	"github.com/tjfontaine/polyglot-roundtable/internal/timeline"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func roster3() domain.Roster {
	return domain.Roster{
		{ID: "alpha", ModelRef: "gpt-4o", Priority: 0, Enabled: true},
		{ID: "beta", ModelRef: "claude-sonnet", Priority: 1, Enabled: true},
		{ID: "gamma", ModelRef: "gemini-pro", Priority: 2, Enabled: true},
	}
}

func mustApply(t *testing.T, s *State, ev Event) *State {
	t.Helper()
	next, err := Apply(s, ev)
	if err != nil {
		t.Fatalf("Apply(%T) error = %v", ev, err)
	}
	return next
}

func start(t *testing.T, webSearch bool) *State {
	t.Helper()
	return mustApply(t, New("t", Settings{}), RoundStarted{
		Config: domain.RoundConfig{RoundNumber: 0, Mode: "debate", WebSearch: webSearch, Participants: roster3()},
		UserMessage: domain.Message{
			Parts: []domain.Part{{Text: "what is the best sorting algorithm?", State: domain.PartDone}},
		},
		At: t0,
	})
}

func response(index int, text string, state domain.PartState, reason domain.CompletionReason) domain.Message {
	p := roster3()[index]
	return domain.Message{
		ID:          domain.ParticipantMessageID("t", 0, index),
		Role:        domain.RoleAssistant,
		RoundNumber: 0,
		Parts:       []domain.Part{{Text: text, State: state}},
		Metadata: domain.AssistantMetadata{
			ParticipantID:    p.ID,
			ParticipantIndex: domain.IntPtr(index),
			ModelRef:         p.ModelRef,
			CompletionReason: reason,
		},
		CreatedAt: t0,
	}
}

func live(msgs ...domain.Message) MessagesReceived {
	return MessagesReceived{Messages: msgs, Source: SourceLive, At: t0}
}

func wantAction(t *testing.T, s *State, kind ActionKind, index int) {
	t.Helper()
	act := NextAction(s)
	if act.Kind != kind {
		t.Fatalf("NextAction() = %s, want %s", act.Kind, kind)
	}
	if kind == ActionInvokeParticipant && (act.ParticipantIndex == nil || *act.ParticipantIndex != index) {
		t.Fatalf("NextAction() participant = %v, want %d", act.ParticipantIndex, index)
	}
}

func hasEvent(o Outbox, typ domain.RoundEventType) bool {
	for _, ev := range o.Events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s := start(t, false)
	before := len(s.Messages)

	next := mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
	next = mustApply(t, next, live(response(0, "quick", domain.PartStreaming, "")))

	if len(s.Messages) != before {
		t.Errorf("input messages changed: %d -> %d", before, len(s.Messages))
	}
	if s.Rounds[0].Directive == nil || s.Rounds[0].Directive.Dispatched {
		t.Error("input directive changed")
	}
	if s.Rounds[0].Attempts[0] != 0 {
		t.Errorf("input attempts changed: %d", s.Rounds[0].Attempts[0])
	}
	if next.Rounds[0].Directive != nil {
		t.Error("directive not cleared once the participant streams")
	}
}

func TestApply_SequentialRoundLifecycle(t *testing.T) {
	s := start(t, false)
	if !hasEvent(s.Outbox, domain.RoundEventStarted) || len(s.Outbox.Configs) != 1 || len(s.Outbox.Messages) != 1 {
		t.Fatalf("start outbox = %+v", s.Outbox)
	}
	wantAction(t, s, ActionInvokeParticipant, 0)

	s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
	wantAction(t, s, ActionWait, 0)

	s = mustApply(t, s, live(response(0, "he", domain.PartStreaming, "")))
	wantAction(t, s, ActionWait, 0)

	s = mustApply(t, s, StreamChunk{MessageID: "t_r0_p0", Delta: "llo", Final: true, CompletionReason: domain.CompletionStop, At: t0})
	if got := s.Messages[1].Text(); got != "hello" {
		t.Fatalf("streamed text = %q, want hello", got)
	}
	wantAction(t, s, ActionInvokeParticipant, 1)

	for _, idx := range []int{1, 2} {
		s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: idx, At: t0})
		s = mustApply(t, s, live(response(idx, "answer", domain.PartDone, domain.CompletionStop)))
	}
	if s.Rounds[0].Phase != phase.Synthesis {
		t.Fatalf("phase = %s, want SYNTHESIS", s.Rounds[0].Phase)
	}
	wantAction(t, s, ActionStartSynthesis, 0)

	s = mustApply(t, s, SynthesisDispatched{RoundNumber: 0, At: t0})
	if !hasEvent(s.Outbox, domain.RoundEventSynthesisRequested) {
		t.Error("synthesis request not recorded")
	}
	wantAction(t, s, ActionWait, 0)

	s = mustApply(t, s, PhaseRecordUpdated{Record: domain.PhaseRecord{RoundNumber: 0, Kind: domain.PhaseKindSynthesis, Status: domain.StatusStreaming}, At: t0})
	wantAction(t, s, ActionWait, 0)

	s = mustApply(t, s, PhaseRecordUpdated{Record: domain.PhaseRecord{RoundNumber: 0, Kind: domain.PhaseKindSynthesis, Status: domain.StatusComplete}, At: t0})
	wantAction(t, s, ActionRoundComplete, 0)
	if !hasEvent(s.Outbox, domain.RoundEventCompleted) {
		t.Error("completion event missing")
	}
}

func TestApply_NoDoubleDispatch(t *testing.T) {
	s := start(t, false)
	s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})

	if _, err := Apply(s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0}); err == nil {
		t.Error("second dispatch of the same directive accepted")
	}
	if _, err := Apply(s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 1, At: t0}); err == nil {
		t.Error("dispatch of a participant without a directive accepted")
	}

	s = mustApply(t, s, live(response(0, "", domain.PartStreaming, "")))
	s = mustApply(t, s, live(response(1, "", domain.PartStreaming, "")))
	s = mustApply(t, s, StreamChunk{MessageID: "t_r0_p0", Final: true, CompletionReason: domain.CompletionStop, At: t0})
	wantAction(t, s, ActionWait, 0)
}

func TestApply_SearchStreamingThenPending(t *testing.T) {
	s := start(t, true)
	wantAction(t, s, ActionWait, 0)

	search := func(st domain.PhaseStatus) PhaseRecordUpdated {
		return PhaseRecordUpdated{Record: domain.PhaseRecord{RoundNumber: 0, Kind: domain.PhaseKindSearch, Status: st}, At: t0}
	}
	s = mustApply(t, s, search(domain.StatusStreaming))
	s = mustApply(t, s, search(domain.StatusPending))

	st, err := RoundStatus(s, 0)
	if err != nil {
		t.Fatalf("RoundStatus() error = %v", err)
	}
	if st.SearchStatus != domain.StatusStreaming || st.Phase != phase.PreSearch {
		t.Fatalf("status = %s/%s, want streaming/PRE_SEARCH", st.SearchStatus, st.Phase)
	}

	s = mustApply(t, s, search(domain.StatusComplete))
	wantAction(t, s, ActionInvokeParticipant, 0)
}

func TestApply_LateSearchCascades(t *testing.T) {
	s := start(t, true)
	s = mustApply(t, s, MessagesReceived{
		Messages: []domain.Message{
			response(0, "a", domain.PartDone, domain.CompletionStop),
			response(1, "b", domain.PartDone, domain.CompletionStop),
			response(2, "c", domain.PartDone, domain.CompletionStop),
		},
		Source: SourceStore,
		At:     t0,
	})
	if s.Rounds[0].Phase != phase.PreSearch {
		t.Fatalf("phase = %s, want PRE_SEARCH", s.Rounds[0].Phase)
	}

	s = mustApply(t, s, PhaseRecordUpdated{Record: domain.PhaseRecord{RoundNumber: 0, Kind: domain.PhaseKindSearch, Status: domain.StatusFailed}, At: t0})
	if s.Rounds[0].Phase != phase.Synthesis {
		t.Fatalf("phase = %s, want SYNTHESIS", s.Rounds[0].Phase)
	}
	changes := 0
	for _, ev := range s.Outbox.Events {
		if ev.Type == domain.RoundEventPhaseChanged {
			changes++
		}
	}
	if changes != 2 {
		t.Errorf("phase change events = %d, want 2", changes)
	}
	wantAction(t, s, ActionStartSynthesis, 0)
}

func TestApply_ThreeParticipantGate(t *testing.T) {
	s := start(t, false)
	s = mustApply(t, s, MessagesReceived{
		Messages: []domain.Message{
			response(0, "a", domain.PartDone, domain.CompletionStop),
			response(2, "c", domain.PartDone, domain.CompletionStop),
		},
		Source: SourceStore,
		At:     t0,
	})
	if len(s.Outbox.Messages) != 0 {
		t.Errorf("store messages queued for persistence: %d", len(s.Outbox.Messages))
	}

	st, err := RoundStatus(s, 0)
	if err != nil {
		t.Fatalf("RoundStatus() error = %v", err)
	}
	c := st.Completion
	if c.AllComplete || c.CompletedCount != 2 || len(c.StreamingIDs) != 1 || c.StreamingIDs[0] != "beta" {
		t.Errorf("completion = %+v", c)
	}
	wantAction(t, s, ActionInvokeParticipant, 1)
}

func TestApply_InterruptedParticipantRetriedThenFailed(t *testing.T) {
	s := start(t, false)

	for attempt := 1; attempt <= DefaultMaxParticipantAttempts; attempt++ {
		wantAction(t, s, ActionInvokeParticipant, 0)
		s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
		s = mustApply(t, s, live(response(0, "", domain.PartStreaming, "")))
		s = mustApply(t, s, StreamChunk{MessageID: "t_r0_p0", Final: true, CompletionReason: domain.CompletionUnknown, At: t0})
	}

	if !hasEvent(s.Outbox, domain.RoundEventParticipantAbandoned) {
		t.Fatal("participant not abandoned after max attempts")
	}
	msg := s.Messages[s.messageIndex("t_r0_p0")]
	if msg.CompletionReason() != domain.CompletionFailed {
		t.Errorf("completion reason = %q, want failed", msg.CompletionReason())
	}
	wantAction(t, s, ActionInvokeParticipant, 1)
}

func TestApply_InterruptedWithoutStreamingIsRetried(t *testing.T) {
	s := start(t, false)
	s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
	s = mustApply(t, s, live(response(0, "", domain.PartDone, domain.CompletionUnknown)))
	wantAction(t, s, ActionInvokeParticipant, 0)
}

func TestApply_DispatchFailuresAbandonParticipant(t *testing.T) {
	s := start(t, false)
	for i := 0; i < DefaultMaxParticipantAttempts; i++ {
		wantAction(t, s, ActionInvokeParticipant, 0)
		s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
		s = mustApply(t, s, DispatchFailed{RoundNumber: 0, ParticipantIndex: domain.IntPtr(0), Reason: "connection refused", At: t0})
	}

	i := s.messageIndex("t_r0_p0")
	if i < 0 {
		t.Fatal("no failed placeholder for abandoned participant")
	}
	if s.Messages[i].CompletionReason() != domain.CompletionFailed {
		t.Errorf("placeholder reason = %q", s.Messages[i].CompletionReason())
	}
	wantAction(t, s, ActionInvokeParticipant, 1)
}

func TestApply_Watchdog(t *testing.T) {
	t.Run("stale stream forced", func(t *testing.T) {
		s := start(t, false)
		s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
		s = mustApply(t, s, live(response(0, "partial", domain.PartStreaming, "")))

		s = mustApply(t, s, WatchdogTick{Now: t0.Add(59 * time.Second)})
		wantAction(t, s, ActionWait, 0)

		s = mustApply(t, s, WatchdogTick{Now: t0.Add(60 * time.Second)})
		if !hasEvent(s.Outbox, domain.RoundEventWatchdogForced) {
			t.Error("watchdog event missing")
		}
		msg := s.Messages[s.messageIndex("t_r0_p0")]
		if msg.IsStreaming() || msg.CompletionReason() != domain.CompletionUnknown {
			t.Errorf("forced message streaming=%v reason=%q", msg.IsStreaming(), msg.CompletionReason())
		}
		wantAction(t, s, ActionInvokeParticipant, 1)
	})

	t.Run("stale search forced complete", func(t *testing.T) {
		s := start(t, true)
		s = mustApply(t, s, PhaseRecordUpdated{Record: domain.PhaseRecord{RoundNumber: 0, Kind: domain.PhaseKindSearch, Status: domain.StatusStreaming}, At: t0})
		s = mustApply(t, s, WatchdogTick{Now: t0.Add(45 * time.Second)})
		if s.Rounds[0].Search.Status != domain.StatusComplete {
			t.Errorf("search status = %s, want complete", s.Rounds[0].Search.Status)
		}
		wantAction(t, s, ActionInvokeParticipant, 0)
	})

	t.Run("missing search fails", func(t *testing.T) {
		s := start(t, true)
		s = mustApply(t, s, WatchdogTick{Now: t0.Add(44 * time.Second)})
		wantAction(t, s, ActionWait, 0)
		s = mustApply(t, s, WatchdogTick{Now: t0.Add(45 * time.Second)})
		if s.Rounds[0].Search == nil || s.Rounds[0].Search.Status != domain.StatusFailed {
			t.Fatalf("search = %+v, want failed record", s.Rounds[0].Search)
		}
		wantAction(t, s, ActionInvokeParticipant, 0)
	})

	t.Run("silent participant reissued", func(t *testing.T) {
		s := start(t, false)
		s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
		s = mustApply(t, s, WatchdogTick{Now: t0.Add(time.Minute)})
		wantAction(t, s, ActionInvokeParticipant, 0)
	})
}

func TestApply_Stop(t *testing.T) {
	s := start(t, false)
	s = mustApply(t, s, StopRequested{RoundNumber: 0, At: t0})
	if !hasEvent(s.Outbox, domain.RoundEventStopped) {
		t.Error("stop event missing")
	}
	if len(s.Outbox.Configs) != 1 || !s.Outbox.Configs[0].Stopped {
		t.Errorf("stopped config not queued: %+v", s.Outbox.Configs)
	}
	wantAction(t, s, ActionWait, 0)

	if _, err := Apply(s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0}); err == nil {
		t.Error("dispatch accepted on stopped round")
	}

	s = mustApply(t, s, live(response(0, "late", domain.PartDone, domain.CompletionStop)))
	wantAction(t, s, ActionWait, 0)

	again := mustApply(t, s, StopRequested{RoundNumber: 0, At: t0})
	if !again.Outbox.Empty() {
		t.Errorf("second stop produced effects: %+v", again.Outbox)
	}
}

func TestApply_Regenerate(t *testing.T) {
	s := start(t, false)
	s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
	s = mustApply(t, s, live(response(0, "a", domain.PartDone, domain.CompletionStop)))

	on := true
	s = mustApply(t, s, RegenerateRequested{RoundNumber: 0, WebSearch: &on, At: t0.Add(time.Minute)})

	if len(s.Messages) != 1 || s.Messages[0].Role != domain.RoleUser || s.Messages[0].RoundNumber != 0 {
		t.Fatalf("messages after regenerate = %+v", s.Messages)
	}
	rs := s.Rounds[0]
	if rs.Phase != phase.PreSearch || len(rs.Attempts) != 0 || rs.Directive != nil {
		t.Errorf("round state not reset: %+v", rs)
	}
	if len(s.Outbox.ClearedRounds) != 1 || s.Outbox.ClearedRounds[0] != 0 {
		t.Errorf("cleared rounds = %v", s.Outbox.ClearedRounds)
	}
	if len(s.Outbox.Configs) != 1 || !s.Outbox.Configs[0].WebSearch {
		t.Errorf("updated config not queued: %+v", s.Outbox.Configs)
	}
	wantAction(t, s, ActionWait, 0)
}

func TestApply_Errors(t *testing.T) {
	base := start(t, false)

	tests := []struct {
		name     string
		event    Event
		wantType domain.ErrorType
		wantCode domain.ErrorCode
	}{
		{
			name:     "duplicate round",
			event:    RoundStarted{Config: domain.RoundConfig{RoundNumber: 0}, At: t0},
			wantType: domain.ErrorTypeConflict,
			wantCode: domain.ErrorCodeRoundExists,
		},
		{
			name:     "out of sequence round",
			event:    RoundStarted{Config: domain.RoundConfig{RoundNumber: 2}, At: t0},
			wantType: domain.ErrorTypeConflict,
			wantCode: domain.ErrorCodeRoundOutOfSequence,
		},
		{
			name:     "message for unknown round",
			event:    live(domain.Message{ID: "t_r5_p0", Role: domain.RoleAssistant, RoundNumber: 5}),
			wantType: domain.ErrorTypeNotFound,
			wantCode: domain.ErrorCodeRoundNotFound,
		},
		{
			name:     "round number changed",
			event:    live(domain.Message{ID: "t_r0_user", Role: domain.RoleUser, RoundNumber: 1}),
			wantType: domain.ErrorTypeConflict,
			wantCode: domain.ErrorCodeRoundNumberImmutable,
		},
		{
			name:     "chunk for unknown message",
			event:    StreamChunk{MessageID: "nope", Delta: "x"},
			wantType: domain.ErrorTypeNotFound,
			wantCode: domain.ErrorCodeMessageNotFound,
		},
		{
			name:     "phase record for unknown round",
			event:    PhaseRecordUpdated{Record: domain.PhaseRecord{RoundNumber: 3, Kind: domain.PhaseKindSearch, Status: domain.StatusPending}},
			wantType: domain.ErrorTypeNotFound,
			wantCode: domain.ErrorCodeRoundNotFound,
		},
		{
			name:     "unknown phase kind",
			event:    PhaseRecordUpdated{Record: domain.PhaseRecord{RoundNumber: 0, Kind: "summary", Status: domain.StatusPending}},
			wantType: domain.ErrorTypeInvalidRequest,
		},
		{
			name:     "stop unknown round",
			event:    StopRequested{RoundNumber: 9},
			wantType: domain.ErrorTypeNotFound,
			wantCode: domain.ErrorCodeRoundNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(base, tt.event)
			if err == nil {
				t.Fatal("Apply() error = nil")
			}
			var ee *domain.EngineError
			if !errors.As(err, &ee) {
				t.Fatalf("Apply() error = %T, want *domain.EngineError", err)
			}
			if ee.Type != tt.wantType || ee.Code != tt.wantCode {
				t.Errorf("error = %s/%s, want %s/%s", ee.Type, ee.Code, tt.wantType, tt.wantCode)
			}
			if got != base {
				t.Error("Apply() did not return the original state on error")
			}
		})
	}
}

func TestApply_RegenerateOnlyLatestRound(t *testing.T) {
	s := start(t, false)
	s = mustApply(t, s, RoundStarted{Config: domain.RoundConfig{RoundNumber: 1, Participants: roster3()}, At: t0})

	_, err := Apply(s, RegenerateRequested{RoundNumber: 0, At: t0})
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Type != domain.ErrorTypeConflict {
		t.Errorf("Apply() error = %v, want conflict", err)
	}
}

func TestApply_ChangelogOnNextRound(t *testing.T) {
	s := start(t, false)
	s = mustApply(t, s, RoundStarted{
		Config: domain.RoundConfig{RoundNumber: 1, Mode: "brainstorm", Participants: roster3()[:2]},
		At:     t0.Add(time.Minute),
	})

	kinds := map[domain.ChangeKind]bool{}
	for _, e := range s.Outbox.Changelog {
		kinds[e.Kind] = true
	}
	if !kinds[domain.ChangeRemoved] || !kinds[domain.ChangeModeChanged] || len(kinds) != 2 {
		t.Errorf("changelog kinds = %v", kinds)
	}
	if s.Messages[len(s.Messages)-1].ID != "t_r1_user" {
		t.Errorf("round 1 user message id = %s", s.Messages[len(s.Messages)-1].ID)
	}

	items := Timeline(s)
	var kindsInOrder []timeline.ItemKind
	for _, it := range items {
		kindsInOrder = append(kindsInOrder, it.Kind)
	}
	want := []timeline.ItemKind{timeline.ItemMessages, timeline.ItemChangelog, timeline.ItemMessages}
	if len(kindsInOrder) != len(want) {
		t.Fatalf("Timeline() kinds = %v, want %v", kindsInOrder, want)
	}
	for i := range want {
		if kindsInOrder[i] != want[i] {
			t.Errorf("Timeline() kinds = %v, want %v", kindsInOrder, want)
		}
	}
}

func restored(t *testing.T) *State {
	t.Helper()
	s, err := Restore("t", Settings{}, Snapshot{
		Configs: []domain.RoundConfig{{ThreadID: "t", RoundNumber: 0, Mode: "debate", Participants: roster3()}},
		Messages: []domain.Message{
			{ID: "t_r0_user", Role: domain.RoleUser, RoundNumber: 0, Parts: []domain.Part{{Text: "q", State: domain.PartDone}}, CreatedAt: t0},
			response(0, "a", domain.PartDone, domain.CompletionStop),
		},
	}, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	return s
}

func TestRestoreAndResume(t *testing.T) {
	t.Run("plan resumes next participant", func(t *testing.T) {
		s := restored(t)
		if !s.Outbox.Empty() {
			t.Errorf("restore outbox = %+v, want empty", s.Outbox)
		}
		s = mustApply(t, s, ResumePlanned{
			Decision: resume.Decision{Plan: &resume.Plan{RoundNumber: 0, NextParticipantIndex: 1}, Reason: resume.ReasonResume},
			At:       t0.Add(time.Hour),
		})
		if !hasEvent(s.Outbox, domain.RoundEventResumePlanned) {
			t.Error("resume event missing")
		}
		wantAction(t, s, ActionInvokeParticipant, 1)
	})

	t.Run("active stream waits", func(t *testing.T) {
		s := mustApply(t, restored(t), ResumePlanned{Decision: resume.Decision{Reason: resume.ReasonStreamActive}, At: t0})
		wantAction(t, s, ActionWait, 0)
	})

	t.Run("configuration drift waits", func(t *testing.T) {
		s := mustApply(t, restored(t), ResumePlanned{Decision: resume.Decision{Reason: resume.ReasonConfigurationDrift}, At: t0})
		wantAction(t, s, ActionWait, 0)
		st, err := RoundStatus(s, 0)
		if err != nil {
			t.Fatalf("RoundStatus() error = %v", err)
		}
		if !st.Drifted {
			t.Error("Drifted = false")
		}
	})
}

func TestRestore_RoundsWaitForPlan(t *testing.T) {
	s := restored(t)
	wantAction(t, s, ActionWait, 0)
	if st, _ := RoundStatus(s, 0); st.Directive != nil {
		t.Errorf("restored directive = %+v, want none", st.Directive)
	}

	// Re-reading the store does not release the round.
	s = mustApply(t, s, MessagesReceived{Messages: s.Messages, Source: SourceStore, At: t0})
	wantAction(t, s, ActionWait, 0)

	s = mustApply(t, s, ResumePlanned{
		Decision: resume.Decision{Plan: &resume.Plan{RoundNumber: 0, NextParticipantIndex: 1}, Reason: resume.ReasonResume},
		At:       t0,
	})
	wantAction(t, s, ActionInvokeParticipant, 1)
}

func TestRestore_CompletedParticipantsWaitForPlan(t *testing.T) {
	s, err := Restore("t", Settings{}, Snapshot{
		Configs: []domain.RoundConfig{{ThreadID: "t", RoundNumber: 0, Mode: "debate", Participants: roster3()}},
		Messages: []domain.Message{
			{ID: "t_r0_user", Role: domain.RoleUser, RoundNumber: 0, Parts: []domain.Part{{Text: "q", State: domain.PartDone}}, CreatedAt: t0},
			response(0, "a", domain.PartDone, domain.CompletionStop),
			response(1, "b", domain.PartDone, domain.CompletionStop),
			response(2, "c", domain.PartDone, domain.CompletionStop),
		},
	}, t0)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if s.Rounds[0].Phase != phase.Synthesis {
		t.Fatalf("Phase = %s, want SYNTHESIS", s.Rounds[0].Phase)
	}
	wantAction(t, s, ActionWait, 0)

	s = mustApply(t, s, ResumePlanned{Decision: resume.Decision{Reason: resume.ReasonRoundComplete}, At: t0})
	wantAction(t, s, ActionStartSynthesis, 0)
}

func TestRestore_KeepsStop(t *testing.T) {
	s := mustApply(t, start(t, false), live(response(0, "a", domain.PartDone, domain.CompletionStop)))
	s = mustApply(t, s, StopRequested{RoundNumber: 0, At: t0})
	stopped := s.Outbox.Configs[0]

	back, err := Restore("t", Settings{}, Snapshot{Configs: []domain.RoundConfig{stopped}, Messages: s.Messages}, t0)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	back = mustApply(t, back, ResumePlanned{
		Decision: resume.Decision{Plan: &resume.Plan{RoundNumber: 0, NextParticipantIndex: 1}, Reason: resume.ReasonResume},
		At:       t0,
	})
	wantAction(t, back, ActionWait, 0)
	if st, _ := RoundStatus(back, 0); !st.Stopped {
		t.Error("restored round Stopped = false")
	}

	back = mustApply(t, back, RegenerateRequested{RoundNumber: 0, At: t0})
	if len(back.Outbox.Configs) != 1 || back.Outbox.Configs[0].Stopped {
		t.Errorf("regenerate configs = %+v, want cleared stop", back.Outbox.Configs)
	}
	wantAction(t, back, ActionInvokeParticipant, 0)
}

func TestRestore_DisplaySearchWithoutSnapshot(t *testing.T) {
	s, err := Restore("t", Settings{}, Snapshot{
		Records: []*domain.PhaseRecord{{ThreadID: "t", RoundNumber: 2, Kind: domain.PhaseKindSearch, Status: domain.StatusComplete}},
	}, t0)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(s.Rounds) != 0 {
		t.Errorf("Rounds = %v, want none", s.Rounds)
	}

	items := Timeline(s.Clone())
	if len(items) != 1 || items[0].Kind != timeline.ItemSearch || items[0].RoundNumber != 2 {
		t.Errorf("Timeline() = %+v, want display-only search", items)
	}
}

func TestApply_StaleLiveSnapshotKeepsCompletedResponse(t *testing.T) {
	s := start(t, false)
	s = mustApply(t, s, ParticipantDispatched{RoundNumber: 0, ParticipantIndex: 0, At: t0})
	s = mustApply(t, s, live(response(0, "full answer", domain.PartDone, domain.CompletionStop)))
	wantAction(t, s, ActionInvokeParticipant, 1)

	s = mustApply(t, s, live(response(0, "full", domain.PartStreaming, "")))
	if len(s.Outbox.Messages) != 0 {
		t.Errorf("stale snapshot persisted: %+v", s.Outbox.Messages)
	}
	st, err := RoundStatus(s, 0)
	if err != nil {
		t.Fatalf("RoundStatus() error = %v", err)
	}
	if st.Completion.CompletedCount != 1 {
		t.Errorf("CompletedCount = %d, want 1", st.Completion.CompletedCount)
	}
	if got := s.RoundMessages(0)[1].Text(); got != "full answer" {
		t.Errorf("response text = %q, want %q", got, "full answer")
	}
	wantAction(t, s, ActionInvokeParticipant, 1)
}

func TestNextAction_Empty(t *testing.T) {
	if act := NextAction(New("t", Settings{})); act.Kind != ActionWait {
		t.Errorf("NextAction() = %s, want wait", act.Kind)
	}
	if _, err := RoundStatus(New("t", Settings{}), 0); err == nil {
		t.Error("RoundStatus() error = nil for unknown round")
	}
}
