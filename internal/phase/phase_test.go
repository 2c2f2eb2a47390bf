package phase

import (
	"reflect"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/completion"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

func TestInitial(t *testing.T) {
	if got := Initial(true); got != PreSearch {
		t.Errorf("Initial(true) = %s, want %s", got, PreSearch)
	}
	if got := Initial(false); got != Participants {
		t.Errorf("Initial(false) = %s, want %s", got, Participants)
	}
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		name        string
		current     Phase
		in          Inputs
		want        Phase
		wantEntered []Phase
	}{
		{
			name:    "search still streaming",
			current: PreSearch,
			in:      Inputs{SearchStatus: domain.StatusStreaming, ParticipantsComplete: true},
			want:    PreSearch,
		},
		{
			name:        "failed search still advances",
			current:     PreSearch,
			in:          Inputs{SearchStatus: domain.StatusFailed},
			want:        Participants,
			wantEntered: []Phase{Participants},
		},
		{
			name:        "late search completion cascades",
			current:     PreSearch,
			in:          Inputs{SearchStatus: domain.StatusComplete, ParticipantsComplete: true},
			want:        Synthesis,
			wantEntered: []Phase{Participants, Synthesis},
		},
		{
			name:        "full cascade",
			current:     PreSearch,
			in:          Inputs{SearchStatus: domain.StatusComplete, ParticipantsComplete: true, SynthesisStatus: domain.StatusFailed},
			want:        Complete,
			wantEntered: []Phase{Participants, Synthesis, Complete},
		},
		{
			name:    "participants incomplete",
			current: Participants,
			in:      Inputs{SynthesisStatus: domain.StatusComplete},
			want:    Participants,
		},
		{
			name:    "complete is final",
			current: Complete,
			in:      Inputs{},
			want:    Complete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, entered := Advance(tt.current, tt.in)
			if got != tt.want {
				t.Errorf("Advance() = %s, want %s", got, tt.want)
			}
			if !reflect.DeepEqual(entered, tt.wantEntered) {
				t.Errorf("Advance() entered = %v, want %v", entered, tt.wantEntered)
			}
		})
	}
}

func TestAdvance_NeverMovesBackwards(t *testing.T) {
	statuses := []domain.PhaseStatus{"", domain.StatusPending, domain.StatusStreaming, domain.StatusComplete, domain.StatusFailed}
	for _, start := range []Phase{PreSearch, Participants, Synthesis, Complete} {
		for _, s := range statuses {
			for _, y := range statuses {
				for _, done := range []bool{false, true} {
					got, _ := Advance(start, Inputs{SearchStatus: s, ParticipantsComplete: done, SynthesisStatus: y})
					if got.Before(start) {
						t.Errorf("Advance(%s) moved back to %s", start, got)
					}
				}
			}
		}
	}
}

func TestThresholds_RecordStale(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	th := DefaultThresholds()

	search := &domain.PhaseRecord{Kind: domain.PhaseKindSearch, Status: domain.StatusStreaming, CreatedAt: t0}
	if th.RecordStale(search, t0.Add(44*time.Second)) {
		t.Error("search stale before 45s")
	}
	if !th.RecordStale(search, t0.Add(45*time.Second)) {
		t.Error("search not stale at 45s")
	}

	synthesis := &domain.PhaseRecord{Kind: domain.PhaseKindSynthesis, Status: domain.StatusStreaming, CreatedAt: t0}
	if th.RecordStale(synthesis, t0.Add(60*time.Second)) {
		t.Error("synthesis stale before 90s")
	}

	done := &domain.PhaseRecord{Kind: domain.PhaseKindSearch, Status: domain.StatusComplete, CreatedAt: t0}
	if th.RecordStale(done, t0.Add(time.Hour)) {
		t.Error("terminal record reported stale")
	}
}

func TestForceRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 1, 0, 0, time.UTC)
	rec := &domain.PhaseRecord{Kind: domain.PhaseKindSearch, Status: domain.StatusStreaming}

	got, changed := ForceRecord(rec, now)
	if !changed || got.Status != domain.StatusComplete || !got.UpdatedAt.Equal(now) {
		t.Errorf("ForceRecord() = %+v, %v", got, changed)
	}
	if rec.Status != domain.StatusStreaming {
		t.Error("ForceRecord mutated its input")
	}

	failed := &domain.PhaseRecord{Status: domain.StatusFailed}
	if got, changed := ForceRecord(failed, now); changed || got.Status != domain.StatusFailed {
		t.Errorf("ForceRecord(failed) = %s, %v", got.Status, changed)
	}
}

func TestForceMessage(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	withText := domain.Message{
		ID: "t_r0_p0", Role: domain.RoleAssistant, CreatedAt: t0,
		Parts:    []domain.Part{{Text: "half an answ", State: domain.PartStreaming}},
		Metadata: domain.AssistantMetadata{},
	}
	empty := withText.Clone()
	empty.Parts[0].Text = ""

	th := DefaultThresholds()
	if !th.MessageStale(&withText, t0.Add(time.Minute)) {
		t.Fatal("MessageStale() = false at 60s")
	}

	forced := ForceMessage(withText)
	if forced.CompletionReason() != domain.CompletionUnknown || !completion.IsMessageComplete(&forced) {
		t.Errorf("forced message with text: reason %q complete %v", forced.CompletionReason(), completion.IsMessageComplete(&forced))
	}

	forcedEmpty := ForceMessage(empty)
	if forcedEmpty.CompletionReason() != domain.CompletionFailed || !completion.IsMessageComplete(&forcedEmpty) {
		t.Errorf("forced empty message: reason %q", forcedEmpty.CompletionReason())
	}
	if !withText.IsStreaming() {
		t.Error("ForceMessage mutated its input")
	}
}
