package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
)

func TestMemoryStore_SaveMessage(t *testing.T) {
	store := New()
	ctx := context.Background()

	msg := &domain.Message{
		ID:          domain.ParticipantMessageID("th", 2, 1),
		ThreadID:    "th",
		Role:        domain.RoleAssistant,
		RoundNumber: 2,
		Parts:       []domain.Part{{Text: "par", State: domain.PartStreaming}},
	}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	msg.Parts[0].Text = "mutated"

	update := msg.Clone()
	update.Parts = []domain.Part{{Text: "partial answer", State: domain.PartDone}}
	update.RoundNumber = 5
	if err := store.SaveMessage(ctx, &update); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	got, err := store.ListMessages(ctx, "th")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListMessages() len = %d, want 1", len(got))
	}
	if got[0].Text() != "partial answer" {
		t.Errorf("Text() = %q, want %q", got[0].Text(), "partial answer")
	}
	if got[0].RoundNumber != 2 {
		t.Errorf("RoundNumber = %d, want 2", got[0].RoundNumber)
	}
	if got[0].Origin != domain.OriginDurable {
		t.Errorf("Origin = %q, want durable", got[0].Origin)
	}

	if err := store.SaveMessage(ctx, &domain.Message{ID: "x"}); err == nil {
		t.Error("SaveMessage() expected error for missing thread id")
	}
}

func TestMemoryStore_PhaseRecords(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	writes := []domain.PhaseStatus{domain.StatusStreaming, domain.StatusFailed, domain.StatusPending}
	for _, st := range writes {
		rec := &domain.PhaseRecord{ThreadID: "th", RoundNumber: 0, Kind: domain.PhaseKindSynthesis, Status: st, UpdatedAt: now}
		if err := store.SavePhaseRecord(ctx, rec); err != nil {
			t.Fatalf("SavePhaseRecord() error = %v", err)
		}
	}
	search := &domain.PhaseRecord{ThreadID: "th", RoundNumber: 0, Kind: domain.PhaseKindSearch, Status: domain.StatusPending}
	if err := store.SavePhaseRecord(ctx, search); err != nil {
		t.Fatalf("SavePhaseRecord() error = %v", err)
	}

	recs, err := store.ListPhaseRecords(ctx, "th")
	if err != nil {
		t.Fatalf("ListPhaseRecords() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListPhaseRecords() len = %d, want 2", len(recs))
	}
	if recs[0].Kind != domain.PhaseKindSearch || recs[1].Status != domain.StatusFailed {
		t.Errorf("records = %+v, %+v", recs[0], recs[1])
	}

	if err := store.SavePhaseRecord(ctx, &domain.PhaseRecord{Kind: "other"}); err == nil {
		t.Error("SavePhaseRecord() expected error for unknown kind")
	}
}

func TestMemoryStore_ConfigsChangelogEvents(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, round := range []int{2, 0, 1} {
		if err := store.SaveRoundConfig(ctx, &domain.RoundConfig{ThreadID: "th", RoundNumber: round, Mode: "debate"}); err != nil {
			t.Fatalf("SaveRoundConfig() error = %v", err)
		}
	}
	configs, _ := store.ListRoundConfigs(ctx, "th")
	for i, c := range configs {
		if c.RoundNumber != i {
			t.Errorf("configs[%d].RoundNumber = %d", i, c.RoundNumber)
		}
	}

	err := store.AppendChangelog(ctx, []domain.ChangelogEntry{
		{ThreadID: "th", RoundNumber: 2, Kind: domain.ChangeRemoved},
		{ThreadID: "th", RoundNumber: 1, Kind: domain.ChangeAdded},
	})
	if err != nil {
		t.Fatalf("AppendChangelog() error = %v", err)
	}
	log, _ := store.ListChangelog(ctx, "th")
	if len(log) != 2 || log[0].Kind != domain.ChangeAdded {
		t.Errorf("ListChangelog() = %+v", log)
	}

	for i, id := range []string{"a", "b", "c"} {
		ev := &domain.RoundEvent{ID: id, ThreadID: "th", RoundNumber: i % 2, Type: domain.RoundEventStarted}
		if err := store.AppendRoundEvent(ctx, ev); err != nil {
			t.Fatalf("AppendRoundEvent() error = %v", err)
		}
	}

	tests := []struct {
		name string
		opts ports.EventListOptions
		want []string
	}{
		{"all", ports.EventListOptions{}, []string{"a", "b", "c"}},
		{"round 0", ports.EventListOptions{RoundNumber: domain.IntPtr(0)}, []string{"a", "c"}},
		{"offset past end", ports.EventListOptions{Offset: 10}, nil},
		{"limit", ports.EventListOptions{Limit: 1, Offset: 1}, []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRoundEvents(ctx, "th", tt.opts)
			if err != nil {
				t.Fatalf("ListRoundEvents() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListRoundEvents() len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("event[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestMemoryStore_DeleteRoundContent(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, m := range []*domain.Message{
		{ID: domain.UserMessageID("th", 0), ThreadID: "th", Role: domain.RoleUser},
		{ID: domain.ParticipantMessageID("th", 0, 0), ThreadID: "th", Role: domain.RoleAssistant},
		{ID: domain.ModeratorMessageID("th", 0), ThreadID: "th", Role: domain.RoleModerator},
	} {
		if err := store.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
	}
	rec := &domain.PhaseRecord{ThreadID: "th", Kind: domain.PhaseKindSearch, Status: domain.StatusComplete}
	if err := store.SavePhaseRecord(ctx, rec); err != nil {
		t.Fatalf("SavePhaseRecord() error = %v", err)
	}

	if err := store.DeleteRoundContent(ctx, "th", 0); err != nil {
		t.Fatalf("DeleteRoundContent() error = %v", err)
	}
	if err := store.DeleteRoundContent(ctx, "unknown", 0); err != nil {
		t.Fatalf("DeleteRoundContent(unknown) error = %v", err)
	}

	msgs, _ := store.ListMessages(ctx, "th")
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Errorf("remaining messages = %+v", msgs)
	}
	recs, _ := store.ListPhaseRecords(ctx, "th")
	if len(recs) != 0 {
		t.Errorf("remaining records = %+v", recs)
	}
}
