package direct

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/storage/memory"
)

func TestNewPublisher_NilStorage(t *testing.T) {
	_, err := NewPublisher(nil)
	if err == nil {
		t.Fatal("Expected error for nil storage")
	}
	if err.Error() != "thread store required" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPublish(t *testing.T) {
	store := memory.New()
	publisher, err := NewPublisher(store)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	publisher.now = func() time.Time { return fixed }

	ctx := context.Background()
	events := []*domain.RoundEvent{
		{ThreadID: "th", RoundNumber: 0, Type: domain.RoundEventStarted},
		{ID: "given", ThreadID: "th", RoundNumber: 0, Type: domain.RoundEventParticipantInvoked, ParticipantIndex: domain.IntPtr(1), CreatedAt: fixed.Add(time.Minute)},
	}
	for _, ev := range events {
		if err := publisher.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if events[0].ID != "" {
		t.Errorf("Publish() modified the caller's event")
	}

	got, err := store.ListRoundEvents(ctx, "th", ports.EventListOptions{})
	if err != nil {
		t.Fatalf("ListRoundEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRoundEvents() len = %d, want 2", len(got))
	}
	if got[0].ID == "" || !got[0].CreatedAt.Equal(fixed) {
		t.Errorf("generated event = %+v", got[0])
	}
	if got[1].ID != "given" || !got[1].CreatedAt.Equal(fixed.Add(time.Minute)) {
		t.Errorf("explicit event = %+v", got[1])
	}
}

func TestClose(t *testing.T) {
	publisher, _ := NewPublisher(memory.New())
	if err := publisher.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
