// Package changelog derives the roster changes between consecutive rounds.
package changelog

import (
	"slices"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// Diff returns the changes between the effective rosters and modes of prev
// and next. Entries are ordered removed, added, role_changed, reordered,
// mode_changed. Round 0 has no predecessor and never produces entries.
func Diff(prev, next domain.RoundConfig) []domain.ChangelogEntry {
	if next.RoundNumber == 0 {
		return nil
	}

	before := prev.Roster()
	after := next.Roster()
	beforeByID := index(before)
	afterByID := index(after)

	entry := func(kind domain.ChangeKind, payload domain.ChangePayload) domain.ChangelogEntry {
		return domain.ChangelogEntry{
			ThreadID:    next.ThreadID,
			RoundNumber: next.RoundNumber,
			Kind:        kind,
			Payload:     payload,
		}
	}

	var out []domain.ChangelogEntry
	for _, p := range before {
		if _, ok := afterByID[p.ID]; !ok {
			out = append(out, entry(domain.ChangeRemoved, domain.ChangePayload{ParticipantID: p.ID, ModelRef: p.ModelRef}))
		}
	}
	for _, p := range after {
		if _, ok := beforeByID[p.ID]; !ok {
			out = append(out, entry(domain.ChangeAdded, domain.ChangePayload{ParticipantID: p.ID, ModelRef: p.ModelRef}))
		}
	}

	var oldOrder, newOrder []string
	for _, p := range after {
		old, ok := beforeByID[p.ID]
		if !ok {
			continue
		}
		newOrder = append(newOrder, p.ID)
		if old.Role != p.Role {
			out = append(out, entry(domain.ChangeRoleChanged, domain.ChangePayload{
				ParticipantID: p.ID,
				ModelRef:      p.ModelRef,
				OldRole:       old.Role,
				NewRole:       p.Role,
			}))
		}
	}
	for _, p := range before {
		if _, ok := afterByID[p.ID]; ok {
			oldOrder = append(oldOrder, p.ID)
		}
	}
	if !slices.Equal(oldOrder, newOrder) {
		out = append(out, entry(domain.ChangeReordered, domain.ChangePayload{OldOrder: oldOrder, NewOrder: newOrder}))
	}

	if prev.Mode != next.Mode {
		out = append(out, entry(domain.ChangeModeChanged, domain.ChangePayload{OldMode: prev.Mode, NewMode: next.Mode}))
	}
	return out
}

func index(r domain.Roster) map[string]domain.Participant {
	out := make(map[string]domain.Participant, len(r))
	for _, p := range r {
		out[p.ID] = p
	}
	return out
}
