// Package timeline projects a thread's messages, roster changes and search
// records into the ordered items a client renders.
package timeline

import (
	"math"
	"sort"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// ItemKind identifies a timeline item.
type ItemKind string

const (
	ItemChangelog ItemKind = "changelog"
	ItemSearch    ItemKind = "search"
	ItemMessages  ItemKind = "messages"
)

// Item is one entry of the timeline.
type Item struct {
	Kind        ItemKind                `json:"kind"`
	RoundNumber int                     `json:"round_number"`
	Changelog   []domain.ChangelogEntry `json:"changelog,omitempty"`
	Messages    []domain.Message        `json:"messages,omitempty"`
	Search      *domain.PhaseRecord     `json:"search,omitempty"`
}

// Compose returns the timeline in ascending round order.
//
// Each round contributes a changelog item when it has changelog entries, a
// standalone search item when it has a search record but no messages, and a
// messages item otherwise. A messages item shows one user message, then the
// participant responses by participant index, then the moderator, and
// carries the round's search record inline. Records of other kinds are
// ignored.
func Compose(messages []domain.Message, changelog []domain.ChangelogEntry, searches []*domain.PhaseRecord) []Item {
	byRoundMsgs := make(map[int][]domain.Message)
	byRoundLog := make(map[int][]domain.ChangelogEntry)
	byRoundSearch := make(map[int]*domain.PhaseRecord)
	rounds := make(map[int]struct{})

	for _, m := range messages {
		byRoundMsgs[m.RoundNumber] = append(byRoundMsgs[m.RoundNumber], m)
		rounds[m.RoundNumber] = struct{}{}
	}
	for _, c := range changelog {
		byRoundLog[c.RoundNumber] = append(byRoundLog[c.RoundNumber], c)
		rounds[c.RoundNumber] = struct{}{}
	}
	for _, rec := range searches {
		if rec == nil || rec.Kind != domain.PhaseKindSearch {
			continue
		}
		byRoundSearch[rec.RoundNumber] = domain.MergePhaseRecord(byRoundSearch[rec.RoundNumber], rec)
		rounds[rec.RoundNumber] = struct{}{}
	}

	ordered := make([]int, 0, len(rounds))
	for r := range rounds {
		ordered = append(ordered, r)
	}
	sort.Ints(ordered)

	var items []Item
	for _, r := range ordered {
		if entries := byRoundLog[r]; len(entries) > 0 {
			items = append(items, Item{Kind: ItemChangelog, RoundNumber: r, Changelog: entries})
		}
		msgs := byRoundMsgs[r]
		search := byRoundSearch[r]
		if len(msgs) == 0 {
			if search != nil {
				items = append(items, Item{Kind: ItemSearch, RoundNumber: r, Search: search})
			}
			continue
		}
		items = append(items, Item{Kind: ItemMessages, RoundNumber: r, Messages: orderRound(msgs), Search: search})
	}
	return items
}

// orderRound orders one round's messages for display.
func orderRound(msgs []domain.Message) []domain.Message {
	var (
		userMsg    *domain.Message
		trigger    *domain.Message
		assistants []domain.Message
		moderators []domain.Message
	)
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case domain.RoleUser:
			if m.IsTrigger() {
				if trigger == nil {
					trigger = m
				}
			} else if userMsg == nil {
				userMsg = m
			}
		case domain.RoleAssistant:
			assistants = append(assistants, *m)
		case domain.RoleModerator:
			moderators = append(moderators, *m)
		}
	}

	sort.SliceStable(assistants, func(i, j int) bool {
		return indexOf(&assistants[i]) < indexOf(&assistants[j])
	})

	out := make([]domain.Message, 0, len(msgs))
	if userMsg == nil {
		userMsg = trigger
	}
	if userMsg != nil {
		out = append(out, *userMsg)
	}
	out = append(out, assistants...)
	return append(out, moderators...)
}

// indexOf sorts responses without an index after indexed ones.
func indexOf(m *domain.Message) int {
	if md, ok := m.Assistant(); ok && md.ParticipantIndex != nil {
		return *md.ParticipantIndex
	}
	return math.MaxInt
}
