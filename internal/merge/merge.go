// Package merge collapses messages arriving from the live stream and from
// persistence into one canonical, ordered list.
package merge

import (
	"strconv"

	"github.com/tjfontaine/polyglot-roundtable/internal/completion"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// Key returns the semantic key of msg. Two messages with the same key
// describe the same logical message even when their ids differ.
//
// User messages are keyed by round, with trigger messages in their own slot.
// Assistant messages are keyed by round plus participant id, participant
// index or model reference, in that order of preference. Moderator messages
// are keyed by round. Anything else is keyed by its id.
func Key(msg *domain.Message) string {
	round := strconv.Itoa(msg.RoundNumber)
	switch md := msg.Metadata.(type) {
	case domain.UserMetadata:
		if md.IsTrigger {
			return "trigger:" + round
		}
		return "user:" + round
	case domain.AssistantMetadata:
		switch {
		case md.ParticipantID != "":
			return "assistant:" + round + ":id:" + md.ParticipantID
		case md.ParticipantIndex != nil:
			return "assistant:" + round + ":index:" + strconv.Itoa(*md.ParticipantIndex)
		case md.ModelRef != "":
			return "assistant:" + round + ":model:" + md.ModelRef
		}
	case domain.ModeratorMetadata:
		return "moderator:" + round
	}
	return "id:" + msg.ID
}

// Merge returns the canonical message list for live and stored messages.
//
// Live messages come first in arrival order, followed by stored messages
// whose key no live message satisfies. A repeated id keeps its first
// position and takes the content of the latest live snapshot, except that
// an incomplete snapshot never replaces a complete one. Within a key a
// durable message replaces an optimistic one in place, while a later
// optimistic duplicate of a durable key and same-origin duplicates are
// dropped. A stored snapshot of an id replaces the live one only when it
// completes a message the live stream left incomplete. Trigger user
// messages are dropped when their round has a real user message.
//
// Merge never modifies its inputs and is idempotent: merging a canonical
// list with itself returns it unchanged.
func Merge(live, stored []domain.Message) []domain.Message {
	m := newMerger(len(live) + len(stored))
	for i := range live {
		m.add(live[i], false)
	}
	for i := range stored {
		m.add(stored[i], true)
	}
	return m.result()
}

type merger struct {
	out   []domain.Message
	byID  map[string]int
	byKey map[string]int
}

func newMerger(n int) *merger {
	return &merger{
		out:   make([]domain.Message, 0, n),
		byID:  make(map[string]int, n),
		byKey: make(map[string]int, n),
	}
}

func (m *merger) add(msg domain.Message, stored bool) {
	msg = msg.Clone()
	if msg.Origin == "" {
		msg.Origin = domain.InferOrigin(msg.ID)
	}

	if pos, ok := m.byID[msg.ID]; ok {
		existing := &m.out[pos]
		if existing.ID != msg.ID {
			// The id was superseded by a durable message.
			return
		}
		complete, had := completion.IsMessageComplete(&msg), completion.IsMessageComplete(existing)
		if had && !complete {
			return
		}
		if stored && (had || !complete) {
			return
		}
		msg.RoundNumber = existing.RoundNumber
		m.out[pos] = msg
		if key := Key(&msg); !m.hasKey(key) {
			m.byKey[key] = pos
		}
		return
	}

	key := Key(&msg)
	if pos, ok := m.byKey[key]; ok {
		m.byID[msg.ID] = pos
		if msg.Origin == domain.OriginDurable && m.out[pos].Origin != domain.OriginDurable {
			m.out[pos] = msg
		}
		return
	}

	m.out = append(m.out, msg)
	pos := len(m.out) - 1
	m.byID[msg.ID] = pos
	m.byKey[key] = pos
}

func (m *merger) hasKey(key string) bool {
	_, ok := m.byKey[key]
	return ok
}

func (m *merger) result() []domain.Message {
	hasUser := make(map[int]bool)
	for i := range m.out {
		msg := &m.out[i]
		if msg.Role == domain.RoleUser && !msg.IsTrigger() {
			hasUser[msg.RoundNumber] = true
		}
	}

	out := m.out[:0]
	for _, msg := range m.out {
		if msg.IsTrigger() && hasUser[msg.RoundNumber] {
			continue
		}
		out = append(out, msg)
	}
	return out
}
