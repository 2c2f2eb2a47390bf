package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// OptimisticIDPrefix prefixes ids assigned before persistence confirms a message.
const OptimisticIDPrefix = "tmp_"

var durableIDPattern = regexp.MustCompile(`^(.+)_r(\d+)_(p\d+|user|moderator)$`)

// DurableID is the parsed form of a persistence-issued message id:
// {threadId}_r{round}_{p<index>|user|moderator}.
type DurableID struct {
	ThreadID         string
	RoundNumber      int
	Role             Role
	ParticipantIndex int // only meaningful for assistant ids
}

// String formats the id.
func (d DurableID) String() string {
	var suffix string
	switch d.Role {
	case RoleAssistant:
		suffix = "p" + strconv.Itoa(d.ParticipantIndex)
	case RoleModerator:
		suffix = "moderator"
	default:
		suffix = "user"
	}
	return fmt.Sprintf("%s_r%d_%s", d.ThreadID, d.RoundNumber, suffix)
}

// UserMessageID returns the durable id of a round's user message.
func UserMessageID(threadID string, round int) string {
	return DurableID{ThreadID: threadID, RoundNumber: round, Role: RoleUser}.String()
}

// ParticipantMessageID returns the durable id of a participant response.
func ParticipantMessageID(threadID string, round, index int) string {
	return DurableID{ThreadID: threadID, RoundNumber: round, Role: RoleAssistant, ParticipantIndex: index}.String()
}

// ModeratorMessageID returns the durable id of a round's synthesis message.
func ModeratorMessageID(threadID string, round int) string {
	return DurableID{ThreadID: threadID, RoundNumber: round, Role: RoleModerator}.String()
}

// ParseDurableID parses id, reporting false when it does not follow the
// durable pattern.
func ParseDurableID(id string) (DurableID, bool) {
	m := durableIDPattern.FindStringSubmatch(id)
	if m == nil {
		return DurableID{}, false
	}
	round, err := strconv.Atoi(m[2])
	if err != nil {
		return DurableID{}, false
	}

	out := DurableID{ThreadID: m[1], RoundNumber: round}
	switch {
	case m[3] == "user":
		out.Role = RoleUser
	case m[3] == "moderator":
		out.Role = RoleModerator
	default:
		idx, err := strconv.Atoi(strings.TrimPrefix(m[3], "p"))
		if err != nil {
			return DurableID{}, false
		}
		out.Role = RoleAssistant
		out.ParticipantIndex = idx
	}
	return out, true
}

// NewOptimisticID returns a fresh client-side id.
func NewOptimisticID() string {
	return OptimisticIDPrefix + uuid.New().String()
}

// InferOrigin classifies a legacy id that arrived without an explicit origin.
func InferOrigin(id string) Origin {
	if _, ok := ParseDurableID(id); ok {
		return OriginDurable
	}
	return OriginOptimistic
}
