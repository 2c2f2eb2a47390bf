package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleModerator Role = "moderator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleModerator:
		return true
	}
	return false
}

// PartState tracks whether a message part is still receiving text.
type PartState string

const (
	PartStreaming PartState = "streaming"
	PartDone      PartState = "done"
)

// Part is one append-only text segment of a message.
type Part struct {
	Text  string    `json:"text"`
	State PartState `json:"state"`
}

// CompletionReason is the finish reason reported for a generated message.
// The empty value means no reason has been reported yet.
type CompletionReason string

const (
	CompletionStop          CompletionReason = "stop"
	CompletionLength        CompletionReason = "length"
	CompletionToolCalls     CompletionReason = "tool-calls"
	CompletionContentFilter CompletionReason = "content-filter"
	CompletionError         CompletionReason = "error"
	CompletionFailed        CompletionReason = "failed"
	CompletionOther         CompletionReason = "other"
	CompletionUnknown       CompletionReason = "unknown"
)

// IsError reports whether the reason marks a failed generation.
func (c CompletionReason) IsError() bool {
	return c == CompletionError || c == CompletionFailed
}

// Origin records whether a message id was assigned optimistically by a client
// or is the durable id issued by persistence.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginDurable    Origin = "durable"
)

// MessageMetadata is the role-specific part of a message. It is implemented
// by UserMetadata, AssistantMetadata and ModeratorMetadata only; consumers
// switch on the concrete type.
type MessageMetadata interface {
	Role() Role
	isMessageMetadata()
}

// UserMetadata is attached to user messages.
type UserMetadata struct {
	// IsTrigger marks a synthetic message that only kicks off generation.
	IsTrigger bool `json:"is_trigger,omitempty"`
}

func (UserMetadata) Role() Role          { return RoleUser }
func (UserMetadata) isMessageMetadata() {}

// AssistantMetadata is attached to participant responses.
type AssistantMetadata struct {
	ParticipantID    string           `json:"participant_id,omitempty"`
	ParticipantIndex *int             `json:"participant_index,omitempty"`
	ModelRef         string           `json:"model_ref,omitempty"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
}

func (AssistantMetadata) Role() Role          { return RoleAssistant }
func (AssistantMetadata) isMessageMetadata() {}

// ModeratorMetadata is attached to synthesis messages.
type ModeratorMetadata struct {
	ModelRef         string           `json:"model_ref,omitempty"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
}

func (ModeratorMetadata) Role() Role          { return RoleModerator }
func (ModeratorMetadata) isMessageMetadata() {}

// Message is a single user, participant or moderator message within a round.
// RoundNumber never changes after creation. A nil Parts slice means the
// message body has not been delivered at all.
type Message struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"thread_id"`
	Role        Role            `json:"role"`
	RoundNumber int             `json:"round_number"`
	Parts       []Part          `json:"parts"`
	Origin      Origin          `json:"origin,omitempty"`
	Metadata    MessageMetadata `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IntPtr returns a pointer to v. It keeps participant index literals short.
func IntPtr(v int) *int {
	return &v
}

// Text returns the concatenated text of all parts.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// HasText reports whether any part carries non-blank text.
func (m *Message) HasText() bool {
	for _, p := range m.Parts {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// IsStreaming reports whether any part is still streaming.
func (m *Message) IsStreaming() bool {
	for _, p := range m.Parts {
		if p.State == PartStreaming {
			return true
		}
	}
	return false
}

// CompletionReason returns the finish reason for assistant and moderator
// messages. User messages have none.
func (m *Message) CompletionReason() CompletionReason {
	switch md := m.Metadata.(type) {
	case AssistantMetadata:
		return md.CompletionReason
	case ModeratorMetadata:
		return md.CompletionReason
	case UserMetadata, nil:
		return ""
	default:
		panic(fmt.Sprintf("domain: unexpected metadata type %T", md))
	}
}

// WithCompletionReason returns a copy of m carrying the given reason.
// User messages are returned unchanged.
func (m Message) WithCompletionReason(reason CompletionReason) Message {
	out := m.Clone()
	switch md := out.Metadata.(type) {
	case AssistantMetadata:
		md.CompletionReason = reason
		out.Metadata = md
	case ModeratorMetadata:
		md.CompletionReason = reason
		out.Metadata = md
	case UserMetadata, nil:
	default:
		panic(fmt.Sprintf("domain: unexpected metadata type %T", md))
	}
	return out
}

// Assistant returns the assistant metadata when m is a participant response.
func (m *Message) Assistant() (AssistantMetadata, bool) {
	md, ok := m.Metadata.(AssistantMetadata)
	return md, ok && m.Role == RoleAssistant
}

// IsTrigger reports whether m is a synthetic trigger user message.
func (m *Message) IsTrigger() bool {
	md, ok := m.Metadata.(UserMetadata)
	return ok && m.Role == RoleUser && md.IsTrigger
}

// ModelRef returns the model reference for assistant and moderator messages.
func (m *Message) ModelRef() string {
	switch md := m.Metadata.(type) {
	case AssistantMetadata:
		return md.ModelRef
	case ModeratorMetadata:
		return md.ModelRef
	}
	return ""
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Parts != nil {
		parts := make([]Part, len(m.Parts))
		copy(parts, m.Parts)
		m.Parts = parts
	}
	if md, ok := m.Metadata.(AssistantMetadata); ok && md.ParticipantIndex != nil {
		md.ParticipantIndex = IntPtr(*md.ParticipantIndex)
		m.Metadata = md
	}
	return m
}

// Normalize fills defaults that older payloads may omit: metadata matching
// the role, and an origin derived from the id shape.
func (m Message) Normalize() Message {
	if m.Metadata == nil {
		switch m.Role {
		case RoleUser:
			m.Metadata = UserMetadata{}
		case RoleAssistant:
			m.Metadata = AssistantMetadata{}
		case RoleModerator:
			m.Metadata = ModeratorMetadata{}
		}
	}
	if m.Origin == "" {
		m.Origin = InferOrigin(m.ID)
	}
	return m
}

// Validate checks the message is internally consistent.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrInvalidRequest("message id is required").WithParam("id")
	}
	if !m.Role.Valid() {
		return ErrInvalidRequest(fmt.Sprintf("unknown role %q", m.Role)).WithParam("role")
	}
	if m.RoundNumber < 0 {
		return ErrInvalidRequest("round number must be non-negative").WithParam("round_number")
	}
	if m.Metadata != nil && m.Metadata.Role() != m.Role {
		return ErrInvalidRequest(fmt.Sprintf("metadata for %s attached to %s message", m.Metadata.Role(), m.Role)).
			WithParam("metadata")
	}
	switch m.Origin {
	case "", OriginOptimistic, OriginDurable:
	default:
		return ErrInvalidRequest(fmt.Sprintf("unknown origin %q", m.Origin)).WithParam("origin")
	}
	return nil
}

type messageJSON struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"thread_id"`
	Role        Role            `json:"role"`
	RoundNumber int             `json:"round_number"`
	Parts       []Part          `json:"parts"`
	Origin      Origin          `json:"origin,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		Role:        m.Role,
		RoundNumber: m.RoundNumber,
		Parts:       m.Parts,
		Origin:      m.Origin,
		CreatedAt:   m.CreatedAt,
	}
	if m.Metadata != nil {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		out.Metadata = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Metadata is decoded according
// to the message role.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	md, err := DecodeMetadata(in.Role, in.Metadata)
	if err != nil {
		return err
	}

	*m = Message{
		ID:          in.ID,
		ThreadID:    in.ThreadID,
		Role:        in.Role,
		RoundNumber: in.RoundNumber,
		Parts:       in.Parts,
		Origin:      in.Origin,
		Metadata:    md,
		CreatedAt:   in.CreatedAt,
	}
	return nil
}

// DecodeMetadata decodes raw metadata JSON for the given role.
// Empty input yields the zero metadata for the role.
func DecodeMetadata(role Role, raw []byte) (MessageMetadata, error) {
	empty := len(raw) == 0 || string(raw) == "null"
	switch role {
	case RoleUser:
		var md UserMetadata
		if !empty {
			if err := json.Unmarshal(raw, &md); err != nil {
				return nil, fmt.Errorf("decode user metadata: %w", err)
			}
		}
		return md, nil
	case RoleAssistant:
		var md AssistantMetadata
		if !empty {
			if err := json.Unmarshal(raw, &md); err != nil {
				return nil, fmt.Errorf("decode assistant metadata: %w", err)
			}
		}
		return md, nil
	case RoleModerator:
		var md ModeratorMetadata
		if !empty {
			if err := json.Unmarshal(raw, &md); err != nil {
				return nil, fmt.Errorf("decode moderator metadata: %w", err)
			}
		}
		return md, nil
	default:
		return nil, fmt.Errorf("unknown message role %q", role)
	}
}
