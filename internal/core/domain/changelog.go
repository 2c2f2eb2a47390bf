package domain

import "time"

// ChangeKind is the type of a roster change between consecutive rounds.
type ChangeKind string

const (
	ChangeAdded       ChangeKind = "added"
	ChangeRemoved     ChangeKind = "removed"
	ChangeReordered   ChangeKind = "reordered"
	ChangeRoleChanged ChangeKind = "role_changed"
	ChangeModeChanged ChangeKind = "mode_changed"
)

// ChangePayload carries the details of a ChangelogEntry. Only the fields
// relevant to the entry kind are set.
type ChangePayload struct {
	ParticipantID string   `json:"participant_id,omitempty"`
	ModelRef      string   `json:"model_ref,omitempty"`
	OldRole       string   `json:"old_role,omitempty"`
	NewRole       string   `json:"new_role,omitempty"`
	OldMode       string   `json:"old_mode,omitempty"`
	NewMode       string   `json:"new_mode,omitempty"`
	OldOrder      []string `json:"old_order,omitempty"`
	NewOrder      []string `json:"new_order,omitempty"`
}

// ChangelogEntry records one configuration difference between a round and
// its predecessor.
type ChangelogEntry struct {
	ThreadID    string        `json:"thread_id"`
	RoundNumber int           `json:"round_number"`
	Kind        ChangeKind    `json:"kind"`
	Payload     ChangePayload `json:"payload"`
	CreatedAt   time.Time     `json:"created_at"`
}
