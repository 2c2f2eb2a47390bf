package domain

// PhaseStatus is the lifecycle status of a search or synthesis record.
type PhaseStatus string

const (
	StatusPending   PhaseStatus = "pending"
	StatusStreaming PhaseStatus = "streaming"
	StatusComplete  PhaseStatus = "complete"
	StatusFailed    PhaseStatus = "failed"
)

// Rank returns the position of the status in the lattice.
// Complete and failed share the terminal rank. Unknown values rank -1.
func (s PhaseStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusStreaming:
		return 1
	case StatusComplete, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s PhaseStatus) Valid() bool {
	return s.Rank() >= 0
}

// IsTerminal reports whether s is complete or failed.
func (s PhaseStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// MergeStatus combines the current status with an incoming write.
//
// The incoming status wins only when it ranks at or above the current one,
// so late lower-rank writes are ignored. Once a record is terminal it stays
// with its first terminal status.
func MergeStatus(current, incoming PhaseStatus) PhaseStatus {
	if !incoming.Valid() {
		return current
	}
	if !current.Valid() {
		return incoming
	}
	if current.IsTerminal() {
		return current
	}
	if incoming.Rank() >= current.Rank() {
		return incoming
	}
	return current
}

// ForceComplete promotes a stuck non-terminal status to complete.
// It is reserved for the watchdog; terminal statuses are returned unchanged.
func ForceComplete(current PhaseStatus) (PhaseStatus, bool) {
	if current.IsTerminal() {
		return current, false
	}
	return StatusComplete, true
}
