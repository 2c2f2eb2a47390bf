package domain

import (
	"time"
)

// RoundEvent is an auditable lifecycle event for a round. Events are
// published to an EventPublisher for decoupled consumers (storage, analytics).
type RoundEvent struct {
	ID               string         `json:"id"`
	ThreadID         string         `json:"thread_id"`
	RoundNumber      int            `json:"round_number"`
	Type             RoundEventType `json:"type"`
	Phase            string         `json:"phase,omitempty"`
	ParticipantIndex *int           `json:"participant_index,omitempty"`
	Detail           string         `json:"detail,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RoundEventType identifies the type of round lifecycle event.
type RoundEventType string

const (
	RoundEventStarted              RoundEventType = "round.started"
	RoundEventPhaseChanged         RoundEventType = "round.phase_changed"
	RoundEventParticipantInvoked   RoundEventType = "round.participant_invoked"
	RoundEventSynthesisRequested   RoundEventType = "round.synthesis_requested"
	RoundEventWatchdogForced       RoundEventType = "round.watchdog_forced"
	RoundEventStopped              RoundEventType = "round.stopped"
	RoundEventRegenerated          RoundEventType = "round.regenerated"
	RoundEventCompleted            RoundEventType = "round.completed"
	RoundEventResumePlanned        RoundEventType = "round.resume_planned"
	RoundEventParticipantAbandoned RoundEventType = "round.participant_abandoned"
)
