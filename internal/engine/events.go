package engine

import (
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/resume"
)

// Event is an input to Apply. The set of events is closed.
type Event interface {
	isEvent()
}

// MessageSource tells where a batch of messages came from.
type MessageSource string

const (
	SourceLive  MessageSource = "live"
	SourceStore MessageSource = "store"
)

// RoundStarted opens a new round with its configuration snapshot and user
// message. An empty user message id is replaced by the durable user id.
type RoundStarted struct {
	Config      domain.RoundConfig
	UserMessage domain.Message
	At          time.Time
}

// MessagesReceived delivers message snapshots. Live messages must belong to
// a known round; store messages only fill gaps in what is already known.
type MessagesReceived struct {
	Messages []domain.Message
	Source   MessageSource
	At       time.Time
}

// StreamChunk appends streamed text to a message. Final closes every part
// and records the completion reason if one is given.
type StreamChunk struct {
	MessageID        string
	Delta            string
	Final            bool
	CompletionReason domain.CompletionReason
	At               time.Time
}

// PhaseRecordUpdated is a write to a round's search or synthesis record.
type PhaseRecordUpdated struct {
	Record domain.PhaseRecord
	At     time.Time
}

// WatchdogTick lets the watchdog force stuck records, messages and
// directives older than their thresholds.
type WatchdogTick struct {
	Now time.Time
}

// ParticipantDispatched marks the pending directive as sent.
type ParticipantDispatched struct {
	RoundNumber      int
	ParticipantIndex int
	At               time.Time
}

// DispatchFailed reports that sending a directive failed. A nil
// ParticipantIndex refers to the synthesis request.
type DispatchFailed struct {
	RoundNumber      int
	ParticipantIndex *int
	Reason           string
	At               time.Time
}

// SynthesisDispatched marks the synthesis request as sent.
type SynthesisDispatched struct {
	RoundNumber int
	At          time.Time
}

// StopRequested halts further invocations for a round.
type StopRequested struct {
	RoundNumber int
	At          time.Time
}

// RegenerateRequested clears a round's AI output and restarts it. WebSearch
// overrides the snapshot's search setting when set.
type RegenerateRequested struct {
	RoundNumber int
	WebSearch   *bool
	At          time.Time
}

// ResumePlanned applies a resume decision computed on reattach. Rounds
// restored from persistence stay inert until one is applied.
type ResumePlanned struct {
	Decision resume.Decision
	At       time.Time
}

func (RoundStarted) isEvent()          {}
func (MessagesReceived) isEvent()      {}
func (StreamChunk) isEvent()           {}
func (PhaseRecordUpdated) isEvent()    {}
func (WatchdogTick) isEvent()          {}
func (ParticipantDispatched) isEvent() {}
func (DispatchFailed) isEvent()        {}
func (SynthesisDispatched) isEvent()   {}
func (StopRequested) isEvent()         {}
func (RegenerateRequested) isEvent()   {}
func (ResumePlanned) isEvent()         {}
