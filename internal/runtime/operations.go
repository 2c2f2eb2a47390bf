package runtime

import (
	"cmp"
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/engine"
	"github.com/tjfontaine/polyglot-roundtable/internal/resume"
	"github.com/tjfontaine/polyglot-roundtable/internal/telemetry"
	"github.com/tjfontaine/polyglot-roundtable/internal/timeline"
	"github.com/tjfontaine/polyglot-roundtable/internal/tokens"
)

// StartRoundRequest opens a round with its user message.
type StartRoundRequest struct {
	// RoundNumber defaults to the round after the latest one.
	RoundNumber *int           `json:"round_number,omitempty"`
	UserMessage domain.Message `json:"user_message"`
	// WebSearch and Mode override the thread configuration for this round.
	WebSearch *bool  `json:"web_search,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// Chunk is a streamed delta of a message.
type Chunk struct {
	Delta            string                  `json:"delta"`
	Final            bool                    `json:"final"`
	CompletionReason domain.CompletionReason `json:"completion_reason,omitempty"`
}

// RoundReport is the status of a round together with its token usage.
type RoundReport struct {
	engine.Status
	Usage tokens.RoundUsage `json:"usage"`
}

func (c *Coordinator) span(ctx context.Context, name, threadID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("roundtable.thread_id", threadID))
	return c.tracer.Start(ctx, "roundtable."+name, trace.WithAttributes(attrs...))
}

// StartRound snapshots the thread configuration and opens a round.
func (c *Coordinator) StartRound(ctx context.Context, threadID string, req StartRoundRequest) (status engine.Status, err error) {
	ctx, span := c.span(ctx, "StartRound", threadID)
	defer func() { endSpan(span, err) }()

	snap, err := c.config.Snapshot(ctx, threadID)
	if err != nil {
		return engine.Status{}, domain.ErrServer("load thread configuration: " + err.Error())
	}

	err = c.do(ctx, threadID, func(s *session) error {
		n := 0
		if latest, ok := s.state.LatestRound(); ok {
			n = latest + 1
		}
		if req.RoundNumber != nil {
			n = *req.RoundNumber
		}
		cfg := domain.SnapshotRound(*snap, n)
		cfg.ThreadID = threadID
		cfg.Mode = cmp.Or(req.Mode, cfg.Mode)
		if req.WebSearch != nil {
			cfg.WebSearch = *req.WebSearch
		}
		span.SetAttributes(telemetry.RoundAttributes(threadID, n)...)

		if err := c.apply(ctx, s, engine.RoundStarted{Config: cfg, UserMessage: req.UserMessage, At: c.now().UTC()}); err != nil {
			return err
		}
		status, err = engine.RoundStatus(s.state, n)
		return err
	})
	if err != nil {
		return engine.Status{}, err
	}

	c.logger.InfoContext(ctx, "round started",
		slog.String("thread_id", threadID),
		slog.Int("round_number", status.RoundNumber),
		slog.String("phase", string(status.Phase)),
		slog.Int("participants", status.Completion.ExpectedCount))
	return status, nil
}

// PushMessages merges live messages into the thread.
func (c *Coordinator) PushMessages(ctx context.Context, threadID string, msgs []domain.Message) (err error) {
	ctx, span := c.span(ctx, "PushMessages", threadID, attribute.Int("roundtable.messages", len(msgs)))
	defer func() { endSpan(span, err) }()

	if len(msgs) == 0 {
		return domain.ErrInvalidRequest("at least one message is required").WithParam("messages")
	}
	return c.do(ctx, threadID, func(s *session) error {
		return c.apply(ctx, s, engine.MessagesReceived{Messages: msgs, Source: engine.SourceLive, At: c.now().UTC()})
	})
}

// AppendChunk appends a streamed delta to a message.
func (c *Coordinator) AppendChunk(ctx context.Context, threadID, messageID string, chunk Chunk) (err error) {
	ctx, span := c.span(ctx, "AppendChunk", threadID, attribute.String("roundtable.message_id", messageID))
	defer func() { endSpan(span, err) }()

	return c.do(ctx, threadID, func(s *session) error {
		return c.apply(ctx, s, engine.StreamChunk{
			MessageID:        messageID,
			Delta:            chunk.Delta,
			Final:            chunk.Final,
			CompletionReason: chunk.CompletionReason,
			At:               c.now().UTC(),
		})
	})
}

// UpdatePhase records a search or synthesis status update.
func (c *Coordinator) UpdatePhase(ctx context.Context, threadID string, rec domain.PhaseRecord) (err error) {
	ctx, span := c.span(ctx, "UpdatePhase", threadID,
		attribute.Int("roundtable.round_number", rec.RoundNumber),
		attribute.String("roundtable.phase", string(rec.Kind)))
	defer func() { endSpan(span, err) }()

	return c.do(ctx, threadID, func(s *session) error {
		rec.ThreadID = threadID
		return c.apply(ctx, s, engine.PhaseRecordUpdated{Record: rec, At: c.now().UTC()})
	})
}

// StreamReporter accepts stream state reports from the transport.
type StreamReporter interface {
	Report(threadID string, round, participantIndex int, active bool)
}

// ReportStream records whether the transport has a participant stream open.
func (c *Coordinator) ReportStream(ctx context.Context, threadID string, round, participantIndex int, active bool) error {
	if threadID == "" {
		return domain.ErrInvalidRequest("thread id is required").WithParam("thread_id")
	}
	if round < 0 || participantIndex < 0 {
		return domain.ErrInvalidRequest("round and participant index must be non-negative")
	}
	reporter, ok := c.streams.(StreamReporter)
	if !ok {
		return domain.ErrServer("stream registry does not accept reports")
	}
	reporter.Report(threadID, round, participantIndex, active)
	c.logger.DebugContext(ctx, "stream reported",
		slog.String("thread_id", threadID),
		slog.Int("round_number", round),
		slog.Int("participant_index", participantIndex),
		slog.Bool("active", active))
	return nil
}

// Stop halts invocation for a round. Partial responses are kept.
func (c *Coordinator) Stop(ctx context.Context, threadID string, round int) (status engine.Status, err error) {
	ctx, span := c.span(ctx, "Stop", threadID, attribute.Int("roundtable.round_number", round))
	defer func() { endSpan(span, err) }()

	err = c.do(ctx, threadID, func(s *session) error {
		if err := c.apply(ctx, s, engine.StopRequested{RoundNumber: round, At: c.now().UTC()}); err != nil {
			return err
		}
		status, err = engine.RoundStatus(s.state, round)
		return err
	})
	return status, err
}

// Regenerate clears the AI content of the latest round and runs it again.
// webSearch, when set, overrides the round's search setting for the retry.
func (c *Coordinator) Regenerate(ctx context.Context, threadID string, round int, webSearch *bool) (status engine.Status, err error) {
	ctx, span := c.span(ctx, "Regenerate", threadID, attribute.Int("roundtable.round_number", round))
	defer func() { endSpan(span, err) }()

	err = c.do(ctx, threadID, func(s *session) error {
		if err := c.apply(ctx, s, engine.RegenerateRequested{RoundNumber: round, WebSearch: webSearch, At: c.now().UTC()}); err != nil {
			return err
		}
		status, err = engine.RoundStatus(s.state, round)
		return err
	})
	if err == nil {
		c.logger.InfoContext(ctx, "round regenerated",
			slog.String("thread_id", threadID),
			slog.Int("round_number", round),
			slog.String("phase", string(status.Phase)))
	}
	return status, err
}

// Attach re-synchronises a thread with the store and plans where it should
// pick up. A configuration drift is returned as a conflict together with
// the decision.
func (c *Coordinator) Attach(ctx context.Context, threadID string) (decision resume.Decision, err error) {
	ctx, span := c.span(ctx, "Attach", threadID)
	defer func() { endSpan(span, err) }()

	current, cfgErr := c.config.Snapshot(ctx, threadID)
	if cfgErr != nil {
		c.logger.WarnContext(ctx, "thread configuration unavailable, planning against round snapshot",
			slog.String("thread_id", threadID),
			slog.String("error", cfgErr.Error()))
	}

	var round int
	err = c.do(ctx, threadID, func(s *session) error {
		if err := c.resync(ctx, s); err != nil {
			return err
		}
		decision, round = c.plan(ctx, s, current)
		return c.apply(ctx, s, engine.ResumePlanned{Decision: decision, At: c.now().UTC()})
	})
	if err != nil {
		return resume.Decision{}, err
	}

	span.SetAttributes(attribute.String("roundtable.resume_reason", string(decision.Reason)))
	c.logger.InfoContext(ctx, "thread attached",
		slog.String("thread_id", threadID),
		slog.Int("round_number", round),
		slog.String("reason", string(decision.Reason)))

	if decision.Reason == resume.ReasonConfigurationDrift {
		return decision, domain.ErrConfigurationDrift(round)
	}
	return decision, nil
}

// plan runs the resumption planner. Drift is judged against the current
// thread configuration; the participant to invoke is chosen from the
// round's own snapshot so its index matches the engine's roster. A stopped
// round gets no plan.
func (c *Coordinator) plan(ctx context.Context, s *session, current *domain.ThreadConfig) (resume.Decision, int) {
	threadID := s.threadID
	streams := resume.StreamsFunc(func(round, idx int) bool {
		return c.streams.IsStreamActive(ctx, threadID, round, idx)
	})

	msgs := s.state.Messages
	round := 0
	for i := range msgs {
		round = max(round, msgs[i].RoundNumber)
	}
	rs, haveRound := s.state.Round(round)
	if haveRound && rs.Stopped {
		return resume.Decision{Reason: resume.ReasonStopped}, round
	}

	var roster domain.Roster
	switch {
	case current != nil:
		roster = current.Participants
	case haveRound:
		roster = rs.Config.Participants
	}

	decision := resume.Resume(msgs, roster, streams)
	if decision.Reason == resume.ReasonResume {
		if !haveRound {
			// Rounds without a snapshot are display-only.
			decision.Plan = nil
			return decision, round
		}
		decision = resume.Resume(msgs, rs.Config.Participants, streams)
	}
	return decision, round
}

// resync folds the stored view of a thread into its session. A session
// restored for this call is already up to date.
func (c *Coordinator) resync(ctx context.Context, s *session) error {
	if s.fresh {
		s.fresh = false
		return nil
	}

	msgs, err := c.store.ListMessages(ctx, s.threadID)
	if err != nil {
		return domain.ErrServer("list messages: " + err.Error())
	}
	at := c.now().UTC()
	if len(msgs) > 0 {
		if err := c.apply(ctx, s, engine.MessagesReceived{Messages: msgs, Source: engine.SourceStore, At: at}); err != nil {
			return err
		}
	}

	records, err := c.store.ListPhaseRecords(ctx, s.threadID)
	if err != nil {
		return domain.ErrServer("list phase records: " + err.Error())
	}
	for _, rec := range records {
		if _, ok := s.state.Round(rec.RoundNumber); !ok {
			continue
		}
		if err := c.apply(ctx, s, engine.PhaseRecordUpdated{Record: *rec, At: at}); err != nil {
			return err
		}
	}
	return nil
}

// NextAction reports what the orchestrator should do next for a thread.
func (c *Coordinator) NextAction(ctx context.Context, threadID string) (act engine.Action, err error) {
	err = c.do(ctx, threadID, func(s *session) error {
		act = engine.NextAction(s.state)
		return nil
	})
	return act, err
}

// Timeline returns the display timeline of a thread.
func (c *Coordinator) Timeline(ctx context.Context, threadID string) (items []timeline.Item, err error) {
	err = c.do(ctx, threadID, func(s *session) error {
		items = engine.Timeline(s.state)
		return nil
	})
	return items, err
}

// RoundStatus reports the status and token usage of a round.
func (c *Coordinator) RoundStatus(ctx context.Context, threadID string, round int) (RoundReport, error) {
	var (
		status engine.Status
		msgs   []domain.Message
	)
	err := c.do(ctx, threadID, func(s *session) error {
		var err error
		status, err = engine.RoundStatus(s.state, round)
		// The engine replaces its message slice on every event, so the
		// captured slice stays valid after the lock is released.
		msgs = s.state.Messages
		return err
	})
	if err != nil {
		return RoundReport{}, err
	}

	usage, err := c.tokens.RoundUsage(ctx, msgs, round)
	if err != nil {
		c.logger.WarnContext(ctx, "token usage unavailable",
			slog.String("thread_id", threadID),
			slog.Int("round_number", round),
			slog.String("error", err.Error()))
		usage = tokens.RoundUsage{RoundNumber: round}
	}
	return RoundReport{Status: status, Usage: usage}, nil
}

// Events lists the lifecycle events of a thread.
func (c *Coordinator) Events(ctx context.Context, threadID string, opts ports.EventListOptions) ([]*domain.RoundEvent, error) {
	if threadID == "" {
		return nil, domain.ErrInvalidRequest("thread id is required").WithParam("thread_id")
	}
	events, err := c.store.ListRoundEvents(ctx, threadID, opts)
	if err != nil {
		return nil, domain.ErrServer("list round events: " + err.Error())
	}
	return events, nil
}

// Tick runs the watchdog over every loaded thread.
func (c *Coordinator) Tick(ctx context.Context) {
	now := c.now().UTC()
	for _, threadID := range c.threadIDs() {
		err := c.do(ctx, threadID, func(s *session) error {
			return c.apply(ctx, s, engine.WatchdogTick{Now: now})
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "watchdog tick failed",
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()))
		}
	}
}
