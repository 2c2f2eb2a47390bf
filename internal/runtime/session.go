package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/engine"
)

// session owns the engine state of one thread. mu serialises every event
// applied to it.
type session struct {
	threadID string

	mu    sync.Mutex
	state *engine.State
	// fresh is set when state was just restored from the store, so the next
	// attach does not need to re-read it.
	fresh bool
}

// acquire returns the locked session of threadID, restoring it from the
// store on first use.
func (c *Coordinator) acquire(ctx context.Context, threadID string) (*session, error) {
	if threadID == "" {
		return nil, domain.ErrInvalidRequest("thread id is required").WithParam("thread_id")
	}

	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if !ok {
		s = &session{threadID: threadID}
		c.sessions[threadID] = s
		if c.metrics != nil {
			c.metrics.ActiveSessions.Set(float64(len(c.sessions)))
		}
	}
	c.mu.Unlock()

	s.mu.Lock()
	if s.state == nil {
		state, err := c.restore(ctx, threadID)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.state = state
		s.fresh = true
	}
	return s, nil
}

func (c *Coordinator) restore(ctx context.Context, threadID string) (*engine.State, error) {
	configs, err := c.store.ListRoundConfigs(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list round configs: %w", err)
	}
	msgs, err := c.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	records, err := c.store.ListPhaseRecords(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list phase records: %w", err)
	}
	entries, err := c.store.ListChangelog(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list changelog: %w", err)
	}

	state, err := engine.Restore(threadID, c.settings, engine.Snapshot{
		Configs:   configs,
		Messages:  msgs,
		Records:   records,
		Changelog: entries,
	}, c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("restore thread %s: %w", threadID, err)
	}

	c.logger.Debug("session restored",
		slog.String("thread_id", threadID),
		slog.Int("rounds", len(state.Rounds)),
		slog.Int("messages", len(state.Messages)))
	return state, nil
}

// do runs fn against the locked session of threadID and then hands any
// directive that became due to the dispatcher, outside the lock.
func (c *Coordinator) do(ctx context.Context, threadID string, fn func(s *session) error) error {
	s, err := c.acquire(ctx, threadID)
	if err != nil {
		return err
	}

	err = fn(s)
	var due *ports.Directive
	if err == nil {
		due = c.claim(ctx, s)
	}
	s.mu.Unlock()

	if due != nil {
		c.dispatch(*due)
	}
	return err
}

// apply folds ev into the session state and drains the outbox. The caller
// holds s.mu.
func (c *Coordinator) apply(ctx context.Context, s *session, ev engine.Event) error {
	next, err := engine.Apply(s.state, ev)
	if err != nil {
		var engErr *domain.EngineError
		if errors.As(err, &engErr) {
			c.metrics.ObserveApplyError(engErr)
		}
		return err
	}

	out := next.Outbox
	next.Outbox = engine.Outbox{}
	s.state = next
	c.drain(ctx, s.threadID, out)
	return nil
}

// drain persists and publishes an outbox. Failures are logged; the
// in-memory state stays authoritative.
func (c *Coordinator) drain(ctx context.Context, threadID string, out engine.Outbox) {
	if out.Empty() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	logErr := func(msg string, err error, attrs ...any) {
		attrs = append(attrs, slog.String("thread_id", threadID), slog.String("error", err.Error()))
		c.logger.ErrorContext(ctx, msg, attrs...)
	}

	for _, n := range out.ClearedRounds {
		if err := c.store.DeleteRoundContent(ctx, threadID, n); err != nil {
			logErr("failed to clear round", err, slog.Int("round_number", n))
		}
	}
	for i := range out.Configs {
		if err := c.store.SaveRoundConfig(ctx, &out.Configs[i]); err != nil {
			logErr("failed to save round config", err, slog.Int("round_number", out.Configs[i].RoundNumber))
		}
	}
	if len(out.Changelog) > 0 {
		if err := c.store.AppendChangelog(ctx, out.Changelog); err != nil {
			logErr("failed to append changelog", err)
		}
	}
	for i := range out.Messages {
		if err := c.store.SaveMessage(ctx, &out.Messages[i]); err != nil {
			logErr("failed to save message", err, slog.String("message_id", out.Messages[i].ID))
		}
	}
	for _, rec := range out.Records {
		if err := c.store.SavePhaseRecord(ctx, rec); err != nil {
			logErr("failed to save phase record", err,
				slog.Int("round_number", rec.RoundNumber),
				slog.String("phase", string(rec.Kind)))
		}
	}
	for i := range out.Events {
		ev := &out.Events[i]
		if err := c.events.Publish(ctx, ev); err != nil {
			logErr("failed to publish round event", err, slog.String("type", string(ev.Type)))
			continue
		}
		c.logger.DebugContext(ctx, "round event",
			slog.String("thread_id", threadID),
			slog.Int("round_number", ev.RoundNumber),
			slog.String("type", string(ev.Type)),
			slog.String("phase", ev.Phase))
	}
	c.metrics.ObserveEvents(out.Events)
}

// claim marks the directive NextAction reports as dispatched and returns it
// for delivery. In poll mode nothing is claimed. The caller holds s.mu.
func (c *Coordinator) claim(ctx context.Context, s *session) *ports.Directive {
	if c.dispatcher == nil {
		return nil
	}

	act := engine.NextAction(s.state)
	at := c.now().UTC()
	switch act.Kind {
	case engine.ActionInvokeParticipant:
		err := c.apply(ctx, s, engine.ParticipantDispatched{
			RoundNumber:      act.RoundNumber,
			ParticipantIndex: *act.ParticipantIndex,
			At:               at,
		})
		if err != nil {
			c.logger.Error("failed to claim participant directive",
				slog.String("thread_id", s.threadID),
				slog.String("error", err.Error()))
			return nil
		}
		return &ports.Directive{
			Kind:             ports.DirectiveInvokeParticipant,
			ThreadID:         s.threadID,
			RoundNumber:      act.RoundNumber,
			ParticipantIndex: act.ParticipantIndex,
			ParticipantID:    act.ParticipantID,
			ModelRef:         act.ModelRef,
		}

	case engine.ActionStartSynthesis:
		err := c.apply(ctx, s, engine.SynthesisDispatched{RoundNumber: act.RoundNumber, At: at})
		if err != nil {
			c.logger.Error("failed to claim synthesis directive",
				slog.String("thread_id", s.threadID),
				slog.String("error", err.Error()))
			return nil
		}
		return &ports.Directive{
			Kind:        ports.DirectiveStartSynthesis,
			ThreadID:    s.threadID,
			RoundNumber: act.RoundNumber,
		}
	}
	return nil
}

// dispatch delivers d in the background.
func (c *Coordinator) dispatch(d ports.Directive) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.deliver(d)
	}()
}

// deliver sends d and, when delivery fails, reports the failure to the
// engine so the directive is re-evaluated.
func (c *Coordinator) deliver(d ports.Directive) {
	ctx, span := c.tracer.Start(c.ctx, "roundtable.dispatch")
	span.SetAttributes(directiveSpanAttrs(d)...)

	start := time.Now()
	var err error
	switch d.Kind {
	case ports.DirectiveInvokeParticipant:
		err = c.dispatcher.InvokeParticipant(ctx, d)
	case ports.DirectiveStartSynthesis:
		err = c.dispatcher.StartSynthesis(ctx, d)
	default:
		err = fmt.Errorf("unknown directive kind %q", d.Kind)
	}
	c.metrics.ObserveDispatch(string(d.Kind), time.Since(start).Seconds(), err)
	endSpan(span, err)

	attrs := directiveAttrs(string(d.Kind), d.ThreadID, d.RoundNumber, d.ParticipantIndex)
	if err == nil {
		c.logger.Debug("directive delivered", attrs...)
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	c.logger.Warn("directive delivery failed", append(attrs, slog.String("error", err.Error()))...)

	failErr := c.do(c.ctx, d.ThreadID, func(s *session) error {
		return c.apply(c.ctx, s, engine.DispatchFailed{
			RoundNumber:      d.RoundNumber,
			ParticipantIndex: d.ParticipantIndex,
			Reason:           err.Error(),
			At:               c.now().UTC(),
		})
	})
	if failErr != nil {
		c.logger.Error("failed to record dispatch failure", append(attrs, slog.String("error", failErr.Error()))...)
	}
}
