package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
)

type recordKey struct {
	round int
	kind  domain.PhaseKind
}

type thread struct {
	messages  []domain.Message
	records   map[recordKey]*domain.PhaseRecord
	configs   map[int]domain.RoundConfig
	changelog []domain.ChangelogEntry
	events    []*domain.RoundEvent
}

// Store is an in-memory implementation of ports.ThreadStore.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread
}

var _ ports.ThreadStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		threads: make(map[string]*thread),
	}
}

// thread returns the entry for id, creating it. Callers hold the write lock.
func (s *Store) thread(id string) *thread {
	t, ok := s.threads[id]
	if !ok {
		t = &thread{
			records: make(map[recordKey]*domain.PhaseRecord),
			configs: make(map[int]domain.RoundConfig),
		}
		s.threads[id] = t
	}
	return t
}

func (s *Store) SaveMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ThreadID == "" {
		return fmt.Errorf("save message %s: thread id is required", msg.ID)
	}
	m := msg.Normalize().Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(m.ThreadID)
	for i := range t.messages {
		if t.messages[i].ID != m.ID {
			continue
		}
		prev := t.messages[i]
		m.RoundNumber = prev.RoundNumber
		m.Role = prev.Role
		m.CreatedAt = prev.CreatedAt
		t.messages[i] = m
		return nil
	}
	t.messages = append(t.messages, m)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *Store) SavePhaseRecord(ctx context.Context, rec *domain.PhaseRecord) error {
	if !rec.Kind.Valid() {
		return fmt.Errorf("save phase record: unknown kind %q", rec.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(rec.ThreadID)
	key := recordKey{rec.RoundNumber, rec.Kind}
	t.records[key] = domain.MergePhaseRecord(t.records[key], rec)
	return nil
}

func (s *Store) ListPhaseRecords(ctx context.Context, threadID string) ([]*domain.PhaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := make([]*domain.PhaseRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.PhaseRecord) int {
		return cmp.Or(cmp.Compare(a.RoundNumber, b.RoundNumber), cmp.Compare(a.Kind, b.Kind))
	})
	return out, nil
}

func (s *Store) SaveRoundConfig(ctx context.Context, cfg *domain.RoundConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	c.Participants = cfg.Participants.Clone()
	s.thread(cfg.ThreadID).configs[cfg.RoundNumber] = c
	return nil
}

func (s *Store) ListRoundConfigs(ctx context.Context, threadID string) ([]domain.RoundConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.RoundConfig, 0, len(t.configs))
	for _, round := range slices.Sorted(maps.Keys(t.configs)) {
		c := t.configs[round]
		c.Participants = c.Participants.Clone()
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) AppendChangelog(ctx context.Context, entries []domain.ChangelogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		t := s.thread(e.ThreadID)
		t.changelog = append(t.changelog, e)
	}
	return nil
}

func (s *Store) ListChangelog(ctx context.Context, threadID string) ([]domain.ChangelogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := slices.Clone(t.changelog)
	slices.SortStableFunc(out, func(a, b domain.ChangelogEntry) int {
		return cmp.Compare(a.RoundNumber, b.RoundNumber)
	})
	return out, nil
}

func (s *Store) AppendRoundEvent(ctx context.Context, event *domain.RoundEvent) error {
	if event.ID == "" {
		return fmt.Errorf("append round event: id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := *event
	if event.ParticipantIndex != nil {
		ev.ParticipantIndex = domain.IntPtr(*event.ParticipantIndex)
	}
	t := s.thread(event.ThreadID)
	t.events = append(t.events, &ev)
	return nil
}

func (s *Store) ListRoundEvents(ctx context.Context, threadID string, opts ports.EventListOptions) ([]*domain.RoundEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}

	var matched []*domain.RoundEvent
	for _, ev := range t.events {
		if opts.RoundNumber != nil && ev.RoundNumber != *opts.RoundNumber {
			continue
		}
		matched = append(matched, ev)
	}

	start := min(max(opts.Offset, 0), len(matched))
	end := min(start+opts.EffectiveLimit(), len(matched))

	out := make([]*domain.RoundEvent, 0, end-start)
	for _, ev := range matched[start:end] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) DeleteRoundContent(ctx context.Context, threadID string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	t.messages = slices.DeleteFunc(t.messages, func(m domain.Message) bool {
		return m.RoundNumber == round && m.Role != domain.RoleUser
	})
	for key := range t.records {
		if key.round == round {
			delete(t.records, key)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
