package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/storage/dialect"
)

// Store is a SQL implementation of ports.ThreadStore that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.ThreadStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	var (
		serial = s.dialect.AutoIncrementClause()
		ts     = s.dialect.TimestampType()
		text   = s.dialect.TextType()
		doc    = s.dialect.JSONType()
		flag   = s.dialect.BooleanType()
	)

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
seq %s,
id VARCHAR(255) NOT NULL UNIQUE,
thread_id VARCHAR(255) NOT NULL,
role VARCHAR(32) NOT NULL,
round_number INTEGER NOT NULL,
parts %s,
origin VARCHAR(32) NOT NULL,
metadata %s,
created_at %s NOT NULL
)`, serial, doc, doc, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS phase_records (
thread_id VARCHAR(255) NOT NULL,
round_number INTEGER NOT NULL,
kind VARCHAR(32) NOT NULL,
status VARCHAR(32) NOT NULL,
data %s,
error_message %s,
created_at %s NOT NULL,
updated_at %s NOT NULL,
PRIMARY KEY (thread_id, round_number, kind)
)`, doc, text, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS round_configs (
thread_id VARCHAR(255) NOT NULL,
round_number INTEGER NOT NULL,
mode VARCHAR(64) NOT NULL,
web_search %s NOT NULL,
participants %s NOT NULL,
stopped %s NOT NULL,
PRIMARY KEY (thread_id, round_number)
)`, flag, doc, flag),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS changelog (
seq %s,
thread_id VARCHAR(255) NOT NULL,
round_number INTEGER NOT NULL,
kind VARCHAR(32) NOT NULL,
payload %s NOT NULL,
created_at %s NOT NULL
)`, serial, doc, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS round_events (
seq %s,
id VARCHAR(64) NOT NULL UNIQUE,
thread_id VARCHAR(255) NOT NULL,
round_number INTEGER NOT NULL,
type VARCHAR(64) NOT NULL,
phase VARCHAR(32),
participant_index INTEGER,
detail %s,
created_at %s NOT NULL
)`, serial, text, ts),
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_changelog_thread ON changelog(thread_id, round_number)`,
		`CREATE INDEX IF NOT EXISTS idx_round_events_thread ON round_events(thread_id, round_number, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type messageRow struct {
	ID          string         `db:"id"`
	ThreadID    string         `db:"thread_id"`
	Role        string         `db:"role"`
	RoundNumber int            `db:"round_number"`
	Parts       sql.NullString `db:"parts"`
	Origin      string         `db:"origin"`
	Metadata    sql.NullString `db:"metadata"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (s *Store) SaveMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ThreadID == "" {
		return fmt.Errorf("save message %s: thread id is required", msg.ID)
	}
	m := msg.Normalize()

	row := messageRow{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		Role:        string(m.Role),
		RoundNumber: m.RoundNumber,
		Origin:      string(m.Origin),
		CreatedAt:   m.CreatedAt,
	}
	if m.Parts != nil {
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("failed to marshal parts: %w", err)
		}
		row.Parts = sql.NullString{String: string(parts), Valid: true}
	}
	if m.Metadata != nil {
		md, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.Metadata = sql.NullString{String: string(md), Valid: true}
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	// round_number, role and created_at keep their first written values.
	query := `INSERT INTO messages (id, thread_id, role, round_number, parts, origin, metadata, created_at)
	          VALUES (:id, :thread_id, :role, :round_number, :parts, :origin, :metadata, :created_at) ` +
		s.dialect.UpsertClause([]string{"id"}, []string{"parts", "origin", "metadata"})

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	query := s.dialect.Rebind(`SELECT id, thread_id, role, round_number, parts, origin, metadata, created_at
	          FROM messages WHERE thread_id = ?
	          ORDER BY seq ASC`)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, threadID); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	out := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		msg := domain.Message{
			ID:          row.ID,
			ThreadID:    row.ThreadID,
			Role:        domain.Role(row.Role),
			RoundNumber: row.RoundNumber,
			Origin:      domain.Origin(row.Origin),
			CreatedAt:   row.CreatedAt,
		}
		if row.Parts.Valid {
			if err := json.Unmarshal([]byte(row.Parts.String), &msg.Parts); err != nil {
				return nil, fmt.Errorf("failed to unmarshal parts of %s: %w", row.ID, err)
			}
		}
		md, err := domain.DecodeMetadata(msg.Role, []byte(row.Metadata.String))
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", row.ID, err)
		}
		msg.Metadata = md
		out = append(out, msg)
	}
	return out, nil
}

type phaseRecordRow struct {
	ThreadID     string         `db:"thread_id"`
	RoundNumber  int            `db:"round_number"`
	Kind         string         `db:"kind"`
	Status       string         `db:"status"`
	Data         sql.NullString `db:"data"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r phaseRecordRow) record() *domain.PhaseRecord {
	rec := &domain.PhaseRecord{
		ThreadID:     r.ThreadID,
		RoundNumber:  r.RoundNumber,
		Kind:         domain.PhaseKind(r.Kind),
		Status:       domain.PhaseStatus(r.Status),
		ErrorMessage: r.ErrorMessage.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Data.Valid && r.Data.String != "" {
		rec.Data = json.RawMessage(r.Data.String)
	}
	return rec
}

// SavePhaseRecord folds rec into the stored record inside a transaction, so
// concurrent writers can never move a record backwards in the lattice.
func (s *Store) SavePhaseRecord(ctx context.Context, rec *domain.PhaseRecord) error {
	if !rec.Kind.Valid() {
		return fmt.Errorf("save phase record: unknown kind %q", rec.Kind)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing phaseRecordRow
	query := s.dialect.Rebind(`SELECT thread_id, round_number, kind, status, data, error_message, created_at, updated_at
	          FROM phase_records WHERE thread_id = ? AND round_number = ? AND kind = ?`)

	var current *domain.PhaseRecord
	switch err := tx.GetContext(ctx, &existing, query, rec.ThreadID, rec.RoundNumber, rec.Kind); {
	case err == nil:
		current = existing.record()
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to load phase record: %w", err)
	}

	merged := domain.MergePhaseRecord(current, rec)
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = time.Now().UTC()
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = merged.UpdatedAt
	}

	row := phaseRecordRow{
		ThreadID:     merged.ThreadID,
		RoundNumber:  merged.RoundNumber,
		Kind:         string(merged.Kind),
		Status:       string(merged.Status),
		ErrorMessage: sql.NullString{String: merged.ErrorMessage, Valid: merged.ErrorMessage != ""},
		CreatedAt:    merged.CreatedAt,
		UpdatedAt:    merged.UpdatedAt,
	}
	if len(merged.Data) > 0 {
		row.Data = sql.NullString{String: string(merged.Data), Valid: true}
	}

	upsert := `INSERT INTO phase_records (thread_id, round_number, kind, status, data, error_message, created_at, updated_at)
	          VALUES (:thread_id, :round_number, :kind, :status, :data, :error_message, :created_at, :updated_at) ` +
		s.dialect.UpsertClause(
			[]string{"thread_id", "round_number", "kind"},
			[]string{"status", "data", "error_message", "created_at", "updated_at"},
		)
	if _, err := tx.NamedExecContext(ctx, upsert, row); err != nil {
		return fmt.Errorf("failed to save phase record: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListPhaseRecords(ctx context.Context, threadID string) ([]*domain.PhaseRecord, error) {
	query := s.dialect.Rebind(`SELECT thread_id, round_number, kind, status, data, error_message, created_at, updated_at
	          FROM phase_records WHERE thread_id = ?
	          ORDER BY round_number ASC, kind ASC`)

	var rows []phaseRecordRow
	if err := s.db.SelectContext(ctx, &rows, query, threadID); err != nil {
		return nil, fmt.Errorf("failed to query phase records: %w", err)
	}

	out := make([]*domain.PhaseRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

type roundConfigRow struct {
	ThreadID     string `db:"thread_id"`
	RoundNumber  int    `db:"round_number"`
	Mode         string `db:"mode"`
	WebSearch    bool   `db:"web_search"`
	Participants string `db:"participants"`
	Stopped      bool   `db:"stopped"`
}

func (s *Store) SaveRoundConfig(ctx context.Context, cfg *domain.RoundConfig) error {
	participants, err := json.Marshal(cfg.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	row := roundConfigRow{
		ThreadID:     cfg.ThreadID,
		RoundNumber:  cfg.RoundNumber,
		Mode:         cfg.Mode,
		WebSearch:    cfg.WebSearch,
		Participants: string(participants),
		Stopped:      cfg.Stopped,
	}

	query := `INSERT INTO round_configs (thread_id, round_number, mode, web_search, participants, stopped)
	          VALUES (:thread_id, :round_number, :mode, :web_search, :participants, :stopped) ` +
		s.dialect.UpsertClause(
			[]string{"thread_id", "round_number"},
			[]string{"mode", "web_search", "participants", "stopped"},
		)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save round config: %w", err)
	}
	return nil
}

func (s *Store) ListRoundConfigs(ctx context.Context, threadID string) ([]domain.RoundConfig, error) {
	query := s.dialect.Rebind(`SELECT thread_id, round_number, mode, web_search, participants, stopped
	          FROM round_configs WHERE thread_id = ?
	          ORDER BY round_number ASC`)

	var rows []roundConfigRow
	if err := s.db.SelectContext(ctx, &rows, query, threadID); err != nil {
		return nil, fmt.Errorf("failed to query round configs: %w", err)
	}

	out := make([]domain.RoundConfig, 0, len(rows))
	for _, row := range rows {
		cfg := domain.RoundConfig{
			ThreadID:    row.ThreadID,
			RoundNumber: row.RoundNumber,
			Mode:        row.Mode,
			WebSearch:   row.WebSearch,
			Stopped:     row.Stopped,
		}
		if err := json.Unmarshal([]byte(row.Participants), &cfg.Participants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participants of round %d: %w", row.RoundNumber, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

type changelogRow struct {
	ThreadID    string    `db:"thread_id"`
	RoundNumber int       `db:"round_number"`
	Kind        string    `db:"kind"`
	Payload     string    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}

func (s *Store) AppendChangelog(ctx context.Context, entries []domain.ChangelogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO changelog (thread_id, round_number, kind, payload, created_at)
	          VALUES (:thread_id, :round_number, :kind, :payload, :created_at)`
	for _, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal changelog payload: %w", err)
		}
		row := changelogRow{
			ThreadID:    e.ThreadID,
			RoundNumber: e.RoundNumber,
			Kind:        string(e.Kind),
			Payload:     string(payload),
			CreatedAt:   e.CreatedAt,
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return fmt.Errorf("failed to append changelog: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListChangelog(ctx context.Context, threadID string) ([]domain.ChangelogEntry, error) {
	query := s.dialect.Rebind(`SELECT thread_id, round_number, kind, payload, created_at
	          FROM changelog WHERE thread_id = ?
	          ORDER BY round_number ASC, seq ASC`)

	var rows []changelogRow
	if err := s.db.SelectContext(ctx, &rows, query, threadID); err != nil {
		return nil, fmt.Errorf("failed to query changelog: %w", err)
	}

	out := make([]domain.ChangelogEntry, 0, len(rows))
	for _, row := range rows {
		e := domain.ChangelogEntry{
			ThreadID:    row.ThreadID,
			RoundNumber: row.RoundNumber,
			Kind:        domain.ChangeKind(row.Kind),
			CreatedAt:   row.CreatedAt,
		}
		if err := json.Unmarshal([]byte(row.Payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changelog payload: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

type roundEventRow struct {
	ID               string         `db:"id"`
	ThreadID         string         `db:"thread_id"`
	RoundNumber      int            `db:"round_number"`
	Type             string         `db:"type"`
	Phase            sql.NullString `db:"phase"`
	ParticipantIndex sql.NullInt64  `db:"participant_index"`
	Detail           sql.NullString `db:"detail"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (s *Store) AppendRoundEvent(ctx context.Context, event *domain.RoundEvent) error {
	if event.ID == "" {
		return fmt.Errorf("append round event: id is required")
	}
	row := roundEventRow{
		ID:          event.ID,
		ThreadID:    event.ThreadID,
		RoundNumber: event.RoundNumber,
		Type:        string(event.Type),
		Phase:       sql.NullString{String: event.Phase, Valid: event.Phase != ""},
		Detail:      sql.NullString{String: event.Detail, Valid: event.Detail != ""},
		CreatedAt:   event.CreatedAt,
	}
	if event.ParticipantIndex != nil {
		row.ParticipantIndex = sql.NullInt64{Int64: int64(*event.ParticipantIndex), Valid: true}
	}

	query := `INSERT INTO round_events (id, thread_id, round_number, type, phase, participant_index, detail, created_at)
	          VALUES (:id, :thread_id, :round_number, :type, :phase, :participant_index, :detail, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to append round event: %w", err)
	}
	return nil
}

func (s *Store) ListRoundEvents(ctx context.Context, threadID string, opts ports.EventListOptions) ([]*domain.RoundEvent, error) {
	query := `SELECT id, thread_id, round_number, type, phase, participant_index, detail, created_at
	          FROM round_events WHERE thread_id = ?`
	args := []any{threadID}
	if opts.RoundNumber != nil {
		query += ` AND round_number = ?`
		args = append(args, *opts.RoundNumber)
	}
	query += ` ORDER BY seq ASC LIMIT ? OFFSET ?`
	args = append(args, opts.EffectiveLimit(), max(opts.Offset, 0))

	var rows []roundEventRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query round events: %w", err)
	}

	out := make([]*domain.RoundEvent, len(rows))
	for i, row := range rows {
		ev := &domain.RoundEvent{
			ID:          row.ID,
			ThreadID:    row.ThreadID,
			RoundNumber: row.RoundNumber,
			Type:        domain.RoundEventType(row.Type),
			Phase:       row.Phase.String,
			Detail:      row.Detail.String,
			CreatedAt:   row.CreatedAt,
		}
		if row.ParticipantIndex.Valid {
			ev.ParticipantIndex = domain.IntPtr(int(row.ParticipantIndex.Int64))
		}
		out[i] = ev
	}
	return out, nil
}

func (s *Store) DeleteRoundContent(ctx context.Context, threadID string, round int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM messages WHERE thread_id = ? AND round_number = ? AND role <> ?`),
		threadID, round, string(domain.RoleUser)); err != nil {
		return fmt.Errorf("failed to delete round messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM phase_records WHERE thread_id = ? AND round_number = ?`),
		threadID, round); err != nil {
		return fmt.Errorf("failed to delete phase records: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}
