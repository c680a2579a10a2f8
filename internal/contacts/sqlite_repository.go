package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRepository is a single-node ledger for local runs and small campaigns.
type SQLiteRepository struct {
	db *sql.DB
	mu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (and migrates) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("contacts: create database directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("contacts: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("contacts: ping sqlite: %w", err)
	}
	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		outcome TEXT NOT NULL,
		convincing_attempts INTEGER NOT NULL DEFAULT 0,
		ambiguous_responses INTEGER NOT NULL DEFAULT 0,
		reengagements INTEGER NOT NULL DEFAULT 0,
		timer_seq INTEGER NOT NULL DEFAULT 0,
		fields TEXT NOT NULL DEFAULT '{}',
		verdict TEXT,
		manual_review INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		last_inbound_at INTEGER,
		last_outbound_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_state ON contacts(state, created_at);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL REFERENCES contacts(id),
		channel TEXT NOT NULL,
		provider_handle TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		end_reason TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_open ON sessions(contact_id) WHERE ended_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_sessions_handle ON sessions(provider_handle);

	CREATE TABLE IF NOT EXISTS verdicts (
		session_id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL REFERENCES contacts(id),
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("contacts: create schema: %w", err)
	}
	return nil
}

const sqliteContactColumns = `id, phone, name, state, outcome, convincing_attempts, ambiguous_responses,
	reengagements, timer_seq, fields, verdict, manual_review, notes,
	last_inbound_at, last_outbound_at, created_at, updated_at`

func (r *SQLiteRepository) Create(ctx context.Context, in NewContact) (*Contact, bool, error) {
	c, err := newContact(in)
	if err != nil {
		return nil, false, err
	}
	fields, err := marshalFields(c.Fields)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, phone, name, state, outcome, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Phone, c.Name, string(c.State), string(c.Outcome), string(fields),
		c.CreatedAt.UnixMicro(), c.UpdatedAt.UnixMicro())
	r.mu.Unlock()
	if err != nil {
		return nil, false, fmt.Errorf("contacts: insert failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := r.Get(ctx, c.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return c, true, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Contact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteContactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanSQLiteContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contacts: select failed: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]*Contact, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteContactColumns+`
		FROM contacts
		WHERE (? = '' OR state = ?)
		ORDER BY created_at, id
		LIMIT ?`, string(filter.State), string(filter.State), limit)
	if err != nil {
		return nil, fmt.Errorf("contacts: list failed: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanSQLiteContact(rows)
		if err != nil {
			return nil, fmt.Errorf("contacts: scan failed: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Save(ctx context.Context, c *Contact, from State) error {
	if err := checkSave(c, from); err != nil {
		return err
	}
	fields, err := marshalFields(c.Fields)
	if err != nil {
		return err
	}
	now := nowFunc().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.ExecContext(ctx, `
		UPDATE contacts
		SET state = ?, outcome = ?, convincing_attempts = ?, ambiguous_responses = ?,
			reengagements = ?, timer_seq = ?, fields = ?, manual_review = (manual_review OR ?), notes = ?,
			last_inbound_at = ?, last_outbound_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(c.State), string(c.Outcome), c.Counters.Convincing, c.Counters.Ambiguous,
		c.Counters.Reengagements, c.Counters.TimerSeq, string(fields), c.ManualReview, c.Notes,
		nullMicros(c.LastInboundAt), nullMicros(c.LastOutboundAt), now.UnixMicro(),
		c.ID, string(from))
	if err != nil {
		return fmt.Errorf("contacts: update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s no longer in %s", ErrStaleState, c.ID, from)
	}
	c.UpdatedAt = now
	return nil
}

func (r *SQLiteRepository) SaveVerdict(ctx context.Context, contactID string, v Verdict) (bool, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("contacts: marshal verdict: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("contacts: begin failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO verdicts (session_id, contact_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		v.SessionID, contactID, string(payload), v.CreatedAt.UnixMicro())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("contacts: insert verdict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	res, err = tx.ExecContext(ctx, `
		UPDATE contacts SET verdict = ?, manual_review = (manual_review OR ?), updated_at = ?
		WHERE id = ?`, string(payload), v.ManualReview, nowFunc().UTC().UnixMicro(), contactID)
	if err != nil {
		return false, fmt.Errorf("contacts: attach verdict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("contacts: commit failed: %w", err)
	}
	return true, nil
}

func (r *SQLiteRepository) GetVerdict(ctx context.Context, sessionID string) (*Verdict, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM verdicts WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contacts: select verdict: %w", err)
	}
	var v Verdict
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, fmt.Errorf("contacts: decode verdict: %w", err)
	}
	return &v, nil
}

func (r *SQLiteRepository) OpenSession(ctx context.Context, contactID string, channel Channel, at time.Time) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Channel:   channel,
		StartedAt: at.UTC(),
	}
	r.mu.Lock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, contact_id, channel, started_at) VALUES (?, ?, ?, ?)`,
		s.ID, contactID, string(channel), s.StartedAt.UnixMicro())
	r.mu.Unlock()
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed"):
			open, lookupErr := r.OpenSessionFor(ctx, contactID)
			if lookupErr != nil {
				return nil, ErrSessionAlreadyOpen
			}
			return open, ErrSessionAlreadyOpen
		case strings.Contains(msg, "FOREIGN KEY"):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("contacts: open session: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) CloseSession(ctx context.Context, sessionID string, reason EndReason, at time.Time) error {
	r.mu.Lock()
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		at.UTC().UnixMicro(), string(reason), sessionID)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("contacts: close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrSessionClosed
	}
	return nil
}

func (r *SQLiteRepository) SetSessionHandle(ctx context.Context, sessionID, handle string) error {
	r.mu.Lock()
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET provider_handle = ? WHERE id = ?`, handle, sessionID)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("contacts: set session handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return r.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
}

func (r *SQLiteRepository) OpenSessionFor(ctx context.Context, contactID string) (*Session, error) {
	return r.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE contact_id = ? AND ended_at IS NULL`, contactID)
}

func (r *SQLiteRepository) SessionByHandle(ctx context.Context, handle string) (*Session, error) {
	return r.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE provider_handle = ? ORDER BY started_at DESC LIMIT 1`, handle)
}

func (r *SQLiteRepository) oneSession(ctx context.Context, query, arg string) (*Session, error) {
	var (
		s         Session
		channel   string
		handle    sql.NullString
		startedAt int64
		endedAt   sql.NullInt64
		reason    sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&s.ID, &s.ContactID, &channel, &handle, &startedAt, &endedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contacts: select session: %w", err)
	}
	s.Channel = Channel(channel)
	s.ProviderHandle = handle.String
	s.StartedAt = time.UnixMicro(startedAt).UTC()
	s.EndedAt = fromNullMicros(endedAt)
	s.EndReason = EndReason(reason.String)
	return &s, nil
}

func scanSQLiteContact(row rowScanner) (*Contact, error) {
	var (
		c                  Contact
		state, outcome     string
		fields             string
		verdict            sql.NullString
		inbound, outbound  sql.NullInt64
		createdAt, updated int64
	)
	if err := row.Scan(
		&c.ID, &c.Phone, &c.Name, &state, &outcome,
		&c.Counters.Convincing, &c.Counters.Ambiguous, &c.Counters.Reengagements, &c.Counters.TimerSeq,
		&fields, &verdict, &c.ManualReview, &c.Notes,
		&inbound, &outbound, &createdAt, &updated,
	); err != nil {
		return nil, err
	}
	c.State = State(state)
	c.Outcome = Outcome(outcome)
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	if verdict.Valid && verdict.String != "" {
		var v Verdict
		if err := json.Unmarshal([]byte(verdict.String), &v); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
		c.Verdict = &v
	}
	c.LastInboundAt = fromNullMicros(inbound)
	c.LastOutboundAt = fromNullMicros(outbound)
	c.CreatedAt = time.UnixMicro(createdAt).UTC()
	c.UpdatedAt = time.UnixMicro(updated).UTC()
	return &c, nil
}

func nullMicros(ts *time.Time) sql.NullInt64 {
	if ts == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UTC().UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.UnixMicro(v.Int64).UTC()
	return &ts
}
