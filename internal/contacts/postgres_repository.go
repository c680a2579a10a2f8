package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
)

type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository stores the ledger in Postgres. State changes append a
// canonical event to the outbox in the same transaction.
type PostgresRepository struct {
	db pgxDB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("contacts: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

func newPostgresRepositoryWithDB(db pgxDB) *PostgresRepository {
	if db == nil {
		panic("contacts: db required")
	}
	return &PostgresRepository{db: db}
}

const contactColumns = `id, phone, name, state, outcome, convincing_attempts, ambiguous_responses,
	reengagements, timer_seq, fields, verdict, manual_review, notes,
	last_inbound_at, last_outbound_at, created_at, updated_at`

const sessionColumns = `id, contact_id, channel, provider_handle, started_at, ended_at, end_reason`

func (r *PostgresRepository) Create(ctx context.Context, in NewContact) (*Contact, bool, error) {
	c, err := newContact(in)
	if err != nil {
		return nil, false, err
	}
	fields, err := marshalFields(c.Fields)
	if err != nil {
		return nil, false, err
	}
	query := `
		INSERT INTO contacts (id, phone, name, state, outcome, fields, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO NOTHING
	`
	ct, err := r.db.Exec(ctx, query, c.ID, c.Phone, c.Name, string(c.State), string(c.Outcome), fields, c.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("contacts: insert failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		existing, err := r.Get(ctx, c.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return c, true, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	c, err := scanContact(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("contacts: select failed: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Contact, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, string(filter.State), limit)
	if err != nil {
		return nil, fmt.Errorf("contacts: list failed: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("contacts: scan failed: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Save(ctx context.Context, c *Contact, from State) error {
	if err := checkSave(c, from); err != nil {
		return err
	}
	fields, err := marshalFields(c.Fields)
	if err != nil {
		return err
	}
	now := nowFunc().UTC()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contacts: begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE contacts
		SET state = $3, outcome = $4, convincing_attempts = $5, ambiguous_responses = $6,
			reengagements = $7, timer_seq = $8, fields = $9, manual_review = manual_review OR $10, notes = $11,
			last_inbound_at = $12, last_outbound_at = $13, updated_at = $14
		WHERE id = $1 AND state = $2
	`
	ct, err := tx.Exec(ctx, query,
		c.ID,
		string(from),
		string(c.State),
		string(c.Outcome),
		c.Counters.Convincing,
		c.Counters.Ambiguous,
		c.Counters.Reengagements,
		c.Counters.TimerSeq,
		fields,
		c.ManualReview,
		c.Notes,
		c.LastInboundAt,
		c.LastOutboundAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("contacts: update failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s no longer in %s", ErrStaleState, c.ID, from)
	}
	if from != c.State {
		evt := events.ContactStateChangedV1{
			ContactID:  c.ID,
			From:       string(from),
			To:         string(c.State),
			Outcome:    string(c.Outcome),
			OccurredAt: now,
		}
		if _, err := events.AppendContactEvent(ctx, tx, "", evt); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contacts: commit failed: %w", err)
	}
	c.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) SaveVerdict(ctx context.Context, contactID string, v Verdict) (bool, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("contacts: marshal verdict: %w", err)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("contacts: begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		INSERT INTO verdicts (session_id, contact_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING
	`, v.SessionID, contactID, payload, v.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("contacts: insert verdict: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}
	ct, err = tx.Exec(ctx, `
		UPDATE contacts
		SET verdict = $2, manual_review = manual_review OR $3, updated_at = $4
		WHERE id = $1
	`, contactID, payload, v.ManualReview, nowFunc().UTC())
	if err != nil {
		return false, fmt.Errorf("contacts: attach verdict: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return false, ErrNotFound
	}
	if _, err := events.AppendContactEvent(ctx, tx, v.SessionID, events.VerdictRecordedV1{
		ContactID:     contactID,
		SessionID:     v.SessionID,
		InterestLevel: string(v.InterestLevel),
		Priority:      string(v.Priority),
		ManualReview:  v.ManualReview,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("contacts: commit failed: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) GetVerdict(ctx context.Context, sessionID string) (*Verdict, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `SELECT payload FROM verdicts WHERE session_id = $1`, sessionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("contacts: select verdict: %w", err)
	}
	var v Verdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("contacts: decode verdict: %w", err)
	}
	return &v, nil
}

func (r *PostgresRepository) OpenSession(ctx context.Context, contactID string, channel Channel, at time.Time) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Channel:   channel,
		StartedAt: at.UTC(),
	}
	query := `
		INSERT INTO sessions (id, contact_id, channel, started_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.Exec(ctx, query, s.ID, contactID, string(channel), s.StartedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				open, lookupErr := r.OpenSessionFor(ctx, contactID)
				if lookupErr != nil {
					return nil, ErrSessionAlreadyOpen
				}
				return open, ErrSessionAlreadyOpen
			case "23503":
				return nil, ErrNotFound
			}
		}
		return nil, fmt.Errorf("contacts: open session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) CloseSession(ctx context.Context, sessionID string, reason EndReason, at time.Time) error {
	query := `
		UPDATE sessions
		SET ended_at = $2, end_reason = $3
		WHERE id = $1 AND ended_at IS NULL
	`
	ct, err := r.db.Exec(ctx, query, sessionID, at.UTC(), string(reason))
	if err != nil {
		return fmt.Errorf("contacts: close session: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := r.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrSessionClosed
	}
	return nil
}

func (r *PostgresRepository) SetSessionHandle(ctx context.Context, sessionID, handle string) error {
	ct, err := r.db.Exec(ctx, `UPDATE sessions SET provider_handle = $2 WHERE id = $1`, sessionID, handle)
	if err != nil {
		return fmt.Errorf("contacts: set session handle: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return r.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
}

func (r *PostgresRepository) OpenSessionFor(ctx context.Context, contactID string) (*Session, error) {
	return r.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE contact_id = $1 AND ended_at IS NULL`, contactID)
}

func (r *PostgresRepository) SessionByHandle(ctx context.Context, handle string) (*Session, error) {
	return r.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE provider_handle = $1 ORDER BY started_at DESC LIMIT 1`, handle)
}

func (r *PostgresRepository) oneSession(ctx context.Context, query string, arg string) (*Session, error) {
	var (
		s       Session
		channel string
		handle  *string
		reason  *string
	)
	err := r.db.QueryRow(ctx, query, arg).Scan(&s.ID, &s.ContactID, &channel, &handle, &s.StartedAt, &s.EndedAt, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("contacts: select session: %w", err)
	}
	s.Channel = Channel(channel)
	if handle != nil {
		s.ProviderHandle = *handle
	}
	if reason != nil {
		s.EndReason = EndReason(*reason)
	}
	return &s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var (
		c       Contact
		state   string
		outcome string
		fields  []byte
		verdict []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.Phone,
		&c.Name,
		&state,
		&outcome,
		&c.Counters.Convincing,
		&c.Counters.Ambiguous,
		&c.Counters.Reengagements,
		&c.Counters.TimerSeq,
		&fields,
		&verdict,
		&c.ManualReview,
		&c.Notes,
		&c.LastInboundAt,
		&c.LastOutboundAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.State = State(state)
	c.Outcome = Outcome(outcome)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	if len(verdict) > 0 && string(verdict) != "null" {
		var v Verdict
		if err := json.Unmarshal(verdict, &v); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
		c.Verdict = &v
	}
	return &c, nil
}

func marshalFields(fields map[string]string) ([]byte, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("contacts: marshal fields: %w", err)
	}
	return data, nil
}
