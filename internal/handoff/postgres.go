package handoff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
)

const entryColumns = `contact_id, session_id, name, phone, priority, interest_level, summary,
	next_action, objections, verdict_at, enqueued_at`

// PostgresQueue stores entries in the handoff_entries table.
type PostgresQueue struct {
	db *sql.DB
}

var _ Queue = (*PostgresQueue)(nil)

func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	if db == nil {
		panic("handoff: db cannot be nil")
	}
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, e Entry) (bool, error) {
	if e.ContactID == "" {
		return false, errors.New("handoff: contact id required")
	}
	objections := e.Objections
	if objections == nil {
		objections = []string{}
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO handoff_entries (`+entryColumns+`, priority_rank)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (contact_id) DO NOTHING`,
		e.ContactID, e.SessionID, e.Name, e.Phone, string(e.Priority), string(e.InterestLevel), e.Summary,
		e.NextAction, pq.Array(objections), e.VerdictAt, e.EnqueuedAt, e.Priority.Rank(),
	)
	if err != nil {
		return false, fmt.Errorf("handoff: insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("handoff: rows affected: %w", err)
	}
	return n == 1, nil
}

func (q *PostgresQueue) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Priority != "" {
		args = append(args, string(f.Priority))
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}
	query := `SELECT ` + entryColumns + ` FROM handoff_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority_rank, verdict_at, contact_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("handoff: list entries: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("handoff: iterate entries: %w", err)
	}
	return out, nil
}

func (q *PostgresQueue) Get(ctx context.Context, contactID string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM handoff_entries WHERE contact_id = $1`, contactID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *PostgresQueue) Remove(ctx context.Context, contactID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM handoff_entries WHERE contact_id = $1`, contactID)
	if err != nil {
		return false, fmt.Errorf("handoff: delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("handoff: rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e             Entry
		priority      string
		interestLevel string
		objections    []string
	)
	if err := row.Scan(&e.ContactID, &e.SessionID, &e.Name, &e.Phone, &priority, &interestLevel, &e.Summary,
		&e.NextAction, pq.Array(&objections), &e.VerdictAt, &e.EnqueuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("handoff: scan entry: %w", err)
	}
	e.Priority = contacts.Priority(priority)
	e.InterestLevel = contacts.InterestLevel(interestLevel)
	if len(objections) > 0 {
		e.Objections = objections
	}
	e.VerdictAt = e.VerdictAt.UTC()
	e.EnqueuedAt = e.EnqueuedAt.UTC()
	return e, nil
}
