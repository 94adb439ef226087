package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// QueryStatus is the lifecycle state of a search query.
type QueryStatus string

// query lifecycle states. Draft queries wait for activation and never run,
// removed ones are kept for history but excluded from runs.
const (
	QueryDraft    QueryStatus = "draft"
	QueryActive   QueryStatus = "active"
	QueryExecuted QueryStatus = "executed"
	QueryRemoved  QueryStatus = "removed"
)

// ParseQueryStatus converts a string into a QueryStatus, rejecting unknowns.
func ParseQueryStatus(s string) (QueryStatus, error) {
	switch st := QueryStatus(s); st {
	case QueryDraft, QueryActive, QueryExecuted, QueryRemoved:
		return st, nil
	}
	return "", fmt.Errorf("unknown query status %q", s)
}

// Query is one saved search phrase. AISuggested marks queries that came from
// generation rather than manual entry.
type Query struct {
	ID          int64       `db:"id"`
	Username    string      `db:"username"`
	Text        string      `db:"text"`
	Status      QueryStatus `db:"status"`
	AISuggested bool        `db:"ai_suggested"`
	CreatedAt   time.Time   `db:"created_at"`
	LastRunAt   *time.Time  `db:"last_run_at"`
	LastResults int         `db:"last_results"`
}

// Runnable reports whether a search run should include the query.
func (q *Query) Runnable() bool { return q.Status == QueryActive || q.Status == QueryExecuted }

// RanSince reports whether the query was used on or after the given time.
func (q *Query) RanSince(t time.Time) bool { return q.LastRunAt != nil && !q.LastRunAt.Before(t) }

// QueryFilter narrows ListQueries. Default excludes removed queries.
type QueryFilter struct {
	IncludeRemoved bool
	Runnable       bool // only active and executed
}

const queryColumns = `id, username, text, status, ai_suggested, created_at, last_run_at, last_results`

// CreateQuery persists a new query, stamping creation time and defaulting
// status to active. The assigned id is written back to the passed record.
func (s *Store) CreateQuery(ctx context.Context, q *Query) error {
	if q.Username == "" || q.Text == "" {
		return fmt.Errorf("%w: query needs username and text", ErrIO)
	}
	if q.Status == "" {
		q.Status = QueryActive
	}
	if _, err := ParseQueryStatus(string(q.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	} else {
		q.CreatedAt = q.CreatedAt.UTC()
	}

	return s.tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `INSERT INTO queries (username, text, status, ai_suggested, created_at, last_run_at, last_results)
			VALUES (:username, :text, :status, :ai_suggested, :created_at, :last_run_at, :last_results)`, q)
		if err != nil {
			return fmt.Errorf("%w: insert query %q: %v", ErrIO, q.Text, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: query id for %q: %v", ErrIO, q.Text, err)
		}
		q.ID = id
		return nil
	})
}

// GetQuery loads one query by id for the given user.
func (s *Store) GetQuery(ctx context.Context, username string, id int64) (Query, error) {
	var res Query
	query := fmt.Sprintf("SELECT %s FROM queries WHERE username = ? AND id = ?", queryColumns)
	if err := s.db.GetContext(ctx, &res, query, username, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Query{}, fmt.Errorf("%w: query %d", ErrNotFound, id)
		}
		return Query{}, fmt.Errorf("%w: select query %d: %v", ErrIO, id, err)
	}
	return res, nil
}

// ListQueries returns the user's queries in creation order.
func (s *Store) ListQueries(ctx context.Context, username string, flt QueryFilter) ([]Query, error) {
	query := fmt.Sprintf("SELECT %s FROM queries WHERE username = ?", queryColumns)
	switch {
	case flt.Runnable:
		query += fmt.Sprintf(" AND status IN ('%s', '%s')", QueryActive, QueryExecuted)
	case !flt.IncludeRemoved:
		query += fmt.Sprintf(" AND status != '%s'", QueryRemoved)
	}
	query += " ORDER BY created_at ASC, id ASC"

	var res []Query
	if err := s.db.SelectContext(ctx, &res, query, username); err != nil {
		return nil, fmt.Errorf("%w: select queries for %s: %v", ErrIO, username, err)
	}
	return res, nil
}

// UpdateQueryText replaces the search phrase. Allowed for draft and active
// queries only, the text of an executed or removed query is frozen.
func (s *Store) UpdateQueryText(ctx context.Context, username string, id int64, text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty query text", ErrIO)
	}
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		var cur QueryStatus
		err := tx.GetContext(ctx, &cur, "SELECT status FROM queries WHERE username = ? AND id = ?", username, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: query %d", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("%w: select query %d: %v", ErrIO, id, err)
		}
		if cur != QueryDraft && cur != QueryActive {
			return fmt.Errorf("query %d is %s, text can't be edited", id, cur)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE queries SET text = ? WHERE username = ? AND id = ?", text, username, id); err != nil {
			return fmt.Errorf("%w: update query %d: %v", ErrIO, id, err)
		}
		return nil
	})
}

// SetQueryStatus changes the lifecycle state of a query.
func (s *Store) SetQueryStatus(ctx context.Context, username string, id int64, to QueryStatus) error {
	if _, err := ParseQueryStatus(string(to)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE queries SET status = ? WHERE username = ? AND id = ?", to, username, id)
		if err != nil {
			return fmt.Errorf("%w: update query %d: %v", ErrIO, id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: update query %d: %v", ErrIO, id, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: query %d", ErrNotFound, id)
		}
		return nil
	})
}

// RemoveQuery excludes the query from future search runs, keeping the row
// for history.
func (s *Store) RemoveQuery(ctx context.Context, username string, id int64) error {
	return s.SetQueryStatus(ctx, username, id, QueryRemoved)
}

// MarkQueryRun stamps a completed search run on the query: status becomes
// executed, the run time and result count are recorded.
func (s *Store) MarkQueryRun(ctx context.Context, username string, id int64, at time.Time, results int) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE queries SET status = ?, last_run_at = ?, last_results = ?
			WHERE username = ? AND id = ?`, QueryExecuted, at.UTC(), results, username, id)
		if err != nil {
			return fmt.Errorf("%w: mark query %d run: %v", ErrIO, id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: mark query %d run: %v", ErrIO, id, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: query %d", ErrNotFound, id)
		}
		return nil
	})
}
