package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jobhound/jobhound/app/status"
)

// Topic is one cover letter talking point paired with the matching
// experience from the profile.
type Topic struct {
	Topic              string `json:"topic"`
	RelevantExperience string `json:"relevant_experience"`
}

// Topics is the ordered topic list, kept in a JSON text column.
type Topics []Topic

// Value implements driver.Valuer
func (t Topics) Value() (driver.Value, error) { return jsonValue([]Topic(t)) }

// Scan implements sql.Scanner
func (t *Topics) Scan(src any) error { return jsonScan(src, (*[]Topic)(t)) }

// Question is one application question with its drafted answer.
type Question struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Questions is the ordered question list, kept in a JSON text column.
type Questions []Question

// Value implements driver.Valuer
func (q Questions) Value() (driver.Value, error) { return jsonValue([]Question(q)) }

// Scan implements sql.Scanner
func (q *Questions) Scan(src any) error { return jsonScan(src, (*[]Question)(q)) }

// Job is a tracked posting with everything curated around it. ID is assigned
// at first persistence and stable for the life of the record. CoverLetter
// empty means no letter was written yet.
type Job struct {
	ID              string        `db:"id"`
	Username        string        `db:"username"`
	Company         string        `db:"company"`
	Title           string        `db:"title"`
	Location        string        `db:"location"`
	Link            string        `db:"link"`
	Description     string        `db:"description"`
	FullDescription bool          `db:"full_description"`
	DateFound       time.Time     `db:"date_found"`
	Status          status.Status `db:"status"`
	FitNotes        string        `db:"fit_notes"`
	CoverLetter     string        `db:"cover_letter"`
	Topics          Topics        `db:"topics"`
	Questions       Questions     `db:"questions"`
	WritingStyle    string        `db:"writing_style"`
	Addressee       string        `db:"addressee"`
	PDFPath         string        `db:"pdf_path"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

// HasLetter reports whether a cover letter was generated for the job.
func (j *Job) HasLetter() bool { return strings.TrimSpace(j.CoverLetter) != "" }

// String makes a short human-readable id for logs and progress events.
func (j *Job) String() string {
	res := j.Title
	if j.Company != "" {
		res += " at " + j.Company
	}
	return res
}

// JobFilter narrows ListJobs. Zero value lists everything for the user.
type JobFilter struct {
	Statuses []status.Status
}

const jobColumns = `id, username, company, title, location, link, description, full_description,
	date_found, status, fit_notes, cover_letter, topics, questions, writing_style,
	addressee, pdf_path, updated_at`

const jobBinds = `:id, :username, :company, :title, :location, :link, :description, :full_description,
	:date_found, :status, :fit_notes, :cover_letter, :topics, :questions, :writing_style,
	:addressee, :pdf_path, :updated_at`

// CreateJob persists a new job. Assigns the id when empty, stamps date_found
// and updated_at, defaults status to pending. The passed record is updated
// with the assigned values.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.Username == "" {
		return fmt.Errorf("%w: job without username", ErrIO)
	}
	if j.Title == "" && j.Link == "" {
		return fmt.Errorf("%w: job needs at least a title or a link", ErrIO)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = status.Pending
	}
	if !status.Valid(j.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrIO, j.Status)
	}
	now := time.Now().UTC()
	if j.DateFound.IsZero() {
		j.DateFound = now
	} else {
		j.DateFound = j.DateFound.UTC()
	}
	j.UpdatedAt = now

	return s.tx(ctx, func(tx *sqlx.Tx) error {
		query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumns, jobBinds)
		if _, err := tx.NamedExecContext(ctx, query, j); err != nil {
			return fmt.Errorf("%w: insert job %s: %v", ErrIO, j.ID, err)
		}
		return nil
	})
}

// GetJob loads one job by id for the given user.
func (s *Store) GetJob(ctx context.Context, username, id string) (Job, error) {
	var res Job
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE username = ? AND id = ?", jobColumns)
	if err := s.db.GetContext(ctx, &res, query, username, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return Job{}, fmt.Errorf("%w: select job %s: %v", ErrIO, id, err)
	}
	return res, nil
}

// ListJobs returns the user's jobs, newest found first, ties broken by id for
// a stable order.
func (s *Store) ListJobs(ctx context.Context, username string, flt JobFilter) ([]Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE username = ?", jobColumns)
	args := []any{username}

	if len(flt.Statuses) > 0 {
		var err error
		query, args, err = sqlx.In(query+" AND status IN (?)", username, flt.Statuses)
		if err != nil {
			return nil, fmt.Errorf("%w: build jobs filter: %v", ErrIO, err)
		}
		query = s.db.Rebind(query)
	}
	query += " ORDER BY date_found DESC, id ASC"

	var res []Job
	if err := s.db.SelectContext(ctx, &res, query, args...); err != nil {
		return nil, fmt.Errorf("%w: select jobs for %s: %v", ErrIO, username, err)
	}
	return res, nil
}

// UpdateJob writes the full record back. A status different from the stored
// one is validated against the lifecycle first; an illegal transition leaves
// the row untouched.
func (s *Store) UpdateJob(ctx context.Context, j Job) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		var cur status.Status
		err := tx.GetContext(ctx, &cur, "SELECT status FROM jobs WHERE username = ? AND id = ?", j.Username, j.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: job %s", ErrNotFound, j.ID)
		}
		if err != nil {
			return fmt.Errorf("%w: select job %s: %v", ErrIO, j.ID, err)
		}
		if j.Status != cur {
			if err := status.Validate(cur, j.Status); err != nil {
				return err
			}
		}

		j.UpdatedAt = time.Now().UTC()
		j.DateFound = j.DateFound.UTC()
		query := `UPDATE jobs SET company = :company, title = :title, location = :location, link = :link,
			description = :description, full_description = :full_description, date_found = :date_found,
			status = :status, fit_notes = :fit_notes, cover_letter = :cover_letter, topics = :topics,
			questions = :questions, writing_style = :writing_style, addressee = :addressee,
			pdf_path = :pdf_path, updated_at = :updated_at WHERE username = :username AND id = :id`
		if _, err := tx.NamedExecContext(ctx, query, j); err != nil {
			return fmt.Errorf("%w: update job %s: %v", ErrIO, j.ID, err)
		}
		return nil
	})
}

// SetJobStatus moves a job through the lifecycle. Only the status and the
// modification time change; letter data survives any legal move, including
// the one into discarded.
func (s *Store) SetJobStatus(ctx context.Context, username, id string, to status.Status) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		var cur status.Status
		err := tx.GetContext(ctx, &cur, "SELECT status FROM jobs WHERE username = ? AND id = ?", username, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("%w: select job %s: %v", ErrIO, id, err)
		}
		if err := status.Validate(cur, to); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE jobs SET status = ?, updated_at = ? WHERE username = ? AND id = ?",
			to, time.Now().UTC(), username, id)
		if err != nil {
			return fmt.Errorf("%w: update job %s status: %v", ErrIO, id, err)
		}
		return nil
	})
}

// DeleteJob removes the job and everything stored with it.
func (s *Store) DeleteJob(ctx context.Context, username, id string) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE username = ? AND id = ?", username, id)
		if err != nil {
			return fmt.Errorf("%w: delete job %s: %v", ErrIO, id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: delete job %s: %v", ErrIO, id, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return nil
	})
}
