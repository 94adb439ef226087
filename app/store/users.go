package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PresenceEntry is one fetched snapshot of the user's online presence,
// usually a personal site or a public profile page.
type PresenceEntry struct {
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
	OK        bool      `json:"ok"`
	Content   string    `json:"content"`
}

// Presence is the ordered list of presence entries, kept in a JSON column.
type Presence []PresenceEntry

// Value implements driver.Valuer
func (p Presence) Value() (driver.Value, error) { return jsonValue([]PresenceEntry(p)) }

// Scan implements sql.Scanner
func (p *Presence) Scan(src any) error { return jsonScan(src, (*[]PresenceEntry)(p)) }

// User is the profile everything else hangs off. Username is immutable and
// keys the rest of the store; one profile per database.
type User struct {
	Username         string     `db:"username"`
	Name             string     `db:"name"`
	Email            string     `db:"email"`
	Phone            string     `db:"phone"`
	LinkedInURL      string     `db:"linkedin_url"`
	Credentials      Strings    `db:"credentials"`
	Websites         Strings    `db:"websites"`
	SourceDocuments  Strings    `db:"source_documents"`
	DesiredTitles    Strings    `db:"desired_titles"`
	DesiredLocations Strings    `db:"desired_locations"`
	Summary          string     `db:"summary"`
	SummaryUpdatedAt *time.Time `db:"summary_updated_at"`
	LetterDir        string     `db:"letter_dir"`
	Presence         Presence   `db:"presence"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

const userColumns = `username, name, email, phone, linkedin_url, credentials, websites,
	source_documents, desired_titles, desired_locations, summary, summary_updated_at,
	letter_dir, presence, created_at, updated_at`

// PutUser creates or updates the profile. The store holds a single profile;
// writing a second username fails until the first one is deleted.
func (s *Store) PutUser(ctx context.Context, u User) error {
	if u.Username == "" {
		return fmt.Errorf("%w: profile without username", ErrIO)
	}

	return s.tx(ctx, func(tx *sqlx.Tx) error {
		var existing string
		err := tx.GetContext(ctx, &existing, "SELECT username FROM users WHERE username != ? LIMIT 1", u.Username)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: check profiles: %v", ErrIO, err)
		}
		if err == nil {
			return fmt.Errorf("profile %q already exists, delete it before creating %q", existing, u.Username)
		}

		now := time.Now().UTC()
		u.UpdatedAt = now
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		query := fmt.Sprintf(`INSERT INTO users (%s) VALUES (:username, :name, :email, :phone, :linkedin_url,
			:credentials, :websites, :source_documents, :desired_titles, :desired_locations, :summary,
			:summary_updated_at, :letter_dir, :presence, :created_at, :updated_at)
			ON CONFLICT(username) DO UPDATE SET name = :name, email = :email, phone = :phone,
			linkedin_url = :linkedin_url, credentials = :credentials, websites = :websites,
			source_documents = :source_documents, desired_titles = :desired_titles,
			desired_locations = :desired_locations, summary = :summary,
			summary_updated_at = :summary_updated_at, letter_dir = :letter_dir,
			presence = :presence, updated_at = :updated_at`, userColumns)
		if _, err := tx.NamedExecContext(ctx, query, u); err != nil {
			return fmt.Errorf("%w: upsert profile %s: %v", ErrIO, u.Username, err)
		}
		return nil
	})
}

// GetUser loads the profile by username.
func (s *Store) GetUser(ctx context.Context, username string) (User, error) {
	var res User
	query := fmt.Sprintf("SELECT %s FROM users WHERE username = ?", userColumns)
	if err := s.db.GetContext(ctx, &res, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("%w: profile %s", ErrNotFound, username)
		}
		return User{}, fmt.Errorf("%w: select profile %s: %v", ErrIO, username, err)
	}
	return res, nil
}

// ActiveUser returns the single profile of the store, ErrNotFound when the
// store was never initialized with one.
func (s *Store) ActiveUser(ctx context.Context) (User, error) {
	var res User
	query := fmt.Sprintf("SELECT %s FROM users ORDER BY created_at ASC LIMIT 1", userColumns)
	if err := s.db.GetContext(ctx, &res, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("%w: no profile, run init first", ErrNotFound)
		}
		return User{}, fmt.Errorf("%w: select profile: %v", ErrIO, err)
	}
	return res, nil
}

// SetUserSummary stores a regenerated background summary with its timestamp.
func (s *Store) SetUserSummary(ctx context.Context, username, summary string, at time.Time) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		at := at.UTC()
		res, err := tx.ExecContext(ctx, "UPDATE users SET summary = ?, summary_updated_at = ?, updated_at = ? WHERE username = ?",
			summary, at, at, username)
		if err != nil {
			return fmt.Errorf("%w: update summary for %s: %v", ErrIO, username, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: update summary for %s: %v", ErrIO, username, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: profile %s", ErrNotFound, username)
		}
		return nil
	})
}

// SetUserPresence replaces the online presence snapshots.
func (s *Store) SetUserPresence(ctx context.Context, username string, presence Presence) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE users SET presence = ?, updated_at = ? WHERE username = ?",
			presence, time.Now().UTC(), username)
		if err != nil {
			return fmt.Errorf("%w: update presence for %s: %v", ErrIO, username, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: update presence for %s: %v", ErrIO, username, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: profile %s", ErrNotFound, username)
		}
		return nil
	})
}

// DeleteUser removes the profile and, through cascade, every job and query
// belonging to it.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM users WHERE username = ?", username)
		if err != nil {
			return fmt.Errorf("%w: delete profile %s: %v", ErrIO, username, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: delete profile %s: %v", ErrIO, username, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: profile %s", ErrNotFound, username)
		}
		return nil
	})
}
