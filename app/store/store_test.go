package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobhound/jobhound/app/status"
)

func prepStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "jobhound.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })
	return st
}

func prepUser(t *testing.T, st *Store) User {
	t.Helper()
	u := User{
		Username:         "jo",
		Name:             "Jo Tester",
		Email:            "jo@example.com",
		DesiredTitles:    Strings{"backend developer"},
		DesiredLocations: Strings{"remote"},
	}
	require.NoError(t, st.PutUser(context.Background(), u))
	return u
}

func TestNew(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "sub", "jobhound.db")
		st, err := New(path)
		require.NoError(t, err)
		defer func() { require.NoError(t, st.Close()) }()

		_, err = os.Stat(path)
		assert.NoError(t, err, "db file created")

		ver, err := st.Version()
		require.NoError(t, err)
		assert.Equal(t, len(migrations), ver)
	})

	t.Run("second process locked out", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobhound.db")
		st, err := New(path)
		require.NoError(t, err)
		defer func() { require.NoError(t, st.Close()) }()

		_, err = New(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
	})

	t.Run("lock released on close", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobhound.db")
		st, err := New(path)
		require.NoError(t, err)
		require.NoError(t, st.Close())

		st2, err := New(path)
		require.NoError(t, err)
		require.NoError(t, st2.Close())
	})

	t.Run("version from the future rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobhound.db")
		st, err := New(path)
		require.NoError(t, err)
		require.NoError(t, st.Close())

		db, err := sqlx.Connect("sqlite", "file:"+path)
		require.NoError(t, err)
		_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations)+5))
		require.NoError(t, err)
		require.NoError(t, db.Close())

		_, err = New(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVersion))
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobhound.db")
		st, err := New(path)
		require.NoError(t, err)
		require.NoError(t, st.PutUser(context.Background(), User{Username: "jo"}))
		require.NoError(t, st.Close())

		st, err = New(path)
		require.NoError(t, err)
		defer func() { require.NoError(t, st.Close()) }()
		u, err := st.ActiveUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "jo", u.Username)
	})
}

func TestStore_SingleWriterSerialization(t *testing.T) {
	st := prepStore(t)
	prepUser(t, st)
	ctx := context.Background()

	const writers = 10
	errCh := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errCh <- st.CreateJob(ctx, &Job{
				Username:  "jo",
				Company:   fmt.Sprintf("acme-%d", i),
				Title:     "engineer",
				DateFound: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			})
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	jobs, err := st.ListJobs(ctx, "jo", JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, writers, "every concurrent append persisted")
}

func TestStore_ForeignKeysEnforced(t *testing.T) {
	st := prepStore(t)

	err := st.CreateJob(context.Background(), &Job{Username: "ghost", Title: "engineer"})
	require.Error(t, err, "job without profile rejected")
	assert.True(t, errors.Is(err, ErrIO))
}

func TestStore_StatusStoredAsText(t *testing.T) {
	st := prepStore(t)
	prepUser(t, st)
	ctx := context.Background()

	j := Job{Username: "jo", Title: "engineer"}
	require.NoError(t, st.CreateJob(ctx, &j))

	got, err := st.GetJob(ctx, "jo", j.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Pending, got.Status)
}
