package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutUser(t *testing.T) {
	st := prepStore(t)
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		u := User{
			Username:         "jo",
			Name:             "Jo Tester",
			Email:            "jo@example.com",
			LinkedInURL:      "https://linkedin.com/in/jo",
			Credentials:      Strings{"BSc Computer Science", "CKA"},
			Websites:         Strings{"https://jo.example.com"},
			SourceDocuments:  Strings{"~/docs/cv.pdf"},
			DesiredTitles:    Strings{"backend developer", "platform engineer"},
			DesiredLocations: Strings{"berlin", "remote"},
			LetterDir:        "/tmp/letters",
		}
		require.NoError(t, st.PutUser(ctx, u))

		got, err := st.GetUser(ctx, "jo")
		require.NoError(t, err)
		assert.Equal(t, "Jo Tester", got.Name)
		assert.Equal(t, Strings{"BSc Computer Science", "CKA"}, got.Credentials)
		assert.Equal(t, Strings{"backend developer", "platform engineer"}, got.DesiredTitles, "order preserved")
		assert.WithinDuration(t, time.Now(), got.CreatedAt, 3*time.Second)
	})

	t.Run("update keeps created_at", func(t *testing.T) {
		before, err := st.GetUser(ctx, "jo")
		require.NoError(t, err)

		upd := before
		upd.Name = "Jo Q. Tester"
		require.NoError(t, st.PutUser(ctx, upd))

		got, err := st.GetUser(ctx, "jo")
		require.NoError(t, err)
		assert.Equal(t, "Jo Q. Tester", got.Name)
		assert.WithinDuration(t, before.CreatedAt, got.CreatedAt, time.Second)
	})

	t.Run("second profile rejected", func(t *testing.T) {
		err := st.PutUser(ctx, User{Username: "someone-else"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})
}

func TestStore_ActiveUser(t *testing.T) {
	st := prepStore(t)
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		_, err := st.ActiveUser(ctx)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("single profile returned", func(t *testing.T) {
		prepUser(t, st)
		u, err := st.ActiveUser(ctx)
		require.NoError(t, err)
		assert.Equal(t, "jo", u.Username)
	})
}

func TestStore_SetUserSummary(t *testing.T) {
	st := prepStore(t)
	prepUser(t, st)
	ctx := context.Background()

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.SetUserSummary(ctx, "jo", "seasoned backend developer, 10y of go", at))

	got, err := st.GetUser(ctx, "jo")
	require.NoError(t, err)
	assert.Equal(t, "seasoned backend developer, 10y of go", got.Summary)
	require.NotNil(t, got.SummaryUpdatedAt)
	assert.WithinDuration(t, at, *got.SummaryUpdatedAt, time.Second)

	err = st.SetUserSummary(ctx, "ghost", "x", at)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_SetUserPresence(t *testing.T) {
	st := prepStore(t)
	prepUser(t, st)
	ctx := context.Background()

	entries := Presence{
		{URL: "https://jo.example.com", FetchedAt: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), OK: true, Content: "personal site, go posts"},
		{URL: "https://github.com/jo", FetchedAt: time.Date(2026, 8, 24, 9, 1, 0, 0, time.UTC), OK: false},
	}
	require.NoError(t, st.SetUserPresence(ctx, "jo", entries))

	got, err := st.GetUser(ctx, "jo")
	require.NoError(t, err)
	require.Len(t, got.Presence, 2)
	assert.Equal(t, "https://jo.example.com", got.Presence[0].URL)
	assert.True(t, got.Presence[0].OK)
	assert.False(t, got.Presence[1].OK)
}

func TestStore_DeleteUser(t *testing.T) {
	st := prepStore(t)
	prepUser(t, st)
	ctx := context.Background()

	j := Job{Username: "jo", Title: "engineer"}
	require.NoError(t, st.CreateJob(ctx, &j))
	q := Query{Username: "jo", Text: "golang"}
	require.NoError(t, st.CreateQuery(ctx, &q))

	require.NoError(t, st.DeleteUser(ctx, "jo"))

	_, err := st.GetUser(ctx, "jo")
	assert.True(t, errors.Is(err, ErrNotFound))
	jobs, err := st.ListJobs(ctx, "jo", JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "cascade removed the jobs")
	qs, err := st.ListQueries(ctx, "jo", QueryFilter{IncludeRemoved: true})
	require.NoError(t, err)
	assert.Empty(t, qs, "cascade removed the queries")

	err = st.DeleteUser(ctx, "jo")
	assert.True(t, errors.Is(err, ErrNotFound))
}
