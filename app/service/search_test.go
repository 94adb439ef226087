package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobhound/jobhound/app/dedup"
	"github.com/jobhound/jobhound/app/store"
	"github.com/jobhound/jobhound/app/task"
)

func TestEngine_SearchJobs_Discovery(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	ctx := context.Background()

	q1 := store.Query{Username: "jo", Text: "golang berlin"}
	require.NoError(t, eng.Store.CreateQuery(ctx, &q1))
	q2 := store.Query{Username: "jo", Text: "go remote"}
	require.NoError(t, eng.Store.CreateQuery(ctx, &q2))

	// the same Acme posting comes back from both queries under different
	// tracking params, the second time with a better description
	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		switch query {
		case "golang berlin":
			return []dedup.Candidate{
				{Company: "Acme", Title: "Senior Gopher", Link: "https://acme.test/jobs/42?utm_source=x", Description: "short snippet"},
				{Company: "Beta", Title: "Go Developer"},
			}, nil
		case "go remote":
			return []dedup.Candidate{
				{Company: "Acme", Title: "Senior Gopher", Link: "https://acme.test/jobs/42?utm_campaign=y",
					Description: "a much longer and complete description of the role"},
			}, nil
		}
		return nil, nil
	})

	tk := eng.SearchJobs(ctx, "jo", SearchOptions{})
	events := drain(tk)
	rep, err := tk.Result()
	require.NoError(t, err)
	assert.Equal(t, task.Succeeded, tk.State())

	assert.Equal(t, 2, rep.QueriesRun)
	assert.Equal(t, 3, rep.Found)
	assert.Equal(t, 2, rep.Added, "tracking params don't make a new job")
	assert.Equal(t, 0, rep.Merged, "duplicate folded before ingest")
	assert.Equal(t, 0, rep.Failed)

	jobs, err := eng.Store.ListJobs(ctx, "jo", store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	var acme store.Job
	for _, j := range jobs {
		if j.Company == "Acme" {
			acme = j
		}
	}
	require.NotEmpty(t, acme.ID)
	assert.Equal(t, "a much longer and complete description of the role", acme.Description,
		"fold keeps the more complete description")

	queries, err := eng.Store.ListQueries(ctx, "jo", store.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, queries, 2)
	for _, q := range queries {
		assert.Equal(t, store.QueryExecuted, q.Status)
		require.NotNil(t, q.LastRunAt)
	}
	assert.Equal(t, 2, queries[0].LastResults)
	assert.Equal(t, 1, queries[1].LastResults)

	assert.Empty(t, eng.Journal.List(), "journal drops batches once tracked")
	text := eventText(events)
	assert.Contains(t, text, `searching "golang berlin"`)
	assert.Contains(t, text, "added Senior Gopher at Acme")
	assert.Contains(t, text, "search done")
}

func TestEngine_SearchJobs_IdempotentRerun(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	ctx := context.Background()

	q := store.Query{Username: "jo", Text: "golang berlin"}
	require.NoError(t, eng.Store.CreateQuery(ctx, &q))
	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		return []dedup.Candidate{
			{Company: "Acme", Title: "Senior Gopher", Link: "https://acme.test/jobs/42"},
			{Company: "Beta", Title: "Go Developer"},
		}, nil
	})

	rep, err := eng.SearchJobs(ctx, "jo", SearchOptions{}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Added)

	t.Run("recent query skipped by default", func(t *testing.T) {
		rep, err := eng.SearchJobs(ctx, "jo", SearchOptions{}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, rep.QueriesRun)
		assert.Equal(t, 0, rep.Found)
	})

	t.Run("forced rerun changes nothing", func(t *testing.T) {
		rep, err := eng.SearchJobs(ctx, "jo", SearchOptions{IgnoreRecent: true}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.QueriesRun)
		assert.Equal(t, 0, rep.Added)
		assert.Equal(t, 2, rep.Unchanged)
		jobs, err := eng.Store.ListJobs(ctx, "jo", store.JobFilter{})
		require.NoError(t, err)
		assert.Len(t, jobs, 2, "re-discovery doesn't duplicate")
	})
}

func TestEngine_SearchJobs_FailedQueryContinues(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	ctx := context.Background()

	q1 := store.Query{Username: "jo", Text: "broken query"}
	require.NoError(t, eng.Store.CreateQuery(ctx, &q1))
	q2 := store.Query{Username: "jo", Text: "good query"}
	require.NoError(t, eng.Store.CreateQuery(ctx, &q2))

	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		if query == "broken query" {
			return nil, errors.New("rate limited")
		}
		return []dedup.Candidate{{Company: "Acme", Title: "Senior Gopher"}}, nil
	})

	tk := eng.SearchJobs(ctx, "jo", SearchOptions{})
	events := drain(tk)
	rep, err := tk.Result()
	require.NoError(t, err, "one bad query doesn't fail the run")
	assert.Equal(t, task.Succeeded, tk.State())
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.QueriesRun)
	assert.Equal(t, 1, rep.Added)
	assert.Contains(t, eventText(events), `search "broken query" failed`)

	// the broken query stays un-run, the good one is marked executed
	queries, err := eng.Store.ListQueries(ctx, "jo", store.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, store.QueryActive, queries[0].Status)
	assert.Nil(t, queries[0].LastRunAt)
	assert.Equal(t, store.QueryExecuted, queries[1].Status)
}

func TestEngine_SearchJobs_RecoversJournal(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	ctx := context.Background()

	// a batch left behind by an interrupted run, no queries in the store
	_, err := eng.Journal.Record("golang berlin", []dedup.Candidate{{Company: "Acme", Title: "Senior Gopher"}})
	require.NoError(t, err)
	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		return nil, errors.New("should not be called")
	})

	tk := eng.SearchJobs(ctx, "jo", SearchOptions{})
	events := drain(tk)
	rep, err := tk.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recovered)
	assert.Equal(t, 1, rep.Added)
	assert.Contains(t, eventText(events), `recovered batch for "golang berlin"`)

	jobs, err := eng.Store.ListJobs(ctx, "jo", store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Empty(t, eng.Journal.List(), "replayed batch committed")
}

func TestEngine_SearchJobs_CancelledRunRecovers(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	bg := context.Background()

	q1 := store.Query{Username: "jo", Text: "first"}
	require.NoError(t, eng.Store.CreateQuery(bg, &q1))
	q2 := store.Query{Username: "jo", Text: "second"}
	require.NoError(t, eng.Store.CreateQuery(bg, &q2))

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		if query == "second" { // die between queries, first batch already journaled
			cancel()
			return nil, ctx.Err()
		}
		return []dedup.Candidate{{Company: "Acme", Title: "Senior Gopher"}}, nil
	})

	_, err := eng.SearchJobs(ctx, "jo", SearchOptions{}).Wait(bg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	jobs, err := eng.Store.ListJobs(bg, "jo", store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "cancelled before ingest")
	require.Len(t, eng.Journal.List(), 1, "first batch survives in the journal")

	// next run replays the surviving batch even though its query ran recently
	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		return nil, nil
	})
	rep, err := eng.SearchJobs(bg, "jo", SearchOptions{}).Wait(bg)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recovered)
	assert.Equal(t, 1, rep.Added)

	jobs, err = eng.Store.ListJobs(bg, "jo", store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "nothing lost to the cancellation")
	assert.Empty(t, eng.Journal.List())
}

func TestEngine_SearchJobs_FetchesDescriptions(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	ctx := context.Background()

	q := store.Query{Username: "jo", Text: "golang"}
	require.NoError(t, eng.Store.CreateQuery(ctx, &q))
	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		return []dedup.Candidate{
			{Company: "Acme", Title: "Senior Gopher", Link: "https://acme.test/jobs/42", Description: "snippet"},
			{Company: "Beta", Title: "Go Developer", Link: "https://beta.test/jobs/7", Description: "snippet"},
		}, nil
	})
	eng.Scraper = scraperFunc(func(ctx context.Context, url string) (string, error) {
		if url == "https://beta.test/jobs/7" {
			return "", errors.New("404")
		}
		return "  the full posting text  ", nil
	})

	tk := eng.SearchJobs(ctx, "jo", SearchOptions{})
	events := drain(tk)
	rep, err := tk.Result()
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Added)
	assert.Contains(t, eventText(events), "can't fetch https://beta.test/jobs/7")

	jobs, err := eng.Store.ListJobs(ctx, "jo", store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		switch j.Company {
		case "Acme":
			assert.True(t, j.FullDescription)
			assert.Equal(t, "the full posting text", j.Description)
		case "Beta": // failed fetch degrades to the snippet
			assert.False(t, j.FullDescription)
			assert.Equal(t, "snippet", j.Description)
		}
	}
}

func TestEngine_SearchJobs_FitScreen(t *testing.T) {
	prep := func(t *testing.T) *Engine {
		eng := prepEngine(t)
		prepProfile(t, eng)
		eng.FitScreen = true
		q := store.Query{Username: "jo", Text: "golang"}
		require.NoError(t, eng.Store.CreateQuery(context.Background(), &q))
		eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
			return []dedup.Candidate{
				{Company: "Acme", Title: "Senior Gopher"},
				{Company: "Evil Corp", Title: "Blockchain Evangelist"},
			}, nil
		})
		return eng
	}

	t.Run("poor fits dropped", func(t *testing.T) {
		eng := prep(t)
		eng.Generator = generatorFunc(func(ctx context.Context, kind PromptKind, in GenInput) (string, error) {
			require.Equal(t, PromptFit, kind)
			require.Len(t, in.Candidates, 2)
			return "```json\n[1]\n```", nil
		})
		rep, err := eng.SearchJobs(context.Background(), "jo", SearchOptions{}).Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Filtered)
		assert.Equal(t, 1, rep.Added)
		jobs, err := eng.Store.ListJobs(context.Background(), "jo", store.JobFilter{})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "Acme", jobs[0].Company)
	})

	t.Run("broken screen keeps everything", func(t *testing.T) {
		eng := prep(t)
		eng.Generator = generatorFunc(func(ctx context.Context, kind PromptKind, in GenInput) (string, error) {
			return "", errors.New("model unavailable")
		})
		rep, err := eng.SearchJobs(context.Background(), "jo", SearchOptions{}).Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, rep.Filtered)
		assert.Equal(t, 2, rep.Added)
	})
}

func TestEngine_SearchJobs_CapsPerQuery(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	eng.MaxPerQuery = 1
	ctx := context.Background()

	q := store.Query{Username: "jo", Text: "golang"}
	require.NoError(t, eng.Store.CreateQuery(ctx, &q))
	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		return []dedup.Candidate{
			{Company: "Acme", Title: "Senior Gopher"},
			{Company: "Beta", Title: "Go Developer"},
		}, nil
	})

	rep, err := eng.SearchJobs(ctx, "jo", SearchOptions{}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Found)
	assert.Equal(t, 1, rep.Added)
}

func TestEngine_SearchJobs_Preconditions(t *testing.T) {
	t.Run("no searcher", func(t *testing.T) {
		eng := prepEngine(t)
		prepProfile(t, eng)
		_, err := eng.SearchJobs(context.Background(), "jo", SearchOptions{}).Wait(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSearchUnavailable))
	})

	t.Run("no profile", func(t *testing.T) {
		eng := prepEngine(t)
		eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
			return nil, nil
		})
		_, err := eng.SearchJobs(context.Background(), "jo", SearchOptions{}).Wait(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})
}

func TestEngine_Recover(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	ctx := context.Background()

	_, err := eng.Journal.Record("golang berlin", []dedup.Candidate{
		{Company: "Acme", Title: "Senior Gopher", Link: "https://acme.test/jobs/42"}})
	require.NoError(t, err)
	_, err = eng.Journal.Record("go remote", []dedup.Candidate{
		{Company: "Acme", Title: "Senior Gopher", Link: "https://acme.test/jobs/42?gclid=123"}})
	require.NoError(t, err)

	// no searcher wired at all, recovery must not need one
	rep, err := eng.Recover(ctx, "jo").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Recovered)
	assert.Equal(t, 2, rep.Found)
	assert.Equal(t, 1, rep.Added, "same posting across batches folds to one job")
	assert.Empty(t, eng.Journal.List())

	t.Run("nothing left to recover", func(t *testing.T) {
		rep, err := eng.Recover(ctx, "jo").Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, SearchReport{}, rep)
	})
}

func TestEngine_IngestCandidates(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	ctx := context.Background()

	// an existing job the batch will collide with
	existing := store.Job{Username: "jo", Company: "Acme", Title: "Senior Gopher", Link: "https://acme.test/jobs/42"}
	require.NoError(t, eng.Store.CreateJob(ctx, &existing))

	cands := []dedup.Candidate{
		{Company: "Acme", Title: "Senior Gopher", Link: "https://acme.test/jobs/42?utm_source=feed", Location: "Berlin"},
		{Company: "Beta", Title: "Go Developer"},
		{Company: "Beta", Title: "Go Developer"}, // in-batch duplicate
	}
	rep, err := eng.IngestCandidates(ctx, "jo", cands).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Found)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 1, rep.Merged, "existing job picked up the location")
	assert.Equal(t, 0, rep.Unchanged)

	got, err := eng.Store.GetJob(ctx, "jo", existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Berlin", got.Location)
	assert.Equal(t, "https://acme.test/jobs/42", got.Link, "merge doesn't replace the stored link")

	t.Run("second ingest is a no-op", func(t *testing.T) {
		rep, err := eng.IngestCandidates(ctx, "jo", cands).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, rep.Added)
		assert.Equal(t, 2, rep.Unchanged)
		jobs, err := eng.Store.ListJobs(ctx, "jo", store.JobFilter{})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("empty batch succeeds", func(t *testing.T) {
		rep, err := eng.IngestCandidates(ctx, "jo", nil).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, SearchReport{}, rep)
	})
}

func TestEngine_SearchJobs_ConcurrentFetchBounded(t *testing.T) {
	eng := prepEngine(t)
	prepProfile(t, eng)
	eng.FetchConcurrency = 2
	ctx := context.Background()

	q := store.Query{Username: "jo", Text: "golang"}
	require.NoError(t, eng.Store.CreateQuery(ctx, &q))
	cands := make([]dedup.Candidate, 8)
	for i := range cands {
		cands[i] = dedup.Candidate{Company: "Acme", Title: "Gopher", Link: "https://acme.test/jobs/" + string(rune('a'+i))}
	}
	eng.Searcher = searcherFunc(func(ctx context.Context, query string) ([]dedup.Candidate, error) {
		return cands, nil
	})

	var active, peak int32
	eng.Scraper = scraperFunc(func(ctx context.Context, url string) (string, error) {
		cur := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return "full text", nil
	})

	rep, err := eng.SearchJobs(ctx, "jo", SearchOptions{}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, rep.Added)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "fetches bounded by FetchConcurrency")
}
