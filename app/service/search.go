package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/syncs"

	"github.com/jobhound/jobhound/app/dedup"
	"github.com/jobhound/jobhound/app/store"
	"github.com/jobhound/jobhound/app/task"
)

// SearchOptions alters a single search run
type SearchOptions struct {
	IgnoreRecent bool // run queries even if they ran within MinInterval
}

// SearchReport sums up what a search or ingest run did
type SearchReport struct {
	QueriesRun int // queries actually executed
	Recovered  int // batches replayed from the journal
	Found      int // raw candidates before dedup
	Added      int // new jobs tracked
	Merged     int // existing jobs updated with new details
	Unchanged  int // duplicates with nothing new
	Filtered   int // dropped by the fit screen
	Failed     int // queries or candidates that errored
}

func (r SearchReport) String() string {
	return fmt.Sprintf("found %d, added %d, merged %d, unchanged %d, filtered %d, failed %d",
		r.Found, r.Added, r.Merged, r.Unchanged, r.Filtered, r.Failed)
}

// batch is one query's worth of discovered candidates plus its journal file
type batch struct {
	query string
	fname string
	cands []dedup.Candidate
}

// SearchJobs discovers candidates for every runnable query and folds them
// into the tracked jobs. Interrupted runs replay from the journal on the next
// call, dedup keeps the replay idempotent. Individual query and candidate
// failures are reported as warnings and don't fail the run.
func (s *Engine) SearchJobs(ctx context.Context, username string, opts SearchOptions) *task.Task[SearchReport] {
	return task.Start(ctx, "search", func(ctx context.Context, p task.Progress) (SearchReport, error) {
		var rep SearchReport
		if s.Searcher == nil {
			return rep, fmt.Errorf("%w: no searcher configured", ErrSearchUnavailable)
		}
		if !s.running.start(username) {
			return rep, fmt.Errorf("another discovery run is active for %s", username)
		}
		defer s.running.done(username)
		user, err := s.Store.GetUser(ctx, username)
		if err != nil {
			return rep, err
		}

		// batches left by an interrupted run go first
		var batches []batch
		if s.Journal != nil {
			for _, e := range s.Journal.List() {
				p.Infof("recovered batch for %q with %d candidates", e.Query, len(e.Candidates))
				batches = append(batches, batch{query: e.Query, fname: e.Fname, cands: e.Candidates})
				rep.Recovered++
				rep.Found += len(e.Candidates)
			}
		}

		queries, err := s.Store.ListQueries(ctx, username, store.QueryFilter{Runnable: true})
		if err != nil {
			return rep, err
		}
		cutoff := time.Now().Add(-s.MinInterval)
		for _, q := range queries {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if !opts.IgnoreRecent && q.RanSince(cutoff) {
				p.Infof("skipped %q, ran recently", q.Text)
				continue
			}
			p.Infof("searching %q", q.Text)
			var cands []dedup.Candidate
			err := s.rptr().Do(ctx, func() error {
				var e error
				cands, e = s.Searcher.Search(ctx, q.Text)
				return e
			})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return rep, err
				}
				p.Warnf("search %q failed: %v", q.Text, err)
				rep.Failed++
				continue
			}
			if s.MaxPerQuery > 0 && len(cands) > s.MaxPerQuery {
				p.Infof("capped %q to %d of %d results", q.Text, s.MaxPerQuery, len(cands))
				cands = cands[:s.MaxPerQuery]
			}
			rep.QueriesRun++
			rep.Found += len(cands)

			fname := ""
			if s.Journal != nil {
				if fn, jerr := s.Journal.Record(q.Text, cands); jerr != nil {
					p.Warnf("can't journal batch for %q: %v", q.Text, jerr)
				} else {
					fname = fn
				}
			}
			if merr := s.Store.MarkQueryRun(ctx, username, q.ID, time.Now(), len(cands)); merr != nil {
				p.Warnf("can't mark query %q as run: %v", q.Text, merr)
			}
			batches = append(batches, batch{query: q.Text, fname: fname, cands: cands})
		}

		var all []dedup.Candidate
		for _, b := range batches {
			all = append(all, b.cands...)
		}
		if len(all) == 0 {
			p.Infof("nothing new discovered")
			s.commitBatches(p, batches)
			return rep, nil
		}

		collapsed := s.Matcher.Collapse(all)
		if len(collapsed) < len(all) {
			p.Infof("%d candidates left after in-batch dedup", len(collapsed))
		}

		s.fetchDescriptions(ctx, p, collapsed)
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		if s.FitScreen {
			collapsed = s.screenFit(ctx, p, user, collapsed, &rep)
			if err := ctx.Err(); err != nil {
				return rep, err
			}
		}

		if err := s.ingest(ctx, p, username, collapsed, &rep); err != nil {
			return rep, err
		}

		// everything is tracked now, the journal files served their purpose
		s.commitBatches(p, batches)

		p.Infof("search done: %s", rep)
		return rep, nil
	})
}

// IngestCandidates runs externally supplied candidates through the same
// dedup and merge pipeline as a search, without touching queries. No fit
// screen here, whoever handed over the file made that call already.
func (s *Engine) IngestCandidates(ctx context.Context, username string, cands []dedup.Candidate) *task.Task[SearchReport] {
	return task.Start(ctx, "ingest", func(ctx context.Context, p task.Progress) (SearchReport, error) {
		var rep SearchReport
		if !s.running.start(username) {
			return rep, fmt.Errorf("another discovery run is active for %s", username)
		}
		defer s.running.done(username)
		if _, err := s.Store.GetUser(ctx, username); err != nil {
			return rep, err
		}
		rep.Found = len(cands)
		if len(cands) == 0 {
			p.Infof("nothing to ingest")
			return rep, nil
		}
		collapsed := s.Matcher.Collapse(cands)
		if len(collapsed) < len(cands) {
			p.Infof("%d candidates left after in-batch dedup", len(collapsed))
		}
		s.fetchDescriptions(ctx, p, collapsed)
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.ingest(ctx, p, username, collapsed, &rep); err != nil {
			return rep, err
		}
		p.Infof("ingest done: %s", rep)
		return rep, nil
	})
}

// Recover replays journal batches left by an interrupted run without
// executing any queries. SearchJobs does the same on its way in, this is for
// setups with no searcher wired or for an explicit replay.
func (s *Engine) Recover(ctx context.Context, username string) *task.Task[SearchReport] {
	return task.Start(ctx, "recover", func(ctx context.Context, p task.Progress) (SearchReport, error) {
		var rep SearchReport
		if !s.running.start(username) {
			return rep, fmt.Errorf("another discovery run is active for %s", username)
		}
		defer s.running.done(username)
		if _, err := s.Store.GetUser(ctx, username); err != nil {
			return rep, err
		}
		if s.Journal == nil {
			p.Infof("no journal configured")
			return rep, nil
		}
		var batches []batch
		var all []dedup.Candidate
		for _, e := range s.Journal.List() {
			p.Infof("recovered batch for %q with %d candidates", e.Query, len(e.Candidates))
			batches = append(batches, batch{query: e.Query, fname: e.Fname, cands: e.Candidates})
			rep.Recovered++
			rep.Found += len(e.Candidates)
			all = append(all, e.Candidates...)
		}
		if len(batches) == 0 {
			p.Infof("nothing to recover")
			return rep, nil
		}
		if err := s.ingest(ctx, p, username, s.Matcher.Collapse(all), &rep); err != nil {
			return rep, err
		}
		s.commitBatches(p, batches)
		p.Infof("recovery done: %s", rep)
		return rep, nil
	})
}

// ingest folds candidates into tracked jobs, one transaction per candidate.
// Cancellation between items keeps everything committed so far.
func (s *Engine) ingest(ctx context.Context, p task.Progress, username string, cands []dedup.Candidate, rep *SearchReport) error {
	jobs, err := s.Store.ListJobs(ctx, username, store.JobFilter{})
	if err != nil {
		return err
	}
	index := map[string]store.Job{}
	for _, j := range jobs {
		if fp := s.Matcher.FingerprintJob(j); fp != "" {
			index[fp] = j
		}
	}

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}
		fp := s.Matcher.FingerprintCandidate(c)
		if existing, ok := index[fp]; ok && fp != "" {
			merged, changed := dedup.Merge(existing, c)
			if !changed {
				rep.Unchanged++
				p.Infof("already tracked: %s", c.String())
				continue
			}
			if err := s.Store.UpdateJob(ctx, merged); err != nil {
				rep.Failed++
				p.Errorf("can't update %s: %v", existing.String(), err)
				continue
			}
			index[fp] = merged
			rep.Merged++
			p.Infof("merged new details into %s", merged.String())
			continue
		}

		job := c.Job(username)
		if err := s.Store.CreateJob(ctx, &job); err != nil {
			rep.Failed++
			p.Errorf("can't add %s: %v", c.String(), err)
			continue
		}
		if fp != "" {
			index[fp] = job
		}
		rep.Added++
		p.Infof("added %s", job.String())
	}
	return nil
}

// fetchDescriptions pulls the full posting text for candidates carrying a
// link but only a snippet. Runs FetchConcurrency fetches in parallel under
// the scrape limiter. Failures degrade the candidate to its snippet.
func (s *Engine) fetchDescriptions(ctx context.Context, p task.Progress, cands []dedup.Candidate) {
	if s.Scraper == nil {
		return
	}
	concur := s.FetchConcurrency
	if concur <= 0 {
		concur = 1
	}
	gr := syncs.NewSizedGroup(concur, syncs.Context(ctx))
	for i := range cands {
		if cands[i].FullDescription || strings.TrimSpace(cands[i].Link) == "" {
			continue
		}
		i := i // per-iteration copy for the goroutine, required while building with go < 1.22
		gr.Go(func(ctx context.Context) {
			if s.ScrapeLimiter != nil {
				if err := s.ScrapeLimiter.Wait(ctx); err != nil {
					return
				}
			}
			var text string
			err := s.rptr().Do(ctx, func() error {
				var e error
				text, e = s.Scraper.FetchFullText(ctx, cands[i].Link)
				return e
			})
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.Warnf("can't fetch %s: %v", cands[i].Link, err)
				}
				return
			}
			if text = strings.TrimSpace(text); text != "" {
				cands[i].Description = text
				cands[i].FullDescription = true
				p.Infof("fetched full text for %s", cands[i].String())
			}
		})
	}
	gr.Wait()
}

// screenFit asks the generator which candidates don't fit the profile and
// drops them. Fails open, a broken screen keeps everything.
func (s *Engine) screenFit(ctx context.Context, p task.Progress, user store.User, cands []dedup.Candidate, rep *SearchReport) []dedup.Candidate {
	if s.Generator == nil || len(cands) == 0 {
		return cands
	}
	out, err := s.Generator.Generate(ctx, PromptFit, GenInput{User: user, Candidates: cands})
	if err != nil {
		p.Warnf("fit screen failed, keeping all candidates: %v", err)
		return cands
	}
	drop, err := parseIndexes(out, len(cands))
	if err != nil {
		p.Warnf("fit screen unreadable, keeping all candidates: %v", err)
		return cands
	}
	if len(drop) == 0 {
		return cands
	}

	dropped := map[int]bool{}
	for _, i := range drop {
		dropped[i] = true
	}
	res := make([]dedup.Candidate, 0, len(cands))
	for i, c := range cands {
		if dropped[i] {
			rep.Filtered++
			p.Infof("filtered out %s, poor fit", c.String())
			continue
		}
		res = append(res, c)
	}
	return res
}

func (s *Engine) commitBatches(p task.Progress, batches []batch) {
	if s.Journal == nil {
		return
	}
	for _, b := range batches {
		if b.fname == "" {
			continue
		}
		if err := s.Journal.Commit(b.fname); err != nil {
			p.Warnf("can't drop journal batch for %q: %v", b.query, err)
		}
	}
}
