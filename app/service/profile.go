package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jobhound/jobhound/app/store"
	"github.com/jobhound/jobhound/app/task"
)

// GenerateSummary extracts text from the profile's source documents and
// condenses them into the professional summary used by every other
// generation. Documents in unsupported formats are skipped with a warning,
// the run fails only when nothing at all could be read.
func (s *Engine) GenerateSummary(ctx context.Context, username string) *task.Task[string] {
	return task.Start(ctx, "summary", func(ctx context.Context, p task.Progress) (string, error) {
		if s.Generator == nil {
			return "", fmt.Errorf("%w: no generator configured", ErrGenerationFailed)
		}
		if s.Extractor == nil {
			return "", fmt.Errorf("%w: no extractor configured", ErrExtractFailed)
		}
		user, err := s.Store.GetUser(ctx, username)
		if err != nil {
			return "", err
		}
		if len(user.SourceDocuments) == 0 {
			return "", fmt.Errorf("profile has no source documents")
		}

		var texts []string
		for _, doc := range user.SourceDocuments {
			matches, gerr := filepath.Glob(doc)
			if gerr != nil || len(matches) == 0 {
				matches = []string{doc} // not a pattern, take it literally
			}
			for _, path := range matches {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				p.Infof("reading %s", path)
				text, xerr := s.Extractor.ExtractText(ctx, path)
				if xerr != nil {
					if errors.Is(xerr, context.Canceled) {
						return "", xerr
					}
					if errors.Is(xerr, ErrUnsupportedFormat) {
						p.Warnf("skipped %s, unsupported format", path)
						continue
					}
					p.Warnf("can't read %s: %v", path, xerr)
					continue
				}
				if t := strings.TrimSpace(text); t != "" {
					texts = append(texts, t)
				}
			}
		}
		if len(texts) == 0 {
			return "", fmt.Errorf("%w: no readable source documents", ErrExtractFailed)
		}

		p.Infof("summarizing %d documents", len(texts))
		out, err := s.Generator.Generate(ctx, PromptSummary, GenInput{User: user, Documents: texts})
		if err != nil {
			return "", collabErr(ErrGenerationFailed, err, "summary for %s", username)
		}
		summary := strings.TrimSpace(out)
		if summary == "" {
			return "", fmt.Errorf("%w: empty summary", ErrGenerationFailed)
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := s.Store.SetUserSummary(ctx, username, summary, time.Now()); err != nil {
			return "", err
		}
		p.Infof("summary updated, %d words", len(strings.Fields(summary)))
		return summary, nil
	})
}

// RefreshOnlinePresence fetches the profile's public pages and stores what
// was found, condensed by the generator when one is wired. Pages that fail
// to fetch are recorded as failed entries. Returns how many pages fetched.
func (s *Engine) RefreshOnlinePresence(ctx context.Context, username string) *task.Task[int] {
	return task.Start(ctx, "presence", func(ctx context.Context, p task.Progress) (int, error) {
		if s.Scraper == nil {
			return 0, fmt.Errorf("%w: no scraper configured", ErrScrapeFailed)
		}
		user, err := s.Store.GetUser(ctx, username)
		if err != nil {
			return 0, err
		}

		sites := make([]string, 0, len(user.Websites)+1)
		if v := strings.TrimSpace(user.LinkedInURL); v != "" {
			sites = append(sites, v)
		}
		for _, w := range user.Websites {
			if v := strings.TrimSpace(w); v != "" {
				sites = append(sites, v)
			}
		}
		if len(sites) == 0 {
			p.Infof("profile has no websites, nothing to refresh")
			return 0, nil
		}

		fetched := 0
		presence := make(store.Presence, 0, len(sites))
		for _, site := range sites {
			if err := ctx.Err(); err != nil {
				return fetched, err
			}
			if s.ScrapeLimiter != nil {
				if err := s.ScrapeLimiter.Wait(ctx); err != nil {
					return fetched, err
				}
			}
			p.Infof("fetching %s", site)
			var text string
			ferr := s.rptr().Do(ctx, func() error {
				var e error
				text, e = s.Scraper.FetchFullText(ctx, site)
				return e
			})
			entry := store.PresenceEntry{URL: site, FetchedAt: time.Now().UTC()}
			if ferr != nil {
				if errors.Is(ferr, context.Canceled) {
					return fetched, ferr
				}
				p.Warnf("can't fetch %s: %v", site, ferr)
				presence = append(presence, entry)
				continue
			}
			entry.OK = true
			entry.Content = strings.TrimSpace(text)
			if s.Generator != nil && entry.Content != "" {
				out, gerr := s.Generator.Generate(ctx, PromptPresence, GenInput{User: user, Documents: []string{entry.Content}})
				if gerr != nil {
					p.Warnf("can't condense %s, keeping raw text: %v", site, gerr)
				} else if v := strings.TrimSpace(out); v != "" {
					entry.Content = v
				}
			}
			presence = append(presence, entry)
			fetched++
		}

		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		if err := s.Store.SetUserPresence(ctx, username, presence); err != nil {
			return fetched, err
		}
		p.Infof("presence refreshed, %d of %d pages fetched", fetched, len(sites))
		return fetched, nil
	})
}

// SuggestQueries asks the generator for up to n search queries fitting the
// profile and saves the new ones as drafts for review. Texts matching an
// existing query are skipped. Returns the saved texts.
func (s *Engine) SuggestQueries(ctx context.Context, username string, n int) *task.Task[[]string] {
	return task.Start(ctx, "suggest", func(ctx context.Context, p task.Progress) ([]string, error) {
		if s.Generator == nil {
			return nil, fmt.Errorf("%w: no generator configured", ErrGenerationFailed)
		}
		user, err := s.Store.GetUser(ctx, username)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			n = 10
		}

		p.Infof("suggesting up to %d queries", n)
		out, err := s.Generator.Generate(ctx, PromptQueries, GenInput{User: user, Count: n})
		if err != nil {
			return nil, collabErr(ErrGenerationFailed, err, "queries for %s", username)
		}
		texts, err := parseStrings(out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		if len(texts) > n {
			texts = texts[:n]
		}

		existing, err := s.Store.ListQueries(ctx, username, store.QueryFilter{IncludeRemoved: true})
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, q := range existing {
			seen[strings.ToLower(strings.TrimSpace(q.Text))] = true
		}

		saved := make([]string, 0, len(texts))
		for _, text := range texts {
			if err := ctx.Err(); err != nil {
				return saved, err
			}
			if seen[strings.ToLower(text)] {
				p.Infof("skipped %q, already known", text)
				continue
			}
			q := store.Query{Username: username, Text: text, Status: store.QueryDraft, AISuggested: true}
			if err := s.Store.CreateQuery(ctx, &q); err != nil {
				p.Warnf("can't save %q: %v", text, err)
				continue
			}
			seen[strings.ToLower(text)] = true
			saved = append(saved, text)
			p.Infof("suggested %q", text)
		}
		p.Infof("saved %d draft queries", len(saved))
		return saved, nil
	})
}
