// Package service wires the store, the dedup engine, the journal and the
// external collaborators into the user-facing operations. Every operation
// runs as one task: it reports ordered progress events and ends in exactly
// one terminal outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"golang.org/x/time/rate"

	"github.com/jobhound/jobhound/app/dedup"
	"github.com/jobhound/jobhound/app/journal"
	"github.com/jobhound/jobhound/app/store"
)

// collaborator failure sentinels, stable for errors.Is across the boundary
var (
	ErrSearchUnavailable = errors.New("search unavailable")
	ErrScrapeFailed      = errors.New("scrape failed")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrRenderFailed      = errors.New("render failed")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrExtractFailed     = errors.New("document extraction failed")
)

// PromptKind tells the generator which kind of text is wanted. Prompt
// construction is the generator's business, the engine only names the kind
// and hands over typed input.
type PromptKind string

// generation kinds
const (
	PromptQueries  PromptKind = "queries"
	PromptFit      PromptKind = "fit"
	PromptTopics   PromptKind = "topics"
	PromptLetter   PromptKind = "letter"
	PromptAnswers  PromptKind = "answers"
	PromptSummary  PromptKind = "summary"
	PromptPresence PromptKind = "presence"
)

// GenInput is the typed context handed to the generator. Operations fill the
// fields relevant to their kind and leave the rest zero.
type GenInput struct {
	User         store.User
	Job          store.Job
	Topics       store.Topics
	Candidates   []dedup.Candidate
	Instructions []string // letter writing instructions
	Questions    []string // application questions to answer
	Documents    []string // extracted or fetched source texts
	Count        int      // how many items to produce
}

// Searcher discovers job candidates for one query
type Searcher interface {
	Search(ctx context.Context, query string) ([]dedup.Candidate, error)
}

// Scraper fetches the full text behind a posting or profile url
type Scraper interface {
	FetchFullText(ctx context.Context, url string) (string, error)
}

// Generator produces text of the given kind from typed input
type Generator interface {
	Generate(ctx context.Context, kind PromptKind, in GenInput) (string, error)
}

// RenderRequest is everything a renderer needs to produce the letter file
type RenderRequest struct {
	Dir      string // output directory
	FileName string // target file name inside Dir
	Text     string // assembled letter text
	Job      store.Job
	User     store.User
}

// Renderer turns an assembled letter into a document, returns the file path
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// Extractor pulls plain text out of a source document. Implementations
// report files they can't handle with ErrUnsupportedFormat.
type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// Journaler persists discovery batches for crash recovery
type Journaler interface {
	Record(query string, candidates []dedup.Candidate) (string, error)
	Commit(fname string) error
	List() []journal.Entry
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Engine is the top-level service wiring persistence, dedup, journal and
// collaborators together. Collaborator fields may stay nil; operations that
// need a missing one fail with the matching taxonomy error.
type Engine struct {
	Store   *store.Store
	Matcher dedup.Matcher
	Journal Journaler

	Searcher  Searcher
	Scraper   Scraper
	Generator Generator
	Renderer  Renderer
	Extractor Extractor

	Repeater      Repeater      // collaborator call policy, default is a single attempt
	ScrapeLimiter *rate.Limiter // optional rate limit on scrape calls

	WritingInstructions []string      // default letter style, per-job override wins
	MinInterval         time.Duration // skip queries that ran more recently than this
	FetchConcurrency    int           // parallel description fetches
	FitScreen           bool          // screen candidates for fit before tracking them
	MaxPerQuery         int           // cap on results taken per query

	running inflight // one ingest run per user at a time, journal replay is not reentrant
}

// rptr returns the configured repeater or the single-attempt default.
// Nothing retries unless the user asked for attempts above one.
func (s *Engine) rptr() Repeater {
	if s.Repeater != nil {
		return s.Repeater
	}
	return repeater.New(&strategy.Backoff{Repeats: 1, Duration: time.Second, Factor: 3, Jitter: true})
}

// collabErr tags a collaborator failure with its taxonomy sentinel.
// Cancellation and already-tagged errors pass through wrapped, so errors.Is
// keeps working on them.
func collabErr(sentinel, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	op := fmt.Sprintf(format, args...)
	if errors.Is(err, context.Canceled) || errors.Is(err, sentinel) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", sentinel, op, err)
}
