// Package spool watches a drop directory for candidate batch files and feeds
// them into the ingest pipeline. Other tools, browser extensions or plain
// scripts leave json files there; processed files are renamed with a .done
// or .err suffix so nothing is ingested twice.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/jobhound/jobhound/app/dedup"
	"github.com/jobhound/jobhound/app/service"
	"github.com/jobhound/jobhound/app/task"
)

// Ingester runs a batch of candidates through dedup and merge
type Ingester interface {
	IngestCandidates(ctx context.Context, username string, cands []dedup.Candidate) *task.Task[service.SearchReport]
}

// Watcher polls one spool directory on a cron schedule
type Watcher struct {
	Ingester Ingester
	Username string
	Dir      string
	Schedule string // cron spec, default "@every 30m"
}

// Run scans once right away, then on every schedule tick until the context
// is cancelled. A batch being ingested is allowed to finish on shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Ingester == nil {
		return fmt.Errorf("spool watcher needs an ingester")
	}
	if err := os.MkdirAll(w.Dir, 0o700); err != nil {
		return fmt.Errorf("can't make spool dir %s: %w", w.Dir, err)
	}
	sched := w.Schedule
	if sched == "" {
		sched = "@every 30m"
	}

	c := cron.New()
	if _, err := c.AddFunc(sched, func() { w.Scan(ctx) }); err != nil {
		return fmt.Errorf("can't schedule %q: %w", sched, err)
	}

	log.Printf("[INFO] spool watcher started on %s, schedule %q", w.Dir, sched)
	w.Scan(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Printf("[INFO] spool watcher terminated")
	return nil
}

// Scan processes every pending batch file in the spool directory, returns
// the number of files it picked up.
func (w *Watcher) Scan(ctx context.Context) int {
	files, err := os.ReadDir(w.Dir)
	if err != nil {
		log.Printf("[WARN] can't read spool dir %s: %v", w.Dir, err)
		return 0
	}
	processed := 0
	for _, f := range files {
		if ctx.Err() != nil {
			return processed
		}
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		w.process(ctx, filepath.Join(w.Dir, f.Name()))
		processed++
	}
	return processed
}

func (w *Watcher) process(ctx context.Context, path string) {
	cands, err := ReadBatch(path)
	if err != nil {
		log.Printf("[WARN] can't read batch %s: %v", path, err)
		w.finish(path, ".err")
		return
	}
	log.Printf("[INFO] picked up %s with %d candidates", path, len(cands))

	tk := w.Ingester.IngestCandidates(ctx, w.Username, cands)
	for ev := range tk.Events() {
		switch ev.Level {
		case task.Warning:
			log.Printf("[WARN] %s", ev.Message)
		case task.Error:
			log.Printf("[ERROR] %s", ev.Message)
		default:
			log.Printf("[INFO] %s", ev.Message)
		}
	}
	if rep, err := tk.Result(); err != nil {
		log.Printf("[WARN] ingest of %s failed: %v", path, err)
		w.finish(path, ".err")
	} else {
		log.Printf("[INFO] ingested %s, %s", path, rep)
		w.finish(path, ".done")
	}
}

func (w *Watcher) finish(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		log.Printf("[WARN] can't rename %s: %v", path, err)
	}
}

// ReadBatch loads candidates from a spool file. Accepts a bare json array
// or an object with a "candidates" key, so hand-made and exported files
// both work.
func ReadBatch(path string) ([]dedup.Candidate, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from our own spool dir
	if err != nil {
		return nil, fmt.Errorf("can't read %s: %w", path, err)
	}

	var cands []dedup.Candidate
	if err := json.Unmarshal(data, &cands); err == nil {
		return cands, nil
	}

	var wrapped struct {
		Candidates []dedup.Candidate `json:"candidates"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("can't parse %s: %w", path, err)
	}
	if wrapped.Candidates == nil {
		return nil, fmt.Errorf("no candidates in %s", path)
	}
	return wrapped.Candidates, nil
}
