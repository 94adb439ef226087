// Package journal persists discovery batches on disk before they are
// ingested, so a crash or kill mid-search loses nothing. One file per query
// batch; committed batches are removed, leftovers are replayed on the next
// run.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/jobhound/jobhound/app/dedup"
)

// retention limits how long an uncommitted batch stays replayable
const retention = 7 * 24 * time.Hour

// Journal keeps in-flight discovery batches in .batch files
type Journal struct {
	location string
	enabled  bool
	seq      uint64
}

// Entry is one recorded batch: the query that produced it and its candidates
type Entry struct {
	Query      string            `json:"query"`
	RecordedAt time.Time         `json:"recorded_at"`
	Candidates []dedup.Candidate `json:"candidates"`
	Fname      string            `json:"-"`
}

// New makes a journal at the given location. Enabled affects all operations,
// a disabled journal records and lists nothing.
func New(location string, enabled bool) *Journal {
	if enabled {
		if err := os.MkdirAll(location, 0o700); err != nil {
			log.Printf("[DEBUG] can't make %s, %s", location, err)
		}
	}
	return &Journal{location: location, enabled: enabled}
}

// Record writes a batch file for the query before its candidates are
// ingested, named dt-seq.batch to keep replay order.
func (j *Journal) Record(query string, candidates []dedup.Candidate) (string, error) {
	if !j.enabled {
		return "", nil
	}
	entry := Entry{Query: query, RecordedAt: time.Now().UTC(), Candidates: candidates}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal batch for %q: %w", query, err)
	}
	seq := atomic.AddUint64(&j.seq, 1)
	fname := fmt.Sprintf("%s/%d-%d.batch", j.location, time.Now().UnixNano(), seq)
	log.Printf("[DEBUG] create journal file %s", fname)
	return fname, os.WriteFile(fname, data, 0o600)
}

// Commit removes the batch file once its candidates landed in the store
func (j *Journal) Commit(fname string) error {
	if !j.enabled || fname == "" {
		return nil
	}
	log.Printf("[DEBUG] delete journal file %s", fname)
	return os.Remove(fname)
}

// List returns pending batches in record order. Corrupt files are skipped
// with a warning, files past retention are cleaned up.
func (j *Journal) List() (res []Entry) {
	if !j.enabled {
		return []Entry{}
	}

	entries, err := os.ReadDir(j.location)
	if err != nil {
		log.Printf("[WARN] can't get journal list for %s, %s", j.location, err)
		return []Entry{}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".batch") {
			continue
		}

		finfo, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't get journal info for %s, %s", entry.Name(), err)
			continue
		}

		fileName := path.Join(j.location, finfo.Name())
		if finfo.ModTime().Add(retention).Before(time.Now()) {
			log.Printf("[DEBUG] journal file %s too old", fileName)
			if err := os.Remove(fileName); err != nil {
				log.Printf("[WARN] can't delete %s, %s", fileName, err)
			}
			continue
		}

		data, err := os.ReadFile(fileName) //nolint:gosec // journal dir is ours
		if err != nil {
			log.Printf("[WARN] failed to read journal file %s, %s", fileName, err)
			continue
		}
		var rec Entry
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Printf("[WARN] corrupt journal file %s skipped, %s", fileName, err)
			continue
		}
		rec.Fname = fileName
		log.Printf("[DEBUG] journal entry %s, query %q, %d candidates", fileName, rec.Query, len(rec.Candidates))
		res = append(res, rec)
	}
	return res
}

func (j *Journal) String() string {
	return fmt.Sprintf("enabled:%v, location:%s", j.enabled, j.location)
}
