package service

import (
	"sync"
	"time"
)

// inflight implements thread safe map to register/unregister ingest runs in
// order to prevent concurrent journal replays for the same user
type inflight struct {
	active map[string]time.Time
	lock   sync.Mutex
}

// start registers a run for the user, fails if one is already active
func (f *inflight) start(username string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.active == nil {
		f.active = make(map[string]time.Time)
	}
	if _, found := f.active[username]; found {
		return false
	}
	f.active[username] = time.Now()
	return true
}

// done unregisters the user's run. Safe to call multiple times
func (f *inflight) done(username string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.active, username)
}
