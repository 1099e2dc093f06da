package jobs

import (
	"sort"
	"sync"
)

// Watcher observes one or more job ids and must react when an admin
// operation changes a job behind its back.
type Watcher interface {
	Name() string
	Watches(id string) bool
	// RefreshJob is called after a mutating call (retry) succeeded for id.
	RefreshJob(id string)
	// Forget is called after id was deleted on the server.
	Forget(id string)
}

// Registry holds the live watchers by name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Watcher
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Watcher)}
}

// Add registers w and returns a func that removes it again.
func (r *Registry) Add(w Watcher) func() {
	r.mu.Lock()
	r.byName[w.Name()] = w
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.byName[w.Name()]; ok && cur == w {
			delete(r.byName, w.Name())
		}
	}
}

func (r *Registry) Get(name string) (Watcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byName[name]
	return w, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// watchersOf snapshots the matching watchers so callbacks run without the lock held.
func (r *Registry) watchersOf(id string) []Watcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Watcher
	for _, w := range r.byName {
		if w.Watches(id) {
			out = append(out, w)
		}
	}
	return out
}

// Refresh notifies every watcher of id and returns how many were notified.
func (r *Registry) Refresh(id string) int {
	ws := r.watchersOf(id)
	for _, w := range ws {
		w.RefreshJob(id)
	}
	return len(ws)
}

// Forget tells every watcher of id that the job no longer exists.
func (r *Registry) Forget(id string) int {
	ws := r.watchersOf(id)
	for _, w := range ws {
		w.Forget(id)
	}
	return len(ws)
}
