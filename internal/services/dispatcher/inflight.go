package dispatcher

import "sync"

// inflight keeps at most one publish per schedule id running in this process.
type inflight struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[int64]struct{})}
}

func (f *inflight) acquire(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[id]; busy {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) release(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}
