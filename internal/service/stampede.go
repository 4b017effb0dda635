package service

import "sync"

// stampedeTracker counts cache misses per key that are still waiting on the
// upstream. It only observes; concurrent misses are not de-duplicated here.
type stampedeTracker struct {
	mu      sync.Mutex
	pending map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{pending: make(map[string]int)}
}

// begin registers a miss for key and returns the number of misses now pending
// for it, this one included. Call the returned func when the fetch completes.
func (st *stampedeTracker) begin(key string) (int, func()) {
	st.mu.Lock()
	st.pending[key]++
	n := st.pending[key]
	st.mu.Unlock()
	return n, func() { st.end(key) }
}

func (st *stampedeTracker) end(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending[key] <= 1 {
		delete(st.pending, key)
		return
	}
	st.pending[key]--
}

// inFlight returns the pending miss count for key.
func (st *stampedeTracker) inFlight(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending[key]
}
