// Package traffic counts request outcomes in one-second buckets so health
// checks can ask for error rate and load over a sliding window.
package traffic

import (
	"sync"
	"time"
)

// MaxWindow is the longest window the tracker can answer for. Longer windows are clamped.
const MaxWindow = 5 * time.Minute

const numBuckets = int(MaxWindow / time.Second)

var defaultTracker = NewTracker(time.Now)

// RecordSuccess records a request that completed without an upstream or store failure.
func RecordSuccess() { defaultTracker.RecordSuccess() }

// RecordError records a failed request (upstream error, timeout, store failure).
func RecordError() { defaultTracker.RecordError() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// RequestCount returns success + error + denied within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errorCount, totalCount) within the window. Denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears all recorded outcomes. For tests and the testing-mode reset action.
func Reset() { defaultTracker.Reset() }

type bucket struct {
	sec     int64
	success int
	errors  int
	denied  int
}

// Tracker is a ring of per-second outcome counters covering MaxWindow.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets [numBuckets]bucket
}

// NewTracker returns a Tracker using now as its clock.
func NewTracker(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

func (t *Tracker) RecordSuccess() { t.record(func(b *bucket) { b.success++ }) }
func (t *Tracker) RecordError()   { t.record(func(b *bucket) { b.errors++ }) }
func (t *Tracker) RecordDenied()  { t.record(func(b *bucket) { b.denied++ }) }

func (t *Tracker) record(inc func(*bucket)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.now().Unix()
	b := &t.buckets[sec%int64(numBuckets)]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	inc(b)
}

// sumLocked adds up the buckets inside the window ending now. Must hold mu.
func (t *Tracker) sumLocked(window time.Duration) bucket {
	if window > MaxWindow {
		window = MaxWindow
	}
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	now := t.now().Unix()
	var total bucket
	for i := range t.buckets {
		b := t.buckets[i]
		if b.sec > now-secs && b.sec <= now {
			total.success += b.success
			total.errors += b.errors
			total.denied += b.denied
		}
	}
	return total
}

func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sumLocked(window)
	return s.success + s.errors + s.denied
}

func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sumLocked(window).denied
}

func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sumLocked(window)
	return s.errors, s.errors + s.success
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = [numBuckets]bucket{}
}
