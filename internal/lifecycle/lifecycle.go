// Package lifecycle holds process-wide readiness and shutdown flags read by the health handler.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	readyAt      atomic.Int64 // unix nanos; 0 = ready immediately
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT is received.
// Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkReadyAfter reports the process as starting until delay has elapsed from now.
func MarkReadyAfter(delay time.Duration) {
	if delay <= 0 {
		readyAt.Store(0)
		return
	}
	readyAt.Store(time.Now().Add(delay).UnixNano())
}

// IsReady returns false while the startup delay set by MarkReadyAfter is running.
func IsReady() bool {
	at := readyAt.Load()
	return at == 0 || time.Now().UnixNano() >= at
}
