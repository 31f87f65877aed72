// Package lifecycle holds the process-wide drain flag. The health endpoint
// reads it so load balancers stop routing to an instance that is about to
// close its report-write connections.
package lifecycle

import "sync/atomic"

var shuttingDown atomic.Bool

// SetShuttingDown flips the drain flag. Called once on SIGTERM/SIGINT, before
// the HTTP server stops accepting connections and in-flight report writes are
// drained.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining and should not be
// sent new bloom reports or map traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
