// Package jobs persists the asynchronous job queue and enforces its state
// machine. Claims are token-stamped conditional updates, so dispatch is
// exclusive even with concurrent workers, and terminal states reject any
// further transition.
package jobs
