// Package orchestrator is the composition root for the extractd daemon: it
// opens the registry and queue databases, wires the router, health monitor,
// handler registry, retry coordinator, and worker pool together, runs the
// cron schedules, and serves the HTTP API. A file lock keeps execution to a
// single instance per data directory.
package orchestrator
