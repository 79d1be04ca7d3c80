// Package retry centralizes failure handling for jobs: bounded attempts
// with configured backoff, immediate termination for resolution failures,
// and periodic reclamation of jobs abandoned mid-flight.
package retry
