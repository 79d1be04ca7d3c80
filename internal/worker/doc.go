// Package worker polls the job queue with a fixed-size pool, executes
// resolved handlers under the processing deadline, and settles every claim
// through the retry coordinator or completion path.
package worker
