package jobs

import (
	"strings"
	"time"
)

// State represents the lifecycle of a job.
type State string

const (
	StateQueued        State = "queued"
	StateClaimed       State = "claimed"
	StateProcessing    State = "processing"
	StateStageComplete State = "stage_complete"
	StateCompleted     State = "completed"
	StateErrored       State = "errored"
)

var allStates = []State{
	StateQueued,
	StateClaimed,
	StateProcessing,
	StateStageComplete,
	StateCompleted,
	StateErrored,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// inFlightStates are the states in which a worker owns the job.
var inFlightStates = map[State]struct{}{
	StateClaimed:       {},
	StateProcessing:    {},
	StateStageComplete: {},
}

// terminalStates are immutable once entered.
var terminalStates = map[State]struct{}{
	StateCompleted: {},
	StateErrored:   {},
}

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a state is immutable.
func IsTerminal(state State) bool {
	_, ok := terminalStates[state]
	return ok
}

// IsInFlight reports whether a state reflects worker ownership.
func IsInFlight(state State) bool {
	_, ok := inFlightStates[state]
	return ok
}

// Job is one artifact's lifecycle record, owned exclusively by the
// orchestrator. Resolution is re-evaluated per attempt, so ResolvedVersions
// lists the version used by each attempt in order.
type Job struct {
	ID               string
	HandlerID        string
	TenantID         string
	PayloadRef       string
	WebhookURL       string
	Priority         int
	State            State
	AttemptCount     int
	MaxAttempts      int
	LastError        string
	ClaimToken       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StateEnteredAt   time.Time
	NotEligibleUntil *time.Time
	StageRefs        map[string]string
	ResolvedVersions []string
}

// IsTerminal reports whether the job has finished (Completed or Errored).
func (j *Job) IsTerminal() bool {
	return IsTerminal(j.State)
}

// Eligible reports whether the job may be claimed at the given time.
func (j *Job) Eligible(now time.Time) bool {
	if j.State != StateQueued {
		return false
	}
	return j.NotEligibleUntil == nil || !now.Before(*j.NotEligibleUntil)
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total     int
	Queued    int
	InFlight  int
	Completed int
	Errored   int
}
