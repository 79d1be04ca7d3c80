package catalog

import (
	"errors"
	"fmt"
	"time"
)

// DuplicateVersionError indicates a (handler_id, version) pair is already
// registered.
type DuplicateVersionError struct {
	HandlerID string
	Version   string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("version %s already registered for handler %s", e.Version, e.HandlerID)
}

// InvalidSunsetError indicates a deprecation request with a sunset date
// inside the minimum notice period.
type InvalidSunsetError struct {
	HandlerID string
	Version   string
	SunsetAt  time.Time
	Earliest  time.Time
}

func (e *InvalidSunsetError) Error() string {
	return fmt.Sprintf("sunset date %s for %s %s is before the earliest allowed %s",
		e.SunsetAt.Format(time.RFC3339), e.HandlerID, e.Version, e.Earliest.Format(time.RFC3339))
}

// WeightInvariantError indicates a weight update that would leave the active
// weights of a handler summing to something other than 100.
type WeightInvariantError struct {
	HandlerID string
	Sum       int
}

func (e *WeightInvariantError) Error() string {
	return fmt.Sprintf("active weights for handler %s would sum to %d, expected 100", e.HandlerID, e.Sum)
}

// VersionNotFoundError indicates the referenced (handler_id, version) pair
// does not exist.
type VersionNotFoundError struct {
	HandlerID string
	Version   string
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("version %s not registered for handler %s", e.Version, e.HandlerID)
}

// SunsetVersionError indicates resolution selected a version whose sunset
// date has passed. GuideURL carries the migration guide recorded at
// deprecation time.
type SunsetVersionError struct {
	HandlerID string
	Version   string
	SunsetAt  time.Time
	GuideURL  string
}

func (e *SunsetVersionError) Error() string {
	msg := fmt.Sprintf("version %s of handler %s was sunset on %s", e.Version, e.HandlerID, e.SunsetAt.Format(time.RFC3339))
	if e.GuideURL != "" {
		msg += " (migration guide: " + e.GuideURL + ")"
	}
	return msg
}

// NoActiveVersionError indicates a handler has no routable version carrying
// traffic weight.
type NoActiveVersionError struct {
	HandlerID string
}

func (e *NoActiveVersionError) Error() string {
	return fmt.Sprintf("no active version for handler %s", e.HandlerID)
}

// IsResolutionError reports whether err is a routing failure that cannot be
// fixed by retrying (registry state must change first).
func IsResolutionError(err error) bool {
	var sunset *SunsetVersionError
	var noActive *NoActiveVersionError
	var notFound *VersionNotFoundError
	return errors.As(err, &sunset) || errors.As(err, &noActive) || errors.As(err, &notFound)
}
