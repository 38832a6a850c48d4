package manifest

import (
	"errors"
	"fmt"
	"slices"
)

// Status is a part's position in the pipeline.
type Status string

const (
	Planned   Status = "planned"
	Archiving Status = "archiving"
	Archived  Status = "archived"
	Hashing   Status = "hashing"
	Hashed    Status = "hashed"
	Uploading Status = "uploading"
	Uploaded  Status = "uploaded"
	Verifying Status = "verifying"
	Verified  Status = "verified"
	Failed    Status = "failed"
)

// sequence is the forward path through the pipeline. Verified and Failed
// both follow Verifying; Failed may also follow any in-progress stage.
var sequence = []Status{
	Planned, Archiving, Archived, Hashing, Hashed, Uploading, Uploaded, Verifying, Verified,
}

// Stages are the in-progress statuses, in pipeline order.
var Stages = []Status{Archiving, Hashing, Uploading, Verifying}

// ErrIllegalTransition is returned when a status change would skip a
// state or move backwards.
var ErrIllegalTransition = errors.New("illegal status transition")

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == Failed || slices.Contains(sequence, s)
}

// Terminal reports whether no further transitions are possible without an
// explicit retry.
func (s Status) Terminal() bool {
	return s == Verified || s == Failed
}

// InProgress reports whether s is a stage that was entered but not
// completed. A persisted in-progress status means the stage was interrupted.
func (s Status) InProgress() bool {
	return slices.Contains(Stages, s)
}

// Next returns the status following s on the success path.
func (s Status) Next() (Status, bool) {
	i := slices.Index(sequence, s)
	if i < 0 || i == len(sequence)-1 {
		return "", false
	}
	return sequence[i+1], true
}

// CanAdvance reports whether from → to is a legal forward transition.
func CanAdvance(from, to Status) bool {
	if to == Failed {
		return from.InProgress()
	}
	next, ok := from.Next()
	return ok && next == to
}

// RetryTarget returns the status a part is reset to when the operator
// retries from stage: the completed status immediately before it.
func RetryTarget(stage Status) (Status, error) {
	switch stage {
	case Archiving:
		return Planned, nil
	case Hashing:
		return Archived, nil
	case Uploading:
		return Hashed, nil
	case Verifying:
		return Uploaded, nil
	default:
		return "", fmt.Errorf("%q is not a retryable stage (want one of %v)", stage, Stages)
	}
}

// ParseStage parses a stage name as typed by an operator. Both the stage
// ("upload") and status ("uploading") spellings are accepted.
func ParseStage(s string) (Status, error) {
	switch s {
	case "archive", string(Archiving):
		return Archiving, nil
	case "hash", string(Hashing):
		return Hashing, nil
	case "upload", string(Uploading):
		return Uploading, nil
	case "verify", string(Verifying):
		return Verifying, nil
	default:
		return "", fmt.Errorf("unknown stage %q (want archive, hash, upload or verify)", s)
	}
}
