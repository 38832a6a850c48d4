package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	RunStarted Type = iota + 1
	StageStarted
	StageProgress
	StageCompleted
	TransferRetry
	PartVerified
	PartFailed
	PartAwaiting
	PlanWarning
	RunComplete
)

var typeNames = [...]string{
	RunStarted:     "RunStarted",
	StageStarted:   "StageStarted",
	StageProgress:  "StageProgress",
	StageCompleted: "StageCompleted",
	TransferRetry:  "TransferRetry",
	PartVerified:   "PartVerified",
	PartFailed:     "PartFailed",
	PartAwaiting:   "PartAwaiting",
	PlanWarning:    "PlanWarning",
	RunComplete:    "RunComplete",
}

func (t Type) String() string {
	if int(t) > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is a single progress notification from the pipeline driver.
type Event struct {
	Timestamp time.Time
	Error     error
	Type      Type
	RunID     string
	Stage     string // archiving, hashing, uploading, verifying
	Path      string // archive name or destination
	Part      int
	Size      int64 // bytes done (StageProgress) or part size
	Total     int64 // stage total bytes, or run totals on RunStarted
	Parts     int   // part count on RunStarted
	Attempt   int   // TransferRetry
}
