package pipeline

import (
	"errors"
	"fmt"

	"github.com/bamsammich/bale/internal/manifest"
)

var (
	// ErrDigestMismatch means the destination holds different bytes than
	// the local archive.
	ErrDigestMismatch = errors.New("remote digest does not match archive digest")
	// ErrArchiveChanged means the local archive no longer matches what was
	// recorded when it was produced.
	ErrArchiveChanged = errors.New("archive changed since it was written")
	// ErrWrongEndpoint means the part's destination is on a host the
	// configured transport does not reach.
	ErrWrongEndpoint = errors.New("destination not reachable through transport")
)

// StageError is a part failure caught by the driver. It names the part,
// the stage, the cause and the retry class.
type StageError struct {
	Err      error
	Stage    manifest.Status
	Kind     manifest.ErrorKind
	Retry    manifest.RetryClass
	Part     int
	Attempts int
}

func (e *StageError) Error() string {
	return fmt.Sprintf("part %d %s: %s error (retry: %s): %v", e.Part, e.Stage, e.Kind, e.Retry, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// failure converts the error into the record persisted in the manifest.
func (e *StageError) failure() manifest.Failure {
	return manifest.Failure{
		Kind:     e.Kind,
		Stage:    e.Stage,
		Retry:    e.Retry,
		Message:  e.Err.Error(),
		Attempts: e.Attempts,
	}
}

func stageErr(p *manifest.PartManifest, kind manifest.ErrorKind, retry manifest.RetryClass, err error) *StageError {
	return &StageError{Part: p.ID, Stage: p.Status, Kind: kind, Retry: retry, Err: err}
}
