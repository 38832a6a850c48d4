// Package manifest holds the persisted record of a run: one MasterManifest
// indexing every part and one PartManifest per part. The manifests are the
// single source of truth for what was planned, archived, uploaded and
// verified.
package manifest

import (
	"fmt"
	"time"

	"github.com/bamsammich/bale/internal/scan"
)

// Version is the document format version written to every manifest.
const Version = 1

// ErrorKind classifies a part failure.
type ErrorKind string

const (
	KindArchive                 ErrorKind = "archive"
	KindHash                    ErrorKind = "hash"
	KindTransfer                ErrorKind = "transfer"
	KindIntegrity               ErrorKind = "integrity"
	KindVerificationUnavailable ErrorKind = "verification_unavailable"
)

// RetryClass tells the operator what it takes to move a failed part again.
type RetryClass string

const (
	RetryAuto     RetryClass = "auto"
	RetryOperator RetryClass = "operator"
	RetryTerminal RetryClass = "terminal"
)

// Failure records why a part entered the failed status.
type Failure struct {
	At       time.Time  `json:"at"`
	Kind     ErrorKind  `json:"kind"`
	Stage    Status     `json:"stage"`
	Retry    RetryClass `json:"retry"`
	Message  string     `json:"message"`
	Attempts int        `json:"attempts,omitempty"`
}

// Transition is one entry in a part's status history.
type Transition struct {
	At    time.Time `json:"at"`
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Retry bool      `json:"retry,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// FileEntry is a scanned record plus its content digest once archived.
type FileEntry struct {
	scan.FileRecord
	SHA256 string `json:"sha256,omitempty"`
}

// PartManifest is the per-part document the pipeline driver mutates.
type PartManifest struct {
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ArchivedAt   *time.Time   `json:"archived_at,omitempty"`
	HashedAt     *time.Time   `json:"hashed_at,omitempty"`
	UploadedAt   *time.Time   `json:"uploaded_at,omitempty"`
	VerifiedAt   *time.Time   `json:"verified_at,omitempty"`
	Failure      *Failure     `json:"failure,omitempty"`
	RunID        string       `json:"run_id"`
	Status       Status       `json:"status"`
	Archive      string       `json:"archive"`      // archive file name
	ArchivePath  string       `json:"archive_path"` // local path of the archive
	SHA256       string       `json:"sha256,omitempty"`
	Destination  string       `json:"destination,omitempty"` // remote directory
	RemoteSHA256 string       `json:"remote_sha256,omitempty"`
	Files        []FileEntry  `json:"files"`
	History      []Transition `json:"history"`
	Version      int          `json:"version"`
	ID           int          `json:"part_id"`
	TotalSize    int64        `json:"total_size"`
	ArchiveSize  int64        `json:"archive_size,omitempty"`
	Oversized    bool         `json:"oversized,omitempty"`
}

// FileCount returns the number of member records.
func (p *PartManifest) FileCount() int { return len(p.Files) }

// Advance moves the part forward to status to, recording the transition
// and stamping the completion time of finished stages.
func (p *PartManifest) Advance(to Status, now time.Time, note string) error {
	if !CanAdvance(p.Status, to) {
		return fmt.Errorf("part %d: %w: %s → %s", p.ID, ErrIllegalTransition, p.Status, to)
	}
	p.record(Transition{At: now, From: p.Status, To: to, Note: note})

	t := now
	switch to {
	case Archived:
		p.ArchivedAt = &t
	case Hashed:
		p.HashedAt = &t
	case Uploaded:
		p.UploadedAt = &t
	case Verified:
		p.VerifiedAt = &t
	}
	return nil
}

// Fail moves an in-progress part to failed with the given failure record.
func (p *PartManifest) Fail(f Failure, now time.Time) error {
	if !CanAdvance(p.Status, Failed) {
		return fmt.Errorf("part %d: %w: %s → %s", p.ID, ErrIllegalTransition, p.Status, Failed)
	}
	if f.Stage == "" {
		f.Stage = p.Status
	}
	f.At = now
	p.Failure = &f
	p.record(Transition{At: now, From: p.Status, To: Failed, Note: string(f.Kind)})
	return nil
}

// ResetForRetry is the explicit operator retry: it moves a failed part back
// to the status preceding stage and clears results that stage and the
// stages after it will produce again.
func (p *PartManifest) ResetForRetry(stage Status, now time.Time) error {
	if p.Status != Failed {
		return fmt.Errorf("part %d is %s; only failed parts can be retried", p.ID, p.Status)
	}
	target, err := RetryTarget(stage)
	if err != nil {
		return err
	}
	if p.Failure != nil && p.Failure.Kind == KindIntegrity && (stage == Hashing || stage == Verifying) {
		return fmt.Errorf("part %d failed integrity verification; retry from %s or %s",
			p.ID, Uploading, Archiving)
	}

	// Clear everything produced at or after the retried stage.
	switch target {
	case Planned:
		p.ArchivedAt, p.ArchiveSize = nil, 0
		for i := range p.Files {
			p.Files[i].SHA256 = ""
		}
		fallthrough
	case Archived:
		p.HashedAt, p.SHA256 = nil, ""
		fallthrough
	case Hashed:
		p.UploadedAt = nil
		fallthrough
	case Uploaded:
		p.VerifiedAt, p.RemoteSHA256 = nil, ""
	}

	p.Failure = nil
	p.record(Transition{At: now, From: Failed, To: target, Retry: true, Note: "retry from " + string(stage)})
	return nil
}

func (p *PartManifest) record(t Transition) {
	p.History = append(p.History, t)
	p.Status = t.To
	p.UpdatedAt = t.At
}

// PartSummary is the master manifest's view of one part.
type PartSummary struct {
	Status      Status     `json:"status"`
	Destination string     `json:"destination,omitempty"`
	Archive     string     `json:"archive"`
	SHA256      string     `json:"sha256,omitempty"`
	FailureKind ErrorKind  `json:"failure_kind,omitempty"`
	Retry       RetryClass `json:"retry,omitempty"`
	ID          int        `json:"part_id"`
	Files       int        `json:"file_count"`
	Size        int64      `json:"total_size"`
	Oversized   bool       `json:"oversized,omitempty"`
}

// MasterManifest indexes every part of one run.
type MasterManifest struct {
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	SourceRoot string        `json:"source_root"`
	Parts      []PartSummary `json:"parts"`
	Version    int           `json:"version"`
	Budget     int64         `json:"budget"`
	TotalSize  int64         `json:"total_size"`
	TotalFiles int           `json:"total_files"`
}

// Part returns the summary for part id, or nil.
func (m *MasterManifest) Part(id int) *PartSummary {
	for i := range m.Parts {
		if m.Parts[i].ID == id {
			return &m.Parts[i]
		}
	}
	return nil
}

// Apply copies a part's current state into its summary.
func (m *MasterManifest) Apply(p *PartManifest) error {
	s := m.Part(p.ID)
	if s == nil {
		return fmt.Errorf("run %s has no part %d", m.RunID, p.ID)
	}
	s.Status = p.Status
	s.Destination = p.Destination
	s.SHA256 = p.SHA256
	s.FailureKind, s.Retry = "", ""
	if p.Failure != nil {
		s.FailureKind = p.Failure.Kind
		s.Retry = p.Failure.Retry
	}
	if p.UpdatedAt.After(m.UpdatedAt) {
		m.UpdatedAt = p.UpdatedAt
	}
	return nil
}

// Counts tallies parts by status.
func (m *MasterManifest) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, p := range m.Parts {
		counts[p.Status]++
	}
	return counts
}
