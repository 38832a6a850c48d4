// Package plan partitions scanned records into size-bounded parts.
//
// The planner is a single left-to-right greedy next-fit pass over the
// records in scan order. It never looks ahead and never rebalances, so the
// same input always yields the same part boundaries.
package plan

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/bamsammich/bale/internal/scan"
)

// DefaultBudget is the default maximum aggregate size of a part (150 GiB).
const DefaultBudget int64 = 150 << 30

// ErrInvalidBudget is wrapped by *Error when the budget is not positive.
var ErrInvalidBudget = errors.New("budget must be positive")

// Error is a PlanningError. It aborts a run before any manifest exists.
type Error struct {
	Budget int64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plan (budget %d): %v", e.Budget, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Part is one planned unit of transfer.
type Part struct {
	Files     []scan.FileRecord
	ID        int // 1-based, in emission order
	Size      int64
	Oversized bool
}

// Warning describes a file whose size alone exceeds the budget.
type Warning struct {
	Path   string
	PartID int
	Size   int64
	Budget int64
}

func (w Warning) String() string {
	return fmt.Sprintf("%s is %s, larger than the %s budget; placed alone in oversized part %d",
		w.Path, humanize.IBytes(uint64(w.Size)), humanize.IBytes(uint64(w.Budget)), w.PartID) //nolint:gosec // sizes are non-negative
}

// Result is the planner output.
type Result struct {
	Parts      []Part
	Warnings   []Warning
	Budget     int64
	TotalSize  int64
	TotalFiles int
}

// Empty reports whether the scan produced nothing to transfer.
func (r Result) Empty() bool { return len(r.Parts) == 0 }

// Plan partitions records under budget. A record whose size equals the
// remaining room still fits.
func Plan(records []scan.FileRecord, budget int64) (Result, error) {
	if budget <= 0 {
		return Result{}, &Error{Budget: budget, Err: ErrInvalidBudget}
	}

	res := Result{
		Budget:     budget,
		TotalFiles: len(records),
		TotalSize:  lo.SumBy(records, func(r scan.FileRecord) int64 { return r.Size }),
	}

	var cur Part
	closePart := func() {
		if len(cur.Files) == 0 {
			return
		}
		cur.ID = len(res.Parts) + 1
		res.Parts = append(res.Parts, cur)
		cur = Part{}
	}

	for _, rec := range records {
		switch {
		case rec.Size > budget:
			closePart()
			cur = Part{Files: []scan.FileRecord{rec}, Size: rec.Size, Oversized: true}
			closePart()
			res.Warnings = append(res.Warnings, Warning{
				Path:   rec.Path,
				PartID: len(res.Parts),
				Size:   rec.Size,
				Budget: budget,
			})

		case cur.Size+rec.Size > budget:
			closePart()
			cur = Part{Files: []scan.FileRecord{rec}, Size: rec.Size}

		default:
			cur.Files = append(cur.Files, rec)
			cur.Size += rec.Size
		}
	}
	closePart()

	return res, nil
}
