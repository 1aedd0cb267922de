// Package runlog keeps a history of reconciliation run reports. The history is
// informational; nothing in it is read back into a run.
package runlog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/agentworkforce/leavelink/internal/reconcile"
)

const DefaultHistory = 200

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Report is the stored record of one run.
type Report struct {
	RunID      string                   `json:"runId"`
	StartedAt  time.Time                `json:"startedAt"`
	FinishedAt time.Time                `json:"finishedAt"`
	DryRun     bool                     `json:"dryRun"`
	Summary    reconcile.Summary        `json:"summary"`
	Outcomes   []reconcile.RecordResult `json:"outcomes,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func (r Report) Failed() bool {
	return r.Error != ""
}

type ReportStore interface {
	Save(ctx context.Context, report Report) error
	// Latest returns the most recently started report; ok is false when the
	// history is empty.
	Latest(ctx context.Context) (report Report, ok bool, err error)
	// List returns up to limit reports, newest first.
	List(ctx context.Context, limit int) ([]Report, error)
	Close() error
}

func validate(report Report) error {
	if report.RunID == "" {
		return errors.Join(ErrInvalidInput, errors.New("report needs a run id"))
	}
	return nil
}

// newestFirst orders reports by start time, latest first, keeping insertion
// order among equal times.
func newestFirst(reports []Report) {
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].StartedAt.After(reports[j].StartedAt)
	})
}

func clampLimit(limit, size int) int {
	if limit <= 0 || limit > size {
		return size
	}
	return limit
}
