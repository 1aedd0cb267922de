package reconcile

import (
	"context"
	"fmt"

	"github.com/agentworkforce/leavelink/internal/retry"
)

type ApplyResult string

const (
	ApplySkipped ApplyResult = "skipped"
	ApplyApplied ApplyResult = "applied"
	// ApplyPlanned is returned in dry-run mode for a plan that would be sent.
	ApplyPlanned ApplyResult = "planned"
)

// Applier sends plans to the store, one update call per record.
type Applier struct {
	Store  Updater
	Retry  retry.Policy
	DryRun bool
}

func (a *Applier) Apply(ctx context.Context, recordID string, plan Plan) (ApplyResult, error) {
	if plan.Empty() {
		return ApplySkipped, nil
	}
	if a.DryRun {
		return ApplyPlanned, nil
	}
	err := retry.Run(ctx, a.Retry, func(ctx context.Context) error {
		return a.Store.UpdatePage(ctx, recordID, plan)
	})
	if err != nil {
		return "", fmt.Errorf("update record %s: %w", recordID, err)
	}
	return ApplyApplied, nil
}
