package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/leavelink/internal/logging"
	"github.com/agentworkforce/leavelink/internal/notion"
	"github.com/agentworkforce/leavelink/internal/retry"
)

var ErrInvalidOptions = errors.New("invalid engine options")

type Options struct {
	EmployeesDatabaseID     string
	LeaveRequestsDatabaseID string

	IdentifierLabels []string
	StatusLabel      string
	RelationField    string
	Plan             PlanPolicy

	PageSize int
	Retry    retry.Policy
	// DryRun computes plans without sending updates.
	DryRun bool
	// OnlyUnlinked asks the store for leave requests with an empty relation.
	OnlyUnlinked bool

	RunID    string
	Observer Observer
}

type Summary struct {
	Scanned     int             `json:"scanned"`
	Updated     int             `json:"updated"`
	Planned     int             `json:"planned"`
	Skipped     int             `json:"skipped"`
	Errored     int             `json:"errored"`
	IndexSize   int             `json:"indexSize"`
	Collisions  int             `json:"collisions"`
	MissingKeys int             `json:"missingKeys"`
	Outcomes    map[Outcome]int `json:"outcomes"`
}

// RecordResult is what happened to one leave request.
type RecordResult struct {
	RecordID string      `json:"recordId"`
	Outcome  Outcome     `json:"outcome"`
	Fields   []string    `json:"fields,omitempty"`
	Applied  ApplyResult `json:"applied,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type Result struct {
	Employees     Roles          `json:"-"`
	LeaveRequests Roles          `json:"-"`
	Summary       Summary        `json:"summary"`
	Records       []RecordResult `json:"records"`
}

// Engine runs one reconciliation pass over the two databases.
type Engine struct {
	store Store
	opts  Options
}

func NewEngine(store Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidOptions)
	}
	opts.EmployeesDatabaseID = strings.TrimSpace(opts.EmployeesDatabaseID)
	opts.LeaveRequestsDatabaseID = strings.TrimSpace(opts.LeaveRequestsDatabaseID)
	if opts.EmployeesDatabaseID == "" || opts.LeaveRequestsDatabaseID == "" {
		return nil, fmt.Errorf("%w: both database ids are required", ErrInvalidOptions)
	}
	if notion.SameID(opts.EmployeesDatabaseID, opts.LeaveRequestsDatabaseID) {
		return nil, fmt.Errorf("%w: employees and leave requests must be different databases", ErrInvalidOptions)
	}
	switch opts.Plan.Link {
	case "", LinkFillEmpty, LinkOverwrite:
	default:
		return nil, fmt.Errorf("%w: unknown link policy %q", ErrInvalidOptions, opts.Plan.Link)
	}
	if opts.IdentifierLabels == nil {
		opts.IdentifierLabels = DefaultIdentifierLabels
	}
	return &Engine{store: store, opts: opts}, nil
}

// Detect retrieves both schemas and classifies their fields. It does not
// enforce required roles.
func (e *Engine) Detect(ctx context.Context) (employees, leave Roles, err error) {
	empSchema, err := e.retrieve(ctx, e.opts.EmployeesDatabaseID)
	if err != nil {
		return Roles{}, Roles{}, err
	}
	leaveSchema, err := e.retrieve(ctx, e.opts.LeaveRequestsDatabaseID)
	if err != nil {
		return Roles{}, Roles{}, err
	}
	employees = Detect(empSchema, e.opts.LeaveRequestsDatabaseID, DetectPolicy{IdentifierLabels: e.opts.IdentifierLabels})
	leave = Detect(leaveSchema, e.opts.EmployeesDatabaseID, DetectPolicy{
		IdentifierLabels: e.opts.IdentifierLabels,
		StatusLabel:      e.opts.StatusLabel,
		RelationOverride: e.opts.RelationField,
	})
	return employees, leave, nil
}

func (e *Engine) retrieve(ctx context.Context, databaseID string) (notion.Schema, error) {
	schema, err := retry.Do(ctx, e.retryPolicy(ctx), func(ctx context.Context) (notion.Schema, error) {
		return e.store.RetrieveDatabase(ctx, databaseID)
	})
	if err != nil {
		return notion.Schema{}, fmt.Errorf("retrieve database %s: %w", databaseID, err)
	}
	return schema, nil
}

// Run reconciles every leave request. The returned Result is populated as
// far as the run got, even when err is non-nil.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	log := logging.FromContext(ctx).With().Str("run_id", e.opts.RunID).Logger()
	ctx = logging.WithLogger(ctx, &log)
	started := time.Now()
	result := Result{Summary: Summary{Outcomes: map[Outcome]int{}}}
	e.emit(Event{Type: EventRunStarted, Message: fmt.Sprintf("dry_run=%t", e.opts.DryRun)})

	err := e.run(ctx, &result)

	s := result.Summary
	log.Info().
		Int("scanned", s.Scanned).
		Int("updated", s.Updated).
		Int("planned", s.Planned).
		Int("skipped", s.Skipped).
		Int("errored", s.Errored).
		Dur("elapsed", time.Since(started)).
		Msg("reconciliation finished")
	finished := Event{Type: EventRunFinished, Message: fmt.Sprintf("updated=%d skipped=%d errored=%d", s.Updated, s.Skipped, s.Errored)}
	if err != nil {
		finished.Message = err.Error()
	}
	e.emit(finished)
	return result, err
}

func (e *Engine) run(ctx context.Context, result *Result) error {
	log := logging.FromContext(ctx)
	employees, leave, err := e.Detect(ctx)
	if err != nil {
		return err
	}
	result.Employees, result.LeaveRequests = employees, leave
	if err := employees.RequireIdentifier(); err != nil {
		return err
	}
	if err := leave.RequireIdentifier(); err != nil {
		return err
	}
	if err := leave.RequireRelation(); err != nil {
		return err
	}
	e.reportRoles(ctx, employees)
	e.reportRoles(ctx, leave)

	idx, err := BuildIndex(ctx, e.store, e.opts.EmployeesDatabaseID, employees.Identifier.Name, IndexOptions{
		PageSize: e.opts.PageSize,
		Retry:    e.retryPolicy(ctx),
		Observer: e.emit,
	})
	if err != nil {
		return err
	}
	result.Summary.IndexSize = idx.Len()
	result.Summary.Collisions = len(idx.Collisions())
	result.Summary.MissingKeys = len(idx.Missing())
	log.Info().Int("keys", idx.Len()).Int("employees", idx.Scanned()).Int("collisions", result.Summary.Collisions).Msg("employee index built")

	applier := &Applier{Store: e.store, Retry: e.retryPolicy(ctx), DryRun: e.opts.DryRun}
	var filter *notion.Filter
	if e.opts.OnlyUnlinked {
		filter = &notion.Filter{Property: leave.Relation.Name, Kind: notion.KindRelation, Operator: notion.FilterIsEmpty}
	}

	process := func(rec notion.Record) error {
		return e.reconcileRecord(ctx, rec, idx, leave, applier, result)
	}
	if filter != nil {
		// Updates drop records out of the filtered view, which would shift the
		// store's cursor, so the matching set is read before anything is written.
		var pending []notion.Record
		err = scanDatabase(ctx, e.store, e.opts.LeaveRequestsDatabaseID, filter, e.opts.PageSize, e.retryPolicy(ctx), func(rec notion.Record) error {
			pending = append(pending, rec)
			return nil
		})
		for i := 0; err == nil && i < len(pending); i++ {
			err = process(pending[i])
		}
	} else {
		err = scanDatabase(ctx, e.store, e.opts.LeaveRequestsDatabaseID, nil, e.opts.PageSize, e.retryPolicy(ctx), process)
	}
	if err != nil {
		return fmt.Errorf("reconcile leave requests: %w", err)
	}
	return nil
}

func (e *Engine) reconcileRecord(ctx context.Context, rec notion.Record, idx *Index, roles Roles, applier *Applier, result *Result) error {
	log := logging.FromContext(ctx)
	result.Summary.Scanned++
	plan, outcome := PlanFor(rec, idx, roles, e.opts.Plan)
	result.Summary.Outcomes[outcome]++
	entry := RecordResult{RecordID: rec.ID, Outcome: outcome, Fields: plan.Fields()}

	applied, err := applier.Apply(ctx, rec.ID, plan)
	switch {
	case err == nil:
		entry.Applied = applied
	case errors.Is(err, retry.ErrExhausted):
		result.Summary.Errored++
		entry.Error = err.Error()
		result.Records = append(result.Records, entry)
		log.Error().Err(err).Str("record_id", rec.ID).Msg("update abandoned after rate limiting")
		e.emit(Event{Type: EventRecord, DatabaseID: e.opts.LeaveRequestsDatabaseID, RecordID: rec.ID, Outcome: outcome, Fields: entry.Fields, Message: err.Error()})
		return nil
	default:
		result.Summary.Errored++
		entry.Error = err.Error()
		result.Records = append(result.Records, entry)
		return err
	}

	switch applied {
	case ApplyApplied:
		result.Summary.Updated++
	case ApplyPlanned:
		result.Summary.Planned++
	default:
		result.Summary.Skipped++
	}
	result.Records = append(result.Records, entry)
	log.Debug().Str("record_id", rec.ID).Str("outcome", string(outcome)).Strs("fields", entry.Fields).Str("applied", string(applied)).Msg("leave request reconciled")
	e.emit(Event{Type: EventRecord, DatabaseID: e.opts.LeaveRequestsDatabaseID, RecordID: rec.ID, Outcome: outcome, Fields: entry.Fields, Message: string(applied)})
	return nil
}

func (e *Engine) reportRoles(ctx context.Context, roles Roles) {
	log := logging.FromContext(ctx)
	log.Info().
		Str("database_id", roles.DatabaseID).
		Str("identifier", FieldName(roles.Identifier)).
		Str("relation", FieldName(roles.Relation)).
		Str("status", FieldName(roles.Status)).
		Msg("schema roles detected")
	e.emit(Event{Type: EventSchemaDetected, DatabaseID: roles.DatabaseID,
		Message: fmt.Sprintf("identifier=%q relation=%q status=%q", FieldName(roles.Identifier), FieldName(roles.Relation), FieldName(roles.Status))})
	if roles.RelationDegraded && roles.Relation != nil {
		log.Warn().Str("database_id", roles.DatabaseID).Str("relation", roles.Relation.Name).Str("target", roles.Relation.RelationTarget).
			Msg("relation field does not target the counterpart database; using it anyway")
		e.emit(Event{Type: EventRelationDegraded, DatabaseID: roles.DatabaseID, Message: roles.Relation.Name})
	}
}

// retryPolicy layers retry logging and events over the configured policy.
func (e *Engine) retryPolicy(ctx context.Context) retry.Policy {
	p := e.opts.Retry
	inner := p.OnRetry
	log := logging.FromContext(ctx)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("rate limited, backing off")
		e.emit(Event{Type: EventRetry, Attempt: attempt, DelayMS: delay.Milliseconds(), Message: err.Error()})
		if inner != nil {
			inner(attempt, delay, err)
		}
	}
	return p
}

func (e *Engine) emit(ev Event) {
	ev.RunID = e.opts.RunID
	e.opts.Observer.emit(ev)
}
