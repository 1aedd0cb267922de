// Package runner owns the lifecycle of reconciliation runs: one at a time,
// each with its own ID, events fanned out to subscribers, reports saved to
// the run ledger.
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/leavelink/internal/logging"
	"github.com/agentworkforce/leavelink/internal/reconcile"
	"github.com/agentworkforce/leavelink/internal/runlog"
)

var ErrRunInProgress = errors.New("a reconciliation run is already in progress")

type TriggerOptions struct {
	DryRun bool
}

type Runner struct {
	reports runlog.ReportStore
	now     func() time.Time
	newID   func() string

	cfgMu sync.RWMutex
	store reconcile.Store
	opts  reconcile.Options

	running atomic.Bool

	subsMu sync.Mutex
	nextID int
	subs   map[int]chan reconcile.Event
}

func New(store reconcile.Store, opts reconcile.Options, reports runlog.ReportStore) *Runner {
	if reports == nil {
		reports = runlog.NewInMemoryReportStore(0)
	}
	return &Runner{
		reports: reports,
		now:     time.Now,
		newID:   uuid.NewString,
		store:   store,
		opts:    opts,
		subs:    map[int]chan reconcile.Event{},
	}
}

// Reconfigure swaps the store and options used by the next run. A run in
// progress keeps the ones it started with.
func (r *Runner) Reconfigure(store reconcile.Store, opts reconcile.Options) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.store = store
	r.opts = opts
}

func (r *Runner) current() (reconcile.Store, reconcile.Options) {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.store, r.opts
}

func (r *Runner) Reports() runlog.ReportStore {
	return r.reports
}

func (r *Runner) Running() bool {
	return r.running.Load()
}

// Trigger runs one reconciliation pass and records its report. The report is
// returned even when the run fails.
func (r *Runner) Trigger(ctx context.Context, trigger TriggerOptions) (runlog.Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return runlog.Report{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	store, opts := r.current()
	opts.RunID = r.newID()
	opts.DryRun = opts.DryRun || trigger.DryRun
	opts.Observer = r.publish
	log := logging.FromContext(ctx).With().Str("run_id", opts.RunID).Logger()

	report := runlog.Report{RunID: opts.RunID, StartedAt: r.now().UTC(), DryRun: opts.DryRun}
	engine, err := reconcile.NewEngine(store, opts)
	var result reconcile.Result
	if err == nil {
		result, err = engine.Run(ctx)
	}
	report.FinishedAt = r.now().UTC()
	report.Summary = result.Summary
	report.Outcomes = result.Records
	if err != nil {
		report.Error = err.Error()
		log.Error().Err(err).Msg("reconciliation run failed")
	}

	// The ledger write must not be lost to a cancelled trigger context.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if saveErr := r.reports.Save(saveCtx, report); saveErr != nil {
		log.Warn().Err(saveErr).Msg("run report not saved")
	}
	return report, err
}

// Detect reports the field roles of both databases under the current
// configuration.
func (r *Runner) Detect(ctx context.Context) (employees, leave reconcile.Roles, err error) {
	store, opts := r.current()
	engine, err := reconcile.NewEngine(store, opts)
	if err != nil {
		return reconcile.Roles{}, reconcile.Roles{}, err
	}
	return engine.Detect(ctx)
}

// Subscribe returns a channel of run events. Events are dropped for a
// subscriber whose buffer is full. The returned func unsubscribes.
func (r *Runner) Subscribe(buffer int) (<-chan reconcile.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan reconcile.Event, buffer)
	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
			close(ch)
		})
	}
}

func (r *Runner) publish(ev reconcile.Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
