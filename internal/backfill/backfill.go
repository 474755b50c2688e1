// Package backfill imports a window of calendar history into the Notion
// database as a detached, cancellable run.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/calnotionsync/internal/activity"
	"github.com/macjediwizard/calnotionsync/internal/calendar"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notify"
	"github.com/macjediwizard/calnotionsync/internal/state"
)

const (
	DefaultBatchSize   = 25
	DefaultMaxDuration = 780 * time.Second
	DefaultLeaseTTL    = 2 * time.Minute
	MaxWindowDays      = 365
)

var ErrRunExceededDeadline = errors.New("backfill exceeded its maximum run time")

// Applier upserts one calendar event into the database.
type Applier interface {
	ApplyCalendarEvent(ctx context.Context, ev *model.Event) (model.SyncOperation, error)
}

// Alerter receives failure and recovery notifications.
type Alerter interface {
	SendBackfillFailedAlert(ctx context.Context, reason string, processed, total int) bool
	SendRecoveryAlert(ctx context.Context, subject string) bool
}

// Options tunes an Engine.
type Options struct {
	BatchSize   int
	MaxDuration time.Duration
	// LeaseTTL bounds how long a crashed run blocks new ones. The lease is
	// renewed every LeaseTTL/3 while a run is active.
	LeaseTTL time.Duration
	Tracker  *activity.Tracker
	Alerter  Alerter
}

// Engine runs at most one backfill at a time across every process sharing
// the state store: a run holds a TTL lease in the store for its lifetime.
// Progress is persisted after every batch so status reads and restarts see
// only completed batches.
type Engine struct {
	calendar    calendar.Provider
	apply       Applier
	state       *state.Store
	batchSize   int
	maxDuration time.Duration
	leaseTTL    time.Duration
	owner       string
	tracker     *activity.Tracker
	alerter     Alerter
	now         func() time.Time

	mu        sync.Mutex
	running   atomic.Bool
	cancelled atomic.Bool
	done      chan struct{}
}

// New creates an Engine.
func New(cal calendar.Provider, apply Applier, st *state.Store, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Engine{
		calendar:    cal,
		apply:       apply,
		state:       st,
		batchSize:   opts.BatchSize,
		maxDuration: opts.MaxDuration,
		leaseTTL:    opts.LeaseTTL,
		owner:       uuid.NewString(),
		tracker:     opts.Tracker,
		alerter:     opts.Alerter,
		now:         time.Now,
	}
}

func validateDays(days int) error {
	if days < 1 || days > MaxWindowDays {
		return &model.ValidationError{Reason: fmt.Sprintf("days must be between 1 and %d", MaxWindowDays)}
	}
	return nil
}

// candidates returns the non-cancelled events that started within the last days.
func (e *Engine) candidates(ctx context.Context, days int) ([]*model.Event, error) {
	now := e.now()
	events, err := e.calendar.ListChangesInWindow(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar history: %w", err)
	}
	out := events[:0]
	for _, ev := range events {
		if !ev.IsCancelled() {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Preview classifies the candidate window without writing anything.
func (e *Engine) Preview(ctx context.Context, days int) (*model.BackfillPreview, error) {
	if err := validateDays(days); err != nil {
		return nil, err
	}
	events, err := e.candidates(ctx, days)
	if err != nil {
		return nil, err
	}

	p := &model.BackfillPreview{WindowDays: days, Total: len(events)}
	for _, ev := range events {
		if ev.StructuredStoreID != "" {
			p.AlreadyLinked++
		} else {
			p.New++
		}
		if ev.IsRecurringInstance() {
			p.RecurringInstances++
		}
	}
	return p, nil
}

// Start fetches the candidate window and imports it in the background. The
// run outlives ctx. A second start while a run is active is a ConflictError.
func (e *Engine) Start(ctx context.Context, days int) (*model.BackfillProgress, error) {
	if err := validateDays(days); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil, &model.ConflictError{Reason: "backfill already running"}
	}
	claimed, err := e.state.AcquireBackfillLease(ctx, e.owner, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, &model.ConflictError{Reason: "backfill already running"}
	}
	started := false
	defer func() {
		if !started {
			if err := e.state.ReleaseBackfillLease(context.WithoutCancel(ctx), e.owner); err != nil {
				log.Printf("[Backfill] Failed to release lease: %v", err)
			}
		}
	}()

	events, err := e.candidates(ctx, days)
	if err != nil {
		return nil, err
	}

	p := &model.BackfillProgress{
		Status:     model.BackfillRunning,
		Total:      len(events),
		WindowDays: days,
		StartedAt:  e.now().UTC(),
	}
	if err := e.state.SetBackfillCancel(ctx, false); err != nil {
		return nil, err
	}
	if err := e.state.SaveBackfill(ctx, p); err != nil {
		return nil, err
	}

	e.cancelled.Store(false)
	e.running.Store(true)
	done := make(chan struct{})
	e.done = done

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.maxDuration)
	progress := *p
	stopRenew := e.keepLease(context.WithoutCancel(ctx))
	started = true
	go func() {
		defer cancel()
		defer close(done)
		defer e.running.Store(false)
		e.run(runCtx, &progress, events)
		stopRenew()
		if err := e.state.ReleaseBackfillLease(context.WithoutCancel(runCtx), e.owner); err != nil {
			log.Printf("[Backfill] Failed to release lease: %v", err)
		}
	}()

	log.Printf("[Backfill] Started: %d events from the last %d days", len(events), days)
	return p, nil
}

// keepLease renews the run lease until the returned stop function is called.
// Losing the lease to another owner cancels the run at the next batch boundary.
func (e *Engine) keepLease(ctx context.Context) (stop func()) {
	ticker := time.NewTicker(e.leaseTTL / 3)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				ok, err := e.state.RenewBackfillLease(ctx, e.owner, e.leaseTTL)
				if err != nil {
					log.Printf("[Backfill] Failed to renew lease: %v", err)
					continue
				}
				if !ok {
					log.Printf("[Backfill] Lease lost to another process; stopping")
					e.cancelled.Store(true)
					return
				}
			}
		}
	}()
	return func() {
		close(quit)
		wg.Wait()
	}
}

func (e *Engine) cancelRequested(ctx context.Context) bool {
	if e.cancelled.Load() {
		return true
	}
	requested, err := e.state.BackfillCancelRequested(ctx)
	if err != nil {
		log.Printf("[Backfill] Failed to read cancel flag: %v", err)
		return false
	}
	return requested
}

func (e *Engine) run(ctx context.Context, p *model.BackfillProgress, events []*model.Event) {
	saveCtx := context.WithoutCancel(ctx)
	runID := uuid.NewString()
	if e.tracker != nil {
		e.tracker.Start(runID, activity.RunBackfill)
	}

	var runErr error
	for i := 0; i < len(events); i += e.batchSize {
		if e.cancelRequested(saveCtx) {
			p.Status = model.BackfillCancelled
			break
		}
		if ctx.Err() != nil {
			runErr = fmt.Errorf("%w (%s)", ErrRunExceededDeadline, e.maxDuration)
			break
		}

		end := min(i+e.batchSize, len(events))
		var batch activity.Counts
		for _, ev := range events[i:end] {
			op, err := e.apply.ApplyCalendarEvent(ctx, ev)
			batch.Processed++
			switch {
			case err != nil:
				batch.Failed++
			case op == model.OpCreate:
				batch.Created++
			case op == model.OpUpdate:
				batch.Updated++
			default:
				batch.Skipped++
			}
		}

		p.Processed += batch.Processed
		p.Created += batch.Created
		p.Updated += batch.Updated
		p.Skipped += batch.Skipped
		p.Errors += batch.Failed
		if e.tracker != nil {
			e.tracker.Add(runID, batch)
		}
		if err := e.state.SaveBackfill(saveCtx, p); err != nil {
			log.Printf("[Backfill] Failed to persist progress: %v", err)
		}
	}

	completed := e.now().UTC()
	p.CompletedAt = &completed
	switch {
	case runErr != nil:
		p.Status = model.BackfillFailed
		p.Error = runErr.Error()
	case p.Status == model.BackfillRunning:
		p.Status = model.BackfillCompleted
	}
	if err := e.state.SaveBackfill(saveCtx, p); err != nil {
		log.Printf("[Backfill] Failed to persist final progress: %v", err)
	}
	if err := e.state.SetBackfillCancel(saveCtx, false); err != nil {
		log.Printf("[Backfill] Failed to clear cancel flag: %v", err)
	}

	log.Printf("[Backfill] %s: %d/%d processed, %d created, %d updated, %d skipped, %d errors",
		p.Status, p.Processed, p.Total, p.Created, p.Updated, p.Skipped, p.Errors)

	if e.tracker != nil {
		msg := fmt.Sprintf("%s: %d of %d events", p.Status, p.Processed, p.Total)
		e.tracker.Finish(runID, runErr == nil, msg, nil)
	}
	if e.alerter != nil {
		if runErr != nil {
			e.alerter.SendBackfillFailedAlert(saveCtx, runErr.Error(), p.Processed, p.Total)
		} else if p.Status == model.BackfillCompleted {
			e.alerter.SendRecoveryAlert(saveCtx, notify.SubjectBackfill)
		}
	}
}

// Cancel asks the running backfill to stop at the next batch boundary. The
// request is persisted, so it reaches a run owned by another process.
func (e *Engine) Cancel(ctx context.Context) (*model.BackfillProgress, error) {
	p, err := e.state.GetBackfill(ctx)
	if err != nil {
		return nil, err
	}
	local := e.running.Load()
	if !local && p.Status != model.BackfillRunning {
		return nil, &model.ConflictError{Reason: "no backfill is running"}
	}
	if local {
		e.cancelled.Store(true)
	}
	if err := e.state.SetBackfillCancel(ctx, true); err != nil {
		return nil, err
	}
	log.Printf("[Backfill] Cancellation requested")
	return p, nil
}

// Reset clears progress back to idle. A running backfill must be cancelled first.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return &model.ConflictError{Reason: "cancel the running backfill before resetting"}
	}
	held, err := e.state.BackfillLeaseHeld(ctx)
	if err != nil {
		return err
	}
	if held {
		return &model.ConflictError{Reason: "cancel the running backfill before resetting"}
	}
	if err := e.state.SetBackfillCancel(ctx, false); err != nil {
		return err
	}
	return e.state.SaveBackfill(ctx, model.IdleProgress())
}

// Status returns the persisted progress. A record left running whose lease
// has expired belongs to a process that died; it is reported and stored as failed.
func (e *Engine) Status(ctx context.Context) (*model.BackfillProgress, error) {
	p, err := e.state.GetBackfill(ctx)
	if err != nil {
		return nil, err
	}
	if p.Status == model.BackfillRunning && !e.running.Load() {
		e.mu.Lock()
		defer e.mu.Unlock()
		held, err := e.state.BackfillLeaseHeld(ctx)
		if err != nil {
			return nil, err
		}
		if held {
			return p, nil
		}
		// Re-read: the run may have finished between the two checks.
		if p, err = e.state.GetBackfill(ctx); err != nil || p.Status != model.BackfillRunning || e.running.Load() {
			return p, err
		}
		p.Status = model.BackfillFailed
		p.Error = "interrupted before completion"
		if err := e.state.SaveBackfill(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Running reports whether a backfill is in progress in this process.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Wait blocks until the current run, if any, has finished.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
