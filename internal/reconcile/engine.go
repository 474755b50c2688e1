// Package reconcile is the bidirectional sync engine between the calendar
// and the Notion database.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/calnotionsync/internal/activity"
	"github.com/macjediwizard/calnotionsync/internal/calendar"
	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notion"
	"github.com/macjediwizard/calnotionsync/internal/state"
)

const (
	DefaultLookback = 30 * 24 * time.Hour
	DefaultHorizon  = 365 * 24 * time.Hour
)

// Result is the aggregate outcome of a pass. Individual failures are only
// visible through the observability log.
type Result struct {
	Synced  int `json:"synced"`
	Errors  int `json:"errors"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

func (r *Result) add(op model.SyncOperation, err error) {
	switch {
	case err != nil:
		r.Errors++
	case op == model.OpDelete:
		r.Deleted++
	case op == model.OpSkip:
		r.Skipped++
	default:
		r.Synced++
	}
}

// Merge adds the counts of other to r.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Synced += other.Synced
	r.Errors += other.Errors
	r.Deleted += other.Deleted
	r.Skipped += other.Skipped
}

func (r *Result) counts() activity.Counts {
	return activity.Counts{
		Processed: r.Synced + r.Errors + r.Deleted + r.Skipped,
		Updated:   r.Synced,
		Deleted:   r.Deleted,
		Skipped:   r.Skipped,
		Failed:    r.Errors,
	}
}

// Options tunes an Engine.
type Options struct {
	// Lookback is how far back the resynchronization window reaches.
	Lookback time.Duration
	// Horizon is how far ahead the resynchronization window reaches.
	Horizon time.Duration
	Tracker *activity.Tracker
}

// Engine applies changes from one provider to the other. Loop prevention
// relies on per-field hashes of the mapped fields recorded for each side: a
// change whose hashes equal the last ones written or observed carries
// nothing new, and only fields that differ are written across.
type Engine struct {
	calendar calendar.Provider
	records  notion.Records
	state    *state.Store
	log      *activity.Log
	tracker  *activity.Tracker
	lookback time.Duration
	horizon  time.Duration
	now      func() time.Time
}

// New creates an Engine.
func New(cal calendar.Provider, records notion.Records, st *state.Store, logs *activity.Log, opts Options) *Engine {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	return &Engine{
		calendar: cal,
		records:  records,
		state:    st,
		log:      logs,
		tracker:  opts.Tracker,
		lookback: opts.Lookback,
		horizon:  opts.Horizon,
		now:      time.Now,
	}
}

func (e *Engine) startRun(kind string) string {
	id := uuid.NewString()
	if e.tracker != nil {
		e.tracker.Start(id, kind)
	}
	return id
}

func (e *Engine) finishRun(id string, res *Result, err error) {
	if e.tracker == nil {
		return
	}
	e.tracker.Add(id, res.counts())
	if err != nil {
		e.tracker.Finish(id, false, err.Error(), nil)
		return
	}
	e.tracker.Finish(id, true, fmt.Sprintf("%d synced, %d deleted, %d errors", res.Synced, res.Deleted, res.Errors), nil)
}

// SyncCalendarIncremental applies calendar changes since the stored cursor
// to the database. An invalid or missing cursor is replaced after a full
// window resynchronization. The new cursor is persisted only after the
// whole batch was processed.
func (e *Engine) SyncCalendarIncremental(ctx context.Context) (res *Result, err error) {
	runID := e.startRun(activity.RunIncremental)
	res = &Result{}
	defer func() { e.finishRun(runID, res, err) }()

	ss, err := e.state.GetSyncState(ctx)
	if err != nil {
		return res, err
	}

	if ss.SyncToken != "" {
		changes, err := e.calendar.ListChangesSince(ctx, ss.SyncToken)
		if err != nil {
			return res, err
		}
		if !changes.CursorInvalid {
			for _, ev := range changes.Events {
				op, applyErr := e.ApplyCalendarEvent(ctx, ev)
				res.add(op, applyErr)
			}
			if err := e.state.SaveSyncState(ctx, changes.NextCursor, e.now().UTC()); err != nil {
				return res, err
			}
			return res, nil
		}
		log.Printf("[Sync] Calendar cursor rejected, resynchronizing the last %s", e.lookback)
		if err := e.state.ClearSyncToken(ctx); err != nil {
			return res, err
		}
	}

	if err := e.resync(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) resync(ctx context.Context, res *Result) error {
	now := e.now()
	events, err := e.calendar.ListChangesInWindow(ctx, now.Add(-e.lookback), now.Add(e.horizon))
	if err != nil {
		return err
	}
	for _, ev := range events {
		op, applyErr := e.ApplyCalendarEvent(ctx, ev)
		res.add(op, applyErr)
	}

	cursor, err := calendar.EstablishCursor(ctx, e.calendar)
	if err != nil {
		return fmt.Errorf("failed to establish sync cursor: %w", err)
	}
	if cursor == "" {
		return errors.New("provider returned an empty sync cursor")
	}
	return e.state.SaveSyncState(ctx, cursor, e.now().UTC())
}

// ApplyCalendarEvent applies one calendar event to the database and logs
// the outcome. Cancelled events archive their linked record.
func (e *Engine) ApplyCalendarEvent(ctx context.Context, ev *model.Event) (model.SyncOperation, error) {
	start := time.Now()
	var (
		op     model.SyncOperation
		pageID string
		err    error
	)
	if ev.IsCancelled() {
		op, pageID, err = e.archiveForEvent(ctx, ev)
	} else {
		op, pageID, err = e.upsertRecord(ctx, ev)
	}
	if err != nil {
		err = fmt.Errorf("event %s (%q): %w", ev.ID, ev.Title, err)
	}
	e.record(ctx, model.DirectionCalendarToStore, op, ev.ID, pageID, ev.Title, err, start)
	return op, err
}

func (e *Engine) archiveForEvent(ctx context.Context, ev *model.Event) (model.SyncOperation, string, error) {
	pageID := ev.StructuredStoreID
	if pageID == "" {
		rec, err := e.records.FindByCalendarEventID(ctx, ev.ID)
		if err != nil {
			if errors.Is(err, notion.ErrPageNotFound) {
				return model.OpSkip, "", nil
			}
			return model.OpDelete, "", err
		}
		pageID = rec.StructuredStoreID
	}

	res, err := notion.ArchiveIfExists(ctx, e.records, pageID)
	if err != nil {
		return model.OpDelete, pageID, err
	}
	e.forget(ctx, pageID, ev.ID)
	if res == model.DeleteAlreadyAbsent {
		return model.OpSkip, pageID, nil
	}
	return model.OpDelete, pageID, nil
}

func (e *Engine) hashes(ctx context.Context, side state.Side, id string) (mapping.Hashes, error) {
	raw, err := e.state.Fingerprint(ctx, side, id)
	if err != nil {
		return nil, err
	}
	return mapping.ParseHashes(raw), nil
}

func (e *Engine) saveHashes(ctx context.Context, side state.Side, id string, h mapping.Hashes) error {
	return e.state.SetFingerprint(ctx, side, id, h.Encode())
}

func (e *Engine) upsertRecord(ctx context.Context, ev *model.Event) (model.SyncOperation, string, error) {
	m := e.records.Mapping()
	hs := m.Hashes(ev)
	seen, err := e.hashes(ctx, state.SideCalendar, ev.ID)
	if err != nil {
		return model.OpSkip, ev.StructuredStoreID, err
	}
	changed := mapping.Changed(seen, hs)

	// Nothing mapped changed: a linkage write, an echo of our own write,
	// or an edit to an unmapped field.
	if ev.StructuredStoreID != "" && seen != nil && len(changed) == 0 {
		if !seen.Equal(hs) {
			return model.OpSkip, ev.StructuredStoreID, e.saveHashes(ctx, state.SideCalendar, ev.ID, hs)
		}
		return model.OpSkip, ev.StructuredStoreID, nil
	}

	pageID := ev.StructuredStoreID
	if pageID == "" {
		rec, err := e.records.FindByCalendarEventID(ctx, ev.ID)
		switch {
		case err == nil:
			pageID = rec.StructuredStoreID
		case !errors.Is(err, notion.ErrPageNotFound):
			return model.OpCreate, "", err
		}
	}

	if pageID != "" {
		op, err := e.updateRecord(ctx, m, ev, pageID, hs, changed)
		if !errors.Is(err, notion.ErrPageNotFound) && !errors.Is(err, notion.ErrPageArchived) {
			return op, pageID, err
		}
		log.Printf("[Sync] Record %s linked to event %s is gone, recreating", pageID, ev.ID)
		e.forget(ctx, pageID, "")
	}

	pageID, err = e.createRecord(ctx, m, ev, hs)
	return model.OpCreate, pageID, err
}

func (e *Engine) updateRecord(ctx context.Context, m *mapping.Mapping, ev *model.Event, pageID string, hs mapping.Hashes, changed []string) (model.SyncOperation, error) {
	target, err := e.hashes(ctx, state.SideNotion, pageID)
	if err != nil {
		return model.OpUpdate, err
	}

	op := model.OpSkip
	if write := mapping.Pending(target, hs, changed); len(write) > 0 {
		rec := ev.Clone()
		rec.CalendarEventID = ev.ID
		updated, err := e.records.Update(ctx, pageID, rec, write)
		if err != nil {
			return model.OpUpdate, err
		}
		written := target.With(hs, write)
		if written == nil {
			written = m.Hashes(updated)
		}
		if err := e.saveHashes(ctx, state.SideNotion, pageID, written); err != nil {
			return model.OpUpdate, err
		}
		op = model.OpUpdate
	}

	if err := e.state.SaveLink(ctx, pageID, ev.ID); err != nil {
		return op, err
	}
	if ev.StructuredStoreID != pageID {
		if err := e.calendar.SetLink(ctx, ev.ID, pageID); err != nil {
			return op, fmt.Errorf("write link to event: %w", err)
		}
	}
	return op, e.saveHashes(ctx, state.SideCalendar, ev.ID, hs)
}

func (e *Engine) createRecord(ctx context.Context, m *mapping.Mapping, ev *model.Event, hs mapping.Hashes) (string, error) {
	rec := ev.Clone()
	rec.StructuredStoreID = ""
	rec.CalendarEventID = ev.ID
	created, err := e.records.Create(ctx, rec)
	if err != nil {
		return "", err
	}
	pageID := created.StructuredStoreID

	if err := e.state.SaveLink(ctx, pageID, ev.ID); err != nil {
		return pageID, err
	}
	if err := e.saveHashes(ctx, state.SideNotion, pageID, m.Hashes(created)); err != nil {
		return pageID, err
	}
	if err := e.saveHashes(ctx, state.SideCalendar, ev.ID, hs); err != nil {
		return pageID, err
	}
	if err := e.calendar.SetLink(ctx, ev.ID, pageID); err != nil {
		return pageID, fmt.Errorf("write link to event: %w", err)
	}
	return pageID, nil
}

// forget drops the link index entry and fingerprints of a pair.
func (e *Engine) forget(ctx context.Context, pageID, eventID string) {
	if pageID != "" {
		if err := e.state.DeleteLink(ctx, pageID); err != nil {
			log.Printf("[Sync] Failed to drop link for record %s: %v", pageID, err)
		}
		if err := e.state.DeleteFingerprint(ctx, state.SideNotion, pageID); err != nil {
			log.Printf("[Sync] Failed to drop fingerprint for record %s: %v", pageID, err)
		}
	}
	if eventID != "" {
		if err := e.state.DeleteFingerprint(ctx, state.SideCalendar, eventID); err != nil {
			log.Printf("[Sync] Failed to drop fingerprint for event %s: %v", eventID, err)
		}
	}
}

func (e *Engine) record(ctx context.Context, dir model.SyncDirection, op model.SyncOperation, eventID, pageID, title string, err error, start time.Time) {
	if e.log == nil || (op == model.OpSkip && err == nil) {
		return
	}
	entry := model.SyncLogEntry{
		Direction:         dir,
		Operation:         op,
		CalendarEventID:   eventID,
		StructuredStoreID: pageID,
		Title:             title,
		Status:            model.LogSuccess,
		DurationMs:        time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Status = model.LogError
		entry.Error = err.Error()
	}
	e.log.LogSync(context.WithoutCancel(ctx), entry)
}
