package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/activity"
	"github.com/macjediwizard/calnotionsync/internal/calendar"
	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notion"
	"github.com/macjediwizard/calnotionsync/internal/state"
)

// StoreEventKind is a Notion page event type.
type StoreEventKind string

const (
	StoreCreated           StoreEventKind = "created"
	StoreContentUpdated    StoreEventKind = "content_updated"
	StorePropertiesUpdated StoreEventKind = "properties_updated"
	StoreDeleted           StoreEventKind = "deleted"
)

// ParseStoreEventKind accepts both "page.created" and "created" forms.
func ParseStoreEventKind(s string) (StoreEventKind, bool) {
	k := StoreEventKind(strings.TrimPrefix(strings.TrimSpace(s), "page."))
	switch k {
	case StoreCreated, StoreContentUpdated, StorePropertiesUpdated, StoreDeleted:
		return k, true
	}
	if k == "undeleted" {
		return StoreCreated, true
	}
	return "", false
}

// HandleStoreEvent applies one Notion page event to the calendar.
func (e *Engine) HandleStoreEvent(ctx context.Context, kind StoreEventKind, pageID string) (*Result, error) {
	res := &Result{}
	if pageID == "" {
		return res, &model.ValidationError{Reason: "event has no page id"}
	}

	if kind == StoreDeleted {
		op, err := e.ApplyRecordDeletion(ctx, pageID, "")
		res.add(op, err)
		return res, nil
	}

	rec, err := e.records.Get(ctx, pageID)
	switch {
	case errors.Is(err, notion.ErrPageArchived):
		op, err := e.ApplyRecordDeletion(ctx, pageID, "")
		res.add(op, err)
		return res, nil
	case errors.Is(err, notion.ErrPageNotFound):
		log.Printf("[Sync] Ignoring event for page %s: %v", pageID, err)
		res.Skipped++
		return res, nil
	case err != nil:
		e.record(ctx, model.DirectionStoreToCalendar, model.OpUpdate, "", pageID, "", err, time.Now())
		res.Errors++
		return res, nil
	}

	op, err := e.ApplyRecord(ctx, rec)
	res.add(op, err)
	return res, nil
}

// ApplyRecord applies one database record to the calendar and logs the outcome.
func (e *Engine) ApplyRecord(ctx context.Context, rec *model.Event) (model.SyncOperation, error) {
	start := time.Now()
	op, eventID, err := e.upsertEvent(ctx, rec)
	if err != nil {
		err = fmt.Errorf("record %s (%q): %w", rec.StructuredStoreID, rec.Title, err)
	}
	e.record(ctx, model.DirectionStoreToCalendar, op, eventID, rec.StructuredStoreID, rec.Title, err, start)
	return op, err
}

func (e *Engine) linkedEventID(ctx context.Context, rec *model.Event) (string, error) {
	if rec.CalendarEventID != "" {
		return rec.CalendarEventID, nil
	}
	id, err := e.state.LinkedEvent(ctx, rec.StructuredStoreID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return "", err
	}
	ev, err := e.calendar.GetEventByForeignKey(ctx, rec.StructuredStoreID)
	if err != nil {
		if errors.Is(err, calendar.ErrEventNotFound) || model.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return ev.ID, nil
}

func (e *Engine) upsertEvent(ctx context.Context, rec *model.Event) (model.SyncOperation, string, error) {
	m := e.records.Mapping()
	pageID := rec.StructuredStoreID
	hs := m.Hashes(rec)
	seen, err := e.hashes(ctx, state.SideNotion, pageID)
	if err != nil {
		return model.OpSkip, rec.CalendarEventID, err
	}
	changed := mapping.Changed(seen, hs)

	if rec.CalendarEventID != "" && seen != nil && len(changed) == 0 {
		if !seen.Equal(hs) {
			return model.OpSkip, rec.CalendarEventID, e.saveHashes(ctx, state.SideNotion, pageID, hs)
		}
		return model.OpSkip, rec.CalendarEventID, nil
	}

	eventID, err := e.linkedEventID(ctx, rec)
	if err != nil {
		return model.OpUpdate, "", err
	}

	if rec.IsCancelled() {
		if eventID == "" {
			return model.OpSkip, "", nil
		}
		op, err := e.deleteEvent(ctx, pageID, eventID)
		return op, eventID, err
	}

	if eventID != "" {
		cur, err := e.calendar.GetEvent(ctx, eventID)
		switch {
		case err == nil:
			op, err := e.updateEvent(ctx, m, rec, cur, hs, changed)
			return op, eventID, err
		case errors.Is(err, calendar.ErrEventNotFound) || model.IsNotFound(err):
			log.Printf("[Sync] Event %s linked to record %s is gone, recreating", eventID, pageID)
			e.forget(ctx, pageID, eventID)
		default:
			return model.OpUpdate, eventID, err
		}
	}

	eventID, err = e.createEvent(ctx, m, rec, hs)
	return model.OpCreate, eventID, err
}

func (e *Engine) updateEvent(ctx context.Context, m *mapping.Mapping, rec, cur *model.Event, hs mapping.Hashes, changed []string) (model.SyncOperation, error) {
	pageID := rec.StructuredStoreID

	op := model.OpSkip
	if write := mapping.Pending(m.Hashes(cur), hs, changed); len(write) > 0 {
		merged := cur.Clone()
		mapping.CopyFields(merged, rec, write)
		merged.StructuredStoreID = pageID
		updated, err := e.calendar.UpdateEvent(ctx, merged, write)
		if err != nil {
			return model.OpUpdate, err
		}
		seen, err := e.hashes(ctx, state.SideCalendar, cur.ID)
		if err != nil {
			return model.OpUpdate, err
		}
		written := seen.With(hs, write)
		if written == nil {
			written = m.Hashes(updated)
		}
		if err := e.saveHashes(ctx, state.SideCalendar, cur.ID, written); err != nil {
			return model.OpUpdate, err
		}
		op = model.OpUpdate
	} else if cur.StructuredStoreID != pageID {
		if err := e.calendar.SetLink(ctx, cur.ID, pageID); err != nil {
			return op, fmt.Errorf("write link to event: %w", err)
		}
	}

	if err := e.state.SaveLink(ctx, pageID, cur.ID); err != nil {
		return op, err
	}
	if rec.CalendarEventID != cur.ID {
		if err := e.records.SetLink(ctx, pageID, cur.ID); err != nil {
			return op, fmt.Errorf("write link to record: %w", err)
		}
	}
	return op, e.saveHashes(ctx, state.SideNotion, pageID, hs)
}

func (e *Engine) createEvent(ctx context.Context, m *mapping.Mapping, rec *model.Event, hs mapping.Hashes) (string, error) {
	pageID := rec.StructuredStoreID
	ev := rec.Clone()
	ev.ID = ""
	ev.CalendarEventID = ""
	ev.StructuredStoreID = pageID

	created, err := e.calendar.CreateEvent(ctx, ev)
	if err != nil {
		return "", err
	}
	if err := e.state.SaveLink(ctx, pageID, created.ID); err != nil {
		return created.ID, err
	}
	if err := e.saveHashes(ctx, state.SideCalendar, created.ID, m.Hashes(created)); err != nil {
		return created.ID, err
	}
	if err := e.saveHashes(ctx, state.SideNotion, pageID, hs); err != nil {
		return created.ID, err
	}
	if err := e.records.SetLink(ctx, pageID, created.ID); err != nil {
		return created.ID, fmt.Errorf("write link to record: %w", err)
	}
	return created.ID, nil
}

// ApplyRecordDeletion deletes the calendar event linked to a removed
// record. An unlinked record is a successful no-op.
func (e *Engine) ApplyRecordDeletion(ctx context.Context, pageID, eventID string) (model.SyncOperation, error) {
	start := time.Now()
	op, eventID, err := e.resolveAndDelete(ctx, pageID, eventID)
	if err != nil {
		err = fmt.Errorf("record %s: %w", pageID, err)
	}
	if op == model.OpSkip && err == nil {
		// Deletions of never-synced records are expected traffic.
		e.recordStatus(ctx, model.DirectionStoreToCalendar, model.OpDelete, eventID, pageID, model.LogSkipped, start)
		return op, nil
	}
	e.record(ctx, model.DirectionStoreToCalendar, op, eventID, pageID, "", err, start)
	return op, err
}

func (e *Engine) resolveAndDelete(ctx context.Context, pageID, eventID string) (model.SyncOperation, string, error) {
	if eventID == "" {
		id, err := e.state.LinkedEvent(ctx, pageID)
		switch {
		case err == nil:
			eventID = id
		case !errors.Is(err, state.ErrNotFound):
			return model.OpDelete, "", err
		}
	}
	if eventID == "" {
		ev, err := e.calendar.GetEventByForeignKey(ctx, pageID)
		switch {
		case err == nil:
			eventID = ev.ID
		case errors.Is(err, calendar.ErrEventNotFound) || model.IsNotFound(err):
			e.forget(ctx, pageID, "")
			return model.OpSkip, "", nil
		default:
			return model.OpDelete, "", err
		}
	}
	op, err := e.deleteEvent(ctx, pageID, eventID)
	return op, eventID, err
}

func (e *Engine) deleteEvent(ctx context.Context, pageID, eventID string) (model.SyncOperation, error) {
	res, err := calendar.DeleteIfExists(ctx, e.calendar, eventID)
	if err != nil {
		return model.OpDelete, err
	}
	e.forget(ctx, pageID, eventID)
	if res == model.DeleteAlreadyAbsent {
		return model.OpSkip, nil
	}
	return model.OpDelete, nil
}

func (e *Engine) recordStatus(ctx context.Context, dir model.SyncDirection, op model.SyncOperation, eventID, pageID string, status model.LogStatus, start time.Time) {
	if e.log == nil {
		return
	}
	e.log.LogSync(context.WithoutCancel(ctx), model.SyncLogEntry{
		Direction:         dir,
		Operation:         op,
		CalendarEventID:   eventID,
		StructuredStoreID: pageID,
		Status:            status,
		DurationMs:        time.Since(start).Milliseconds(),
	})
}

// sweepCandidates unions the link index with the foreign keys carried by
// calendar events in the sync window, so a lost index entry still gets swept.
func (e *Engine) sweepCandidates(ctx context.Context) (map[string]string, error) {
	links, err := e.state.Links(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read link index: %w", err)
	}
	now := e.now()
	events, err := e.calendar.ListChangesInWindow(ctx, now.Add(-e.lookback), now.Add(e.horizon))
	if err != nil {
		log.Printf("[Sync] Calendar window unavailable for deletion sweep, using link index only: %v", err)
		return links, nil
	}
	for _, ev := range events {
		if ev.StructuredStoreID == "" || ev.IsCancelled() {
			continue
		}
		if _, ok := links[ev.StructuredStoreID]; !ok {
			links[ev.StructuredStoreID] = ev.ID
		}
	}
	return links, nil
}

// Poll is the fallback pass: calendar changes, then every database record,
// then a sweep deleting calendar events whose linked record is gone.
func (e *Engine) Poll(ctx context.Context) (res *Result, err error) {
	res = &Result{}
	incremental, err := e.SyncCalendarIncremental(ctx)
	res.Merge(incremental)
	if err != nil {
		log.Printf("[Sync] Calendar pass failed during poll: %v", err)
		res.Errors++
	}

	runID := e.startRun(activity.RunPoll)
	storeRes := &Result{}
	defer func() { e.finishRun(runID, storeRes, err) }()

	records, err := e.records.QueryAll(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to query records: %w", err)
	}
	live := make(map[string]bool, len(records))
	for _, rec := range records {
		live[rec.StructuredStoreID] = true
		op, applyErr := e.ApplyRecord(ctx, rec)
		storeRes.add(op, applyErr)
	}

	links, err := e.sweepCandidates(ctx)
	if err != nil {
		res.Merge(storeRes)
		return res, err
	}
	for pageID, eventID := range links {
		if live[pageID] {
			continue
		}
		// Records that failed to decode are absent from the query but not deleted.
		if _, getErr := e.records.Get(ctx, pageID); getErr == nil || !(errors.Is(getErr, notion.ErrPageNotFound) || errors.Is(getErr, notion.ErrPageArchived)) {
			continue
		}
		op, delErr := e.ApplyRecordDeletion(ctx, pageID, eventID)
		if op == model.OpSkip && delErr == nil {
			continue
		}
		storeRes.add(op, delErr)
	}

	res.Merge(storeRes)
	return res, nil
}
