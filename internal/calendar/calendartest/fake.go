// Package calendartest provides an in-memory calendar.Provider for tests.
package calendartest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/calnotionsync/internal/calendar"
	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/model"
)

// Fake is an in-memory calendar. Every write appends to a change log and
// cursors are positions in that log.
type Fake struct {
	mu      sync.Mutex
	events  map[string]*model.Event
	changes []string
	// cursorInvalid makes the next non-empty cursor read report CursorInvalid.
	cursorInvalid bool

	// Now is the clock used for watch expirations and Updated stamps.
	Now func() time.Time
	// WatchTTL is the lifetime of channels returned by Watch.
	WatchTTL time.Duration
	// WatchUnsupported makes Watch and StopWatch return calendar.ErrWatchUnsupported.
	WatchUnsupported bool

	// Err, when set, is returned by the named operation ("list", "window",
	// "watch", "stop", "get", "create", "update", "link", "delete").
	Err map[string]error

	Watches []calendar.Channel
	Stopped []string
	Writes  int
}

var _ calendar.Provider = (*Fake)(nil)

// New creates an empty calendar.
func New() *Fake {
	return &Fake{
		events:   make(map[string]*model.Event),
		Now:      time.Now,
		WatchTTL: 7 * 24 * time.Hour,
		Err:      make(map[string]error),
	}
}

func (f *Fake) fail(op string) error {
	if err := f.Err[op]; err != nil {
		return err
	}
	return nil
}

func (f *Fake) record(e *model.Event) {
	e.Updated = f.Now()
	f.events[e.ID] = e
	f.changes = append(f.changes, e.ID)
}

// Seed stores an event as if it had been created upstream.
func (f *Fake) Seed(e *model.Event) *model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := e.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.StatusConfirmed
	}
	f.record(c)
	return c.Clone()
}

// Cancel marks an event cancelled, as an upstream deletion would.
func (f *Fake) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.events[id]; ok {
		e.Status = model.StatusCancelled
		f.record(e)
	}
}

// InvalidateCursor makes the provider reject the next non-empty cursor.
func (f *Fake) InvalidateCursor() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorInvalid = true
}

// Event returns a copy of a stored event, or nil.
func (f *Fake) Event(id string) *model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id].Clone()
}

// Live returns every non-cancelled event sorted by start.
func (f *Fake) Live() []*model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Event
	for _, e := range f.events {
		if !e.IsCancelled() {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (f *Fake) Name() string       { return "fake" }
func (f *Fake) CalendarID() string { return "fake-calendar" }

func (f *Fake) ListChangesSince(_ context.Context, cursor string) (*calendar.Changes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("list"); err != nil {
		return nil, err
	}

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n > len(f.changes) || f.cursorInvalid {
			return &calendar.Changes{CursorInvalid: true}, nil
		}
		start = n
	} else {
		f.cursorInvalid = false
	}

	seen := make(map[string]bool)
	var events []*model.Event
	for _, id := range f.changes[start:] {
		if seen[id] {
			continue
		}
		seen[id] = true
		events = append(events, f.events[id].Clone())
	}
	return &calendar.Changes{Events: events, NextCursor: strconv.Itoa(len(f.changes))}, nil
}

func (f *Fake) ListChangesInWindow(_ context.Context, since, until time.Time) ([]*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("window"); err != nil {
		return nil, err
	}
	var out []*model.Event
	for _, e := range f.events {
		if !e.Start.Before(since) && !e.Start.After(until) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (f *Fake) Watch(_ context.Context, _ string) (*calendar.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WatchUnsupported {
		return nil, calendar.ErrWatchUnsupported
	}
	if err := f.fail("watch"); err != nil {
		return nil, err
	}
	ch := calendar.Channel{
		ChannelID:  uuid.NewString(),
		ResourceID: "resource-" + strconv.Itoa(len(f.Watches)+1),
		Expiration: f.Now().Add(f.WatchTTL).UnixMilli(),
	}
	f.Watches = append(f.Watches, ch)
	return &ch, nil
}

func (f *Fake) StopWatch(_ context.Context, channelID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WatchUnsupported {
		return calendar.ErrWatchUnsupported
	}
	if err := f.fail("stop"); err != nil {
		return err
	}
	f.Stopped = append(f.Stopped, channelID)
	return nil
}

func (f *Fake) GetEvent(_ context.Context, id string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	e, ok := f.events[id]
	if !ok || e.IsCancelled() {
		return nil, fmt.Errorf("%w: %s", calendar.ErrEventNotFound, id)
	}
	return e.Clone(), nil
}

func (f *Fake) GetEventByForeignKey(_ context.Context, storeID string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	for _, e := range f.events {
		if e.StructuredStoreID == storeID && !e.IsCancelled() {
			return e.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: linked to %s", calendar.ErrEventNotFound, storeID)
}

func (f *Fake) CreateEvent(_ context.Context, e *model.Event) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create"); err != nil {
		return nil, err
	}
	c := e.Clone()
	c.ID = uuid.NewString()
	if c.Status == "" {
		c.Status = model.StatusConfirmed
	}
	f.Writes++
	f.record(c)
	return c.Clone(), nil
}

func (f *Fake) UpdateEvent(_ context.Context, e *model.Event, fields []string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("update"); err != nil {
		return nil, err
	}
	cur, ok := f.events[e.ID]
	if !ok || cur.IsCancelled() {
		return nil, fmt.Errorf("%w: %s", calendar.ErrEventNotFound, e.ID)
	}
	if fields == nil {
		fields = mapping.CanonicalFields()
	}
	mapping.CopyFields(cur, e, fields)
	if e.StructuredStoreID != "" {
		cur.StructuredStoreID = e.StructuredStoreID
	}
	f.Writes++
	f.record(cur)
	return cur.Clone(), nil
}

func (f *Fake) SetLink(_ context.Context, eventID, storeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("link"); err != nil {
		return err
	}
	cur, ok := f.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", calendar.ErrEventNotFound, eventID)
	}
	cur.StructuredStoreID = storeID
	f.record(cur)
	return nil
}

func (f *Fake) DeleteEvent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("delete"); err != nil {
		return err
	}
	cur, ok := f.events[id]
	if !ok || cur.IsCancelled() {
		return model.NewProviderError("fake", "delete event", 410, fmt.Errorf("%s already deleted", id))
	}
	cur.Status = model.StatusCancelled
	f.Writes++
	f.record(cur)
	return nil
}
