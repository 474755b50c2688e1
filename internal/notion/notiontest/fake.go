// Package notiontest provides an in-memory notion.Records for tests.
package notiontest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notion"
)

// Fake is an in-memory database. Writes pass through the current mapping
// so stored records look the way the real API would report them.
type Fake struct {
	mu       sync.Mutex
	holder   *mapping.Holder
	records  map[string]*model.Event
	archived map[string]bool

	Now func() time.Time
	// Err, when set, is returned by the named operation ("query", "get",
	// "find", "create", "update", "link", "archive").
	Err map[string]error
	// FailIDs makes Update and Archive fail for the listed record ids.
	FailIDs map[string]error

	Creates  int
	Updates  int
	Links    int
	Archives int
}

var _ notion.Records = (*Fake)(nil)

// New creates an empty database using holder's mapping, or the default
// mapping when holder is nil.
func New(holder *mapping.Holder) *Fake {
	if holder == nil {
		holder = mapping.NewHolder(nil)
	}
	return &Fake{
		holder:   holder,
		records:  make(map[string]*model.Event),
		archived: make(map[string]bool),
		Now:      time.Now,
		Err:      make(map[string]error),
		FailIDs:  make(map[string]error),
	}
}

func (f *Fake) store(id string, e *model.Event) (*model.Event, error) {
	c := e.Clone()
	c.StructuredStoreID = id
	rt, err := f.holder.Get().RoundTrip(c)
	if err != nil {
		return nil, err
	}
	rt.Updated = f.Now()
	f.records[id] = rt
	return rt.Clone(), nil
}

// Seed stores a record as if a user had created it.
func (f *Fake) Seed(e *model.Event) *model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := e.StructuredStoreID
	if id == "" {
		id = uuid.NewString()
	}
	rec, err := f.store(id, e)
	if err != nil {
		panic(err)
	}
	return rec
}

// Record returns a live record or nil.
func (f *Fake) Record(id string) *model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archived[id] {
		return nil
	}
	return f.records[id].Clone()
}

// IsArchived reports whether a record was archived.
func (f *Fake) IsArchived(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archived[id]
}

// Live returns every live record sorted by start.
func (f *Fake) Live() []*model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live()
}

func (f *Fake) live() []*model.Event {
	var out []*model.Event
	for id, e := range f.records {
		if !f.archived[id] {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (f *Fake) Mapping() *mapping.Mapping {
	return f.holder.Get()
}

func (f *Fake) QueryAll(context.Context) ([]*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["query"]; err != nil {
		return nil, err
	}
	return f.live(), nil
}

func (f *Fake) Get(_ context.Context, id string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["get"]; err != nil {
		return nil, err
	}
	e, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notion.ErrPageNotFound, id)
	}
	if f.archived[id] {
		return nil, fmt.Errorf("%w: %s", notion.ErrPageArchived, id)
	}
	return e.Clone(), nil
}

func (f *Fake) FindByCalendarEventID(_ context.Context, eventID string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["find"]; err != nil {
		return nil, err
	}
	for _, e := range f.live() {
		if e.CalendarEventID == eventID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: no record for event %s", notion.ErrPageNotFound, eventID)
}

func (f *Fake) Create(_ context.Context, e *model.Event) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["create"]; err != nil {
		return nil, err
	}
	f.Creates++
	return f.store(uuid.NewString(), e)
}

func (f *Fake) Update(_ context.Context, id string, e *model.Event, fields []string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["update"]; err != nil {
		return nil, err
	}
	if err := f.FailIDs[id]; err != nil {
		return nil, err
	}
	if _, ok := f.records[id]; !ok || f.archived[id] {
		return nil, fmt.Errorf("%w: %s", notion.ErrPageNotFound, id)
	}
	f.Updates++
	if fields == nil {
		return f.store(id, e)
	}
	merged := f.records[id].Clone()
	mapping.CopyFields(merged, e, fields)
	if e.CalendarEventID != "" {
		merged.CalendarEventID = e.CalendarEventID
	}
	return f.store(id, merged)
}

func (f *Fake) SetLink(_ context.Context, id, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["link"]; err != nil {
		return err
	}
	rec, ok := f.records[id]
	if !ok || f.archived[id] {
		return fmt.Errorf("%w: %s", notion.ErrPageNotFound, id)
	}
	if f.holder.Get().Enabled(mapping.FieldCalendarEventID) {
		rec.CalendarEventID = eventID
	}
	rec.Updated = f.Now()
	f.Links++
	return nil
}

func (f *Fake) Archive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["archive"]; err != nil {
		return err
	}
	if err := f.FailIDs[id]; err != nil {
		return err
	}
	if _, ok := f.records[id]; !ok {
		return fmt.Errorf("%w: %s", notion.ErrPageNotFound, id)
	}
	if f.archived[id] {
		return fmt.Errorf("%w: %s", notion.ErrPageArchived, id)
	}
	f.archived[id] = true
	f.Archives++
	return nil
}

// Subscriptions is an in-memory notion.SubscriptionAPI.
type Subscriptions struct {
	mu sync.Mutex
	// Unsupported makes every call return notion.ErrSubscriptionsUnsupported.
	Unsupported bool
	Remote      map[string]*notion.RemoteSubscription
	Deleted     []string
}

var _ notion.SubscriptionAPI = (*Subscriptions)(nil)

// NewSubscriptions creates an empty subscription registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{Remote: make(map[string]*notion.RemoteSubscription)}
}

func (s *Subscriptions) CreateSubscription(_ context.Context, url, databaseID string) (*notion.RemoteSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unsupported {
		return nil, notion.ErrSubscriptionsUnsupported
	}
	sub := &notion.RemoteSubscription{ID: uuid.NewString(), URL: url, DatabaseID: databaseID, State: "pending", CreatedAt: time.Now()}
	s.Remote[sub.ID] = sub
	c := *sub
	return &c, nil
}

func (s *Subscriptions) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unsupported {
		return notion.ErrSubscriptionsUnsupported
	}
	if _, ok := s.Remote[id]; !ok {
		return model.NewProviderError("notion", "delete subscription", 404, fmt.Errorf("%s not found", id))
	}
	delete(s.Remote, id)
	s.Deleted = append(s.Deleted, id)
	return nil
}

func (s *Subscriptions) ListSubscriptions(context.Context) ([]notion.RemoteSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unsupported {
		return nil, notion.ErrSubscriptionListUnsupport
	}
	var out []notion.RemoteSubscription
	for _, sub := range s.Remote {
		out = append(out, *sub)
	}
	return out, nil
}
