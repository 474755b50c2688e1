package notion

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/model"
)

// Records is the structured-store collaborator used by the engines. It
// speaks canonical events; property encoding goes through the current
// field mapping.
type Records interface {
	Mapping() *mapping.Mapping
	// QueryAll returns every live record that decodes under the current mapping.
	QueryAll(ctx context.Context) ([]*model.Event, error)
	// Get returns a live record or ErrPageNotFound when it is missing or archived.
	Get(ctx context.Context, id string) (*model.Event, error)
	// FindByCalendarEventID returns the record linked to a calendar event or ErrPageNotFound.
	FindByCalendarEventID(ctx context.Context, eventID string) (*model.Event, error)
	Create(ctx context.Context, e *model.Event) (*model.Event, error)
	// Update writes the named canonical fields of e onto a record. A nil
	// fields slice writes every enabled field.
	Update(ctx context.Context, id string, e *model.Event, fields []string) (*model.Event, error)
	// SetLink writes only the calendar event id onto a record.
	SetLink(ctx context.Context, id, eventID string) error
	Archive(ctx context.Context, id string) error
}

// ArchiveIfExists archives a record, treating a missing one as success.
func ArchiveIfExists(ctx context.Context, r Records, id string) (model.DeleteResult, error) {
	err := r.Archive(ctx, id)
	switch {
	case err == nil:
		return model.DeleteDeleted, nil
	case errors.Is(err, ErrPageNotFound), errors.Is(err, ErrPageArchived):
		return model.DeleteAlreadyAbsent, nil
	default:
		return model.DeleteError, err
	}
}

// PageRecords adapts a Client to Records.
type PageRecords struct {
	client  *Client
	mapping *mapping.Holder
}

var _ Records = (*PageRecords)(nil)

// NewRecords creates a Records backed by the Notion API.
func NewRecords(client *Client, holder *mapping.Holder) *PageRecords {
	return &PageRecords{client: client, mapping: holder}
}

func (r *PageRecords) Mapping() *mapping.Mapping {
	return r.mapping.Get()
}

func (r *PageRecords) decode(m *mapping.Mapping, p *Page) (*model.Event, error) {
	e, err := m.FromProperties(p.ID, p.Properties)
	if err != nil {
		return nil, err
	}
	e.Updated = p.LastEditedTime
	return e, nil
}

func (r *PageRecords) QueryAll(ctx context.Context) ([]*model.Event, error) {
	return r.query(ctx, nil)
}

func (r *PageRecords) query(ctx context.Context, filter any) ([]*model.Event, error) {
	pages, err := r.client.QueryDatabase(ctx, filter)
	if err != nil {
		return nil, err
	}
	m := r.mapping.Get()
	events := make([]*model.Event, 0, len(pages))
	for _, p := range pages {
		e, err := r.decode(m, p)
		if err != nil {
			log.Printf("[Notion] Skipping page %s: %v", p.ID, err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (r *PageRecords) Get(ctx context.Context, id string) (*model.Event, error) {
	p, err := r.client.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Gone() {
		return nil, fmt.Errorf("%w: %s", ErrPageArchived, id)
	}
	if p.Parent.DatabaseID != "" && !SameID(p.Parent.DatabaseID, r.client.DatabaseID()) {
		return nil, fmt.Errorf("%w: %s belongs to another database", ErrPageNotFound, id)
	}
	return r.decode(r.mapping.Get(), p)
}

func (r *PageRecords) FindByCalendarEventID(ctx context.Context, eventID string) (*model.Event, error) {
	m := r.mapping.Get()
	cfg := m.Fields[mapping.FieldCalendarEventID]
	var filter any
	if cfg.Type == mapping.TypeRichText {
		filter = map[string]any{
			"property":  cfg.Name,
			"rich_text": map[string]string{"equals": eventID},
		}
	}
	events, err := r.query(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.CalendarEventID == eventID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: no record for event %s", ErrPageNotFound, eventID)
}

func (r *PageRecords) Create(ctx context.Context, e *model.Event) (*model.Event, error) {
	m := r.mapping.Get()
	props, err := m.ToProperties(e)
	if err != nil {
		return nil, err
	}
	p, err := r.client.CreatePage(ctx, props)
	if err != nil {
		return nil, err
	}
	return r.decode(m, p)
}

func (r *PageRecords) Update(ctx context.Context, id string, e *model.Event, fields []string) (*model.Event, error) {
	m := r.mapping.Get()
	props, err := m.PropertiesFor(e, fields)
	if err != nil {
		return nil, err
	}
	p, err := r.client.UpdatePage(ctx, id, props)
	if err != nil {
		return nil, err
	}
	return r.decode(m, p)
}

func (r *PageRecords) SetLink(ctx context.Context, id, eventID string) error {
	props, err := r.mapping.Get().LinkProperties(eventID)
	if err != nil {
		return err
	}
	_, err = r.client.UpdatePage(ctx, id, props)
	return err
}

func (r *PageRecords) Archive(ctx context.Context, id string) error {
	return r.client.ArchivePage(ctx, id)
}
