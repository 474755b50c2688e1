package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/model"
)

const (
	googleProviderName = "google"
	// googleLinkProperty is the private extended property holding the linked page id.
	googleLinkProperty = "notionPageId"
	googlePageSize     = 250
	dateLayout         = "2006-01-02"
)

// GoogleConfig holds the OAuth client and calendar settings.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	CalendarID   string

	// TokenURL and APIEndpoint override Google's endpoints when set.
	TokenURL    string
	APIEndpoint string
}

// Google is the Google Calendar provider.
type Google struct {
	svc        *gcal.Service
	calendarID string
}

var _ Provider = (*Google)(nil)

// NewGoogle creates a provider that authenticates with a stored refresh token.
// Token refreshes keep ctx's values (such as an oauth2.HTTPClient) but not its
// cancellation, so a startup deadline does not end the provider's lifetime.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("%w: google client id, secret and refresh token are required", ErrNotConfigured)
	}

	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{gcal.CalendarEventsScope},
	}
	lifetime := context.WithoutCancel(ctx)
	ts := oauthCfg.TokenSource(lifetime, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if cfg.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.APIEndpoint))
	}
	svc, err := gcal.NewService(lifetime, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewGoogleWithService(svc, cfg.CalendarID), nil
}

// NewGoogleWithService wraps an existing calendar service.
func NewGoogleWithService(svc *gcal.Service, calendarID string) *Google {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Google{svc: svc, calendarID: calendarID}
}

func (g *Google) Name() string       { return googleProviderName }
func (g *Google) CalendarID() string { return g.calendarID }

func (g *Google) wrap(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return model.NewProviderError(googleProviderName, op, gerr.Code, err)
	}
	return model.NewProviderError(googleProviderName, op, 0, err)
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusGone
}

func (g *Google) ListChangesSince(ctx context.Context, cursor string) (*Changes, error) {
	call := g.svc.Events.List(g.calendarID).ShowDeleted(true).MaxResults(googlePageSize)
	if cursor != "" {
		call = call.SyncToken(cursor)
	}

	out := &Changes{}
	for {
		res, err := call.Context(ctx).Do()
		if err != nil {
			if cursor != "" && isGone(err) {
				return &Changes{CursorInvalid: true}, nil
			}
			return nil, g.wrap("list changes", err)
		}
		for _, item := range res.Items {
			out.Events = append(out.Events, fromGoogle(item))
		}
		if res.NextPageToken == "" {
			out.NextCursor = res.NextSyncToken
			return out, nil
		}
		call = call.PageToken(res.NextPageToken)
	}
}

func (g *Google) ListChangesInWindow(ctx context.Context, since, until time.Time) ([]*model.Event, error) {
	call := g.svc.Events.List(g.calendarID).
		TimeMin(since.UTC().Format(time.RFC3339)).
		TimeMax(until.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(googlePageSize)

	var events []*model.Event
	for {
		res, err := call.Context(ctx).Do()
		if err != nil {
			return nil, g.wrap("list window", err)
		}
		for _, item := range res.Items {
			events = append(events, fromGoogle(item))
		}
		if res.NextPageToken == "" {
			return events, nil
		}
		call = call.PageToken(res.NextPageToken)
	}
}

func (g *Google) Watch(ctx context.Context, url string) (*Channel, error) {
	req := &gcal.Channel{
		Id:      uuid.New().String(),
		Type:    "web_hook",
		Address: url,
	}
	res, err := g.svc.Events.Watch(g.calendarID, req).Context(ctx).Do()
	if err != nil {
		return nil, g.wrap("watch", err)
	}
	return &Channel{ChannelID: res.Id, ResourceID: res.ResourceId, Expiration: res.Expiration}, nil
}

func (g *Google) StopWatch(ctx context.Context, channelID, resourceID string) error {
	err := g.svc.Channels.Stop(&gcal.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		return g.wrap("stop channel", err)
	}
	return nil
}

func (g *Google) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	item, err := g.svc.Events.Get(g.calendarID, id).Context(ctx).Do()
	if err != nil {
		wrapped := g.wrap("get event", err)
		if model.IsNotFound(wrapped) {
			return nil, fmt.Errorf("%w: %s: %w", ErrEventNotFound, id, wrapped)
		}
		return nil, wrapped
	}
	return fromGoogle(item), nil
}

func (g *Google) GetEventByForeignKey(ctx context.Context, storeID string) (*model.Event, error) {
	res, err := g.svc.Events.List(g.calendarID).
		PrivateExtendedProperty(googleLinkProperty + "=" + storeID).
		ShowDeleted(false).
		MaxResults(10).
		Context(ctx).Do()
	if err != nil {
		return nil, g.wrap("find linked event", err)
	}
	for _, item := range res.Items {
		// Expanded instances of a linked series carry the property too; prefer the series itself.
		if item.RecurringEventId == "" {
			return fromGoogle(item), nil
		}
	}
	if len(res.Items) > 0 {
		return fromGoogle(res.Items[0]), nil
	}
	return nil, fmt.Errorf("%w: linked to %s", ErrEventNotFound, storeID)
}

func (g *Google) CreateEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	item, err := g.svc.Events.Insert(g.calendarID, toGoogle(e, nil)).Context(ctx).Do()
	if err != nil {
		return nil, g.wrap("create event", err)
	}
	return fromGoogle(item), nil
}

func (g *Google) UpdateEvent(ctx context.Context, e *model.Event, fields []string) (*model.Event, error) {
	item, err := g.svc.Events.Patch(g.calendarID, e.ID, toGoogle(e, fields)).Context(ctx).Do()
	if err != nil {
		return nil, g.wrap("update event", err)
	}
	return fromGoogle(item), nil
}

func (g *Google) SetLink(ctx context.Context, eventID, storeID string) error {
	patch := &gcal.Event{
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{googleLinkProperty: storeID},
		},
	}
	if _, err := g.svc.Events.Patch(g.calendarID, eventID, patch).Context(ctx).Do(); err != nil {
		return g.wrap("set link", err)
	}
	return nil
}

func (g *Google) DeleteEvent(ctx context.Context, id string) error {
	if err := g.svc.Events.Delete(g.calendarID, id).Context(ctx).Do(); err != nil {
		wrapped := g.wrap("delete event", err)
		if model.IsNotFound(wrapped) {
			return fmt.Errorf("%w: %s: %w", ErrEventNotFound, id, wrapped)
		}
		return wrapped
	}
	return nil
}

func parseEventTime(dt *gcal.EventDateTime) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err == nil {
			return t, false
		}
	}
	if dt.Date != "" {
		t, err := time.Parse(dateLayout, dt.Date)
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toEventTime(t time.Time, allDay bool) *gcal.EventDateTime {
	if allDay {
		return &gcal.EventDateTime{Date: t.Format(dateLayout), NullFields: []string{"DateTime"}}
	}
	return &gcal.EventDateTime{DateTime: t.Format(time.RFC3339), NullFields: []string{"Date"}}
}

func fromGoogle(item *gcal.Event) *model.Event {
	e := &model.Event{
		ID:               item.Id,
		CalendarEventID:  item.Id,
		Title:            item.Summary,
		Description:      item.Description,
		Location:         item.Location,
		Status:           model.EventStatus(item.Status),
		Recurrence:       item.Recurrence,
		RecurringEventID: item.RecurringEventId,
		Color:            item.ColorId,
		Visibility:       item.Visibility,
		ConferenceLink:   item.HangoutLink,
	}
	if !e.Status.IsValid() {
		e.Status = model.StatusConfirmed
	}

	e.Start, e.AllDay = parseEventTime(item.Start)
	e.End, _ = parseEventTime(item.End)
	if e.End.IsZero() {
		e.End = e.Start
	}

	if item.Reminders != nil {
		for _, o := range item.Reminders.Overrides {
			e.Reminders = append(e.Reminders, model.Reminder{Method: o.Method, Minutes: int(o.Minutes)})
		}
	}
	for _, a := range item.Attendees {
		e.Attendees = append(e.Attendees, model.Attendee{Email: a.Email, Name: a.DisplayName, ResponseStatus: a.ResponseStatus})
	}
	if item.Organizer != nil {
		e.Organizer = item.Organizer.Email
	}
	if e.ConferenceLink == "" && item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				e.ConferenceLink = ep.Uri
				break
			}
		}
	}
	if item.ExtendedProperties != nil {
		e.StructuredStoreID = item.ExtendedProperties.Private[googleLinkProperty]
	}
	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			e.Updated = t
		}
	}
	return e
}

// toGoogle builds an insert or patch body. A nil fields slice includes every field.
// Organizer and conference link are read-only on this provider.
func toGoogle(e *model.Event, fields []string) *gcal.Event {
	all := fields == nil
	include := func(name string) bool { return all || hasField(fields, name) }
	ev := &gcal.Event{}

	if include(mapping.FieldTitle) {
		ev.Summary = e.Title
	}
	if include(mapping.FieldDescription) {
		ev.Description = e.Description
		if e.Description == "" && !all {
			ev.NullFields = append(ev.NullFields, "Description")
		}
	}
	if include(mapping.FieldLocation) {
		ev.Location = e.Location
		if e.Location == "" && !all {
			ev.NullFields = append(ev.NullFields, "Location")
		}
	}
	if include(mapping.FieldDate) && !e.Start.IsZero() {
		end := e.End
		if end.IsZero() || end.Before(e.Start) {
			end = e.Start
		}
		ev.Start = toEventTime(e.Start, e.AllDay)
		ev.End = toEventTime(end, e.AllDay)
	}
	if include(mapping.FieldStatus) && e.Status != "" && e.Status != model.StatusCancelled {
		ev.Status = string(e.Status)
	}
	if include(mapping.FieldReminders) {
		if len(e.Reminders) > 0 {
			rem := &gcal.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}}
			for _, r := range e.Reminders {
				method := r.Method
				if method == "" {
					method = "popup"
				}
				rem.Overrides = append(rem.Overrides, &gcal.EventReminder{Method: method, Minutes: int64(r.Minutes), ForceSendFields: []string{"Minutes"}})
			}
			ev.Reminders = rem
		} else if !all {
			ev.Reminders = &gcal.EventReminders{UseDefault: true}
		}
	}
	if include(mapping.FieldAttendees) && (len(e.Attendees) > 0 || !all) {
		ev.Attendees = []*gcal.EventAttendee{}
		for _, a := range e.Attendees {
			ev.Attendees = append(ev.Attendees, &gcal.EventAttendee{Email: a.Email, DisplayName: a.Name})
		}
		ev.ForceSendFields = append(ev.ForceSendFields, "Attendees")
	}
	if include(mapping.FieldRecurrence) && len(e.Recurrence) > 0 && e.RecurringEventID == "" {
		ev.Recurrence = e.Recurrence
	}
	if include(mapping.FieldColor) {
		ev.ColorId = e.Color
	}
	if include(mapping.FieldVisibility) {
		ev.Visibility = e.Visibility
	}
	if e.StructuredStoreID != "" {
		ev.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{googleLinkProperty: e.StructuredStoreID},
		}
	}
	return ev
}
