package calendar

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/macjediwizard/calnotionsync/internal/model"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	caldavProviderName = "caldav"
	defaultTimeout     = 30 * time.Second
	minTLSVersion      = tls.VersionTLS12
)

// CalDAVConfig points at a single calendar collection.
type CalDAVConfig struct {
	URL      string
	Username string
	Password string
}

// CalDAV is a poll-only calendar provider. The cursor is a WebDAV-Sync token
// and links are stored in an X-NOTION-PAGE-ID property.
type CalDAV struct {
	baseURL      string
	calendarPath string
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
}

var _ Provider = (*CalDAV)(nil)

// NewCalDAV creates a CalDAV provider for the collection at cfg.URL.
func NewCalDAV(cfg CalDAVConfig) (*CalDAV, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: calendar URL is required", ErrNotConfigured)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid calendar URL", ErrNotConfigured)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password),
		cfg.URL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	calendarPath := u.Path
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}

	return &CalDAV{
		baseURL:      strings.TrimSuffix(cfg.URL, "/"),
		calendarPath: calendarPath,
		username:     cfg.Username,
		password:     cfg.Password,
		httpClient:   httpClient,
		caldavClient: caldavClient,
	}, nil
}

func (c *CalDAV) Name() string       { return caldavProviderName }
func (c *CalDAV) CalendarID() string { return c.calendarPath }

// TestConnection checks that the server answers as the configured user.
func (c *CalDAV) TestConnection(ctx context.Context) error {
	if _, err := c.caldavClient.FindCurrentUserPrincipal(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (c *CalDAV) wrap(op string, err error) error {
	status := 0
	msg := err.Error()
	switch {
	case strings.Contains(msg, "404"):
		status = http.StatusNotFound
	case strings.Contains(msg, "401"):
		status = http.StatusUnauthorized
	case strings.Contains(msg, "403"):
		status = http.StatusForbidden
	case strings.Contains(msg, "412"):
		status = http.StatusPreconditionFailed
	}
	return model.NewProviderError(caldavProviderName, op, status, err)
}

// eventPath returns the object path for an event id.
func (c *CalDAV) eventPath(id string) string {
	return c.calendarPath + url.PathEscape(id) + ".ics"
}

// idFromPath recovers the event id from an object href.
func idFromPath(href string) string {
	base := path.Base(href)
	if decoded, err := url.PathUnescape(base); err == nil {
		base = decoded
	}
	return strings.TrimSuffix(base, ".ics")
}

// buildURL constructs the full URL for an absolute or relative path.
func (c *CalDAV) buildURL(p string) string {
	if p == "" {
		return c.baseURL
	}
	if strings.HasPrefix(p, "/") {
		if idx := strings.Index(c.baseURL, "://"); idx != -1 {
			rest := c.baseURL[idx+3:]
			if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
				return c.baseURL[:idx+3] + rest[:slashIdx] + p
			}
		}
		return c.baseURL + p
	}
	return c.baseURL + "/" + p
}

func (c *CalDAV) ListChangesSince(ctx context.Context, cursor string) (*Changes, error) {
	res, err := c.SyncCollection(ctx, c.calendarPath, cursor)
	if err != nil {
		if cursor != "" && errors.Is(err, ErrInvalidSyncToken) {
			return &Changes{CursorInvalid: true}, nil
		}
		return nil, c.wrap("sync collection", err)
	}

	out := &Changes{NextCursor: res.SyncToken}
	for _, item := range res.Changed {
		data := item.Data
		if data == "" {
			obj, err := c.caldavClient.GetCalendarObject(ctx, item.Path)
			if err != nil {
				return nil, c.wrap("get changed object", err)
			}
			data = encodeCalendar(obj.Data)
		}
		cal, err := parseICalendar(data)
		if err != nil {
			// One corrupt object must not stall the cursor.
			continue
		}
		e, err := eventFromCalendar(cal)
		if err != nil {
			continue
		}
		out.Events = append(out.Events, e)
	}
	for _, href := range res.Deleted {
		id := idFromPath(href)
		out.Events = append(out.Events, &model.Event{ID: id, CalendarEventID: id, Status: model.StatusCancelled})
	}
	return out, nil
}

func (c *CalDAV) ListChangesInWindow(ctx context.Context, since, until time.Time) ([]*model.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: since.UTC(),
				End:   until.UTC(),
			}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, c.wrap("query window", err)
	}
	return objectsToEvents(objects), nil
}

func objectsToEvents(objects []caldav.CalendarObject) []*model.Event {
	events := make([]*model.Event, 0, len(objects))
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		e, err := eventFromCalendar(obj.Data)
		if err != nil {
			continue
		}
		events = append(events, e)
	}
	return events
}

func (c *CalDAV) Watch(ctx context.Context, callbackURL string) (*Channel, error) {
	return nil, ErrWatchUnsupported
}

func (c *CalDAV) StopWatch(ctx context.Context, channelID, resourceID string) error {
	return ErrWatchUnsupported
}

func (c *CalDAV) getObject(ctx context.Context, id string) (*caldav.CalendarObject, error) {
	obj, err := c.caldavClient.GetCalendarObject(ctx, c.eventPath(id))
	if err != nil {
		wrapped := c.wrap("get event", err)
		if model.IsNotFound(wrapped) {
			return nil, fmt.Errorf("%w: %s: %w", ErrEventNotFound, id, wrapped)
		}
		if IsMalformedError(err) {
			return nil, fmt.Errorf("%w: %s", ErrMalformedContent, id)
		}
		return nil, wrapped
	}
	if obj.Data == nil {
		return nil, fmt.Errorf("%w: %s: empty calendar data", ErrMalformedContent, id)
	}
	return obj, nil
}

func (c *CalDAV) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	obj, err := c.getObject(ctx, id)
	if err != nil {
		return nil, err
	}
	return eventFromCalendar(obj.Data)
}

func (c *CalDAV) GetEventByForeignKey(ctx context.Context, storeID string) (*model.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{Name: "VCALENDAR", AllProps: true, AllComps: true},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name: "VEVENT",
				Props: []caldav.PropFilter{{
					Name:      propNotionPageID,
					TextMatch: &caldav.TextMatch{Text: storeID},
				}},
			}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, c.wrap("find linked event", err)
	}
	for _, e := range objectsToEvents(objects) {
		if e.StructuredStoreID == storeID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: linked to %s", ErrEventNotFound, storeID)
}

func (c *CalDAV) put(ctx context.Context, id string, cal *ical.Calendar) (*model.Event, error) {
	if _, err := c.caldavClient.PutCalendarObject(ctx, c.eventPath(id), cal); err != nil {
		return nil, c.wrap("put event", err)
	}
	return eventFromCalendar(cal)
}

func (c *CalDAV) CreateEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	id := uuid.New().String()
	return c.put(ctx, id, newICalendar(id, e))
}

func (c *CalDAV) UpdateEvent(ctx context.Context, e *model.Event, fields []string) (*model.Event, error) {
	obj, err := c.getObject(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	ev := masterEvent(obj.Data)
	if ev == nil {
		return nil, fmt.Errorf("%w: %s: no VEVENT", ErrMalformedContent, e.ID)
	}
	applyToICal(ev, e, fields)
	return c.put(ctx, e.ID, obj.Data)
}

func (c *CalDAV) SetLink(ctx context.Context, eventID, storeID string) error {
	obj, err := c.getObject(ctx, eventID)
	if err != nil {
		return err
	}
	ev := masterEvent(obj.Data)
	if ev == nil {
		return fmt.Errorf("%w: %s: no VEVENT", ErrMalformedContent, eventID)
	}
	ev.Props.SetText(propNotionPageID, storeID)
	_, err = c.put(ctx, eventID, obj.Data)
	return err
}

func (c *CalDAV) DeleteEvent(ctx context.Context, id string) error {
	if err := c.caldavClient.RemoveAll(ctx, c.eventPath(id)); err != nil {
		wrapped := c.wrap("delete event", err)
		if model.IsNotFound(wrapped) {
			return fmt.Errorf("%w: %s: %w", ErrEventNotFound, id, wrapped)
		}
		return wrapped
	}
	return nil
}

// IsMalformedError checks if an error is a malformed content error.
func IsMalformedError(err error) bool {
	if errors.Is(err, ErrMalformedContent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "missing colon") ||
		(strings.Contains(errStr, "invalid") && strings.Contains(errStr, "ical"))
}

// parseICalendar parses iCalendar data string into a calendar object.
func parseICalendar(data string) (*ical.Calendar, error) {
	return ical.NewDecoder(strings.NewReader(data)).Decode()
}

// encodeCalendar encodes a calendar object to iCalendar string.
func encodeCalendar(cal *ical.Calendar) string {
	if cal == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}
