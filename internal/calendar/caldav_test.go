package calendar

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/model"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-1\r\n" +
	"DTSTAMP:20240601T000000Z\r\n" +
	"DTSTART;TZID=Europe/Berlin:20240603T110000\r\n" +
	"DTEND;TZID=Europe/Berlin:20240603T113000\r\n" +
	"SUMMARY:Standup\r\n" +
	"STATUS:TENTATIVE\r\n" +
	"X-NOTION-PAGE-ID:page-1\r\n" +
	"ATTENDEE;CN=Ann:mailto:ann@example.com\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT15M\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestEventFromICal(t *testing.T) {
	cal, err := parseICalendar(sampleICS)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	e, err := eventFromCalendar(cal)
	if err != nil {
		t.Fatalf("eventFromCalendar failed: %v", err)
	}

	if e.ID != "evt-1" || e.Title != "Standup" || e.Status != model.StatusTentative {
		t.Errorf("unexpected event: %+v", e)
	}
	want := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	if !e.Start.Equal(want) {
		t.Errorf("expected start %v, got %v", want, e.Start)
	}
	if e.StructuredStoreID != "page-1" {
		t.Errorf("expected link page-1, got %q", e.StructuredStoreID)
	}
	if len(e.Attendees) != 1 || e.Attendees[0].Email != "ann@example.com" || e.Attendees[0].Name != "Ann" {
		t.Errorf("unexpected attendees: %+v", e.Attendees)
	}
	if len(e.Reminders) != 1 || e.Reminders[0].Minutes != 15 {
		t.Errorf("unexpected reminders: %+v", e.Reminders)
	}
}

func TestICalRoundTrip(t *testing.T) {
	e := &model.Event{
		Title:             "Offsite",
		Description:       "All hands",
		Start:             time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		End:               time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC),
		AllDay:            true,
		Status:            model.StatusConfirmed,
		StructuredStoreID: "page-9",
	}

	cal := newICalendar("uid-9", e)
	data := encodeCalendar(cal)
	if !strings.Contains(data, "DTSTART;VALUE=DATE:20240603") {
		t.Errorf("expected all-day DTSTART, got:\n%s", data)
	}

	parsed, err := parseICalendar(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	got, err := eventFromCalendar(parsed)
	if err != nil {
		t.Fatalf("eventFromCalendar failed: %v", err)
	}
	if !got.AllDay || !got.End.Equal(e.End) || got.StructuredStoreID != "page-9" || got.ID != "uid-9" {
		t.Errorf("unexpected round trip: %+v", got)
	}
}

func TestApplyToICalOnlyNamedFields(t *testing.T) {
	cal, _ := parseICalendar(sampleICS)
	ev := masterEvent(cal)

	applyToICal(ev, &model.Event{Title: "Renamed", Status: model.StatusCancelled}, []string{mapping.FieldTitle})

	got, _ := eventFromICal(ev)
	if got.Title != "Renamed" {
		t.Errorf("expected title update, got %q", got.Title)
	}
	if got.Status != model.StatusTentative {
		t.Errorf("expected status untouched, got %s", got.Status)
	}
	if len(got.Reminders) != 1 {
		t.Errorf("expected alarms untouched, got %+v", got.Reminders)
	}
}

func TestTriggerMinutes(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"-PT15M", 15, true},
		{"-PT1H", 60, true},
		{"-P1D", 1440, true},
		{"-P1DT2H", 1560, true},
		{"-PT1H30M", 90, true},
		{"20240603T090000Z", 0, false},
		{"-PT", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := triggerMinutes(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("triggerMinutes(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseGMTOffset(t *testing.T) {
	tests := []struct {
		tzid   string
		offset int
		isNil  bool
	}{
		{"GMT-0400", -4 * 3600, false},
		{"GMT+0530", 5*3600 + 30*60, false},
		{"UTC+05:30", 5*3600 + 30*60, false},
		{"GMT", 0, false},
		{"GMT+123456", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.tzid, func(t *testing.T) {
			loc := parseGMTOffset(tt.tzid)
			if tt.isNil {
				if loc != nil {
					t.Errorf("expected nil location")
				}
				return
			}
			if loc == nil {
				t.Fatal("expected location")
			}
			_, off := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
			if off != tt.offset {
				t.Errorf("expected offset %d, got %d", tt.offset, off)
			}
		})
	}
}

func TestParseSyncResponse(t *testing.T) {
	body := `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/cal/evt-1.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"1"</D:getetag><C:calendar-data>BEGIN:VCALENDAR</C:calendar-data></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/evt-2.ics</D:href>
    <D:status>HTTP/1.1 404 Not Found</D:status>
  </D:response>
  <D:sync-token>http://example.com/sync/2</D:sync-token>
</D:multistatus>`

	res, err := parseSyncResponse([]byte(body))
	if err != nil {
		t.Fatalf("parseSyncResponse failed: %v", err)
	}
	if res.SyncToken != "http://example.com/sync/2" {
		t.Errorf("unexpected token %q", res.SyncToken)
	}
	if len(res.Changed) != 1 || res.Changed[0].Path != "/cal/evt-1.ics" {
		t.Errorf("unexpected changed: %+v", res.Changed)
	}
	if len(res.Deleted) != 1 || idFromPath(res.Deleted[0]) != "evt-2" {
		t.Errorf("unexpected deleted: %+v", res.Deleted)
	}
}

func TestClassifySyncFailure(t *testing.T) {
	if err := classifySyncFailure(http.StatusForbidden, []byte("<D:valid-sync-token/>")); !errors.Is(err, ErrInvalidSyncToken) {
		t.Errorf("expected ErrInvalidSyncToken, got %v", err)
	}
	if err := classifySyncFailure(http.StatusGone, nil); !errors.Is(err, ErrInvalidSyncToken) {
		t.Errorf("expected ErrInvalidSyncToken for 410, got %v", err)
	}
	if err := classifySyncFailure(http.StatusNotImplemented, nil); !errors.Is(err, ErrSyncUnsupported) {
		t.Errorf("expected ErrSyncUnsupported, got %v", err)
	}
	if err := classifySyncFailure(http.StatusInternalServerError, []byte("boom")); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestBuildSyncCollectionRequest(t *testing.T) {
	if !strings.Contains(buildSyncCollectionRequest(""), "<D:sync-token/>") {
		t.Error("expected empty sync token element")
	}
	req := buildSyncCollectionRequest("a&b")
	if !strings.Contains(req, "<D:sync-token>a&amp;b</D:sync-token>") {
		t.Errorf("expected escaped token, got %s", req)
	}
}

func TestCalDAVBuildURL(t *testing.T) {
	c, err := NewCalDAV(CalDAVConfig{URL: "https://dav.example.com/cal/user/home", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("NewCalDAV failed: %v", err)
	}
	if c.CalendarID() != "/cal/user/home/" {
		t.Errorf("unexpected calendar path %q", c.CalendarID())
	}
	if got := c.buildURL("/cal/user/home/"); got != "https://dav.example.com/cal/user/home/" {
		t.Errorf("unexpected URL %q", got)
	}
	if got := c.eventPath("evt 1"); got != "/cal/user/home/evt%201.ics" {
		t.Errorf("unexpected event path %q", got)
	}
}

func TestCalDAVWatchUnsupported(t *testing.T) {
	c, _ := NewCalDAV(CalDAVConfig{URL: "https://dav.example.com/cal/"})
	if _, err := c.Watch(context.Background(), "https://x"); !errors.Is(err, ErrWatchUnsupported) {
		t.Errorf("expected ErrWatchUnsupported, got %v", err)
	}
	res, err := StopIfExists(context.Background(), c, "ch", "res")
	if err != nil || res != model.DeleteAlreadyAbsent {
		t.Errorf("expected already absent, got %s %v", res, err)
	}
}

func TestMasterEventPrefersSeries(t *testing.T) {
	cal := ical.NewCalendar()
	inst := ical.NewEvent()
	inst.Props.SetText(ical.PropUID, "series")
	inst.Props.SetText(ical.PropRecurrenceID, "20240603T090000Z")
	master := ical.NewEvent()
	master.Props.SetText(ical.PropUID, "series")
	master.Props.SetText(ical.PropSummary, "Master")
	cal.Children = append(cal.Children, inst.Component, master.Component)

	ev := masterEvent(cal)
	if s, _ := ev.Props.Text(ical.PropSummary); s != "Master" {
		t.Errorf("expected master event, got %q", s)
	}
}
