package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/model"
)

const (
	propNotionPageID = "X-NOTION-PAGE-ID"
	productID        = "-//calnotionsync//EN"
	icalDateLayout   = "20060102"
	icalTimeLayout   = "20060102T150405"
)

// masterEvent returns the series master (or only) VEVENT of a calendar object.
func masterEvent(cal *ical.Calendar) *ical.Event {
	events := cal.Events()
	for i := range events {
		if events[i].Props.Get(ical.PropRecurrenceID) == nil {
			return &events[i]
		}
	}
	if len(events) > 0 {
		return &events[0]
	}
	return nil
}

func eventFromCalendar(cal *ical.Calendar) (*model.Event, error) {
	ev := masterEvent(cal)
	if ev == nil {
		return nil, fmt.Errorf("%w: no VEVENT", ErrMalformedContent)
	}
	return eventFromICal(ev)
}

func propText(ev *ical.Event, name string) string {
	v, err := ev.Props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

func eventFromICal(ev *ical.Event) (*model.Event, error) {
	uid := propText(ev, ical.PropUID)
	if uid == "" {
		return nil, fmt.Errorf("%w: VEVENT without UID", ErrMalformedContent)
	}

	e := &model.Event{
		ID:                uid,
		CalendarEventID:   uid,
		Title:             propText(ev, ical.PropSummary),
		Description:       propText(ev, ical.PropDescription),
		Location:          propText(ev, ical.PropLocation),
		Status:            model.EventStatus(strings.ToLower(propText(ev, ical.PropStatus))),
		ConferenceLink:    propText(ev, ical.PropURL),
		Color:             propText(ev, ical.PropColor),
		Visibility:        strings.ToLower(propText(ev, ical.PropClass)),
		StructuredStoreID: propText(ev, propNotionPageID),
	}
	if !e.Status.IsValid() {
		e.Status = model.StatusConfirmed
	}

	start, allDay, err := propTime(ev.Props.Get(ical.PropDateTimeStart))
	if err != nil {
		return nil, fmt.Errorf("%w: DTSTART: %w", ErrMalformedContent, err)
	}
	e.Start, e.AllDay = start, allDay

	end, _, err := propTime(ev.Props.Get(ical.PropDateTimeEnd))
	switch {
	case err == nil && !end.IsZero():
		e.End = end
	case allDay:
		e.End = start.AddDate(0, 0, 1)
	default:
		e.End = start
	}

	if rrule := ev.Props.Get(ical.PropRecurrenceRule); rrule != nil {
		e.Recurrence = []string{"RRULE:" + rrule.Value}
	}
	if ev.Props.Get(ical.PropRecurrenceID) != nil {
		e.RecurringEventID = uid
	}
	if org := ev.Props.Get(ical.PropOrganizer); org != nil {
		e.Organizer = trimMailto(org.Value)
	}
	for _, a := range ev.Props.Values(ical.PropAttendee) {
		e.Attendees = append(e.Attendees, model.Attendee{
			Email:          trimMailto(a.Value),
			Name:           a.Params.Get(ical.ParamCommonName),
			ResponseStatus: strings.ToLower(a.Params.Get(ical.ParamParticipationStatus)),
		})
	}
	for _, child := range ev.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		trigger := child.Props.Get(ical.PropTrigger)
		if trigger == nil {
			continue
		}
		if minutes, ok := triggerMinutes(trigger.Value); ok {
			method := strings.ToLower(propTextComp(child, ical.PropAction))
			if method == "display" || method == "" {
				method = "popup"
			}
			e.Reminders = append(e.Reminders, model.Reminder{Method: method, Minutes: minutes})
		}
	}
	if lm := ev.Props.Get(ical.PropLastModified); lm != nil {
		if t, err := lm.DateTime(time.UTC); err == nil {
			e.Updated = t
		}
	}
	return e, nil
}

func propTextComp(c *ical.Component, name string) string {
	v, err := c.Props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

func trimMailto(v string) string {
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

// triggerMinutes parses a relative alarm trigger such as -PT15M, -PT1H or -P1D.
func triggerMinutes(v string) (int, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "-")
	if !strings.HasPrefix(v, "P") {
		return 0, false
	}
	v = v[1:]
	total := 0
	inTime := false
	num := ""
	for _, r := range v {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, false
			}
			num = ""
			switch {
			case r == 'W':
				total += n * 7 * 24 * 60
			case r == 'D':
				total += n * 24 * 60
			case r == 'H' && inTime:
				total += n * 60
			case r == 'M' && inTime:
				total += n
			case r == 'S' && inTime:
				total += n / 60
			default:
				return 0, false
			}
		}
	}
	return total, num == ""
}

// propTime parses a DTSTART/DTEND property. DATE values are all-day.
// TZIDs that are not IANA names fall back to GMT offset parsing.
func propTime(p *ical.Prop) (time.Time, bool, error) {
	if p == nil {
		return time.Time{}, false, nil
	}
	value := p.Value

	if p.Params.Get(ical.ParamValue) == "DATE" || len(value) == len(icalDateLayout) {
		t, err := time.Parse(icalDateLayout, value)
		return t, true, err
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(icalTimeLayout+"Z", value)
		return t, false, err
	}

	if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = parseGMTOffset(tzid)
		}
		if loc != nil {
			t, err := time.ParseInLocation(icalTimeLayout, value, loc)
			return t, false, err
		}
	}

	t, err := p.DateTime(time.UTC)
	return t, false, err
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	switch len(offset) {
	case 1, 2:
		fmt.Sscanf(offset, "%d", &hours)
	case 3:
		fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

func setTimeProp(ev *ical.Event, name string, t time.Time, allDay bool) {
	p := ical.NewProp(name)
	if allDay {
		p.Params.Set(ical.ParamValue, "DATE")
		p.Value = t.Format(icalDateLayout)
	} else {
		p.Value = t.UTC().Format(icalTimeLayout) + "Z"
	}
	ev.Props.Set(p)
}

func setOrDelete(ev *ical.Event, name, value string) {
	if value == "" {
		ev.Props.Del(name)
		return
	}
	ev.Props.SetText(name, value)
}

// newICalendar builds a calendar object holding a single event.
func newICalendar(uid string, e *model.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	applyToICal(ev, e, nil)
	cal.Children = append(cal.Children, ev.Component)
	return cal
}

// applyToICal writes the named canonical fields onto a VEVENT. A nil fields
// slice writes every field.
func applyToICal(ev *ical.Event, e *model.Event, fields []string) {
	all := fields == nil
	include := func(name string) bool { return all || hasField(fields, name) }

	setTimeProp(ev, ical.PropDateTimeStamp, time.Now(), false)

	if include(mapping.FieldTitle) {
		setOrDelete(ev, ical.PropSummary, e.Title)
	}
	if include(mapping.FieldDescription) {
		setOrDelete(ev, ical.PropDescription, e.Description)
	}
	if include(mapping.FieldLocation) {
		setOrDelete(ev, ical.PropLocation, e.Location)
	}
	if include(mapping.FieldDate) && !e.Start.IsZero() {
		end := e.End
		if end.IsZero() || end.Before(e.Start) {
			end = e.Start
		}
		setTimeProp(ev, ical.PropDateTimeStart, e.Start, e.AllDay)
		setTimeProp(ev, ical.PropDateTimeEnd, end, e.AllDay)
	}
	if include(mapping.FieldStatus) && e.Status.IsValid() {
		ev.Props.SetText(ical.PropStatus, strings.ToUpper(string(e.Status)))
	}
	if include(mapping.FieldConferenceLink) {
		setOrDelete(ev, ical.PropURL, e.ConferenceLink)
	}
	if include(mapping.FieldColor) {
		setOrDelete(ev, ical.PropColor, e.Color)
	}
	if include(mapping.FieldVisibility) {
		setOrDelete(ev, ical.PropClass, strings.ToUpper(e.Visibility))
	}
	if include(mapping.FieldOrganizer) {
		setOrDelete(ev, ical.PropOrganizer, mailto(e.Organizer))
	}
	if include(mapping.FieldAttendees) {
		ev.Props.Del(ical.PropAttendee)
		for _, a := range e.Attendees {
			p := ical.NewProp(ical.PropAttendee)
			p.Value = mailto(a.Email)
			if a.Name != "" {
				p.Params.Set(ical.ParamCommonName, a.Name)
			}
			ev.Props.Add(p)
		}
	}
	if include(mapping.FieldRecurrence) {
		ev.Props.Del(ical.PropRecurrenceRule)
		for _, r := range e.Recurrence {
			if rule, ok := strings.CutPrefix(r, "RRULE:"); ok {
				p := ical.NewProp(ical.PropRecurrenceRule)
				p.Value = rule
				ev.Props.Set(p)
			}
		}
	}
	if include(mapping.FieldReminders) {
		kept := ev.Children[:0]
		for _, child := range ev.Children {
			if child.Name != ical.CompAlarm {
				kept = append(kept, child)
			}
		}
		ev.Children = kept
		for _, r := range e.Reminders {
			alarm := ical.NewComponent(ical.CompAlarm)
			alarm.Props.SetText(ical.PropAction, "DISPLAY")
			alarm.Props.SetText(ical.PropDescription, "Reminder")
			trigger := ical.NewProp(ical.PropTrigger)
			trigger.Value = fmt.Sprintf("-PT%dM", r.Minutes)
			alarm.Props.Set(trigger)
			ev.Children = append(ev.Children, alarm)
		}
	}
	if e.StructuredStoreID != "" {
		ev.Props.SetText(propNotionPageID, e.StructuredStoreID)
	}
}

func mailto(email string) string {
	if email == "" {
		return ""
	}
	return "mailto:" + email
}
