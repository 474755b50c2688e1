package model

import (
	"time"
)

// EventStatus represents the lifecycle status of a calendar event.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// ValidEventStatuses contains all valid event status values.
var ValidEventStatuses = map[EventStatus]bool{
	StatusConfirmed: true,
	StatusTentative: true,
	StatusCancelled: true,
}

// IsValid returns true if the status is a known valid value.
func (s EventStatus) IsValid() bool {
	return ValidEventStatuses[s]
}

// Reminder is a single event reminder override.
type Reminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// Attendee is an event participant.
type Attendee struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
}

// Event is the provider-agnostic record translated between the calendar and the
// structured store. Empty strings and nil slices mean "absent".
type Event struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Start            time.Time   `json:"start"`
	End              time.Time   `json:"end"`
	AllDay           bool        `json:"all_day,omitempty"`
	Location         string      `json:"location,omitempty"`
	Status           EventStatus `json:"status,omitempty"`
	Reminders        []Reminder  `json:"reminders,omitempty"`
	Attendees        []Attendee  `json:"attendees,omitempty"`
	Organizer        string      `json:"organizer,omitempty"`
	ConferenceLink   string      `json:"conference_link,omitempty"`
	Recurrence       []string    `json:"recurrence,omitempty"`
	RecurringEventID string      `json:"recurring_event_id,omitempty"`
	Color            string      `json:"color,omitempty"`
	Visibility       string      `json:"visibility,omitempty"`

	// StructuredStoreID links a calendar event to its structured-store record.
	StructuredStoreID string `json:"structured_store_id,omitempty"`
	// CalendarEventID links a structured-store record back to its calendar event.
	CalendarEventID string `json:"calendar_event_id,omitempty"`

	Updated time.Time `json:"updated,omitempty"`
}

// IsCancelled returns true if the event was cancelled or deleted upstream.
func (e *Event) IsCancelled() bool {
	return e.Status == StatusCancelled
}

// IsRecurringInstance returns true if the event is an expanded instance of a recurring series.
func (e *Event) IsRecurringInstance() bool {
	return e.RecurringEventID != ""
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Reminders != nil {
		c.Reminders = append([]Reminder(nil), e.Reminders...)
	}
	if e.Attendees != nil {
		c.Attendees = append([]Attendee(nil), e.Attendees...)
	}
	if e.Recurrence != nil {
		c.Recurrence = append([]string(nil), e.Recurrence...)
	}
	return &c
}

// SyncState is the incremental fetch cursor for the calendar provider.
type SyncState struct {
	SyncToken string    `json:"sync_token,omitempty"`
	LastSync  time.Time `json:"last_sync"`
}

// DeleteResult is the outcome of a delete against a resource that may already be gone.
type DeleteResult string

const (
	DeleteDeleted       DeleteResult = "deleted"
	DeleteAlreadyAbsent DeleteResult = "already_absent"
	DeleteError         DeleteResult = "error"
)
