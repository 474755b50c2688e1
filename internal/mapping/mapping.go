package mapping

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/model"
)

// Canonical field names.
const (
	FieldTitle           = "title"
	FieldDate            = "date"
	FieldDescription     = "description"
	FieldLocation        = "location"
	FieldStatus          = "status"
	FieldReminders       = "reminders"
	FieldAttendees       = "attendees"
	FieldOrganizer       = "organizer"
	FieldConferenceLink  = "conference_link"
	FieldRecurrence      = "recurrence"
	FieldColor           = "color"
	FieldVisibility      = "visibility"
	FieldCalendarEventID = "calendar_event_id"
)

// FieldConfig binds a canonical field to a structured-store property.
type FieldConfig struct {
	Enabled  bool         `json:"enabled" yaml:"enabled" toml:"enabled"`
	Name     string       `json:"name" yaml:"name" toml:"name"`
	Type     PropertyType `json:"type" yaml:"type" toml:"type"`
	Required bool         `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
}

// Mapping is the full field configuration keyed by canonical field name.
type Mapping struct {
	Fields map[string]FieldConfig `json:"fields" yaml:"fields" toml:"fields"`
}

type accessor struct {
	get     func(e *model.Event) Value
	set     func(e *model.Event, v Value)
	allowed []PropertyType
	link    bool
}

var textTypes = []PropertyType{TypeTitle, TypeRichText, TypeSelect, TypeStatus, TypeURL, TypeEmail, TypePhone}

func textField(get func(e *model.Event) *string, allowed ...PropertyType) accessor {
	if len(allowed) == 0 {
		allowed = textTypes
	}
	return accessor{
		get:     func(e *model.Event) Value { return Value{Text: *get(e)} },
		set:     func(e *model.Event, v Value) { *get(e) = v.Text },
		allowed: allowed,
	}
}

func listField(get func(e *model.Event) *[]string) accessor {
	return accessor{
		get: func(e *model.Event) Value {
			l := *get(e)
			return Value{List: l, Text: strings.Join(l, "\n")}
		},
		set: func(e *model.Event, v Value) {
			if v.List != nil {
				*get(e) = v.List
				return
			}
			*get(e) = splitLines(v.Text)
		},
		allowed: []PropertyType{TypeMultiSelect, TypeRichText},
	}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ',' }) {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// accessors is the canonical field table. Field order is irrelevant.
var accessors = map[string]accessor{
	FieldTitle:          textField(func(e *model.Event) *string { return &e.Title }, TypeTitle, TypeRichText),
	FieldDescription:    textField(func(e *model.Event) *string { return &e.Description }, TypeRichText, TypeTitle),
	FieldLocation:       textField(func(e *model.Event) *string { return &e.Location }),
	FieldOrganizer:      textField(func(e *model.Event) *string { return &e.Organizer }),
	FieldConferenceLink: textField(func(e *model.Event) *string { return &e.ConferenceLink }),
	FieldColor:          textField(func(e *model.Event) *string { return &e.Color }),
	FieldVisibility:     textField(func(e *model.Event) *string { return &e.Visibility }),
	FieldCalendarEventID: func() accessor {
		a := textField(func(e *model.Event) *string { return &e.CalendarEventID }, TypeRichText, TypeURL)
		a.link = true
		return a
	}(),
	FieldStatus: {
		get: func(e *model.Event) Value { return Value{Text: string(e.Status)} },
		set: func(e *model.Event, v Value) {
			if s := model.EventStatus(strings.ToLower(v.Text)); s.IsValid() {
				e.Status = s
			}
		},
		allowed: []PropertyType{TypeSelect, TypeStatus, TypeRichText},
	},
	FieldDate: {
		get: func(e *model.Event) Value {
			return Value{Start: e.Start, End: e.End, AllDay: e.AllDay}
		},
		set: func(e *model.Event, v Value) {
			e.Start, e.End, e.AllDay = v.Start, v.End, v.AllDay
			if e.End.IsZero() || e.End.Before(e.Start) {
				e.End = e.Start
			}
		},
		allowed: []PropertyType{TypeDate},
	},
	FieldReminders: {
		get: func(e *model.Event) Value {
			if len(e.Reminders) == 0 {
				return Value{}
			}
			n := float64(e.Reminders[0].Minutes)
			return Value{Number: &n, Text: strconv.Itoa(e.Reminders[0].Minutes)}
		},
		set: func(e *model.Event, v Value) {
			e.Reminders = nil
			minutes := -1
			if v.Number != nil {
				minutes = int(*v.Number)
			} else if n, err := strconv.Atoi(strings.TrimSpace(v.Text)); err == nil {
				minutes = n
			}
			if minutes >= 0 {
				e.Reminders = []model.Reminder{{Method: "popup", Minutes: minutes}}
			}
		},
		allowed: []PropertyType{TypeNumber, TypeRichText},
	},
	FieldAttendees: {
		get: func(e *model.Event) Value {
			var emails []string
			for _, a := range e.Attendees {
				emails = append(emails, a.Email)
			}
			return Value{List: emails, Text: strings.Join(emails, "\n")}
		},
		set: func(e *model.Event, v Value) {
			emails := v.List
			if emails == nil {
				emails = splitLines(v.Text)
			}
			e.Attendees = nil
			for _, email := range emails {
				e.Attendees = append(e.Attendees, model.Attendee{Email: email})
			}
		},
		allowed: []PropertyType{TypeMultiSelect, TypeRichText},
	},
	FieldRecurrence: listField(func(e *model.Event) *[]string { return &e.Recurrence }),
}

// CanonicalFields returns every known canonical field name, sorted.
func CanonicalFields() []string {
	names := make([]string, 0, len(accessors))
	for name := range accessors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the mapping used when no mapping file is configured.
func Default() *Mapping {
	return &Mapping{Fields: map[string]FieldConfig{
		FieldTitle:           {Enabled: true, Name: "Name", Type: TypeTitle, Required: true},
		FieldDate:            {Enabled: true, Name: "Date", Type: TypeDate, Required: true},
		FieldDescription:     {Enabled: true, Name: "Description", Type: TypeRichText},
		FieldLocation:        {Enabled: true, Name: "Location", Type: TypeRichText},
		FieldStatus:          {Enabled: true, Name: "Status", Type: TypeSelect},
		FieldCalendarEventID: {Enabled: true, Name: "Calendar Event ID", Type: TypeRichText, Required: true},
		FieldReminders:       {Enabled: false, Name: "Reminder (min)", Type: TypeNumber},
		FieldAttendees:       {Enabled: false, Name: "Attendees", Type: TypeMultiSelect},
		FieldOrganizer:       {Enabled: false, Name: "Organizer", Type: TypeEmail},
		FieldConferenceLink:  {Enabled: false, Name: "Meeting Link", Type: TypeURL},
		FieldRecurrence:      {Enabled: false, Name: "Recurrence", Type: TypeRichText},
		FieldColor:           {Enabled: false, Name: "Color", Type: TypeSelect},
		FieldVisibility:      {Enabled: false, Name: "Visibility", Type: TypeSelect},
	}}
}

// Validate checks that every field is known, typed compatibly and that the
// fields the engine depends on are enabled.
func (m *Mapping) Validate() error {
	if m == nil || len(m.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidMapping)
	}

	names := make(map[string]string)
	for field, cfg := range m.Fields {
		acc, ok := accessors[field]
		if !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidMapping, field)
		}
		if !cfg.Enabled {
			continue
		}
		if cfg.Name == "" {
			return fmt.Errorf("%w: field %q has no property name", ErrInvalidMapping, field)
		}
		if !cfg.Type.IsValid() {
			return fmt.Errorf("%w: field %q: %w: %s", ErrInvalidMapping, field, ErrUnknownType, cfg.Type)
		}
		if !typeAllowed(acc.allowed, cfg.Type) {
			return fmt.Errorf("%w: field %q: %w: %s", ErrInvalidMapping, field, ErrTypeMismatch, cfg.Type)
		}
		if other, dup := names[cfg.Name]; dup {
			return fmt.Errorf("%w: fields %q and %q share property %q", ErrInvalidMapping, other, field, cfg.Name)
		}
		names[cfg.Name] = field
	}

	for _, required := range []string{FieldTitle, FieldDate, FieldCalendarEventID} {
		if cfg, ok := m.Fields[required]; !ok || !cfg.Enabled {
			return fmt.Errorf("%w: field %q must be enabled", ErrInvalidMapping, required)
		}
	}
	if m.Fields[FieldTitle].Type != TypeTitle {
		return fmt.Errorf("%w: field %q must use the title type", ErrInvalidMapping, FieldTitle)
	}
	return nil
}

func typeAllowed(allowed []PropertyType, t PropertyType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// Enabled reports whether a canonical field is enabled.
func (m *Mapping) Enabled(field string) bool {
	cfg, ok := m.Fields[field]
	return ok && cfg.Enabled
}

// EnabledFields returns the enabled canonical field names, sorted.
func (m *Mapping) EnabledFields() []string {
	var out []string
	for name, cfg := range m.Fields {
		if cfg.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ToProperties encodes the enabled fields of e as structured-store properties.
func (m *Mapping) ToProperties(e *model.Event) (map[string]any, error) {
	return m.PropertiesFor(e, nil)
}

// PropertiesFor encodes the named enabled fields of e, plus the link field
// when e carries one. A nil fields slice encodes every enabled field.
func (m *Mapping) PropertiesFor(e *model.Event, fields []string) (map[string]any, error) {
	props := make(map[string]any)
	for _, field := range m.EnabledFields() {
		acc := accessors[field]
		if fields != nil && !containsField(fields, field) && !(acc.link && e.CalendarEventID != "") {
			continue
		}
		cfg := m.Fields[field]
		v := acc.get(e)
		if cfg.Required && v.IsZero() && field != FieldCalendarEventID {
			return nil, fmt.Errorf("%w: required field %q is empty", ErrMalformedValue, field)
		}
		encoded, err := cfg.Type.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		props[cfg.Name] = encoded
	}
	return props, nil
}

// FromProperties decodes the enabled fields from structured-store properties.
// Properties absent from the record leave the canonical field empty.
func (m *Mapping) FromProperties(id string, props map[string]json.RawMessage) (*model.Event, error) {
	e := &model.Event{ID: id, StructuredStoreID: id}
	for _, field := range m.EnabledFields() {
		cfg := m.Fields[field]
		raw, ok := props[cfg.Name]
		if !ok {
			if cfg.Required && field != FieldCalendarEventID {
				return nil, fmt.Errorf("%w: required property %q missing", ErrMalformedValue, cfg.Name)
			}
			continue
		}
		v, err := cfg.Type.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", cfg.Name, err)
		}
		accessors[field].set(e, v)
	}
	if e.Status == "" {
		e.Status = model.StatusConfirmed
	}
	return e, nil
}

// RoundTrip returns e as the structured store will report it after a write:
// encoded, then decoded, through the enabled fields.
func (m *Mapping) RoundTrip(e *model.Event) (*model.Event, error) {
	props, err := m.ToProperties(e)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return m.FromProperties(e.StructuredStoreID, raw)
}

func normalize(field string, v Value) any {
	switch field {
	case FieldDate:
		if v.Start.IsZero() {
			return nil
		}
		end := v.End
		if end.IsZero() {
			end = v.Start
		}
		if v.AllDay {
			return []string{v.Start.Format(dayLayout), end.Format(dayLayout)}
		}
		return []string{v.Start.UTC().Truncate(time.Minute).Format(time.RFC3339), end.UTC().Truncate(time.Minute).Format(time.RFC3339)}
	case FieldAttendees, FieldRecurrence:
		l := append([]string(nil), v.List...)
		sort.Strings(l)
		return l
	case FieldReminders:
		if v.Number == nil {
			return nil
		}
		return *v.Number
	case FieldStatus:
		return strings.ToLower(v.Text)
	default:
		return strings.TrimSpace(v.Text)
	}
}

// CopyFields copies the named canonical fields from src onto dst. Link
// fields are never copied.
func CopyFields(dst, src *model.Event, fields []string) {
	for _, field := range fields {
		acc, ok := accessors[field]
		if !ok || acc.link {
			continue
		}
		acc.set(dst, acc.get(src))
	}
}

// MappedFields returns the enabled non-link fields, sorted.
func (m *Mapping) MappedFields() []string {
	var out []string
	for _, field := range m.EnabledFields() {
		if !accessors[field].link {
			out = append(out, field)
		}
	}
	return out
}

// LinkProperties encodes only the calendar link field, for writing the
// foreign key back without touching the other properties.
func (m *Mapping) LinkProperties(eventID string) (map[string]any, error) {
	cfg, ok := m.Fields[FieldCalendarEventID]
	if !ok || !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s is not enabled", ErrInvalidMapping, FieldCalendarEventID)
	}
	encoded, err := cfg.Type.Encode(Value{Text: eventID})
	if err != nil {
		return nil, err
	}
	return map[string]any{cfg.Name: encoded}, nil
}

func containsField(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}
