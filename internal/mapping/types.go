// Package mapping translates canonical events to and from structured-store
// properties according to a per-field configuration.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownType     = errors.New("unknown property type")
	ErrTypeMismatch    = errors.New("property type does not match field")
	ErrMalformedValue  = errors.New("malformed property value")
	ErrInvalidMapping  = errors.New("invalid field mapping")
	ErrUnsupportedFile = errors.New("unsupported mapping file extension")
)

// PropertyType is the structured-store property kind a field is stored as.
type PropertyType string

const (
	TypeTitle       PropertyType = "title"
	TypeRichText    PropertyType = "rich_text"
	TypeDate        PropertyType = "date"
	TypeSelect      PropertyType = "select"
	TypeStatus      PropertyType = "status"
	TypeMultiSelect PropertyType = "multi_select"
	TypeNumber      PropertyType = "number"
	TypeURL         PropertyType = "url"
	TypeEmail       PropertyType = "email"
	TypePhone       PropertyType = "phone_number"
	TypeCheckbox    PropertyType = "checkbox"
)

// Value is the decoded form of a property. Codecs read and write only the
// members relevant to their type.
type Value struct {
	Text   string
	List   []string
	Number *float64
	Bool   bool
	Start  time.Time
	End    time.Time
	AllDay bool
}

// IsZero reports whether the value carries nothing.
func (v Value) IsZero() bool {
	return v.Text == "" && len(v.List) == 0 && v.Number == nil && !v.Bool && v.Start.IsZero()
}

type codec struct {
	encode func(v Value) (any, error)
	decode func(raw json.RawMessage) (Value, error)
}

// codecs is the encode/decode table keyed by property type.
var codecs = map[PropertyType]codec{
	TypeTitle:       {encode: encodeRichText("title"), decode: decodeRichText("title")},
	TypeRichText:    {encode: encodeRichText("rich_text"), decode: decodeRichText("rich_text")},
	TypeDate:        {encode: encodeDate, decode: decodeDate},
	TypeSelect:      {encode: encodeNamed("select"), decode: decodeNamed("select")},
	TypeStatus:      {encode: encodeNamed("status"), decode: decodeNamed("status")},
	TypeMultiSelect: {encode: encodeMultiSelect, decode: decodeMultiSelect},
	TypeNumber:      {encode: encodeNumber, decode: decodeNumber},
	TypeURL:         {encode: encodeScalar("url"), decode: decodeScalar("url")},
	TypeEmail:       {encode: encodeScalar("email"), decode: decodeScalar("email")},
	TypePhone:       {encode: encodeScalar("phone_number"), decode: decodeScalar("phone_number")},
	TypeCheckbox:    {encode: encodeCheckbox, decode: decodeCheckbox},
}

// IsValid returns true if the type has a codec.
func (t PropertyType) IsValid() bool {
	_, ok := codecs[t]
	return ok
}

// Encode renders v as a structured-store property payload.
func (t PropertyType) Encode(v Value) (any, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return c.encode(v)
}

// Decode parses a structured-store property payload.
func (t PropertyType) Decode(raw json.RawMessage) (Value, error) {
	c, ok := codecs[t]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return c.decode(raw)
}

// Rich text content is limited per segment by the store API.
const maxRichTextSegment = 2000

type textContent struct {
	Content string `json:"content"`
}

type richTextItem struct {
	Type      string       `json:"type,omitempty"`
	Text      *textContent `json:"text,omitempty"`
	PlainText string       `json:"plain_text,omitempty"`
}

func encodeRichText(kind string) func(Value) (any, error) {
	return func(v Value) (any, error) {
		items := []richTextItem{}
		runes := []rune(v.Text)
		for len(runes) > 0 {
			n := len(runes)
			if n > maxRichTextSegment {
				n = maxRichTextSegment
			}
			items = append(items, richTextItem{Type: "text", Text: &textContent{Content: string(runes[:n])}})
			runes = runes[n:]
		}
		return map[string]any{kind: items}, nil
	}
}

// member extracts the kind-named member of a property object, which also
// carries id and type keys. A null or missing member returns nil.
func member(raw json.RawMessage, kind string) (json.RawMessage, error) {
	var prop map[string]json.RawMessage
	if err := json.Unmarshal(raw, &prop); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedValue, kind, err)
	}
	m, ok := prop[kind]
	if !ok || string(m) == "null" {
		return nil, nil
	}
	return m, nil
}

func decodeRichText(kind string) func(json.RawMessage) (Value, error) {
	return func(raw json.RawMessage) (Value, error) {
		m, err := member(raw, kind)
		if err != nil || m == nil {
			return Value{}, err
		}
		var items []richTextItem
		if err := json.Unmarshal(m, &items); err != nil {
			return Value{}, fmt.Errorf("%w: %s: %w", ErrMalformedValue, kind, err)
		}
		var b strings.Builder
		for _, item := range items {
			switch {
			case item.PlainText != "":
				b.WriteString(item.PlainText)
			case item.Text != nil:
				b.WriteString(item.Text.Content)
			}
		}
		return Value{Text: b.String()}, nil
	}
}

type dateValue struct {
	Start string  `json:"start"`
	End   *string `json:"end,omitempty"`
}

const dayLayout = "2006-01-02"

func formatDate(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(dayLayout)
	}
	return t.UTC().Format(time.RFC3339)
}

// All-day ranges use an exclusive end in Value and an inclusive end in the store.
func encodeDate(v Value) (any, error) {
	if v.Start.IsZero() {
		return map[string]any{"date": nil}, nil
	}
	d := dateValue{Start: formatDate(v.Start, v.AllDay)}
	end := v.End
	if v.AllDay && !end.IsZero() {
		end = end.AddDate(0, 0, -1)
	}
	if !end.IsZero() && end.After(v.Start) {
		s := formatDate(end, v.AllDay)
		d.End = &s
	}
	return map[string]any{"date": d}, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if len(s) == len(dayLayout) {
		t, err := time.Parse(dayLayout, s)
		return t, true, err
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, false, err
}

func decodeDate(raw json.RawMessage) (Value, error) {
	var prop struct {
		Date *dateValue `json:"date"`
	}
	if err := json.Unmarshal(raw, &prop); err != nil {
		return Value{}, fmt.Errorf("%w: date: %w", ErrMalformedValue, err)
	}
	if prop.Date == nil || prop.Date.Start == "" {
		return Value{}, nil
	}
	start, allDay, err := parseDate(prop.Date.Start)
	if err != nil {
		return Value{}, fmt.Errorf("%w: date start: %w", ErrMalformedValue, err)
	}
	v := Value{Start: start, End: start, AllDay: allDay}
	if prop.Date.End != nil && *prop.Date.End != "" {
		end, _, err := parseDate(*prop.Date.End)
		if err != nil {
			return Value{}, fmt.Errorf("%w: date end: %w", ErrMalformedValue, err)
		}
		v.End = end
	}
	if allDay {
		v.End = v.End.AddDate(0, 0, 1)
	}
	return v, nil
}

type named struct {
	Name string `json:"name"`
}

func encodeNamed(kind string) func(Value) (any, error) {
	return func(v Value) (any, error) {
		if v.Text == "" {
			return map[string]any{kind: nil}, nil
		}
		// Select option names may not contain commas
		return map[string]any{kind: named{Name: strings.ReplaceAll(v.Text, ",", " ")}}, nil
	}
}

func decodeNamed(kind string) func(json.RawMessage) (Value, error) {
	return func(raw json.RawMessage) (Value, error) {
		m, err := member(raw, kind)
		if err != nil || m == nil {
			return Value{}, err
		}
		var n named
		if err := json.Unmarshal(m, &n); err != nil {
			return Value{}, fmt.Errorf("%w: %s: %w", ErrMalformedValue, kind, err)
		}
		return Value{Text: n.Name}, nil
	}
}

func encodeMultiSelect(v Value) (any, error) {
	opts := []named{}
	for _, s := range v.List {
		if s = strings.TrimSpace(s); s != "" {
			opts = append(opts, named{Name: strings.ReplaceAll(s, ",", " ")})
		}
	}
	return map[string]any{"multi_select": opts}, nil
}

func decodeMultiSelect(raw json.RawMessage) (Value, error) {
	var prop struct {
		MultiSelect []named `json:"multi_select"`
	}
	if err := json.Unmarshal(raw, &prop); err != nil {
		return Value{}, fmt.Errorf("%w: multi_select: %w", ErrMalformedValue, err)
	}
	var v Value
	for _, n := range prop.MultiSelect {
		v.List = append(v.List, n.Name)
	}
	return v, nil
}

func encodeNumber(v Value) (any, error) {
	if v.Number != nil {
		if math.IsNaN(*v.Number) || math.IsInf(*v.Number, 0) {
			return nil, fmt.Errorf("%w: number is not finite", ErrMalformedValue)
		}
		return map[string]any{"number": *v.Number}, nil
	}
	if v.Text == "" {
		return map[string]any{"number": nil}, nil
	}
	n, err := strconv.ParseFloat(v.Text, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: number: %w", ErrMalformedValue, err)
	}
	return map[string]any{"number": n}, nil
}

func decodeNumber(raw json.RawMessage) (Value, error) {
	var prop struct {
		Number *float64 `json:"number"`
	}
	if err := json.Unmarshal(raw, &prop); err != nil {
		return Value{}, fmt.Errorf("%w: number: %w", ErrMalformedValue, err)
	}
	if prop.Number == nil {
		return Value{}, nil
	}
	return Value{Number: prop.Number, Text: strconv.FormatFloat(*prop.Number, 'f', -1, 64)}, nil
}

func encodeScalar(kind string) func(Value) (any, error) {
	return func(v Value) (any, error) {
		if v.Text == "" {
			return map[string]any{kind: nil}, nil
		}
		return map[string]any{kind: v.Text}, nil
	}
}

func decodeScalar(kind string) func(json.RawMessage) (Value, error) {
	return func(raw json.RawMessage) (Value, error) {
		m, err := member(raw, kind)
		if err != nil || m == nil {
			return Value{}, err
		}
		var s string
		if err := json.Unmarshal(m, &s); err != nil {
			return Value{}, fmt.Errorf("%w: %s: %w", ErrMalformedValue, kind, err)
		}
		return Value{Text: s}, nil
	}
}

func encodeCheckbox(v Value) (any, error) {
	return map[string]any{"checkbox": v.Bool}, nil
}

func decodeCheckbox(raw json.RawMessage) (Value, error) {
	var prop struct {
		Checkbox bool `json:"checkbox"`
	}
	if err := json.Unmarshal(raw, &prop); err != nil {
		return Value{}, fmt.Errorf("%w: checkbox: %w", ErrMalformedValue, err)
	}
	return Value{Bool: prop.Checkbox, Text: strconv.FormatBool(prop.Checkbox)}, nil
}
