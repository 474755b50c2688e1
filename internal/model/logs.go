package model

import (
	"time"
)

// SyncDirection identifies which way a change flowed.
type SyncDirection string

const (
	DirectionCalendarToStore SyncDirection = "calendar_to_store"
	DirectionStoreToCalendar SyncDirection = "store_to_calendar"
)

// SyncOperation identifies what was done to the opposite record.
type SyncOperation string

const (
	OpCreate SyncOperation = "create"
	OpUpdate SyncOperation = "update"
	OpDelete SyncOperation = "delete"
	OpSkip   SyncOperation = "skip"
)

// LogStatus is the outcome recorded in audit entries.
type LogStatus string

const (
	LogSuccess   LogStatus = "success"
	LogError     LogStatus = "error"
	LogSkipped   LogStatus = "skipped"
	LogDuplicate LogStatus = "duplicate"
	LogRejected  LogStatus = "rejected"
	LogIgnored   LogStatus = "ignored"
)

// SyncLogEntry is an immutable audit record of a single record translation.
type SyncLogEntry struct {
	ID                string        `json:"id"`
	Direction         SyncDirection `json:"direction"`
	Operation         SyncOperation `json:"operation"`
	CalendarEventID   string        `json:"calendar_event_id,omitempty"`
	StructuredStoreID string        `json:"structured_store_id,omitempty"`
	Title             string        `json:"title,omitempty"`
	Status            LogStatus     `json:"status"`
	Error             string        `json:"error,omitempty"`
	DurationMs        int64         `json:"duration_ms"`
	Timestamp         time.Time     `json:"timestamp"`
}

// WebhookLogEntry is an immutable audit record of a push delivery.
type WebhookLogEntry struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Kind        string    `json:"kind"`
	DeliveryKey string    `json:"delivery_key,omitempty"`
	Status      LogStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"timestamp"`
}
