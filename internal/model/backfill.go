package model

import (
	"time"
)

// BackfillStatus represents the state of the historical import.
type BackfillStatus string

const (
	BackfillIdle      BackfillStatus = "idle"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
	BackfillCancelled BackfillStatus = "cancelled"
)

// IsTerminal returns true for statuses a run cannot leave without a reset or new start.
func (s BackfillStatus) IsTerminal() bool {
	return s == BackfillCompleted || s == BackfillFailed || s == BackfillCancelled
}

// BackfillProgress is the single global progress record of the backfill engine.
type BackfillProgress struct {
	Status      BackfillStatus `json:"status"`
	Total       int            `json:"total"`
	Processed   int            `json:"processed"`
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Skipped     int            `json:"skipped"`
	Errors      int            `json:"errors"`
	WindowDays  int            `json:"window_days"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// IdleProgress returns the reset progress record.
func IdleProgress() *BackfillProgress {
	return &BackfillProgress{Status: BackfillIdle}
}

// BackfillPreview is the dry-run classification of the candidate window.
type BackfillPreview struct {
	WindowDays         int `json:"window_days"`
	Total              int `json:"total"`
	New                int `json:"new"`
	AlreadyLinked      int `json:"already_linked"`
	RecurringInstances int `json:"recurring_instances"`
}
