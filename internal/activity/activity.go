// Package activity tracks sync passes in flight and keeps the persistent
// observability log of record translations and webhook deliveries.
package activity

import (
	"sync"
	"time"
)

// Run kinds.
const (
	RunIncremental = "incremental"
	RunPoll        = "poll"
	RunBackfill    = "backfill"
	RunWebhook     = "webhook"
)

// RunActivity represents the current state of a sync pass.
type RunActivity struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"` // "running", "completed", "partial", "error"
	Processed   int        `json:"processed"`
	Created     int        `json:"created"`
	Updated     int        `json:"updated"`
	Deleted     int        `json:"deleted"`
	Skipped     int        `json:"skipped"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Message     string     `json:"message,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
}

// Counts is a progress increment.
type Counts struct {
	Processed int
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Failed    int
}

// Tracker tracks passes in flight and the most recent finished ones.
type Tracker struct {
	mu            sync.RWMutex
	active        map[string]*RunActivity // run id -> activity
	recent        []*RunActivity
	maxRecentRuns int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:        make(map[string]*RunActivity),
		recent:        make([]*RunActivity, 0),
		maxRecentRuns: 20,
	}
}

// Start begins tracking a pass.
func (t *Tracker) Start(id, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[id] = &RunActivity{
		ID:        id,
		Kind:      kind,
		Status:    "running",
		StartedAt: time.Now(),
	}
}

// Add increments progress counters of a running pass.
func (t *Tracker) Add(id string, c Counts) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, exists := t.active[id]; exists {
		a.Processed += c.Processed
		a.Created += c.Created
		a.Updated += c.Updated
		a.Deleted += c.Deleted
		a.Skipped += c.Skipped
		a.Failed += c.Failed
	}
}

// Finish marks a pass as completed and moves it to recent.
func (t *Tracker) Finish(id string, success bool, message string, errs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, exists := t.active[id]
	if !exists {
		return
	}

	now := time.Now()
	a.CompletedAt = &now
	a.Duration = now.Sub(a.StartedAt).Round(time.Millisecond).String()
	a.Message = message
	a.Errors = errs

	switch {
	case !success:
		a.Status = "error"
	case len(errs) > 0 || a.Failed > 0:
		a.Status = "partial"
	default:
		a.Status = "completed"
	}

	t.recent = append([]*RunActivity{a}, t.recent...)
	if len(t.recent) > t.maxRecentRuns {
		t.recent = t.recent[:t.maxRecentRuns]
	}
	delete(t.active, id)
}

// GetActive returns all passes in flight.
func (t *Tracker) GetActive() []*RunActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*RunActivity, 0, len(t.active))
	for _, a := range t.active {
		c := *a
		c.Duration = time.Since(a.StartedAt).Round(time.Millisecond).String()
		result = append(result, &c)
	}
	return result
}

// GetRecent returns recently finished passes, newest first.
func (t *Tracker) GetRecent() []*RunActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*RunActivity, len(t.recent))
	for i, a := range t.recent {
		c := *a
		result[i] = &c
	}
	return result
}

// GetAll returns both active and recent passes.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsRunning returns true if a pass of the given kind is in flight.
func (t *Tracker) IsRunning(kind string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.active {
		if a.Kind == kind {
			return true
		}
	}
	return false
}
