package activity

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/calnotionsync/internal/kv"
	"github.com/macjediwizard/calnotionsync/internal/model"
)

const (
	syncLogKey    = "log:sync"
	webhookLogKey = "log:webhook"

	// DefaultCapacity is the ring buffer length of each log.
	DefaultCapacity = 200
)

// Log is the persistent observability log. Entries are pushed onto bounded
// lists in the state store; a failed write is logged and never fails the caller.
type Log struct {
	kv       kv.Store
	capacity int
	now      func() time.Time
}

// NewLog creates a Log. A non-positive capacity uses DefaultCapacity.
func NewLog(store kv.Store, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{kv: store, capacity: capacity, now: time.Now}
}

func (l *Log) push(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Activity] Failed to encode log entry: %v", err)
		return
	}
	if err := l.kv.ListPush(ctx, key, string(data), l.capacity); err != nil {
		log.Printf("[Activity] Failed to append to %s: %v", key, err)
	}
}

// LogSync records a record translation.
func (l *Log) LogSync(ctx context.Context, e model.SyncLogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.Status == model.LogError {
		log.Printf("[Sync] %s %s failed for %q (event=%s record=%s): %s",
			e.Direction, e.Operation, e.Title, e.CalendarEventID, e.StructuredStoreID, e.Error)
	}
	l.push(ctx, syncLogKey, e)
}

// LogWebhook records a webhook delivery.
func (l *Log) LogWebhook(ctx context.Context, e model.WebhookLogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	l.push(ctx, webhookLogKey, e)
}

// RecentSync returns up to limit sync entries, newest first.
func (l *Log) RecentSync(ctx context.Context, limit int) ([]model.SyncLogEntry, error) {
	raw, err := l.kv.ListRange(ctx, syncLogKey, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.SyncLogEntry, 0, len(raw))
	for _, r := range raw {
		var e model.SyncLogEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RecentWebhook returns up to limit webhook entries, newest first.
func (l *Log) RecentWebhook(ctx context.Context, limit int) ([]model.WebhookLogEntry, error) {
	raw, err := l.kv.ListRange(ctx, webhookLogKey, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.WebhookLogEntry, 0, len(raw))
	for _, r := range raw {
		var e model.WebhookLogEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Metrics summarizes the retained log entries.
type Metrics struct {
	Total         int                         `json:"total"`
	Succeeded     int                         `json:"succeeded"`
	Failed        int                         `json:"failed"`
	Skipped       int                         `json:"skipped"`
	SuccessRate   float64                     `json:"success_rate"`
	AvgDurationMs float64                     `json:"avg_duration_ms"`
	ByDirection   map[model.SyncDirection]int `json:"by_direction"`
	LastSyncAt    *time.Time                  `json:"last_sync_at,omitempty"`
	Webhooks      int                         `json:"webhooks"`
	Duplicates    int                         `json:"duplicates"`
	Rejected      int                         `json:"rejected"`
}

// Metrics computes rolling metrics over the retained entries. The success
// rate is a percentage of attempted (non-skipped) translations.
func (l *Log) Metrics(ctx context.Context) (*Metrics, error) {
	syncs, err := l.RecentSync(ctx, 0)
	if err != nil {
		return nil, err
	}
	hooks, err := l.RecentWebhook(ctx, 0)
	if err != nil {
		return nil, err
	}

	m := &Metrics{ByDirection: make(map[model.SyncDirection]int)}
	var totalMs int64
	for i, e := range syncs {
		m.Total++
		m.ByDirection[e.Direction]++
		totalMs += e.DurationMs
		switch e.Status {
		case model.LogSuccess:
			m.Succeeded++
		case model.LogError:
			m.Failed++
		default:
			m.Skipped++
		}
		if i == 0 {
			ts := e.Timestamp
			m.LastSyncAt = &ts
		}
	}
	if attempted := m.Succeeded + m.Failed; attempted > 0 {
		m.SuccessRate = float64(m.Succeeded) * 100 / float64(attempted)
	}
	if m.Total > 0 {
		m.AvgDurationMs = float64(totalMs) / float64(m.Total)
	}

	for _, h := range hooks {
		m.Webhooks++
		switch h.Status {
		case model.LogDuplicate:
			m.Duplicates++
		case model.LogRejected:
			m.Rejected++
		}
	}
	return m, nil
}
