package activity

import (
	"context"
	"testing"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/kv"
	"github.com/macjediwizard/calnotionsync/internal/model"
)

func TestTracker(t *testing.T) {
	t.Run("tracks a pass from start to finish", func(t *testing.T) {
		tr := NewTracker()
		tr.Start("run-1", RunPoll)
		if !tr.IsRunning(RunPoll) {
			t.Fatal("expected poll to be running")
		}
		tr.Add("run-1", Counts{Processed: 3, Created: 1, Updated: 1, Failed: 1})
		tr.Add("run-1", Counts{Processed: 1, Deleted: 1})

		active := tr.GetActive()
		if len(active) != 1 || active[0].Processed != 4 {
			t.Fatalf("unexpected active runs: %+v", active)
		}

		tr.Finish("run-1", true, "done", nil)
		if tr.IsRunning(RunPoll) {
			t.Error("expected poll to be finished")
		}
		recent := tr.GetRecent()
		if len(recent) != 1 {
			t.Fatalf("expected 1 recent run, got %d", len(recent))
		}
		if recent[0].Status != "partial" {
			t.Errorf("expected partial status with failures, got %s", recent[0].Status)
		}
		if recent[0].CompletedAt == nil {
			t.Error("expected completion time")
		}
	})

	t.Run("keeps a bounded recent list", func(t *testing.T) {
		tr := NewTracker()
		for i := 0; i < 25; i++ {
			id := string(rune('a' + i))
			tr.Start(id, RunIncremental)
			tr.Finish(id, i%2 == 0, "", nil)
		}
		if len(tr.GetRecent()) != 20 {
			t.Errorf("expected 20 recent runs, got %d", len(tr.GetRecent()))
		}
		if tr.GetRecent()[0].ID != "y" {
			t.Errorf("expected newest first, got %s", tr.GetRecent()[0].ID)
		}
	})

	t.Run("finish of unknown run is ignored", func(t *testing.T) {
		tr := NewTracker()
		tr.Finish("missing", false, "", nil)
		if len(tr.GetRecent()) != 0 {
			t.Error("expected no recent runs")
		}
	})
}

func TestLog(t *testing.T) {
	ctx := context.Background()

	t.Run("sync entries are newest first and bounded", func(t *testing.T) {
		l := NewLog(kv.NewMemory(), 3)
		for i, title := range []string{"a", "b", "c", "d"} {
			l.LogSync(ctx, model.SyncLogEntry{
				Direction:  model.DirectionCalendarToStore,
				Operation:  model.OpCreate,
				Title:      title,
				Status:     model.LogSuccess,
				DurationMs: int64(i),
			})
		}
		entries, err := l.RecentSync(ctx, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		if entries[0].Title != "d" || entries[2].Title != "b" {
			t.Errorf("unexpected order: %s..%s", entries[0].Title, entries[2].Title)
		}
		if entries[0].ID == "" || entries[0].Timestamp.IsZero() {
			t.Error("expected id and timestamp to be filled")
		}
	})

	t.Run("limit applies to webhook entries", func(t *testing.T) {
		l := NewLog(kv.NewMemory(), 10)
		for i := 0; i < 5; i++ {
			l.LogWebhook(ctx, model.WebhookLogEntry{Provider: "google", Kind: "exists", Status: model.LogSuccess})
		}
		entries, err := l.RecentWebhook(ctx, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("expected 2 entries, got %d", len(entries))
		}
	})

	t.Run("metrics summarize retained entries", func(t *testing.T) {
		l := NewLog(kv.NewMemory(), 50)
		last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		l.LogSync(ctx, model.SyncLogEntry{Direction: model.DirectionCalendarToStore, Status: model.LogSuccess, DurationMs: 100, Timestamp: last.Add(-time.Minute)})
		l.LogSync(ctx, model.SyncLogEntry{Direction: model.DirectionCalendarToStore, Status: model.LogSuccess, DurationMs: 200, Timestamp: last.Add(-time.Second)})
		l.LogSync(ctx, model.SyncLogEntry{Direction: model.DirectionStoreToCalendar, Status: model.LogError, DurationMs: 300, Error: "boom", Timestamp: last.Add(-time.Second)})
		l.LogSync(ctx, model.SyncLogEntry{Direction: model.DirectionStoreToCalendar, Status: model.LogSkipped, DurationMs: 0, Timestamp: last})
		l.LogWebhook(ctx, model.WebhookLogEntry{Status: model.LogSuccess})
		l.LogWebhook(ctx, model.WebhookLogEntry{Status: model.LogDuplicate})
		l.LogWebhook(ctx, model.WebhookLogEntry{Status: model.LogRejected})

		m, err := l.Metrics(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Total != 4 || m.Succeeded != 2 || m.Failed != 1 || m.Skipped != 1 {
			t.Errorf("unexpected counts: %+v", m)
		}
		if m.SuccessRate < 66.6 || m.SuccessRate > 66.7 {
			t.Errorf("expected ~66.67%% success rate, got %f", m.SuccessRate)
		}
		if m.AvgDurationMs != 150 {
			t.Errorf("expected avg 150ms, got %f", m.AvgDurationMs)
		}
		if m.ByDirection[model.DirectionStoreToCalendar] != 2 {
			t.Errorf("unexpected direction counts: %v", m.ByDirection)
		}
		if m.LastSyncAt == nil || !m.LastSyncAt.Equal(last) {
			t.Errorf("expected last sync %v, got %v", last, m.LastSyncAt)
		}
		if m.Webhooks != 3 || m.Duplicates != 1 || m.Rejected != 1 {
			t.Errorf("unexpected webhook counts: %+v", m)
		}
	})

	t.Run("empty log has zero metrics", func(t *testing.T) {
		m, err := NewLog(kv.NewMemory(), 0).Metrics(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Total != 0 || m.SuccessRate != 0 || m.LastSyncAt != nil {
			t.Errorf("unexpected metrics: %+v", m)
		}
	})
}
