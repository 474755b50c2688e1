package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/activity"
	"github.com/macjediwizard/calnotionsync/internal/calendar/calendartest"
	"github.com/macjediwizard/calnotionsync/internal/kv"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notion/notiontest"
	"github.com/macjediwizard/calnotionsync/internal/reconcile"
	"github.com/macjediwizard/calnotionsync/internal/state"
)

func daysAgo(n int) time.Time {
	d := time.Now().UTC().AddDate(0, 0, -n)
	return time.Date(d.Year(), d.Month(), d.Day(), 10, 0, 0, 0, time.UTC)
}

func seedPast(cal *calendartest.Fake, n int) {
	for i := 1; i <= n; i++ {
		start := daysAgo(i)
		cal.Seed(&model.Event{Title: "Meeting", Start: start, End: start.Add(time.Hour)})
	}
}

type stubApplier struct {
	mu     sync.Mutex
	calls  int
	before func(call int)
	op     model.SyncOperation
}

func (a *stubApplier) ApplyCalendarEvent(context.Context, *model.Event) (model.SyncOperation, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()
	if a.before != nil {
		a.before(call)
	}
	if a.op == "" {
		return model.OpCreate, nil
	}
	return a.op, nil
}

func (a *stubApplier) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingAlerter struct {
	mu         sync.Mutex
	failures   []string
	recoveries []string
}

func (r *recordingAlerter) SendBackfillFailedAlert(_ context.Context, reason string, _, _ int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
	return true
}

func (r *recordingAlerter) SendRecoveryAlert(_ context.Context, subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveries = append(r.recoveries, subject)
	return true
}

func wait(t *testing.T, e *Engine) *model.BackfillProgress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("backfill did not finish: %v", err)
	}
	p, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	return p
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	cal := calendartest.New()
	cal.Seed(&model.Event{Title: "New", Start: daysAgo(2), End: daysAgo(2).Add(time.Hour)})
	cal.Seed(&model.Event{Title: "Linked", Start: daysAgo(3), End: daysAgo(3).Add(time.Hour), StructuredStoreID: "page-1"})
	cal.Seed(&model.Event{Title: "Instance", Start: daysAgo(5), End: daysAgo(5).Add(time.Hour), RecurringEventID: "series-1"})
	cal.Seed(&model.Event{Title: "Gone", Start: daysAgo(1), End: daysAgo(1).Add(time.Hour), Status: model.StatusCancelled})
	cal.Seed(&model.Event{Title: "Old", Start: daysAgo(40), End: daysAgo(40).Add(time.Hour)})
	cal.Seed(&model.Event{Title: "Future", Start: daysAgo(-2), End: daysAgo(-2).Add(time.Hour)})

	e := New(cal, &stubApplier{}, state.New(kv.NewMemory()), Options{})
	p, err := e.Preview(ctx, 30)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	want := model.BackfillPreview{WindowDays: 30, Total: 3, New: 2, AlreadyLinked: 1, RecurringInstances: 1}
	if *p != want {
		t.Errorf("expected %+v, got %+v", want, *p)
	}

	for _, days := range []int{0, -1, MaxWindowDays + 1} {
		if _, err := e.Preview(ctx, days); !model.IsValidation(err) {
			t.Errorf("days=%d: expected validation error, got %v", days, err)
		}
	}
}

func TestStartImportsThroughTheReconcileEngine(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	st := state.New(store)
	cal := calendartest.New()
	db := notiontest.New(nil)
	seedPast(cal, 5)

	engine := reconcile.New(cal, db, st, activity.NewLog(store, 50), reconcile.Options{})
	alerts := &recordingAlerter{}
	tracker := activity.NewTracker()
	e := New(cal, engine, st, Options{BatchSize: 2, Tracker: tracker, Alerter: alerts})

	started, err := e.Start(ctx, 30)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if started.Status != model.BackfillRunning || started.Total != 5 {
		t.Errorf("unexpected start progress: %+v", started)
	}

	p := wait(t, e)
	if p.Status != model.BackfillCompleted || p.Processed != 5 || p.Created != 5 || p.Errors != 0 {
		t.Errorf("unexpected progress: %+v", p)
	}
	if p.CompletedAt == nil {
		t.Error("expected completion time")
	}
	if len(db.Live()) != 5 {
		t.Errorf("expected 5 records, got %d", len(db.Live()))
	}
	if len(alerts.recoveries) != 1 {
		t.Errorf("expected recovery notification, got %v", alerts.recoveries)
	}
	if recent := tracker.GetRecent(); len(recent) != 1 || recent[0].Kind != activity.RunBackfill || recent[0].Created != 5 {
		t.Errorf("unexpected tracked runs: %+v", recent)
	}

	t.Run("a second run links nothing twice", func(t *testing.T) {
		if _, err := e.Start(ctx, 30); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		p := wait(t, e)
		if p.Created != 0 || p.Skipped != 5 || db.Creates != 5 {
			t.Errorf("expected all skipped, got %+v creates=%d", p, db.Creates)
		}
	})
}

func TestCancelStopsAtBatchBoundary(t *testing.T) {
	ctx := context.Background()
	cal := calendartest.New()
	seedPast(cal, 5)

	apply := &stubApplier{}
	e := New(cal, apply, state.New(kv.NewMemory()), Options{BatchSize: 2})
	apply.before = func(call int) {
		if call == 1 {
			if _, err := e.Cancel(ctx); err != nil {
				t.Errorf("Cancel failed: %v", err)
			}
		}
	}

	if _, err := e.Start(ctx, 30); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p := wait(t, e)
	if p.Status != model.BackfillCancelled {
		t.Fatalf("expected cancelled, got %s", p.Status)
	}
	if p.Processed != 2 || p.Created != 2 || apply.Calls() != 2 {
		t.Errorf("expected only the first full batch counted, got %+v calls=%d", p, apply.Calls())
	}
}

func TestConcurrentStartAndResetAreRejected(t *testing.T) {
	ctx := context.Background()
	cal := calendartest.New()
	seedPast(cal, 3)

	inBatch := make(chan struct{})
	release := make(chan struct{})
	apply := &stubApplier{before: func(call int) {
		if call == 1 {
			close(inBatch)
			<-release
		}
	}}
	e := New(cal, apply, state.New(kv.NewMemory()), Options{BatchSize: 1})

	if _, err := e.Start(ctx, 30); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-inBatch
	if _, err := e.Start(ctx, 30); !model.IsConflict(err) {
		t.Errorf("expected conflict for a second start, got %v", err)
	}
	if err := e.Reset(ctx); !model.IsConflict(err) {
		t.Errorf("expected conflict for reset while running, got %v", err)
	}
	if _, err := e.Cancel(ctx); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(release)

	p := wait(t, e)
	if p.Status != model.BackfillCancelled || p.Processed != 1 {
		t.Errorf("expected cancellation after one batch, got %+v", p)
	}

	if err := e.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	p, _ = e.Status(ctx)
	if p.Status != model.BackfillIdle || p.Processed != 0 {
		t.Errorf("expected idle progress, got %+v", p)
	}
	if _, err := e.Cancel(ctx); !model.IsConflict(err) {
		t.Errorf("expected conflict when nothing is running, got %v", err)
	}
}

func TestRunIsExclusiveAcrossEngines(t *testing.T) {
	ctx := context.Background()
	cal := calendartest.New()
	seedPast(cal, 3)
	st := state.New(kv.NewMemory())

	inBatch := make(chan struct{})
	release := make(chan struct{})
	applyA := &stubApplier{before: func(call int) {
		if call == 1 {
			close(inBatch)
			<-release
		}
	}}
	a := New(cal, applyA, st, Options{BatchSize: 1})
	applyB := &stubApplier{}
	b := New(cal, applyB, st, Options{BatchSize: 1})

	if _, err := a.Start(ctx, 30); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-inBatch

	t.Run("status elsewhere reports the live run", func(t *testing.T) {
		p, err := b.Status(ctx)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if p.Status != model.BackfillRunning {
			t.Errorf("expected running, got %+v", p)
		}
	})

	t.Run("start and reset elsewhere conflict", func(t *testing.T) {
		if _, err := b.Start(ctx, 30); !model.IsConflict(err) {
			t.Errorf("expected conflict for a second start, got %v", err)
		}
		if err := b.Reset(ctx); !model.IsConflict(err) {
			t.Errorf("expected conflict for reset, got %v", err)
		}
		if applyB.Calls() != 0 {
			t.Errorf("expected no second run, got %d calls", applyB.Calls())
		}
	})

	t.Run("cancel elsewhere reaches the owning run", func(t *testing.T) {
		if _, err := b.Cancel(ctx); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		close(release)
		p := wait(t, a)
		if p.Status != model.BackfillCancelled || p.Processed != 1 {
			t.Errorf("expected cancellation after one batch, got %+v", p)
		}
	})

	t.Run("the lease is released when the run ends", func(t *testing.T) {
		if _, err := b.Start(ctx, 30); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if p := wait(t, b); p.Status != model.BackfillCompleted || applyB.Calls() != 3 {
			t.Errorf("expected completed run, got %+v calls=%d", p, applyB.Calls())
		}
	})
}

func TestRunTimeCeilingFailsTheRun(t *testing.T) {
	ctx := context.Background()
	cal := calendartest.New()
	seedPast(cal, 3)

	apply := &stubApplier{before: func(int) { time.Sleep(30 * time.Millisecond) }}
	alerts := &recordingAlerter{}
	e := New(cal, apply, state.New(kv.NewMemory()), Options{BatchSize: 1, MaxDuration: 10 * time.Millisecond, Alerter: alerts})

	if _, err := e.Start(ctx, 30); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p := wait(t, e)
	if p.Status != model.BackfillFailed || p.Error == "" {
		t.Fatalf("expected failed run, got %+v", p)
	}
	if p.Processed != 1 {
		t.Errorf("expected one batch before the ceiling, got %d", p.Processed)
	}
	if len(alerts.failures) != 1 {
		t.Errorf("expected one failure alert, got %v", alerts.failures)
	}
}

func TestStatusReportsInterruptedRun(t *testing.T) {
	ctx := context.Background()
	st := state.New(kv.NewMemory())
	_ = st.SaveBackfill(ctx, &model.BackfillProgress{Status: model.BackfillRunning, Total: 10, Processed: 4})

	e := New(calendartest.New(), &stubApplier{}, st, Options{})
	p, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if p.Status != model.BackfillFailed || p.Processed != 4 {
		t.Errorf("expected interrupted run reported failed with its progress, got %+v", p)
	}
	if _, err := e.Start(ctx, 7); err != nil {
		t.Errorf("expected a new run to start, got %v", err)
	}
	wait(t, e)
}
