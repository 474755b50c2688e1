package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notify"
	"github.com/macjediwizard/calnotionsync/internal/reconcile"
	"github.com/macjediwizard/calnotionsync/internal/webhook"
)

type fakeChannels struct {
	status   *webhook.ChannelStatus
	renewed  bool
	err      error
	setups   atomic.Int32
	renewals atomic.Int32
}

func (f *fakeChannels) Status(context.Context) (*webhook.ChannelStatus, error) {
	return f.status, nil
}

func (f *fakeChannels) Setup(_ context.Context, callbackURL string) (*model.WebhookChannel, error) {
	f.setups.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &model.WebhookChannel{ChannelID: "ch-new"}, nil
}

func (f *fakeChannels) Renew(context.Context, string) (bool, *model.WebhookChannel, error) {
	f.renewals.Add(1)
	if f.err != nil {
		return false, nil, f.err
	}
	return f.renewed, &model.WebhookChannel{ChannelID: "ch-renewed"}, nil
}

type fakePoller struct {
	calls atomic.Int32
	block chan struct{}
}

func (f *fakePoller) Poll(context.Context) (*reconcile.Result, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return &reconcile.Result{Synced: 2}, nil
}

type fakeCleaner struct {
	calls atomic.Int32
}

func (f *fakeCleaner) CleanExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, nil
}

type recordingAlerter struct {
	mu         sync.Mutex
	failures   []string
	recoveries []string
}

func (r *recordingAlerter) SendRenewalFailedAlert(_ context.Context, channelID string, _ error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, channelID)
	return true
}

func (r *recordingAlerter) SendRecoveryAlert(_ context.Context, subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveries = append(r.recoveries, subject)
	return true
}

func statusOf(state model.ChannelState) *webhook.ChannelStatus {
	st := &webhook.ChannelStatus{State: state}
	if state != model.ChannelAbsent {
		st.Channel = &model.WebhookChannel{ChannelID: "ch-1"}
	}
	return st
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRenewChannel(t *testing.T) {
	ctx := context.Background()
	const callback = "https://sync.example.com/webhooks/calendar"

	t.Run("healthy channel is left alone", func(t *testing.T) {
		ch := &fakeChannels{status: statusOf(model.ChannelActive)}
		alerts := &recordingAlerter{}
		res, err := NewTasks(ch, nil, nil, alerts, callback).RenewChannel(ctx)
		if err != nil || res.Action != "none" {
			t.Fatalf("expected no action, got %+v %v", res, err)
		}
		if ch.renewals.Load() != 0 || ch.setups.Load() != 0 {
			t.Error("expected no provider calls")
		}
		if len(alerts.recoveries) != 1 || alerts.recoveries[0] != notify.SubjectChannel {
			t.Errorf("expected recovery check, got %v", alerts.recoveries)
		}
	})

	t.Run("expiring channel is renewed", func(t *testing.T) {
		ch := &fakeChannels{status: statusOf(model.ChannelExpiring), renewed: true}
		res, err := NewTasks(ch, nil, nil, nil, callback).RenewChannel(ctx)
		if err != nil || res.Action != "renewed" || res.Channel.ChannelID != "ch-renewed" {
			t.Fatalf("expected renewal, got %+v %v", res, err)
		}
	})

	t.Run("expired channel is renewed", func(t *testing.T) {
		ch := &fakeChannels{status: statusOf(model.ChannelExpired), renewed: true}
		if _, err := NewTasks(ch, nil, nil, nil, callback).RenewChannel(ctx); err != nil {
			t.Fatalf("RenewChannel failed: %v", err)
		}
		if ch.renewals.Load() != 1 {
			t.Errorf("expected one renewal, got %d", ch.renewals.Load())
		}
	})

	t.Run("absent and mismatched channels are set up", func(t *testing.T) {
		for _, state := range []model.ChannelState{model.ChannelAbsent, model.ChannelMismatched} {
			ch := &fakeChannels{status: statusOf(state)}
			res, err := NewTasks(ch, nil, nil, nil, callback).RenewChannel(ctx)
			if err != nil || res.Action != "created" {
				t.Errorf("%s: expected setup, got %+v %v", state, res, err)
			}
		}
	})

	t.Run("missing base URL is a channel state error", func(t *testing.T) {
		ch := &fakeChannels{status: statusOf(model.ChannelAbsent)}
		alerts := &recordingAlerter{}
		_, err := NewTasks(ch, nil, nil, alerts, "").RenewChannel(ctx)
		if !model.IsChannelState(err) {
			t.Fatalf("expected channel state error, got %v", err)
		}
		if ch.setups.Load() != 0 || len(alerts.failures) != 1 {
			t.Errorf("expected alert without setup, got setups=%d alerts=%v", ch.setups.Load(), alerts.failures)
		}
	})

	t.Run("provider failure alerts with the channel id", func(t *testing.T) {
		ch := &fakeChannels{status: statusOf(model.ChannelExpiring), err: errors.New("quota exceeded")}
		alerts := &recordingAlerter{}
		if _, err := NewTasks(ch, nil, nil, alerts, callback).RenewChannel(ctx); err == nil {
			t.Fatal("expected error")
		}
		if len(alerts.failures) != 1 || alerts.failures[0] != "ch-1" || len(alerts.recoveries) != 0 {
			t.Errorf("unexpected alerts: %+v", alerts)
		}
	})
}

func TestPollAndCleanup(t *testing.T) {
	ctx := context.Background()
	poller := &fakePoller{}
	cleaner := &fakeCleaner{}
	tasks := NewTasks(nil, poller, cleaner, nil, "")

	res, err := tasks.Poll(ctx)
	if err != nil || res.Synced != 2 {
		t.Errorf("unexpected poll result %+v %v", res, err)
	}
	n, err := tasks.CleanExpired(ctx)
	if err != nil || n != 3 {
		t.Errorf("unexpected cleanup result %d %v", n, err)
	}
}

func newTestScheduler() (*Scheduler, *fakePoller, *fakeCleaner, *fakeChannels) {
	ch := &fakeChannels{status: statusOf(model.ChannelActive)}
	poller := &fakePoller{}
	cleaner := &fakeCleaner{}
	tasks := NewTasks(ch, poller, cleaner, nil, "https://sync.example.com/webhooks/calendar")
	return New(tasks, Intervals{Renew: time.Hour, Poll: time.Hour}), poller, cleaner, ch
}

func TestNew(t *testing.T) {
	t.Run("applies default intervals", func(t *testing.T) {
		sched := New(nil, Intervals{})
		if sched.intervals.Renew != DefaultRenewInterval || sched.intervals.Poll != DefaultPollInterval {
			t.Errorf("unexpected intervals %+v", sched.intervals)
		}
		if sched.jobs == nil || sched.jobLocks == nil || sched.ctx == nil || sched.cancel == nil {
			t.Error("expected scheduler state to be initialized")
		}
		if sched.started {
			t.Error("expected started to be false initially")
		}
	})
}

func TestSchedulerConstants(t *testing.T) {
	t.Run("cleanup interval is 24 hours", func(t *testing.T) {
		if cleanupInterval != 24*time.Hour {
			t.Errorf("expected cleanupInterval to be 24h, got %v", cleanupInterval)
		}
	})

	t.Run("job timeout is 10 minutes", func(t *testing.T) {
		if jobTimeout != 10*time.Minute {
			t.Errorf("expected jobTimeout to be 10m, got %v", jobTimeout)
		}
	})
}

func TestStartRunsEveryJobOnce(t *testing.T) {
	sched, poller, cleaner, ch := newTestScheduler()
	if err := sched.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sched.Stop()

	if got := sched.GetJobCount(); got != 3 {
		t.Errorf("expected 3 jobs, got %d", got)
	}
	eventually(t, func() bool {
		return poller.calls.Load() == 1 && cleaner.calls.Load() == 1
	})
	if ch.renewals.Load() != 0 {
		t.Error("expected no renewal for a healthy channel")
	}

	t.Run("start is idempotent", func(t *testing.T) {
		if err := sched.Start(); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
		if got := sched.GetJobCount(); got != 3 {
			t.Errorf("expected 3 jobs, got %d", got)
		}
	})
}

func TestNegativeIntervalDisablesJob(t *testing.T) {
	tasks := NewTasks(&fakeChannels{status: statusOf(model.ChannelActive)}, &fakePoller{}, &fakeCleaner{}, nil, "")
	sched := New(tasks, Intervals{Renew: -1, Poll: time.Hour})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sched.Stop()

	sched.mu.RLock()
	_, hasRenew := sched.jobs[JobRenew]
	sched.mu.RUnlock()
	if hasRenew {
		t.Error("expected renewal job to be disabled")
	}
}

func TestStopClearsJobs(t *testing.T) {
	sched, _, _, _ := newTestScheduler()
	if err := sched.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sched.Stop()

	if got := sched.GetJobCount(); got != 0 {
		t.Errorf("expected 0 jobs after stop, got %d", got)
	}
	sched.mu.RLock()
	started := sched.started
	sched.mu.RUnlock()
	if started {
		t.Error("expected started to be false after stop")
	}

	t.Run("stop is idempotent", func(t *testing.T) {
		sched.Stop()
		sched.Stop()
	})
}

func TestJobManagement(t *testing.T) {
	sched, _, _, _ := newTestScheduler()
	sched.mu.Lock()
	sched.started = true
	sched.mu.Unlock()
	defer sched.Stop()

	var runs atomic.Int32
	sched.AddJob("custom", time.Hour, func(context.Context) { runs.Add(1) })
	eventually(t, func() bool { return runs.Load() == 1 })

	t.Run("replacing a job keeps one entry", func(t *testing.T) {
		sched.AddJob("custom", 2*time.Hour, func(context.Context) { runs.Add(1) })
		if got := sched.GetJobCount(); got != 1 {
			t.Errorf("expected 1 job, got %d", got)
		}
		sched.mu.RLock()
		interval := sched.jobs["custom"].interval
		sched.mu.RUnlock()
		if interval != 2*time.Hour {
			t.Errorf("expected interval 2h, got %v", interval)
		}
	})

	t.Run("interval update applies to an existing job", func(t *testing.T) {
		sched.UpdateJobInterval("custom", 30*time.Minute)
		sched.UpdateJobInterval("missing", 30*time.Minute)
		sched.mu.RLock()
		interval := sched.jobs["custom"].interval
		sched.mu.RUnlock()
		if interval != 30*time.Minute {
			t.Errorf("expected interval 30m, got %v", interval)
		}
	})

	t.Run("trigger runs the job out of schedule", func(t *testing.T) {
		before := runs.Load()
		if !sched.TriggerJob("custom") {
			t.Fatal("expected job to be triggered")
		}
		eventually(t, func() bool { return runs.Load() > before })
		if sched.TriggerJob("missing") {
			t.Error("expected unknown job not to trigger")
		}
	})

	t.Run("remove drops the job", func(t *testing.T) {
		sched.RemoveJob("custom")
		sched.RemoveJob("missing")
		if got := sched.GetJobCount(); got != 0 {
			t.Errorf("expected 0 jobs, got %d", got)
		}
	})
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	poller := &fakePoller{block: make(chan struct{})}
	tasks := NewTasks(&fakeChannels{status: statusOf(model.ChannelActive)}, poller, &fakeCleaner{}, nil, "")
	sched := New(tasks, Intervals{Renew: -1, Poll: time.Hour})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	eventually(t, func() bool { return poller.calls.Load() == 1 })

	// The initial run holds the job lock, so this run is dropped.
	sched.execute(&Job{name: JobPoll, run: func(ctx context.Context) { _, _ = tasks.Poll(ctx) }})
	if got := poller.calls.Load(); got != 1 {
		t.Errorf("expected overlapping run skipped, got %d calls", got)
	}

	close(poller.block)
	sched.Stop()
}

func TestGetJobLock(t *testing.T) {
	t.Run("same job returns same lock", func(t *testing.T) {
		sched := New(nil, Intervals{})
		if sched.getJobLock(JobPoll) != sched.getJobLock(JobPoll) {
			t.Error("expected same lock for same job")
		}
		if sched.getJobLock(JobPoll) == sched.getJobLock(JobRenew) {
			t.Error("expected different locks for different jobs")
		}
	})

	t.Run("concurrent access is safe", func(t *testing.T) {
		sched := New(nil, Intervals{})
		var wg sync.WaitGroup
		locks := make([]*sync.Mutex, 50)
		for i := range locks {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				locks[idx] = sched.getJobLock(JobCleanup)
			}(i)
		}
		wg.Wait()
		for i := 1; i < len(locks); i++ {
			if locks[i] != locks[0] {
				t.Fatal("expected all locks to be the same")
			}
		}
	})
}
