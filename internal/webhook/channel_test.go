package webhook

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/calendar/calendartest"
	"github.com/macjediwizard/calnotionsync/internal/kv"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/state"
	"github.com/macjediwizard/calnotionsync/internal/validator"
)

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newChannelManager(t *testing.T) (*ChannelManager, *calendartest.Fake, *state.Store) {
	t.Helper()
	cal := calendartest.New()
	cal.Now = func() time.Time { return fixedNow }
	st := state.New(kv.NewMemory())
	m := NewChannelManager(cal, st, 0)
	m.now = func() time.Time { return fixedNow }
	return m, cal, st
}

func channelExpiringIn(d time.Duration) *model.WebhookChannel {
	return &model.WebhookChannel{
		ChannelID:  "ch-1",
		ResourceID: "res-1",
		Expiration: fixedNow.Add(d).UnixMilli(),
		CalendarID: "fake-calendar",
		CreatedAt:  fixedNow.Add(-24 * time.Hour),
	}
}

func TestNeedsRenewalBoundary(t *testing.T) {
	m, _, _ := newChannelManager(t)

	tests := []struct {
		name string
		in   time.Duration
		want bool
	}{
		{"exactly at the threshold is not renewed", DefaultRenewalThreshold, false},
		{"just inside the threshold is renewed", DefaultRenewalThreshold - time.Millisecond, true},
		{"well before the threshold is not renewed", 3 * 24 * time.Hour, false},
		{"already expired is renewed", -time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.NeedsRenewal(channelExpiringIn(tt.in)); got != tt.want {
				t.Errorf("NeedsRenewal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiredBoundary(t *testing.T) {
	m, _, _ := newChannelManager(t)
	if !m.IsExpired(channelExpiringIn(0)) {
		t.Error("expected channel expiring now to be expired")
	}
	if m.IsExpired(channelExpiringIn(time.Millisecond)) {
		t.Error("expected channel expiring in 1ms to be live")
	}
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	m, cal, st := newChannelManager(t)

	t.Run("records the channel and a cursor", func(t *testing.T) {
		ch, err := m.Setup(ctx, "https://sync.example.com/webhooks/calendar")
		if err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if len(cal.Watches) != 1 || ch.ChannelID != cal.Watches[0].ChannelID {
			t.Fatalf("expected one watch, got %+v", cal.Watches)
		}
		if ch.CalendarID != "fake-calendar" || !ch.CreatedAt.Equal(fixedNow) {
			t.Errorf("unexpected channel: %+v", ch)
		}
		ss, err := st.GetSyncState(ctx)
		if err != nil || ss.SyncToken == "" {
			t.Errorf("expected a sync cursor, got %+v %v", ss, err)
		}
	})

	t.Run("replaces and stops the existing channel", func(t *testing.T) {
		old, _ := st.GetChannel(ctx)
		ch, err := m.Setup(ctx, "https://sync.example.com/webhooks/calendar")
		if err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if len(cal.Stopped) != 1 || cal.Stopped[0] != old.ChannelID {
			t.Errorf("expected old channel stopped, got %v", cal.Stopped)
		}
		stored, _ := st.GetChannel(ctx)
		if stored.ChannelID != ch.ChannelID {
			t.Errorf("expected stored channel %s, got %s", ch.ChannelID, stored.ChannelID)
		}
	})

	t.Run("watch failure is a setup error", func(t *testing.T) {
		cal.Err["watch"] = errors.New("quota")
		defer delete(cal.Err, "watch")
		if _, err := m.Setup(ctx, "https://sync.example.com/webhooks/calendar"); !errors.Is(err, ErrChannelSetup) {
			t.Errorf("expected ErrChannelSetup, got %v", err)
		}
	})
}

func TestRenew(t *testing.T) {
	ctx := context.Background()

	t.Run("missing channel is a channel state error", func(t *testing.T) {
		m, _, _ := newChannelManager(t)
		_, _, err := m.Renew(ctx, "https://x")
		if !model.IsChannelState(err) {
			t.Errorf("expected channel state error, got %v", err)
		}
	})

	t.Run("healthy channel is left alone", func(t *testing.T) {
		m, cal, st := newChannelManager(t)
		_ = st.SaveChannel(ctx, channelExpiringIn(2*24*time.Hour))
		renewed, ch, err := m.Renew(ctx, "https://x")
		if err != nil || renewed {
			t.Fatalf("expected no renewal, got %v %v", renewed, err)
		}
		if ch.ChannelID != "ch-1" || len(cal.Watches) != 0 {
			t.Errorf("unexpected renewal side effects: %+v watches=%d", ch, len(cal.Watches))
		}
	})

	t.Run("expiring channel is replaced keeping its creation time", func(t *testing.T) {
		m, cal, st := newChannelManager(t)
		old := channelExpiringIn(time.Hour)
		_ = st.SaveChannel(ctx, old)
		renewed, ch, err := m.Renew(ctx, "https://x")
		if err != nil || !renewed {
			t.Fatalf("expected renewal, got %v %v", renewed, err)
		}
		if ch.ChannelID == old.ChannelID || !ch.CreatedAt.Equal(old.CreatedAt) {
			t.Errorf("unexpected renewed channel: %+v", ch)
		}
		if !ch.LastRenewedAt.Equal(fixedNow) {
			t.Errorf("expected renewal time %v, got %v", fixedNow, ch.LastRenewedAt)
		}
		if len(cal.Stopped) != 1 || cal.Stopped[0] != "ch-1" {
			t.Errorf("expected old channel stopped, got %v", cal.Stopped)
		}
	})

	t.Run("channel bound to another calendar is replaced", func(t *testing.T) {
		m, _, st := newChannelManager(t)
		old := channelExpiringIn(5 * 24 * time.Hour)
		old.CalendarID = "someone-else"
		_ = st.SaveChannel(ctx, old)
		renewed, ch, err := m.Renew(ctx, "https://x")
		if err != nil || !renewed {
			t.Fatalf("expected renewal, got %v %v", renewed, err)
		}
		if ch.CalendarID != "fake-calendar" || !ch.CreatedAt.Equal(fixedNow) {
			t.Errorf("unexpected channel: %+v", ch)
		}
	})

	t.Run("stop failure does not block renewal", func(t *testing.T) {
		m, cal, st := newChannelManager(t)
		_ = st.SaveChannel(ctx, channelExpiringIn(time.Minute))
		cal.Err["stop"] = errors.New("boom")
		renewed, _, err := m.Renew(ctx, "https://x")
		if err != nil || !renewed {
			t.Errorf("expected renewal despite stop failure, got %v %v", renewed, err)
		}
	})
}

func TestPrivateCallbackIsRefused(t *testing.T) {
	ctx := context.Background()
	m, cal, st := newChannelManager(t)
	m.CheckCallbacks(validator.New(validator.WithResolver(func(context.Context, string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("10.0.0.5")}, nil
	})))
	const callback = "https://sync.internal/webhooks/calendar"

	t.Run("setup is refused before any watch", func(t *testing.T) {
		_, err := m.Setup(ctx, callback)
		if !model.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if len(cal.Watches) != 0 {
			t.Errorf("expected no watch, got %d", len(cal.Watches))
		}
	})

	t.Run("renewal keeps the existing channel", func(t *testing.T) {
		old := channelExpiringIn(time.Hour)
		_ = st.SaveChannel(ctx, old)
		_, _, err := m.Renew(ctx, callback)
		if !model.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if len(cal.Stopped) != 0 || len(cal.Watches) != 0 {
			t.Errorf("expected no upstream calls, got stopped=%v watches=%d", cal.Stopped, len(cal.Watches))
		}
		got, err := st.GetChannel(ctx)
		if err != nil || got.ChannelID != old.ChannelID {
			t.Errorf("expected channel %s to remain, got %+v (%v)", old.ChannelID, got, err)
		}
	})
}

func TestStopAndStatus(t *testing.T) {
	ctx := context.Background()
	m, cal, st := newChannelManager(t)

	t.Run("absent channel", func(t *testing.T) {
		status, err := m.Status(ctx)
		if err != nil || status.State != model.ChannelAbsent {
			t.Errorf("expected absent, got %+v %v", status, err)
		}
		res, err := m.Stop(ctx)
		if err != nil || res != model.DeleteAlreadyAbsent {
			t.Errorf("expected already absent, got %s %v", res, err)
		}
	})

	t.Run("classifies the stored channel", func(t *testing.T) {
		tests := []struct {
			name string
			ch   *model.WebhookChannel
			want model.ChannelState
		}{
			{"active", channelExpiringIn(24 * time.Hour), model.ChannelActive},
			{"expiring", channelExpiringIn(time.Hour), model.ChannelExpiring},
			{"expired", channelExpiringIn(-time.Hour), model.ChannelExpired},
		}
		for _, tt := range tests {
			_ = st.SaveChannel(ctx, tt.ch)
			status, err := m.Status(ctx)
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if status.State != tt.want {
				t.Errorf("%s: expected %s, got %s", tt.name, tt.want, status.State)
			}
		}

		other := channelExpiringIn(24 * time.Hour)
		other.CalendarID = "other"
		_ = st.SaveChannel(ctx, other)
		if status, _ := m.Status(ctx); status.State != model.ChannelMismatched {
			t.Errorf("expected mismatched, got %s", status.State)
		}
	})

	t.Run("stop removes the record", func(t *testing.T) {
		_ = st.SaveChannel(ctx, channelExpiringIn(24*time.Hour))
		res, err := m.Stop(ctx)
		if err != nil || res != model.DeleteDeleted {
			t.Fatalf("expected deleted, got %s %v", res, err)
		}
		if _, err := st.GetChannel(ctx); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("expected channel record removed, got %v", err)
		}
		if cal.Stopped[len(cal.Stopped)-1] != "ch-1" {
			t.Errorf("expected upstream stop, got %v", cal.Stopped)
		}
	})
}
