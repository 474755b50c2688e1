package health

import (
	"context"
	"errors"
	"testing"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheck(t *testing.T) {
	ctx := context.Background()
	full := Providers{Calendar: "google", NotionDatabaseID: "db", CallbackURL: "https://x/webhooks/calendar"}

	t.Run("healthy when everything is configured", func(t *testing.T) {
		report := NewChecker(pinger{}, full).Check(ctx)
		if report.Status != StatusHealthy {
			t.Errorf("expected healthy, got %s: %+v", report.Status, report.Checks)
		}
		if len(report.Checks) != 4 {
			t.Errorf("expected 4 checks, got %d", len(report.Checks))
		}
	})

	t.Run("missing callback only degrades", func(t *testing.T) {
		p := full
		p.CallbackURL = ""
		report := NewChecker(pinger{}, p).Check(ctx)
		if report.Status != StatusDegraded || report.Checks["push"].Status != StatusDegraded {
			t.Errorf("expected degraded, got %+v", report)
		}
	})

	t.Run("store failure is unhealthy", func(t *testing.T) {
		report := NewChecker(pinger{err: errors.New("database is locked")}, full).Check(ctx)
		if report.Status != StatusUnhealthy || report.Checks["store"].Message != "database is locked" {
			t.Errorf("expected unhealthy store, got %+v", report)
		}
	})

	t.Run("nil store is unhealthy", func(t *testing.T) {
		if report := NewChecker(nil, full).Check(ctx); report.Status != StatusUnhealthy {
			t.Errorf("expected unhealthy, got %s", report.Status)
		}
	})
}

func TestLiveness(t *testing.T) {
	report := NewChecker(nil, Providers{}).Liveness()
	if report.Status != StatusHealthy || report.Checks != nil {
		t.Errorf("unexpected liveness report %+v", report)
	}
}
