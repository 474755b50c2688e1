package webhook

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/macjediwizard/calnotionsync/internal/kv"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notion/notiontest"
	"github.com/macjediwizard/calnotionsync/internal/state"
)

const testDatabase = "0f3c9a1be5a04f5e9d1f2a7b8c9d0e1f"

func newSubscriptionManager(t *testing.T) (*SubscriptionManager, *notiontest.Subscriptions, *state.Store) {
	t.Helper()
	api := notiontest.NewSubscriptions()
	st := state.New(kv.NewMemory())
	return NewSubscriptionManager(api, st, testDatabase), api, st
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	m, api, st := newSubscriptionManager(t)

	sub, err := m.Create(ctx, "https://sync.example.com/webhooks/notion", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sub.DatabaseID != testDatabase || sub.VerificationToken != model.PendingVerificationToken {
		t.Errorf("unexpected subscription: %+v", sub)
	}
	if _, ok := api.Remote[sub.SubscriptionID]; !ok {
		t.Error("expected upstream subscription")
	}

	t.Run("pending subscription has no token", func(t *testing.T) {
		token, err := m.VerificationToken(ctx)
		if err != nil || token != "" {
			t.Errorf("expected empty token, got %q %v", token, err)
		}
		status, _, err := m.ReconcileWithProvider(ctx)
		if err != nil || status != model.SubscriptionVerificationRequired {
			t.Errorf("expected verification required, got %s %v", status, err)
		}
	})

	t.Run("verification challenge keeps the subscription id", func(t *testing.T) {
		got, err := m.HandleVerificationChallenge(ctx, "secret_abc")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.SubscriptionID != sub.SubscriptionID || got.VerificationToken != "secret_abc" {
			t.Errorf("unexpected subscription: %+v", got)
		}
		if _, err := m.HandleVerificationChallenge(ctx, "  "); !model.IsValidation(err) {
			t.Errorf("expected validation error for empty token, got %v", err)
		}
	})

	t.Run("active upstream subscription marks it verified", func(t *testing.T) {
		api.Remote[sub.SubscriptionID].State = "active"
		status, got, err := m.ReconcileWithProvider(ctx)
		if err != nil || status != model.SubscriptionActive {
			t.Fatalf("expected active, got %s %v", status, err)
		}
		if !got.Verified {
			t.Error("expected verified flag")
		}
	})

	t.Run("create resets the previous subscription", func(t *testing.T) {
		next, err := m.Create(ctx, "https://sync.example.com/webhooks/notion", "")
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if next.SubscriptionID == sub.SubscriptionID || next.Verified {
			t.Errorf("expected a fresh subscription, got %+v", next)
		}
		if len(api.Deleted) != 1 || api.Deleted[0] != sub.SubscriptionID {
			t.Errorf("expected old subscription deleted upstream, got %v", api.Deleted)
		}
	})

	t.Run("delete removes local state", func(t *testing.T) {
		res, err := m.Delete(ctx)
		if err != nil || res != model.DeleteDeleted {
			t.Fatalf("expected deleted, got %s %v", res, err)
		}
		if _, err := st.GetSubscription(ctx); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("expected no subscription, got %v", err)
		}
		res, err = m.Delete(ctx)
		if err != nil || res != model.DeleteAlreadyAbsent {
			t.Errorf("expected already absent, got %s %v", res, err)
		}
	})
}

func TestManualSubscriptionFallback(t *testing.T) {
	ctx := context.Background()
	m, api, _ := newSubscriptionManager(t)
	api.Unsupported = true

	sub, err := m.Create(ctx, "https://sync.example.com/webhooks/notion", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(sub.SubscriptionID, manualPrefix) {
		t.Errorf("expected manual subscription id, got %q", sub.SubscriptionID)
	}

	if _, err := m.HandleVerificationChallenge(ctx, "secret_xyz"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, _, err := m.ReconcileWithProvider(ctx)
	if err != nil || status != model.SubscriptionVerificationRequired {
		t.Errorf("expected verification required before first signed event, got %s %v", status, err)
	}

	if err := m.MarkVerified(ctx); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	status, _, err = m.ReconcileWithProvider(ctx)
	if err != nil || status != model.SubscriptionActive {
		t.Errorf("expected active, got %s %v", status, err)
	}

	res, err := m.Delete(ctx)
	if err != nil || res != model.DeleteDeleted || len(api.Deleted) != 0 {
		t.Errorf("expected local-only delete, got %s %v upstream=%v", res, err, api.Deleted)
	}
}

func TestSubscriptionForAnotherDatabaseIsRemoved(t *testing.T) {
	ctx := context.Background()
	m, _, st := newSubscriptionManager(t)
	_ = st.SaveSubscription(ctx, &model.Subscription{SubscriptionID: "manual-1", DatabaseID: "other", VerificationToken: "t", Verified: true})

	status, sub, err := m.ReconcileWithProvider(ctx)
	if err != nil || status != model.SubscriptionNotFound || sub != nil {
		t.Errorf("expected not found, got %s %+v %v", status, sub, err)
	}
	if _, err := st.GetSubscription(ctx); err == nil {
		t.Error("expected mismatched subscription to be deleted")
	}
}
