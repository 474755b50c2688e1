package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notion"
	"github.com/macjediwizard/calnotionsync/internal/state"
)

// manualPrefix marks subscriptions registered by hand in the integration
// settings because the API could not create them.
const manualPrefix = "manual-"

// SubscriptionManager tracks the Notion webhook subscription and its
// verification token.
type SubscriptionManager struct {
	api        notion.SubscriptionAPI
	state      *state.Store
	databaseID string
	now        func() time.Time
}

// NewSubscriptionManager creates a SubscriptionManager for the configured database.
func NewSubscriptionManager(api notion.SubscriptionAPI, st *state.Store, databaseID string) *SubscriptionManager {
	return &SubscriptionManager{api: api, state: st, databaseID: databaseID, now: time.Now}
}

// Create resets any existing subscription and registers a new one pending
// verification.
func (m *SubscriptionManager) Create(ctx context.Context, callbackURL, databaseID string) (*model.Subscription, error) {
	if databaseID == "" {
		databaseID = m.databaseID
	}
	if _, err := m.Delete(ctx); err != nil {
		return nil, fmt.Errorf("failed to reset subscription: %w", err)
	}

	var id string
	remote, err := m.api.CreateSubscription(ctx, callbackURL, databaseID)
	switch {
	case err == nil:
		id = remote.ID
	case errors.Is(err, notion.ErrSubscriptionsUnsupported):
		id = manualPrefix + uuid.NewString()
		log.Printf("[Webhook] Notion subscription must be added in the integration settings for %s; waiting for verification", callbackURL)
	default:
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	sub := &model.Subscription{
		SubscriptionID:    id,
		DatabaseID:        databaseID,
		VerificationToken: model.PendingVerificationToken,
		CreatedAt:         m.now().UTC(),
	}
	if err := m.state.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// HandleVerificationChallenge stores the token delivered by the provider,
// keeping any fields already recorded.
func (m *SubscriptionManager) HandleVerificationChallenge(ctx context.Context, token string) (*model.Subscription, error) {
	token = strings.TrimSpace(token)
	if token == "" || token == model.PendingVerificationToken {
		return nil, &model.ValidationError{Reason: "empty verification token"}
	}

	sub, err := m.state.GetSubscription(ctx)
	if errors.Is(err, state.ErrNotFound) {
		sub = &model.Subscription{DatabaseID: m.databaseID, CreatedAt: m.now().UTC()}
	} else if err != nil {
		return nil, err
	}
	sub.VerificationToken = token
	if err := m.state.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	log.Printf("[Webhook] Stored Notion verification token for subscription %q", sub.SubscriptionID)
	return sub, nil
}

// ReconcileWithProvider classifies the subscription, consulting the
// provider's list when it is available and the local verified flag otherwise.
func (m *SubscriptionManager) ReconcileWithProvider(ctx context.Context) (model.SubscriptionState, *model.Subscription, error) {
	sub, err := m.state.GetSubscription(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return model.SubscriptionNotFound, nil, nil
	}
	if err != nil {
		return model.SubscriptionUnknown, nil, err
	}

	if m.databaseID != "" && sub.DatabaseID != "" && !notion.SameID(sub.DatabaseID, m.databaseID) {
		log.Printf("[Webhook] Subscription %s targets database %s, not %s; removing", sub.SubscriptionID, sub.DatabaseID, m.databaseID)
		if _, err := m.Delete(ctx); err != nil {
			return model.SubscriptionUnknown, sub, err
		}
		return model.SubscriptionNotFound, nil, nil
	}

	if strings.HasPrefix(sub.SubscriptionID, manualPrefix) || sub.SubscriptionID == "" {
		return localState(sub), sub, nil
	}

	remote, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		if errors.Is(err, notion.ErrSubscriptionListUnsupport) || errors.Is(err, notion.ErrSubscriptionsUnsupported) {
			return localState(sub), sub, nil
		}
		log.Printf("[Webhook] Failed to list Notion subscriptions: %v", err)
		return model.SubscriptionUnknown, sub, nil
	}

	for _, r := range remote {
		if r.ID != sub.SubscriptionID {
			continue
		}
		if !r.Active() {
			return model.SubscriptionVerificationRequired, sub, nil
		}
		if !sub.Verified {
			sub.Verified = true
			if err := m.state.SaveSubscription(ctx, sub); err != nil {
				return model.SubscriptionUnknown, sub, err
			}
		}
		return model.SubscriptionActive, sub, nil
	}
	return model.SubscriptionNotFound, sub, nil
}

func localState(sub *model.Subscription) model.SubscriptionState {
	if sub.Verified && sub.HasToken() {
		return model.SubscriptionActive
	}
	return model.SubscriptionVerificationRequired
}

// MarkVerified records that the subscription is verified. It is a no-op
// when already verified.
func (m *SubscriptionManager) MarkVerified(ctx context.Context) error {
	sub, err := m.state.GetSubscription(ctx)
	if err != nil {
		return err
	}
	if sub.Verified {
		return nil
	}
	sub.Verified = true
	return m.state.SaveSubscription(ctx, sub)
}

// VerificationToken returns the stored token, or an empty string while
// verification is pending.
func (m *SubscriptionManager) VerificationToken(ctx context.Context) (string, error) {
	sub, err := m.state.GetSubscription(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !sub.HasToken() {
		return "", nil
	}
	return sub.VerificationToken, nil
}

// Delete removes the subscription upstream (best effort) and locally.
func (m *SubscriptionManager) Delete(ctx context.Context) (model.DeleteResult, error) {
	sub, err := m.state.GetSubscription(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return model.DeleteAlreadyAbsent, nil
	}
	if err != nil && !errors.Is(err, state.ErrCorrupt) {
		return model.DeleteError, err
	}

	res := model.DeleteDeleted
	if sub != nil && sub.SubscriptionID != "" && !strings.HasPrefix(sub.SubscriptionID, manualPrefix) {
		if err := m.api.DeleteSubscription(ctx, sub.SubscriptionID); err != nil {
			if model.IsNotFound(err) {
				res = model.DeleteAlreadyAbsent
			} else {
				log.Printf("[Webhook] Warning: failed to delete subscription %s upstream: %v", sub.SubscriptionID, err)
			}
		}
	}
	if err := m.state.DeleteSubscription(ctx); err != nil {
		return model.DeleteError, err
	}
	return res, nil
}
