// Package webhook manages the push registrations with both providers and
// validates their deliveries.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/calendar"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/state"
)

// DefaultRenewalThreshold is how long before expiry a channel is replaced.
const DefaultRenewalThreshold = 6 * time.Hour

var ErrChannelSetup = errors.New("failed to set up calendar channel")

// CallbackChecker vets a callback URL before it is registered upstream.
type CallbackChecker interface {
	ValidateCallbackURL(ctx context.Context, rawURL string) error
}

// ChannelManager maintains the single push channel for the configured calendar.
type ChannelManager struct {
	provider  calendar.Provider
	state     *state.Store
	checker   CallbackChecker
	threshold time.Duration
	now       func() time.Time
}

// NewChannelManager creates a ChannelManager. A non-positive threshold uses
// DefaultRenewalThreshold.
func NewChannelManager(provider calendar.Provider, st *state.Store, threshold time.Duration) *ChannelManager {
	if threshold <= 0 {
		threshold = DefaultRenewalThreshold
	}
	return &ChannelManager{provider: provider, state: st, threshold: threshold, now: time.Now}
}

// CheckCallbacks makes Setup and Renew refuse callback URLs that c rejects.
// The existing channel is left untouched when the URL is refused.
func (m *ChannelManager) CheckCallbacks(c CallbackChecker) {
	m.checker = c
}

func (m *ChannelManager) checkCallback(ctx context.Context, callbackURL string) error {
	if m.checker == nil {
		return nil
	}
	if err := m.checker.ValidateCallbackURL(ctx, callbackURL); err != nil {
		return &model.ValidationError{Reason: err.Error()}
	}
	return nil
}

// NeedsRenewal reports whether the channel expires within the threshold.
// A channel exactly threshold away from expiry does not need renewal.
func (m *ChannelManager) NeedsRenewal(ch *model.WebhookChannel) bool {
	return ch.ExpiresAt().Sub(m.now()) < m.threshold
}

// IsExpired reports whether the channel's expiration has been reached.
func (m *ChannelManager) IsExpired(ch *model.WebhookChannel) bool {
	return !m.now().Before(ch.ExpiresAt())
}

func (m *ChannelManager) mismatched(ch *model.WebhookChannel) bool {
	return ch.CalendarID != m.provider.CalendarID()
}

// Setup replaces any existing channel with a new one and establishes a
// fresh sync cursor.
func (m *ChannelManager) Setup(ctx context.Context, callbackURL string) (*model.WebhookChannel, error) {
	if err := m.checkCallback(ctx, callbackURL); err != nil {
		return nil, err
	}
	createdAt := m.now().UTC()
	if existing, err := m.state.GetChannel(ctx); err == nil {
		m.stopUpstream(ctx, existing)
	} else if !errors.Is(err, state.ErrNotFound) {
		log.Printf("[Webhook] Ignoring unreadable channel record: %v", err)
	}
	return m.replace(ctx, callbackURL, createdAt)
}

// Renew replaces the channel when it is close to expiry, expired or bound
// to another calendar. It reports whether a replacement was made.
func (m *ChannelManager) Renew(ctx context.Context, callbackURL string) (bool, *model.WebhookChannel, error) {
	existing, err := m.state.GetChannel(ctx)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return false, nil, &model.ChannelStateError{Reason: "no channel registered"}
		}
		return false, nil, err
	}

	if !m.mismatched(existing) && !m.NeedsRenewal(existing) {
		return false, existing, nil
	}

	if err := m.checkCallback(ctx, callbackURL); err != nil {
		return false, nil, err
	}
	createdAt := existing.CreatedAt
	if m.mismatched(existing) {
		log.Printf("[Webhook] Channel %s is bound to calendar %s, replacing", existing.ChannelID, existing.CalendarID)
		createdAt = m.now().UTC()
	}
	m.stopUpstream(ctx, existing)

	ch, err := m.replace(ctx, callbackURL, createdAt)
	if err != nil {
		return false, nil, err
	}
	log.Printf("[Webhook] Renewed channel %s -> %s (expires %s)", existing.ChannelID, ch.ChannelID, ch.ExpiresAt().UTC().Format(time.RFC3339))
	return true, ch, nil
}

func (m *ChannelManager) replace(ctx context.Context, callbackURL string, createdAt time.Time) (*model.WebhookChannel, error) {
	watched, err := m.provider.Watch(ctx, callbackURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelSetup, err)
	}

	ch := &model.WebhookChannel{
		ChannelID:     watched.ChannelID,
		ResourceID:    watched.ResourceID,
		Expiration:    watched.Expiration,
		CalendarID:    m.provider.CalendarID(),
		CreatedAt:     createdAt,
		LastRenewedAt: m.now().UTC(),
	}
	if err := m.state.SaveChannel(ctx, ch); err != nil {
		// An unrecorded channel would deliver notifications we reject; stop it.
		if _, stopErr := calendar.StopIfExists(ctx, m.provider, ch.ChannelID, ch.ResourceID); stopErr != nil {
			log.Printf("[Webhook] Failed to stop unrecorded channel %s: %v", ch.ChannelID, stopErr)
		}
		return nil, fmt.Errorf("%w: persist channel: %w", ErrChannelSetup, err)
	}

	if err := m.establishCursor(ctx); err != nil {
		return nil, fmt.Errorf("%w: establish sync cursor: %w", ErrChannelSetup, err)
	}
	return ch, nil
}

func (m *ChannelManager) establishCursor(ctx context.Context) error {
	cursor, err := calendar.EstablishCursor(ctx, m.provider)
	if err != nil {
		return err
	}
	return m.state.SaveSyncState(ctx, cursor, m.now().UTC())
}

func (m *ChannelManager) stopUpstream(ctx context.Context, ch *model.WebhookChannel) {
	res, err := calendar.StopIfExists(ctx, m.provider, ch.ChannelID, ch.ResourceID)
	if err != nil {
		log.Printf("[Webhook] Failed to stop channel %s (continuing): %v", ch.ChannelID, err)
		return
	}
	if res == model.DeleteAlreadyAbsent {
		log.Printf("[Webhook] Channel %s was already gone upstream", ch.ChannelID)
	}
}

// Stop tears the channel down upstream and removes the record.
func (m *ChannelManager) Stop(ctx context.Context) (model.DeleteResult, error) {
	ch, err := m.state.GetChannel(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return model.DeleteAlreadyAbsent, nil
	}
	if err != nil {
		return model.DeleteError, err
	}

	res, err := calendar.StopIfExists(ctx, m.provider, ch.ChannelID, ch.ResourceID)
	if err != nil {
		log.Printf("[Webhook] Failed to stop channel %s upstream: %v", ch.ChannelID, err)
	}
	if delErr := m.state.DeleteChannel(ctx); delErr != nil {
		return model.DeleteError, delErr
	}
	return res, nil
}

// ChannelStatus is the classified state of the stored channel.
type ChannelStatus struct {
	State     model.ChannelState    `json:"state"`
	Channel   *model.WebhookChannel `json:"channel,omitempty"`
	ExpiresIn string                `json:"expires_in,omitempty"`
}

// Status classifies the stored channel.
func (m *ChannelManager) Status(ctx context.Context) (*ChannelStatus, error) {
	ch, err := m.state.GetChannel(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return &ChannelStatus{State: model.ChannelAbsent}, nil
	}
	if err != nil {
		return nil, err
	}

	st := &ChannelStatus{Channel: ch}
	switch {
	case m.mismatched(ch):
		st.State = model.ChannelMismatched
	case m.IsExpired(ch):
		st.State = model.ChannelExpired
	case m.NeedsRenewal(ch):
		st.State = model.ChannelExpiring
	default:
		st.State = model.ChannelActive
	}
	if st.State != model.ChannelExpired {
		st.ExpiresIn = ch.ExpiresAt().Sub(m.now()).Round(time.Second).String()
	}
	return st, nil
}

// Expire removes the channel record after the provider reported the
// resource gone. The next renewal run sets up a new channel.
func (m *ChannelManager) Expire(ctx context.Context) error {
	return m.state.DeleteChannel(ctx)
}
