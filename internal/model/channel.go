package model

import (
	"time"
)

// WebhookChannel is the calendar provider's time-bounded push channel.
type WebhookChannel struct {
	ChannelID     string    `json:"channel_id"`
	ResourceID    string    `json:"resource_id"`
	Expiration    int64     `json:"expiration"` // epoch milliseconds
	CalendarID    string    `json:"calendar_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastRenewedAt time.Time `json:"last_renewed_at"`
}

// ExpiresAt returns the channel expiration as a time.
func (c *WebhookChannel) ExpiresAt() time.Time {
	return time.UnixMilli(c.Expiration)
}

// PendingVerificationToken is stored until the provider delivers the real token.
const PendingVerificationToken = "pending"

// Subscription is the structured-store provider's webhook registration.
type Subscription struct {
	SubscriptionID    string    `json:"subscription_id"`
	DatabaseID        string    `json:"database_id"`
	VerificationToken string    `json:"verification_token"`
	CreatedAt         time.Time `json:"created_at"`
	Verified          bool      `json:"verified"`
}

// HasToken returns true once the real verification token has been received.
func (s *Subscription) HasToken() bool {
	return s.VerificationToken != "" && s.VerificationToken != PendingVerificationToken
}

// SubscriptionState is the classified state of the structured-store subscription.
type SubscriptionState string

const (
	SubscriptionActive               SubscriptionState = "active"
	SubscriptionVerificationRequired SubscriptionState = "verification_required"
	SubscriptionNotFound             SubscriptionState = "not_found"
	SubscriptionUnknown              SubscriptionState = "unknown"
)

// ChannelState is the classified state of the calendar push channel.
type ChannelState string

const (
	ChannelAbsent     ChannelState = "absent"
	ChannelActive     ChannelState = "active"
	ChannelExpiring   ChannelState = "expiring"
	ChannelExpired    ChannelState = "expired"
	ChannelMismatched ChannelState = "mismatched"
)
