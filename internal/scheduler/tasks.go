package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notify"
	"github.com/macjediwizard/calnotionsync/internal/reconcile"
	"github.com/macjediwizard/calnotionsync/internal/webhook"
)

// Channels is the calendar channel lifecycle used by the renewal task.
type Channels interface {
	Status(ctx context.Context) (*webhook.ChannelStatus, error)
	Setup(ctx context.Context, callbackURL string) (*model.WebhookChannel, error)
	Renew(ctx context.Context, callbackURL string) (bool, *model.WebhookChannel, error)
}

// Poller runs the fallback reconciliation pass.
type Poller interface {
	Poll(ctx context.Context) (*reconcile.Result, error)
}

// Cleaner removes expired state keys.
type Cleaner interface {
	CleanExpired(ctx context.Context) (int64, error)
}

// Alerter receives renewal failure and recovery notifications.
type Alerter interface {
	SendRenewalFailedAlert(ctx context.Context, channelID string, cause error) bool
	SendRecoveryAlert(ctx context.Context, subject string) bool
}

// RenewResult is the outcome of a renewal run.
type RenewResult struct {
	Action  string                `json:"action"` // "none", "renewed", "created"
	Channel *model.WebhookChannel `json:"channel,omitempty"`
}

// Tasks are the periodic maintenance operations. The scheduler runs them on
// tickers and the cron endpoints run them on demand.
type Tasks struct {
	channels    Channels
	poller      Poller
	cleaner     Cleaner
	alerter     Alerter
	callbackURL string
}

// NewTasks creates Tasks. callbackURL is the public calendar webhook URL;
// when empty a missing channel cannot be created.
func NewTasks(channels Channels, poller Poller, cleaner Cleaner, alerter Alerter, callbackURL string) *Tasks {
	return &Tasks{
		channels:    channels,
		poller:      poller,
		cleaner:     cleaner,
		alerter:     alerter,
		callbackURL: callbackURL,
	}
}

// RenewChannel keeps the calendar push channel alive. An absent or
// mismatched channel is set up from scratch; otherwise it is renewed when
// close to expiry.
func (t *Tasks) RenewChannel(ctx context.Context) (*RenewResult, error) {
	res, channelID, err := t.renew(ctx)
	if err != nil {
		log.Printf("[Scheduler] Channel renewal failed: %v", err)
		if t.alerter != nil {
			t.alerter.SendRenewalFailedAlert(ctx, channelID, err)
		}
		return nil, err
	}
	if t.alerter != nil {
		t.alerter.SendRecoveryAlert(ctx, notify.SubjectChannel)
	}
	return res, nil
}

func (t *Tasks) renew(ctx context.Context) (*RenewResult, string, error) {
	status, err := t.channels.Status(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read channel: %w", err)
	}
	var channelID string
	if status.Channel != nil {
		channelID = status.Channel.ChannelID
	}

	switch status.State {
	case model.ChannelActive:
		return &RenewResult{Action: "none", Channel: status.Channel}, channelID, nil
	case model.ChannelAbsent, model.ChannelMismatched:
		if t.callbackURL == "" {
			return nil, channelID, &model.ChannelStateError{Reason: fmt.Sprintf("channel is %s and BASE_URL is not configured", status.State)}
		}
		ch, err := t.channels.Setup(ctx, t.callbackURL)
		if err != nil {
			return nil, channelID, err
		}
		log.Printf("[Scheduler] Created calendar channel %s", ch.ChannelID)
		return &RenewResult{Action: "created", Channel: ch}, channelID, nil
	}

	if t.callbackURL == "" {
		return nil, channelID, &model.ChannelStateError{Reason: "channel needs renewal and BASE_URL is not configured"}
	}
	renewed, ch, err := t.channels.Renew(ctx, t.callbackURL)
	if err != nil {
		return nil, channelID, err
	}
	action := "none"
	if renewed {
		action = "renewed"
	}
	return &RenewResult{Action: action, Channel: ch}, channelID, nil
}

// Poll runs the fallback reconciliation pass.
func (t *Tasks) Poll(ctx context.Context) (*reconcile.Result, error) {
	res, err := t.poller.Poll(ctx)
	if err != nil {
		log.Printf("[Scheduler] Poll failed: %v", err)
		return res, err
	}
	log.Printf("[Scheduler] Poll completed: %d synced, %d deleted, %d errors", res.Synced, res.Deleted, res.Errors)
	return res, nil
}

// CleanExpired removes expired dedup keys and other TTL-scoped state.
func (t *Tasks) CleanExpired(ctx context.Context) (int64, error) {
	n, err := t.cleaner.CleanExpired(ctx)
	if err != nil {
		log.Printf("[Scheduler] Failed to clean expired keys: %v", err)
		return 0, err
	}
	if n > 0 {
		log.Printf("[Scheduler] Cleaned %d expired keys", n)
	}
	return n, nil
}
