package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/activity"
	"github.com/macjediwizard/calnotionsync/internal/dedup"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notion"
	"github.com/macjediwizard/calnotionsync/internal/reconcile"
	"github.com/macjediwizard/calnotionsync/internal/state"
)

// Calendar push headers.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderMessageNumber = "X-Goog-Message-Number"

	HeaderNotionSignature = "X-Notion-Signature"
)

// Resource states reported by calendar push notifications.
const (
	StateSync      = "sync"
	StateExists    = "exists"
	StateNotExists = "not_exists"
)

// CalendarNotification is a parsed calendar push delivery.
type CalendarNotification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	MessageNumber string
}

// DeliveryKey returns the dedup key, or "" when the delivery carries no
// message number.
func (n *CalendarNotification) DeliveryKey() string {
	if n.MessageNumber == "" {
		return ""
	}
	return "calendar:" + n.ChannelID + ":" + n.MessageNumber
}

// ParseCalendarNotification reads the push headers.
func ParseCalendarNotification(h http.Header) (*CalendarNotification, error) {
	n := &CalendarNotification{
		ChannelID:     strings.TrimSpace(h.Get(HeaderChannelID)),
		ResourceID:    strings.TrimSpace(h.Get(HeaderResourceID)),
		ResourceState: strings.TrimSpace(h.Get(HeaderResourceState)),
		MessageNumber: strings.TrimSpace(h.Get(HeaderMessageNumber)),
	}
	if n.ChannelID == "" {
		return nil, &model.ValidationError{Reason: "missing channel id"}
	}
	switch n.ResourceState {
	case StateSync, StateExists, StateNotExists:
	case "":
		return nil, &model.ValidationError{Reason: "missing resource state"}
	default:
		return nil, &model.ValidationError{Reason: "unknown resource state " + n.ResourceState}
	}
	return n, nil
}

// ValidateNotification checks a delivery against the stored channel.
func (m *ChannelManager) ValidateNotification(ctx context.Context, n *CalendarNotification) (*model.WebhookChannel, error) {
	ch, err := m.state.GetChannel(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return nil, &model.ChannelStateError{Reason: "no channel registered"}
	}
	if err != nil {
		return nil, err
	}
	if ch.ChannelID != n.ChannelID {
		return nil, &model.ValidationError{Reason: "unknown channel " + n.ChannelID, Unauthorized: true}
	}
	if n.ResourceID != "" && ch.ResourceID != n.ResourceID {
		return nil, &model.ValidationError{Reason: "resource id does not match channel", Unauthorized: true}
	}
	if m.mismatched(ch) {
		return nil, &model.ChannelStateError{Reason: "channel is bound to calendar " + ch.CalendarID}
	}
	return ch, nil
}

// NotionPayload is a Notion webhook body: either a verification challenge
// or a typed event.
type NotionPayload struct {
	VerificationToken string `json:"verification_token,omitempty"`
	ID                string `json:"id,omitempty"`
	Type              string `json:"type,omitempty"`
	Timestamp         string `json:"timestamp,omitempty"`
	SubscriptionID    string `json:"subscription_id,omitempty"`
	Entity            struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
	Data struct {
		Parent struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"parent"`
	} `json:"data"`
}

// IsVerification reports whether the payload is a verification challenge.
func (p *NotionPayload) IsVerification() bool {
	return p.VerificationToken != "" && p.Type == ""
}

// ParseNotionPayload decodes a Notion webhook body.
func ParseNotionPayload(body []byte) (*NotionPayload, error) {
	var p NotionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &model.ValidationError{Reason: "malformed body: " + err.Error()}
	}
	if !p.IsVerification() && p.Type == "" {
		return nil, &model.ValidationError{Reason: "missing event type"}
	}
	return &p, nil
}

// Sign returns the signature header value for body.
func Sign(body []byte, token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Notion-Signature header against the raw body.
func VerifySignature(body []byte, header, token string) error {
	if token == "" {
		return &model.ValidationError{Reason: "no verification token stored", Unauthorized: true}
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return &model.ValidationError{Reason: "missing signature", Unauthorized: true}
	}
	if !hmac.Equal([]byte(header), []byte(Sign(body, token))) {
		return &model.ValidationError{Reason: "invalid signature", Unauthorized: true}
	}
	return nil
}

// Syncer is the reconciliation work a delivery triggers.
type Syncer interface {
	SyncCalendarIncremental(ctx context.Context) (*reconcile.Result, error)
	HandleStoreEvent(ctx context.Context, kind reconcile.StoreEventKind, pageID string) (*reconcile.Result, error)
}

// Outcome is the result of handling a delivery.
type Outcome struct {
	Status  model.LogStatus   `json:"status"`
	Kind    string            `json:"kind"`
	Message string            `json:"message,omitempty"`
	Result  *reconcile.Result `json:"result,omitempty"`
}

// Ingress validates deliveries from both providers and dispatches them.
type Ingress struct {
	channels      *ChannelManager
	subscriptions *SubscriptionManager
	dedup         *dedup.Deduper
	log           *activity.Log
	sync          Syncer
	databaseID    string
}

// NewIngress creates an Ingress.
func NewIngress(channels *ChannelManager, subs *SubscriptionManager, d *dedup.Deduper, logs *activity.Log, sync Syncer, databaseID string) *Ingress {
	return &Ingress{
		channels:      channels,
		subscriptions: subs,
		dedup:         d,
		log:           logs,
		sync:          sync,
		databaseID:    databaseID,
	}
}

func (in *Ingress) audit(ctx context.Context, provider, kind, key string, out *Outcome, err error, start time.Time) {
	if in.log == nil {
		return
	}
	entry := model.WebhookLogEntry{
		Provider:    provider,
		Kind:        kind,
		DeliveryKey: key,
		Status:      out.Status,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	} else if out.Message != "" {
		entry.Error = out.Message
	}
	in.log.LogWebhook(context.WithoutCancel(ctx), entry)
}

func rejected(err error) model.LogStatus {
	if model.IsValidation(err) {
		return model.LogRejected
	}
	return model.LogError
}

// HandleCalendar processes a calendar push delivery.
func (in *Ingress) HandleCalendar(ctx context.Context, h http.Header) (out *Outcome, err error) {
	start := time.Now()
	out = &Outcome{}
	var key string
	defer func() {
		if err != nil && out.Status == "" {
			out.Status = rejected(err)
		}
		in.audit(ctx, "calendar", out.Kind, key, out, err, start)
	}()

	n, err := ParseCalendarNotification(h)
	if err != nil {
		return out, err
	}
	out.Kind = n.ResourceState
	key = n.DeliveryKey()

	if _, err := in.channels.ValidateNotification(ctx, n); err != nil {
		return out, err
	}

	switch n.ResourceState {
	case StateSync:
		out.Status = model.LogIgnored
		out.Message = "channel handshake"
		return out, nil
	case StateNotExists:
		if err := in.channels.Expire(ctx); err != nil {
			return out, err
		}
		log.Printf("[Webhook] Calendar reported channel %s gone; channel record removed", n.ChannelID)
		out.Status = model.LogIgnored
		out.Message = "resource gone, channel expired"
		return out, nil
	}

	fresh, err := in.dedup.ShouldProcess(ctx, key)
	if err != nil {
		return out, err
	}
	if !fresh {
		out.Status = model.LogDuplicate
		return out, nil
	}

	res, err := in.sync.SyncCalendarIncremental(ctx)
	out.Result = res
	if err != nil {
		return out, err
	}
	out.Status = model.LogSuccess
	return out, nil
}

// HandleNotion processes a Notion webhook delivery given its raw body and
// signature header.
func (in *Ingress) HandleNotion(ctx context.Context, body []byte, signature string) (out *Outcome, err error) {
	start := time.Now()
	out = &Outcome{}
	var key string
	defer func() {
		if err != nil && out.Status == "" {
			out.Status = rejected(err)
		}
		in.audit(ctx, "notion", out.Kind, key, out, err, start)
	}()

	p, err := ParseNotionPayload(body)
	if err != nil {
		return out, err
	}

	if p.IsVerification() {
		out.Kind = "verification"
		if _, err := in.subscriptions.HandleVerificationChallenge(ctx, p.VerificationToken); err != nil {
			return out, err
		}
		out.Status = model.LogSuccess
		return out, nil
	}

	out.Kind = p.Type
	token, err := in.subscriptions.VerificationToken(ctx)
	if err != nil {
		return out, err
	}
	if err := VerifySignature(body, signature, token); err != nil {
		return out, err
	}
	if err := in.subscriptions.MarkVerified(ctx); err != nil && !errors.Is(err, state.ErrNotFound) {
		log.Printf("[Webhook] Failed to mark subscription verified: %v", err)
	}

	kind, ok := reconcile.ParseStoreEventKind(p.Type)
	if !ok || (p.Entity.Type != "" && p.Entity.Type != "page") {
		out.Status = model.LogIgnored
		out.Message = "unhandled event type"
		return out, nil
	}
	if p.Data.Parent.ID != "" && strings.HasPrefix(p.Data.Parent.Type, "database") && in.databaseID != "" &&
		!notion.SameID(p.Data.Parent.ID, in.databaseID) {
		out.Status = model.LogIgnored
		out.Message = "page belongs to another database"
		return out, nil
	}

	if p.ID != "" {
		key = "notion:" + p.ID
	}
	fresh, err := in.dedup.ShouldProcess(ctx, key)
	if err != nil {
		return out, err
	}
	if !fresh {
		out.Status = model.LogDuplicate
		return out, nil
	}

	res, err := in.sync.HandleStoreEvent(ctx, kind, p.Entity.ID)
	out.Result = res
	if err != nil {
		return out, fmt.Errorf("failed to apply %s for page %s: %w", p.Type, p.Entity.ID, err)
	}
	out.Status = model.LogSuccess
	if res != nil && res.Errors > 0 {
		out.Status = model.LogError
	}
	return out, nil
}
