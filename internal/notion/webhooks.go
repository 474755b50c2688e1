package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/model"
)

// RemoteSubscription is a webhook subscription as reported by the API.
type RemoteSubscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	DatabaseID string    `json:"database_id,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_time"`
}

// Active reports whether the API considers the subscription live.
func (s *RemoteSubscription) Active() bool {
	return s.State == "active"
}

// SubscriptionAPI manages webhook subscriptions. Workspaces without API
// managed webhooks return ErrSubscriptionsUnsupported.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, url, databaseID string) (*RemoteSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]RemoteSubscription, error)
}

var _ SubscriptionAPI = (*Client)(nil)

func unsupported(err error, sentinel error) error {
	var pe *model.ProviderError
	if errors.As(err, &pe) && (pe.StatusCode == http.StatusNotFound || pe.StatusCode == http.StatusMethodNotAllowed) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func (c *Client) CreateSubscription(ctx context.Context, url, databaseID string) (*RemoteSubscription, error) {
	body := map[string]any{
		"url":         url,
		"database_id": normalizeID(databaseID),
		"event_types": []string{"page.created", "page.content_updated", "page.properties_updated", "page.deleted"},
	}
	var sub RemoteSubscription
	if err := c.do(ctx, "create subscription", http.MethodPost, "/v1/webhooks", body, &sub); err != nil {
		return nil, unsupported(err, ErrSubscriptionsUnsupported)
	}
	return &sub, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	if err := c.do(ctx, "delete subscription", http.MethodDelete, "/v1/webhooks/"+id, nil, nil); err != nil {
		var pe *model.ProviderError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusMethodNotAllowed {
			return fmt.Errorf("%w: %w", ErrSubscriptionsUnsupported, err)
		}
		return err
	}
	return nil
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]RemoteSubscription, error) {
	var res struct {
		Results []RemoteSubscription `json:"results"`
	}
	if err := c.do(ctx, "list subscriptions", http.MethodGet, "/v1/webhooks", nil, &res); err != nil {
		return nil, unsupported(err, ErrSubscriptionListUnsupport)
	}
	return res.Results, nil
}
