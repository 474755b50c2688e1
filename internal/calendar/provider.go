// Package calendar provides the calendar side of the sync: a provider
// interface over canonical events plus Google Calendar and CalDAV clients.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/model"
)

var (
	ErrEventNotFound    = errors.New("calendar event not found")
	ErrWatchUnsupported = errors.New("calendar provider does not support push notifications")
	ErrNotConfigured    = errors.New("calendar provider not configured")
)

// Changes is one incremental fetch result.
type Changes struct {
	Events []*model.Event
	// NextCursor is the cursor to persist once Events are processed.
	NextCursor string
	// CursorInvalid is set when the provider rejected the cursor; Events is empty.
	CursorInvalid bool
}

// Channel is the provider's answer to a watch request.
type Channel struct {
	ChannelID  string
	ResourceID string
	Expiration int64 // epoch milliseconds
}

// Provider is the calendar collaborator used by the engines.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string
	// CalendarID is the calendar this provider reads and writes.
	CalendarID() string

	// ListChangesSince returns events changed since cursor, including cancelled ones.
	// An empty cursor lists everything and is used to establish a fresh cursor.
	ListChangesSince(ctx context.Context, cursor string) (*Changes, error)
	// ListChangesInWindow returns events starting within [since, until], expanded to instances.
	ListChangesInWindow(ctx context.Context, since, until time.Time) ([]*model.Event, error)

	Watch(ctx context.Context, url string) (*Channel, error)
	StopWatch(ctx context.Context, channelID, resourceID string) error

	GetEvent(ctx context.Context, id string) (*model.Event, error)
	// GetEventByForeignKey finds the event linked to a structured-store record.
	GetEventByForeignKey(ctx context.Context, storeID string) (*model.Event, error)
	CreateEvent(ctx context.Context, e *model.Event) (*model.Event, error)
	// UpdateEvent patches only the named canonical fields.
	UpdateEvent(ctx context.Context, e *model.Event, fields []string) (*model.Event, error)
	// SetLink writes the structured-store id onto an event.
	SetLink(ctx context.Context, eventID, storeID string) error
	DeleteEvent(ctx context.Context, id string) error
}

// DeleteIfExists deletes an event that may already be gone.
func DeleteIfExists(ctx context.Context, p Provider, id string) (model.DeleteResult, error) {
	if id == "" {
		return model.DeleteAlreadyAbsent, nil
	}
	err := p.DeleteEvent(ctx, id)
	switch {
	case err == nil:
		return model.DeleteDeleted, nil
	case errors.Is(err, ErrEventNotFound), model.IsNotFound(err):
		return model.DeleteAlreadyAbsent, nil
	default:
		return model.DeleteError, err
	}
}

// StopIfExists stops a push channel that may already be gone.
func StopIfExists(ctx context.Context, p Provider, channelID, resourceID string) (model.DeleteResult, error) {
	if channelID == "" {
		return model.DeleteAlreadyAbsent, nil
	}
	err := p.StopWatch(ctx, channelID, resourceID)
	switch {
	case err == nil:
		return model.DeleteDeleted, nil
	case model.IsNotFound(err), errors.Is(err, ErrWatchUnsupported):
		return model.DeleteAlreadyAbsent, nil
	default:
		return model.DeleteError, err
	}
}

func hasField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

// EstablishCursor lists with no cursor and returns the provider's fresh cursor.
func EstablishCursor(ctx context.Context, p Provider) (string, error) {
	changes, err := p.ListChangesSince(ctx, "")
	if err != nil {
		return "", err
	}
	return changes.NextCursor, nil
}
