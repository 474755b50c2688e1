// Package state persists the engine's typed records (push channels, sync
// cursor, backfill progress, link index and fingerprints) on a kv.Store.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/kv"
	"github.com/macjediwizard/calnotionsync/internal/model"
)

var (
	ErrNotFound = errors.New("state record not found")
	ErrCorrupt  = errors.New("state record corrupt")
)

// Side identifies which provider a per-record key belongs to.
type Side string

const (
	SideCalendar Side = "calendar"
	SideNotion   Side = "notion"
)

const (
	keyCalendarChannel    = "channel:calendar"
	keyNotionSubscription = "subscription:notion"
	keySyncState          = "syncstate:calendar"
	keyBackfillProgress   = "backfill:progress"
	keyBackfillCancel     = "backfill:cancel"
	keyBackfillLease      = "backfill:lease"
	prefixFingerprint     = "fp:"
	prefixLink            = "link:notion:"
)

// Store is the Channel State Store.
type Store struct {
	kv kv.Store
}

// New wraps a kv.Store.
func New(s kv.Store) *Store {
	return &Store{kv: s}
}

// KV returns the underlying store.
func (s *Store) KV() kv.Store {
	return s.kv
}

func (s *Store) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(data), 0); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GetChannel returns the stored calendar push channel or ErrNotFound.
func (s *Store) GetChannel(ctx context.Context) (*model.WebhookChannel, error) {
	var ch model.WebhookChannel
	if err := s.getJSON(ctx, keyCalendarChannel, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// SaveChannel replaces the stored calendar push channel.
func (s *Store) SaveChannel(ctx context.Context, ch *model.WebhookChannel) error {
	return s.setJSON(ctx, keyCalendarChannel, ch)
}

// DeleteChannel removes the stored calendar push channel.
func (s *Store) DeleteChannel(ctx context.Context) error {
	return s.kv.Delete(ctx, keyCalendarChannel)
}

// GetSubscription returns the stored Notion subscription or ErrNotFound.
func (s *Store) GetSubscription(ctx context.Context) (*model.Subscription, error) {
	var sub model.Subscription
	if err := s.getJSON(ctx, keyNotionSubscription, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// SaveSubscription replaces the stored Notion subscription.
func (s *Store) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	return s.setJSON(ctx, keyNotionSubscription, sub)
}

// DeleteSubscription removes the stored Notion subscription.
func (s *Store) DeleteSubscription(ctx context.Context) error {
	return s.kv.Delete(ctx, keyNotionSubscription)
}

// GetSyncState returns the calendar sync cursor. A missing record yields an empty state.
func (s *Store) GetSyncState(ctx context.Context) (*model.SyncState, error) {
	var st model.SyncState
	err := s.getJSON(ctx, keySyncState, &st)
	if errors.Is(err, ErrNotFound) {
		return &model.SyncState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveSyncState stores the cursor and stamps LastSync.
func (s *Store) SaveSyncState(ctx context.Context, token string, at time.Time) error {
	return s.setJSON(ctx, keySyncState, &model.SyncState{SyncToken: token, LastSync: at.UTC()})
}

// ClearSyncToken drops the cursor, keeping the last sync time.
func (s *Store) ClearSyncToken(ctx context.Context) error {
	st, err := s.GetSyncState(ctx)
	if err != nil {
		return err
	}
	st.SyncToken = ""
	return s.setJSON(ctx, keySyncState, st)
}

// GetBackfill returns the backfill progress. A missing record yields idle progress.
func (s *Store) GetBackfill(ctx context.Context) (*model.BackfillProgress, error) {
	var p model.BackfillProgress
	err := s.getJSON(ctx, keyBackfillProgress, &p)
	if errors.Is(err, ErrNotFound) {
		return model.IdleProgress(), nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveBackfill replaces the backfill progress.
func (s *Store) SaveBackfill(ctx context.Context, p *model.BackfillProgress) error {
	return s.setJSON(ctx, keyBackfillProgress, p)
}

// SetBackfillCancel sets or clears the persisted cancel request.
func (s *Store) SetBackfillCancel(ctx context.Context, cancel bool) error {
	if !cancel {
		return s.kv.Delete(ctx, keyBackfillCancel)
	}
	return s.kv.Set(ctx, keyBackfillCancel, "1", 0)
}

// BackfillCancelRequested reports whether a cancel request is persisted.
func (s *Store) BackfillCancelRequested(ctx context.Context) (bool, error) {
	_, err := s.kv.Get(ctx, keyBackfillCancel)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AcquireBackfillLease claims the run lease for owner. It reports false when
// another owner holds an unexpired lease.
func (s *Store) AcquireBackfillLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.kv.SetNX(ctx, keyBackfillLease, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim backfill lease: %w", err)
	}
	return ok, nil
}

// RenewBackfillLease extends owner's lease. It reports false when the lease
// expired or passed to another owner.
func (s *Store) RenewBackfillLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	holder, err := s.kv.Get(ctx, keyBackfillLease)
	if errors.Is(err, kv.ErrNotFound) {
		return s.AcquireBackfillLease(ctx, owner, ttl)
	}
	if err != nil {
		return false, err
	}
	if holder != owner {
		return false, nil
	}
	if err := s.kv.Set(ctx, keyBackfillLease, owner, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseBackfillLease drops owner's lease. A lease held by someone else is left alone.
func (s *Store) ReleaseBackfillLease(ctx context.Context, owner string) error {
	holder, err := s.kv.Get(ctx, keyBackfillLease)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder != owner {
		return nil
	}
	return s.kv.Delete(ctx, keyBackfillLease)
}

// BackfillLeaseHeld reports whether any owner holds an unexpired run lease.
func (s *Store) BackfillLeaseHeld(ctx context.Context) (bool, error) {
	_, err := s.kv.Get(ctx, keyBackfillLease)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func fingerprintKey(side Side, id string) string {
	return prefixFingerprint + string(side) + ":" + id
}

// Fingerprint returns the last mapped-field fingerprint written or observed for a record.
// It returns an empty string when none is stored.
func (s *Store) Fingerprint(ctx context.Context, side Side, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	fp, err := s.kv.Get(ctx, fingerprintKey(side, id))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	return fp, err
}

// SetFingerprint stores the mapped-field fingerprint for a record.
func (s *Store) SetFingerprint(ctx context.Context, side Side, id, fp string) error {
	if id == "" {
		return nil
	}
	return s.kv.Set(ctx, fingerprintKey(side, id), fp, 0)
}

// DeleteFingerprint forgets the fingerprint for a record.
func (s *Store) DeleteFingerprint(ctx context.Context, side Side, id string) error {
	if id == "" {
		return nil
	}
	return s.kv.Delete(ctx, fingerprintKey(side, id))
}

// SaveLink records that a Notion page is linked to a calendar event.
func (s *Store) SaveLink(ctx context.Context, pageID, eventID string) error {
	if pageID == "" || eventID == "" {
		return nil
	}
	return s.kv.Set(ctx, prefixLink+pageID, eventID, 0)
}

// LinkedEvent returns the calendar event id linked to a Notion page, or ErrNotFound.
func (s *Store) LinkedEvent(ctx context.Context, pageID string) (string, error) {
	id, err := s.kv.Get(ctx, prefixLink+pageID)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrNotFound
	}
	return id, err
}

// DeleteLink removes a page link.
func (s *Store) DeleteLink(ctx context.Context, pageID string) error {
	return s.kv.Delete(ctx, prefixLink+pageID)
}

// Links returns every recorded page -> event link.
func (s *Store) Links(ctx context.Context) (map[string]string, error) {
	keys, err := s.kv.Keys(ctx, prefixLink)
	if err != nil {
		return nil, err
	}
	links := make(map[string]string, len(keys))
	for _, k := range keys {
		eventID, err := s.kv.Get(ctx, k)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		links[strings.TrimPrefix(k, prefixLink)] = eventID
	}
	return links, nil
}
