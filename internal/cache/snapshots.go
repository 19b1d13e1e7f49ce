package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/miradorstack/topdesk-stats/internal/models"
)

// DefaultSnapshotTTL bounds how stale a restored snapshot may be.
const DefaultSnapshotTTL = 24 * time.Hour

// SnapshotStore persists last-good snapshots as JSON under one key per (instance, category).
type SnapshotStore struct {
	provider Provider
	ttl      time.Duration
}

// NewSnapshotStore wraps provider. A nil provider behaves like NoopProvider.
func NewSnapshotStore(provider Provider, ttl time.Duration) *SnapshotStore {
	if provider == nil {
		provider = NoopProvider{}
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotStore{provider: provider, ttl: ttl}
}

// SnapshotKey is the cache key of an (instance, category) snapshot.
func SnapshotKey(instanceID string, category models.Category) string {
	return fmt.Sprintf("topdesk-stats:snapshot:%s:%s", instanceID, category)
}

// Load returns the stored snapshot or ErrCacheMiss. Entries that no longer carry every
// metric are treated as missing.
func (s *SnapshotStore) Load(ctx context.Context, instanceID string, category models.Category) (*models.Snapshot, error) {
	data, err := s.provider.Get(ctx, SnapshotKey(instanceID, category))
	if err != nil {
		return nil, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if !snap.Complete() || snap.InstanceID != instanceID || snap.Category != category {
		return nil, ErrCacheMiss
	}
	return &snap, nil
}

// Save stores snap with the store's TTL.
func (s *SnapshotStore) Save(ctx context.Context, snap *models.Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.provider.Set(ctx, SnapshotKey(snap.InstanceID, snap.Category), data, s.ttl)
}

// Delete forgets the snapshot of an (instance, category).
func (s *SnapshotStore) Delete(ctx context.Context, instanceID string, category models.Category) error {
	return s.provider.Del(ctx, SnapshotKey(instanceID, category))
}
