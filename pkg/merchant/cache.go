package merchant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/DisCard-Technologies/discard-sub016/pkg/store"
)

const DefaultCacheTTL = 60 * time.Second

// RecordCache holds registry answers for a TTL. Absent merchants are stored
// as a JSON null tombstone so repeated lookups inside the TTL skip the
// registry as well.
type RecordCache struct {
	backend store.Cache
	ttl     time.Duration
}

func NewRecordCache(backend store.Cache, ttl time.Duration) *RecordCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if backend == nil {
		backend = store.NewMemoryCache(0)
	}
	return &RecordCache{backend: backend, ttl: ttl}
}

// Get returns (record, true, nil) on a hit, (nil, true, nil) for a cached
// absence and (nil, false, nil) on a miss.
func (c *RecordCache) Get(ctx context.Context, merchantID string) (*models.MerchantRecord, bool, error) {
	raw, err := c.backend.Get(ctx, merchantID)
	if errors.Is(err, store.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("merchant cache get: %w", err)
	}
	var rec *models.MerchantRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		_ = c.backend.Del(ctx, merchantID)
		return nil, false, nil
	}
	return rec, true, nil
}

// Put caches rec; a nil rec records the merchant as absent.
func (c *RecordCache) Put(ctx context.Context, merchantID string, rec *models.MerchantRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, merchantID, string(raw), c.ttl)
}
