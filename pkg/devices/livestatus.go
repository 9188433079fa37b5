package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudbro-kube-ai/opshub/pkg/model"
)

const liveStatusTTL = 5 * time.Minute

// swapStatus stores the new entry and returns the previous one in a single
// round trip, so concurrent heartbeats for one device observe a consistent
// previous value.
var swapStatus = redis.NewScript(`
local old = redis.call("GET", KEYS[1])
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
return old
`)

// LiveStore keeps the ephemeral per-device heartbeat state in Redis.
type LiveStore struct {
	rdb    *redis.Client
	prefix string
}

// NewLiveStore creates a store using the given key prefix.
func NewLiveStore(rdb *redis.Client, prefix string) *LiveStore {
	return &LiveStore{rdb: rdb, prefix: prefix}
}

func (s *LiveStore) key(deviceID string) string {
	return s.prefix + "device:live:" + deviceID
}

// Swap writes the new live status and returns the previous entry, or nil
// when the device had no live entry.
func (s *LiveStore) Swap(ctx context.Context, deviceID string, next model.LiveStatus) (*model.LiveStatus, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encoding live status: %w", err)
	}
	prev, err := swapStatus.Run(ctx, s.rdb,
		[]string{s.key(deviceID)}, string(raw), int(liveStatusTTL.Seconds())).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("swapping live status: %w", err)
	}
	var out model.LiveStatus
	if err := json.Unmarshal([]byte(prev), &out); err != nil {
		return nil, nil // stale or corrupt entry; treat as absent
	}
	return &out, nil
}

// Get returns the live entry for one device, or nil when expired/absent.
func (s *LiveStore) Get(ctx context.Context, deviceID string) (*model.LiveStatus, error) {
	raw, err := s.rdb.Get(ctx, s.key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading live status: %w", err)
	}
	var out model.LiveStatus
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil
	}
	return &out, nil
}

// Delete removes the live entry, used when a device leaves the inventory.
func (s *LiveStore) Delete(ctx context.Context, deviceID string) error {
	return s.rdb.Del(ctx, s.key(deviceID)).Err()
}
