// Package session keeps the server-side record of live sessions in Redis.
// A refresh credential is usable iff its record exists here; deleting the
// record is the revocation mechanism.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

// Store implements token.Sessions on a keyed TTL store.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New creates a session store. prefix namespaces keys per deployment.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(refreshID string) string {
	return s.prefix + "session:" + refreshID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "usersessions:" + userID
}

// Save writes the session record and indexes it under the user id so
// DeleteAllForUser can find it later.
func (s *Store) Save(ctx context.Context, rec token.SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(rec.RefreshID), data, ttl)
	pipe.SAdd(ctx, s.userKey(rec.UserID), rec.RefreshID)
	pipe.Expire(ctx, s.userKey(rec.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Lookup returns the session record, or nil if it does not exist.
func (s *Store) Lookup(ctx context.Context, refreshID string) (*token.SessionRecord, error) {
	data, err := s.rdb.Get(ctx, s.key(refreshID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	var rec token.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &rec, nil
}

// Delete removes a single session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, refreshID string) error {
	rec, err := s.Lookup(ctx, refreshID)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key(refreshID))
	if rec != nil {
		pipe.SRem(ctx, s.userKey(rec.UserID), refreshID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteAllForUser revokes every live session of a user, used on role
// revocation and full logout.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	ids, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.key(id))
	}
	pipe.Del(ctx, s.userKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}
