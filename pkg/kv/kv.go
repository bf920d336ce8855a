// Package kv wraps the Redis operations shared by the quota ledger, the
// single-use salt store, and the two ingestion lists. It never stores a
// device or token identifier next to anything that would let it be
// re-associated later; every key is a short-lived set of quota members, a
// single-use salt flag, or an ingestion list.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a typed façade over a *redis.Client exposing only the
// primitives the analytics domain needs.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Client returns the underlying client, for callers (health checks) that
// need the raw connection.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// AddMembersWithExpiry adds members to the set at key and sets its
// expiration in a single pipeline, so a crash between the two calls can
// never leave an un-expiring set behind.
func (s *Store) AddMembersWithExpiry(ctx context.Context, key string, ttlSeconds int64, members ...string) error {
	anyMembers := make([]any, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, anyMembers...)
	pipe.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adding members to %q: %w", key, err)
	}
	return nil
}

// IsMember reports whether any of the given candidates is a member of the
// set at key.
func (s *Store) IsMember(ctx context.Context, key string, candidates ...string) (bool, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("reading members of %q: %w", key, err)
	}

	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := set[c]; ok {
			return true, nil
		}
	}
	return false, nil
}

// RemoveMember atomically removes one member from the set at key and
// reports whether it was present. This is the consume step of the quota
// ledger: removal is linearizable, so two concurrent submissions can never
// both observe and spend the same member.
func (s *Store) RemoveMember(ctx context.Context, key, member string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("removing member from %q: %w", key, err)
	}
	return removed > 0, nil
}

// RPush appends a JSON-encoded (or otherwise serialized) payload to the
// list at key.
func (s *Store) RPush(ctx context.Context, key string, payload string) error {
	if err := s.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("pushing to %q: %w", key, err)
	}
	return nil
}

// DrainBatch atomically reads up to n elements from the head of the list at
// key and removes them, so that a crashed drainer never double-processes
// elements another drainer has already claimed.
func (s *Store) DrainBatch(ctx context.Context, key string, n int64) ([]string, error) {
	pipe := s.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, n-1)
	pipe.LTrim(ctx, key, n, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("draining %q: %w", key, err)
	}
	return rangeCmd.Val(), nil
}

// Len returns the current length of the list at key.
func (s *Store) Len(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading length of %q: %w", key, err)
	}
	return n, nil
}

// Exists reports whether key is present, regardless of its type. Used as
// the fast-path check for an already-spent Android salt before the
// verification job is even scheduled.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("checking existence of %q: %w", key, err)
	}
	return n > 0, nil
}

// SetNX sets key to value with the given TTL only if key does not already
// exist, returning false if it was already set. Used for the single-use
// Android salt check.
func (s *Store) SetNX(ctx context.Context, key, value string, ttlSeconds int64) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Result()
	if err != nil {
		return false, fmt.Errorf("setnx on %q: %w", key, err)
	}
	return ok, nil
}
