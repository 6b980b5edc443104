// Package velocity implements the bounded-TTL state store the risk engine
// reads and writes on the hot path: counters, last-known locations, and
// known-device sets (spec §4.3). Built on the same Redis primitives the
// rest of the service uses for caching, grounded in queue.CacheClient.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/queue"
)

// Store is the velocity/state layer. All keys are namespaced by org so
// organizations never share counters, locations, or device sets.
type Store struct {
	cache *queue.CacheClient
}

// New builds a Store over the given cache client.
func New(cache *queue.CacheClient) *Store {
	return &Store{cache: cache}
}

func counterKey(org, userID, metric string) string {
	return fmt.Sprintf("velocity:%s:%s:counter:%s", org, userID, metric)
}

func locationKey(org, userID string) string {
	return fmt.Sprintf("velocity:%s:%s:location", org, userID)
}

func deviceSetKey(org, userID string) string {
	return fmt.Sprintf("velocity:%s:%s:devices", org, userID)
}

func newDevicesWindowKey(org, userID string) string {
	return fmt.Sprintf("velocity:%s:%s:new_devices_window", org, userID)
}

// IncrementCounter increments the named counter for a user, creating it
// with the given TTL on first touch. Returns the post-increment value.
func (s *Store) IncrementCounter(ctx context.Context, org, userID, metric string, ttl time.Duration) (int64, error) {
	key := counterKey(org, userID, metric)

	exists, err := s.cache.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("check counter: %w", err)
	}
	if !exists {
		if _, err := s.cache.SetNX(ctx, key, 0, ttl); err != nil {
			return 0, fmt.Errorf("init counter: %w", err)
		}
	}

	count, err := s.cache.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return count, nil
}

// GetCounter returns the current value of the named counter, or 0 if unset.
// A store failure is returned as an error so the engine's fail-open path
// can count it, rather than being silently read as zero.
func (s *Store) GetCounter(ctx context.Context, org, userID, metric string) (int64, error) {
	key := counterKey(org, userID, metric)
	var count int64
	err := s.cache.Get(ctx, key, &count)
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return count, nil
}

// SetLocation records the user's current location with the given TTL.
func (s *Store) SetLocation(ctx context.Context, org, userID string, lat, lon float64, seenAt time.Time, ttl time.Duration) error {
	loc := models.LastLocation{UserID: userID, Lat: lat, Lon: lon, SeenAt: seenAt}
	return s.cache.Set(ctx, locationKey(org, userID), loc, ttl)
}

// GetLocation returns the user's last known location, or nil if none is on
// record (never seen, or the TTL expired). Store failures surface as errors
// so the engine fails open instead of treating an outage as a fresh user.
func (s *Store) GetLocation(ctx context.Context, org, userID string) (*models.LastLocation, error) {
	var loc models.LastLocation
	err := s.cache.Get(ctx, locationKey(org, userID), &loc)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	return &loc, nil
}

// AddDevice marks a device fingerprint as known for the user, refreshing
// the set's TTL.
func (s *Store) AddDevice(ctx context.Context, org, userID, deviceFP string, ttl time.Duration) error {
	key := deviceSetKey(org, userID)
	if _, err := s.cache.SAdd(ctx, key, deviceFP); err != nil {
		return fmt.Errorf("add device: %w", err)
	}
	return s.cache.Expire(ctx, key, ttl)
}

// HasDevice reports whether the fingerprint is already known for the user.
func (s *Store) HasDevice(ctx context.Context, org, userID, deviceFP string) (bool, error) {
	return s.cache.SIsMember(ctx, deviceSetKey(org, userID), deviceFP)
}

// DevicesOf returns the set of known device fingerprints for a user.
func (s *Store) DevicesOf(ctx context.Context, org, userID string) ([]string, error) {
	return s.cache.SMembers(ctx, deviceSetKey(org, userID))
}

// RecordNewDeviceSeen adds a device fingerprint to the rolling
// "new devices seen" window and returns the window's current cardinality.
// The window evicts atomically at its TTL (spec §4.2 multi-device check).
func (s *Store) RecordNewDeviceSeen(ctx context.Context, org, userID, deviceFP string, window time.Duration) (int64, error) {
	key := newDevicesWindowKey(org, userID)
	if _, err := s.cache.SAdd(ctx, key, deviceFP); err != nil {
		return 0, fmt.Errorf("record new device: %w", err)
	}
	if err := s.cache.Expire(ctx, key, window); err != nil {
		return 0, fmt.Errorf("refresh new-device window ttl: %w", err)
	}
	return s.cache.SCard(ctx, key)
}
