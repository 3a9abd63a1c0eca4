// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modified: keys are namespaced for leafmail webhook deliveries and claims can
// be released after a failed write.

// Package dedup remembers which webhook deliveries have already been
// processed so provider redeliveries do not create duplicate leaves.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a delivery key is remembered.
	// Relays stop retrying well inside this window.
	DefaultTTL = 72 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "leafmail:ingest:"
)

// Filter tracks which correlation ids have already been claimed.
type Filter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb redis.Cmdable, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim returns true if the key has NOT been seen before.
// If true, the key is marked as seen atomically (SETNX).
func (f *Filter) Claim(ctx context.Context, key string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, Key(key), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release forgets a claimed key so a later redelivery is processed again.
func (f *Filter) Release(ctx context.Context, key string) error {
	if err := f.rdb.Del(ctx, Key(key)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// TTL returns how long claimed keys are kept
func (f *Filter) TTL() time.Duration {
	return f.ttl
}

// Key returns the namespaced Redis key for a correlation id
func Key(id string) string {
	return keyPrefix + id
}
