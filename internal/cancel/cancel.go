/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cancel

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Flags records cancellation requests so that workers executing a run can observe them
// between partitions, possibly from another process.
type Flags interface {
	Request(ctx context.Context, runID string) error
	Requested(ctx context.Context, runID string) (bool, error)
	Clear(ctx context.Context, runID string) error
}

const keyPrefix = "recon:cancel:"

// RedisFlags keeps one expiring key per cancelled run.
type RedisFlags struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisFlags returns flags stored in Redis. ttl should outlive the longest run.
func NewRedisFlags(client redis.UniversalClient, ttl time.Duration) *RedisFlags {
	return &RedisFlags{client: client, ttl: ttl}
}

func (f *RedisFlags) Request(ctx context.Context, runID string) error {
	return f.client.Set(ctx, keyPrefix+runID, "1", f.ttl).Err()
}

func (f *RedisFlags) Requested(ctx context.Context, runID string) (bool, error) {
	n, err := f.client.Exists(ctx, keyPrefix+runID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (f *RedisFlags) Clear(ctx context.Context, runID string) error {
	return f.client.Del(ctx, keyPrefix+runID).Err()
}

// LocalFlags is an in-process Flags for single-process deployments and tests.
type LocalFlags struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewLocalFlags() *LocalFlags {
	return &LocalFlags{set: make(map[string]struct{})}
}

func (f *LocalFlags) Request(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[runID] = struct{}{}
	return nil
}

func (f *LocalFlags) Requested(_ context.Context, runID string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.set[runID]
	return ok, nil
}

func (f *LocalFlags) Clear(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.set, runID)
	return nil
}
