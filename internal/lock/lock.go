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

// Package lock provides Redis leases that keep a unit of work on one process at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrHeld = errors.New("lease is held by another owner")
	ErrLost = errors.New("lease expired or is owned by someone else")
)

const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Lease is an exclusive claim on key. Only the holder's token can extend or release it.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

func NewLease(client redis.UniversalClient, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *Lease) Key() string { return l.key }

// Acquire takes the lease or returns ErrHeld.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHeld, l.key)
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	return l.eval(ctx, releaseScript)
}

// Extend resets the lease expiry to a full ttl.
func (l *Lease) Extend(ctx context.Context) error {
	return l.eval(ctx, extendScript, l.ttl.Milliseconds())
}

func (l *Lease) eval(ctx context.Context, script string, extra ...interface{}) error {
	args := append([]interface{}{l.token}, extra...)
	result, err := l.client.Eval(ctx, script, []string{l.key}, args...).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}

// KeepAlive extends the lease every third of its ttl until the returned stop is called.
// It gives up after the first failed extension.
func (l *Lease) KeepAlive(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Extend(ctx); err != nil {
					if ctx.Err() == nil {
						logrus.WithField("key", l.key).Warnf("lease not extended: %v", err)
					}
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
