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

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLease_AcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)

	first := NewLease(client, "recon:exec:run_1", time.Minute)
	second := NewLease(client, "recon:exec:run_1", time.Minute)

	require.NoError(t, first.Acquire(ctx))
	assert.ErrorIs(t, second.Acquire(ctx), ErrHeld)

	assert.ErrorIs(t, second.Release(ctx), ErrLost)
	require.NoError(t, first.Release(ctx))
	assert.NoError(t, second.Acquire(ctx))
}

func TestLease_Expires(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)

	lease := NewLease(client, "recon:exec:run_1", 30*time.Second)
	require.NoError(t, lease.Acquire(ctx))

	mr.FastForward(31 * time.Second)
	assert.ErrorIs(t, lease.Extend(ctx), ErrLost)
	assert.NoError(t, NewLease(client, "recon:exec:run_1", time.Minute).Acquire(ctx))
}

func TestLease_Extend(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)

	lease := NewLease(client, "recon:exec:run_1", 30*time.Second)
	require.NoError(t, lease.Acquire(ctx))

	mr.FastForward(20 * time.Second)
	require.NoError(t, lease.Extend(ctx))
	mr.FastForward(20 * time.Second)
	assert.True(t, mr.Exists("recon:exec:run_1"))
}

func TestLease_KeepAliveStops(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)

	lease := NewLease(client, "recon:exec:run_1", 30*time.Millisecond)
	require.NoError(t, lease.Acquire(ctx))

	stop := lease.KeepAlive(ctx)
	time.Sleep(100 * time.Millisecond)
	stop()

	assert.NoError(t, lease.Release(ctx))
}

func TestLease_RedisError(t *testing.T) {
	mr, client := newMiniredis(t)
	lease := NewLease(client, "recon:exec:run_1", time.Minute)

	mr.Close()
	assert.Error(t, lease.Acquire(context.Background()))
}

func TestLease_ReleaseScript(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lease := NewLease(db, "recon:exec:run_1", time.Minute)

	mock.ExpectEval(releaseScript, []string{"recon:exec:run_1"}, lease.token).SetVal(int64(1))

	assert.NoError(t, lease.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
