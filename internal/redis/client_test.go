package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("nil config rejected", func(t *testing.T) {
		client, err := NewClient(nil)
		assert.Nil(t, client)
		assert.Error(t, err)
	})

	t.Run("unreachable server", func(t *testing.T) {
		client, err := NewClient(&Config{Address: "127.0.0.1:1"})
		assert.Nil(t, client)
		assert.Error(t, err)
	})

	t.Run("defaults applied", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		client, err := NewClient(&Config{Address: mr.Addr()})
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, 10, client.config.PoolSize)
		assert.NoError(t, client.Health())
	})
}

func TestLocking(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("acquire and contention", func(t *testing.T) {
		acquired, err := client.AcquireLock(ctx, "cred-1", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, acquired)

		again, err := client.AcquireLock(ctx, "cred-1", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, again, "second acquire must be denied")

		require.NoError(t, client.ReleaseLock(ctx, "cred-1"))

		acquired, err = client.AcquireLock(ctx, "cred-1", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, acquired, "acquire must succeed after release")
	})

	t.Run("expiration frees the lock", func(t *testing.T) {
		acquired, err := client.AcquireLock(ctx, "cred-2", time.Second)
		require.NoError(t, err)
		assert.True(t, acquired)

		mr.FastForward(2 * time.Second)

		acquired, err = client.AcquireLock(ctx, "cred-2", time.Second)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("extend", func(t *testing.T) {
		acquired, err := client.AcquireLock(ctx, "cred-3", time.Second)
		require.NoError(t, err)
		assert.True(t, acquired)

		require.NoError(t, client.ExtendLock(ctx, "cred-3", time.Minute))

		mr.FastForward(5 * time.Second)

		again, err := client.AcquireLock(ctx, "cred-3", time.Second)
		require.NoError(t, err)
		assert.False(t, again, "extended lock should still be held")
	})

	t.Run("extend missing lock fails", func(t *testing.T) {
		err := client.ExtendLock(ctx, "never-acquired", time.Minute)
		assert.Error(t, err)
	})
}

func TestKeyValue(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("string round trip", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "k1", "value", 0))
		got, err := client.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "value", got)
	})

	t.Run("json round trip", func(t *testing.T) {
		type state struct {
			IntegrationID string `json:"integrationId"`
			TenantID      string `json:"tenantId"`
		}
		require.NoError(t, client.Set(ctx, "k2", state{IntegrationID: "int-1", TenantID: "t-1"}, time.Minute))

		var decoded state
		require.NoError(t, client.GetJSON(ctx, "k2", &decoded))
		assert.Equal(t, "int-1", decoded.IntegrationID)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "k3", "short lived", time.Second))
		mr.FastForward(2 * time.Second)

		_, err := client.Get(ctx, "k3")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("delete and exists", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "k4", "v", 0))
		exists, err := client.Exists(ctx, "k4")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, client.Delete(ctx, "k4"))
		exists, err = client.Exists(ctx, "k4")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}
