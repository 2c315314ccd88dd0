// Package locks provides non-blocking distributed mutual exclusion for
// credential refreshes, using Redis as the coordination backend.
//
// Each credential is guarded by an advisory lock keyed by a deterministic
// numeric hash of its identifier. A hash collision only means two credentials
// share a lock and serialize against each other; it never produces an
// incorrect refresh, so no cryptographic hashing is needed.
//
// TryLock returns immediately: a false result means another worker holds the
// lock and the caller should record the credential as skipped, not failed.
// While held, a background goroutine renews the lock so it spans the whole
// resolve-exchange-persist sequence even when the provider is slow.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultExpiration is how long a credential lock lives in Redis without
// renewal. Renewal extends it at a third of this interval while held.
const DefaultExpiration = 30 * time.Second

// RedisLockClient defines the operations Manager needs from Redis.
type RedisLockClient interface {
	AcquireLock(ctx context.Context, key string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	ExtendLock(ctx context.Context, key string, expiration time.Duration) error
}

// Manager coordinates per-credential advisory locks across processes.
// Safe for concurrent use.
type Manager struct {
	redis      RedisLockClient
	expiration time.Duration
	held       map[string]*heldLock // credential ID -> lock held by this process
	mutex      sync.Mutex
}

type heldLock struct {
	key      string
	acquired time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates a lock manager using the provided Redis client.
func NewManager(redisClient RedisLockClient) *Manager {
	return &Manager{
		redis:      redisClient,
		expiration: DefaultExpiration,
		held:       make(map[string]*heldLock),
	}
}

// LockKey maps an opaque credential identifier to a stable numeric lock key.
// Polynomial rolling hash into a large prime modulus; collisions are tolerated.
func LockKey(credentialID string) string {
	const mod = uint64(1<<61 - 1)
	var h uint64
	for _, c := range []byte(credentialID) {
		h = (h*31 + uint64(c)) % mod
	}
	return fmt.Sprintf("credential:%d", h)
}

// TryLock attempts to acquire the lock for a credential without blocking.
// It returns false when another worker already holds it; that is a normal
// outcome, not an error.
func (m *Manager) TryLock(ctx context.Context, credentialID string) (bool, error) {
	m.mutex.Lock()
	if _, exists := m.held[credentialID]; exists {
		m.mutex.Unlock()
		return false, nil
	}
	m.mutex.Unlock()

	key := LockKey(credentialID)
	acquired, err := m.redis.AcquireLock(ctx, key, m.expiration)
	if err != nil {
		return false, fmt.Errorf("failed to acquire credential lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	lock := &heldLock{
		key:      key,
		acquired: time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mutex.Lock()
	m.held[credentialID] = lock
	m.mutex.Unlock()

	go m.renew(renewCtx, lock)

	return true, nil
}

// Unlock releases a previously acquired credential lock. It is idempotent:
// unlocking a credential this process does not hold is a no-op returning false.
func (m *Manager) Unlock(ctx context.Context, credentialID string) (bool, error) {
	m.mutex.Lock()
	lock, exists := m.held[credentialID]
	if exists {
		delete(m.held, credentialID)
	}
	m.mutex.Unlock()

	if !exists {
		return false, nil
	}

	lock.cancel()
	<-lock.done

	if err := m.redis.ReleaseLock(ctx, lock.key); err != nil {
		return true, fmt.Errorf("failed to release credential lock: %w", err)
	}
	return true, nil
}

// renew extends the lock at a third of the expiration interval until the lock
// is released or an extension fails (lock lost).
func (m *Manager) renew(ctx context.Context, lock *heldLock) {
	defer close(lock.done)

	renewInterval := m.expiration / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.redis.ExtendLock(extendCtx, lock.key, m.expiration)
			cancel()

			if err != nil {
				// Lock expired or Redis unreachable; stop renewing. The
				// held-map entry stays until Unlock so release remains
				// exactly-once from the caller's perspective.
				return
			}
		}
	}
}

// Close cancels renewal for every lock still held by this process. The locks
// themselves expire naturally in Redis.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, lock := range m.held {
		lock.cancel()
	}
	m.held = make(map[string]*heldLock)
	return nil
}
