package oauth

import (
	"context"
	"fmt"
	"time"

	"credential-coordinator/internal/common/logging"
	"credential-coordinator/internal/store"
)

// DefaultRefreshBuffer is how far ahead of expiry a credential is
// considered due for refresh.
const DefaultRefreshBuffer = 10 * time.Minute

// LockManager is the advisory-lock boundary the coordinator needs:
// non-blocking acquire, idempotent release, shared across processes.
type LockManager interface {
	TryLock(ctx context.Context, credentialID string) (bool, error)
	Unlock(ctx context.Context, credentialID string) (bool, error)
}

// Refresher refreshes one locked credential.
type Refresher interface {
	Refresh(ctx context.Context, pool store.Pool, credentialID string) RefreshResult
}

// Coordinator drives batch refresh runs over both credential pools.
//
// Multiple coordinator processes may run against the same credential
// population; the per-credential advisory lock keeps any credential
// from being refreshed twice concurrently. A denied lock is a skip,
// not a failure — another worker has it.
type Coordinator struct {
	store    store.Store
	locks    LockManager
	executor Refresher
	events   *Events
	logger   logging.Logger
}

func NewCoordinator(credStore store.Store, locks LockManager, executor Refresher, events *Events, logger logging.Logger) *Coordinator {
	return &Coordinator{
		store:    credStore,
		locks:    locks,
		executor: executor,
		events:   events,
		logger:   logger,
	}
}

// RefreshExpiring scans both pools for credentials expiring within the
// buffer and refreshes each under its advisory lock. Credentials are
// processed sequentially, shared pool first; one credential's failure
// never aborts the rest.
//
// Cancellation is honored between credentials: an in-flight refresh
// always completes or fails on its own, and the partial batch result
// is returned alongside the context error.
func (c *Coordinator) RefreshExpiring(ctx context.Context, buffer time.Duration) (*BatchResult, error) {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	start := time.Now()
	result := &BatchResult{}

	for _, pool := range []store.Pool{store.PoolShared, store.PoolUser} {
		expiring, err := c.store.FindExpiring(ctx, pool, buffer)
		if err != nil {
			c.logger.Error("failed to scan pool for expiring credentials", err,
				logging.String("pool", string(pool)))
			continue
		}

		for _, rec := range expiring {
			if ctx.Err() != nil {
				c.events.BatchSummary(result, time.Since(start))
				return result, ctx.Err()
			}
			result.record(c.processOne(ctx, pool, rec.ID, &rec))
		}
	}

	c.events.BatchSummary(result, time.Since(start))
	return result, nil
}

// RefreshOne refreshes a single credential on demand, using the same
// lock discipline as the batch path but without the expiry scan.
func (c *Coordinator) RefreshOne(ctx context.Context, pool store.Pool, credentialID string) RefreshResult {
	return c.processOne(ctx, pool, credentialID, nil)
}

func (c *Coordinator) processOne(ctx context.Context, pool store.Pool, credentialID string, rec *store.CredentialRecord) RefreshResult {
	acquired, err := c.locks.TryLock(ctx, credentialID)
	if err != nil {
		result := RefreshResult{CredentialID: credentialID, Pool: pool, Status: StatusFailed, Err: err}
		c.events.RefreshAttempt(resultToEvent(result, rec))
		return result
	}
	if !acquired {
		result := RefreshResult{CredentialID: credentialID, Pool: pool, Status: StatusSkipped}
		c.events.RefreshAttempt(resultToEvent(result, rec))
		return result
	}

	defer func() {
		// Release on a fresh context: the batch context may already be
		// cancelled, and a failed DEL would leave the lock dangling
		// until its TTL runs out.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.locks.Unlock(releaseCtx, credentialID); err != nil {
			c.logger.Warn("failed to release credential lock",
				logging.String("credential_id", credentialID),
				logging.Err(err))
		}
	}()

	return c.refreshLocked(ctx, pool, credentialID, rec)
}

// refreshLocked invokes the executor with a recover guard so a panic
// inside one credential's refresh is recorded as that credential's
// failure instead of killing the batch.
func (c *Coordinator) refreshLocked(ctx context.Context, pool store.Pool, credentialID string, rec *store.CredentialRecord) (result RefreshResult) {
	defer func() {
		if r := recover(); r != nil {
			result = RefreshResult{
				CredentialID: credentialID,
				Pool:         pool,
				Status:       StatusFailed,
				Err:          fmt.Errorf("refresh panicked: %v", r),
			}
			c.logger.Error("credential refresh panicked", result.Err,
				logging.String("credential_id", credentialID),
				logging.String("pool", string(pool)))
			c.events.RefreshAttempt(resultToEvent(result, rec))
		}
	}()

	return c.executor.Refresh(ctx, pool, credentialID)
}
