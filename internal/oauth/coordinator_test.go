package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"credential-coordinator/internal/common/logging"
	"credential-coordinator/internal/crypto"
	"credential-coordinator/internal/locks"
	"credential-coordinator/internal/redis"
	"credential-coordinator/internal/store"
)

type fakeLocks struct {
	mu            sync.Mutex
	denied        map[string]bool
	locked        map[string]bool
	unlocks       map[string]int
	unlockCtxErrs map[string]error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{
		denied:        map[string]bool{},
		locked:        map[string]bool{},
		unlocks:       map[string]int{},
		unlockCtxErrs: map[string]error{},
	}
}

func (f *fakeLocks) TryLock(ctx context.Context, credentialID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[credentialID] || f.locked[credentialID] {
		return false, nil
	}
	f.locked[credentialID] = true
	return true, nil
}

func (f *fakeLocks) Unlock(ctx context.Context, credentialID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks[credentialID]++
	f.unlockCtxErrs[credentialID] = ctx.Err()
	delete(f.locked, credentialID)
	return true, nil
}

type scriptedRefresher struct {
	outcomes map[string]RefreshResult
	panics   map[string]bool
	calls    []string
}

func (s *scriptedRefresher) Refresh(ctx context.Context, pool store.Pool, credentialID string) RefreshResult {
	s.calls = append(s.calls, credentialID)
	if s.panics[credentialID] {
		panic("refresh blew up")
	}
	if result, ok := s.outcomes[credentialID]; ok {
		return result
	}
	return RefreshResult{CredentialID: credentialID, Pool: pool, Status: StatusSuccess}
}

func seedShared(t *testing.T, memStore *store.MemoryStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		expires := time.Now().Add(5 * time.Minute)
		rec := store.CredentialRecord{
			ID:            id,
			Pool:          store.PoolShared,
			IntegrationID: "int-1",
			TenantID:      "tenant-1",
			Kind:          store.KindOAuth2,
			ExpiresAt:     &expires,
		}
		if err := memStore.Create(context.Background(), rec, store.TokenPayload{AccessToken: "old"}, "refresh-"+id); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
}

func newMemStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	enc, err := crypto.NewEncryptor("coordinator-test-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return store.NewMemoryStore(enc)
}

func TestBatchIsolatesPanics(t *testing.T) {
	memStore := newMemStore(t)
	seedShared(t, memStore, "a", "b", "c", "d", "e")

	fakeLockMgr := newFakeLocks()
	refresher := &scriptedRefresher{
		outcomes: map[string]RefreshResult{
			"b": {CredentialID: "b", Status: StatusFailed},
		},
		panics: map[string]bool{"c": true},
	}
	events := NewEvents(logging.NewDefaultLogger(), "test")
	coord := NewCoordinator(memStore, fakeLockMgr, refresher, events, logging.NewDefaultLogger())

	result, err := coord.RefreshExpiring(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("RefreshExpiring() error = %v", err)
	}

	if result.TotalProcessed != 5 {
		t.Errorf("TotalProcessed = %d, want 5", result.TotalProcessed)
	}
	if result.Successful != 3 {
		t.Errorf("Successful = %d, want 3", result.Successful)
	}
	if result.Failed != 2 {
		t.Errorf("Failed = %d, want 2 (one scripted failure, one panic)", result.Failed)
	}
	if len(result.Results) != 5 {
		t.Errorf("Results length = %d, want outcomes for all five", len(result.Results))
	}

	// The panicking credential's lock was still released exactly once.
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if fakeLockMgr.unlocks[id] != 1 {
			t.Errorf("unlocks[%s] = %d, want exactly 1", id, fakeLockMgr.unlocks[id])
		}
	}
}

func TestBatchSkipsLockedCredentials(t *testing.T) {
	memStore := newMemStore(t)
	seedShared(t, memStore, "a", "b", "c")

	fakeLockMgr := newFakeLocks()
	fakeLockMgr.denied["b"] = true
	refresher := &scriptedRefresher{}
	events := NewEvents(logging.NewDefaultLogger(), "test")
	coord := NewCoordinator(memStore, fakeLockMgr, refresher, events, logging.NewDefaultLogger())

	result, err := coord.RefreshExpiring(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("RefreshExpiring() error = %v", err)
	}

	if result.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", result.Skipped)
	}
	if result.Successful != 2 {
		t.Errorf("Successful = %d, want 2", result.Successful)
	}
	for _, called := range refresher.calls {
		if called == "b" {
			t.Error("locked credential must not reach the executor")
		}
	}
	if fakeLockMgr.unlocks["b"] != 0 {
		t.Errorf("unlocks[b] = %d, a denied lock must not be released", fakeLockMgr.unlocks["b"])
	}
}

func TestBatchStopsBetweenCredentialsOnCancel(t *testing.T) {
	memStore := newMemStore(t)
	seedShared(t, memStore, "a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	fakeLockMgr := newFakeLocks()
	refresher := &scriptedRefresher{}
	refresher.outcomes = map[string]RefreshResult{}

	events := NewEvents(logging.NewDefaultLogger(), "test")
	coord := NewCoordinator(memStore, fakeLockMgr, refresher, events, logging.NewDefaultLogger())

	cancel()
	result, err := coord.RefreshExpiring(ctx, 10*time.Minute)
	if err != context.Canceled {
		t.Fatalf("RefreshExpiring() error = %v, want context.Canceled", err)
	}
	if result.TotalProcessed != 0 {
		t.Errorf("TotalProcessed = %d, want 0 after pre-cancelled context", result.TotalProcessed)
	}
	if len(refresher.calls) != 0 {
		t.Errorf("executor calls = %v, want none", refresher.calls)
	}
}

// cancellingRefresher cancels the surrounding context mid-refresh, the
// way a shutdown lands while a credential is in flight.
type cancellingRefresher struct {
	cancel context.CancelFunc
}

func (c *cancellingRefresher) Refresh(ctx context.Context, pool store.Pool, credentialID string) RefreshResult {
	c.cancel()
	return RefreshResult{CredentialID: credentialID, Pool: pool, Status: StatusFailed, Err: ctx.Err()}
}

func TestLockReleasedAfterContextCancelled(t *testing.T) {
	memStore := newMemStore(t)
	seedShared(t, memStore, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fakeLockMgr := newFakeLocks()
	events := NewEvents(logging.NewDefaultLogger(), "test")
	coord := NewCoordinator(memStore, fakeLockMgr, &cancellingRefresher{cancel: cancel}, events, logging.NewDefaultLogger())

	coord.RefreshOne(ctx, store.PoolShared, "a")

	if fakeLockMgr.unlocks["a"] != 1 {
		t.Fatalf("unlocks[a] = %d, want 1 even though the caller's context died", fakeLockMgr.unlocks["a"])
	}
	// The release must not ride the dead context, or the DEL fails and
	// the lock lingers until its TTL expires.
	if err := fakeLockMgr.unlockCtxErrs["a"]; err != nil {
		t.Errorf("Unlock context error = %v, want a live context", err)
	}
}

func TestRefreshOneUsesLockDiscipline(t *testing.T) {
	memStore := newMemStore(t)
	seedShared(t, memStore, "a")

	fakeLockMgr := newFakeLocks()
	refresher := &scriptedRefresher{}
	events := NewEvents(logging.NewDefaultLogger(), "test")
	coord := NewCoordinator(memStore, fakeLockMgr, refresher, events, logging.NewDefaultLogger())

	result := coord.RefreshOne(context.Background(), store.PoolShared, "a")
	if result.Status != StatusSuccess {
		t.Fatalf("RefreshOne() status = %v", result.Status)
	}
	if fakeLockMgr.unlocks["a"] != 1 {
		t.Errorf("unlocks[a] = %d, want 1", fakeLockMgr.unlocks["a"])
	}

	fakeLockMgr.denied["a"] = true
	result = coord.RefreshOne(context.Background(), store.PoolShared, "a")
	if result.Status != StatusSkipped {
		t.Errorf("RefreshOne() status = %v, want skipped while locked elsewhere", result.Status)
	}
}

// TestRefreshExpiringEndToEnd drives the whole pipeline: memory store,
// real lock manager over miniredis, real executor, and an httptest
// OAuth provider.
func TestRefreshExpiringEndToEnd(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	defer mr.Close()

	redisClient, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("redis.NewClient() error = %v", err)
	}
	defer redisClient.Close()

	lockMgr := locks.NewManager(redisClient)
	defer lockMgr.Close()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.PostFormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostFormValue("refresh_token"); got != "refresh-a" {
			t.Errorf("refresh_token = %q, want refresh-a", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer provider.Close()

	memStore := newMemStore(t)
	seedShared(t, memStore, "a")

	logger := logging.NewDefaultLogger()
	events := NewEvents(logger, "test")
	resolver := NewResolver(nil, nil, &stubIntegrations{config: &ClientConfig{
		ClientID:     "client-1",
		ClientSecret: "secret",
		TokenURL:     provider.URL,
	}})
	executor := NewExecutor(memStore, resolver, NewProviderClient(logger), events)
	coord := NewCoordinator(memStore, lockMgr, executor, events, logger)

	result, err := coord.RefreshExpiring(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("RefreshExpiring() error = %v", err)
	}
	if result.Successful != 1 || result.Failed != 0 || result.Skipped != 0 {
		t.Fatalf("batch result = %+v, want 1 success", result)
	}

	cred, err := memStore.GetDecrypted(context.Background(), store.PoolShared, "a")
	if err != nil {
		t.Fatalf("GetDecrypted() error = %v", err)
	}
	if cred.Payload.AccessToken != "new-access" {
		t.Errorf("stored access token = %q, want new-access", cred.Payload.AccessToken)
	}
	if cred.RefreshToken != "refresh-a" {
		t.Errorf("stored refresh token = %q, want unchanged", cred.RefreshToken)
	}
	if cred.Record.Status != store.StatusActive {
		t.Errorf("status = %v, want active", cred.Record.Status)
	}
	wantExpiry := time.Now().Add(time.Hour)
	if cred.Record.ExpiresAt == nil || cred.Record.ExpiresAt.Sub(wantExpiry) > 5*time.Second || wantExpiry.Sub(*cred.Record.ExpiresAt) > 5*time.Second {
		t.Errorf("expires_at = %v, want about %v", cred.Record.ExpiresAt, wantExpiry)
	}

	// The lock is free again after the batch.
	acquired, err := lockMgr.TryLock(context.Background(), "a")
	if err != nil || !acquired {
		t.Errorf("TryLock after batch = (%v, %v), want acquired", acquired, err)
	}
	lockMgr.Unlock(context.Background(), "a")
}
