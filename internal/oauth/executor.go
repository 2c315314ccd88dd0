package oauth

import (
	"context"
	"time"

	"credential-coordinator/internal/common/errors"
	"credential-coordinator/internal/store"
)

const maxRefreshAttempts = 3

// Sleeper waits for the backoff duration, honoring context
// cancellation. Tests inject a recording implementation.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor refreshes a single credential: decrypt, resolve the OAuth
// client, exchange the refresh token, persist the result.
//
// Transient provider failures are retried up to three times with
// exponential backoff (1s, 2s, 4s). Terminal failures and retry
// exhaustion both flag the credential needs_reauth: either way it can
// no longer self-heal and a human has to reconnect it.
type Executor struct {
	store    store.Store
	resolver *Resolver
	provider TokenExchanger
	events   *Events
	sleep    Sleeper
}

func NewExecutor(credStore store.Store, resolver *Resolver, provider TokenExchanger, events *Events) *Executor {
	return &Executor{
		store:    credStore,
		resolver: resolver,
		provider: provider,
		events:   events,
		sleep:    defaultSleeper,
	}
}

// SetSleeper replaces the backoff sleeper. Tests use this to record
// waits instead of actually sleeping.
func (e *Executor) SetSleeper(sleep Sleeper) {
	e.sleep = sleep
}

// Refresh runs the full refresh sequence for one credential. The
// caller must already hold the credential's advisory lock.
func (e *Executor) Refresh(ctx context.Context, pool store.Pool, credentialID string) RefreshResult {
	start := time.Now()
	result, rec := e.refresh(ctx, pool, credentialID)
	result.CredentialID = credentialID
	result.Pool = pool
	result.Duration = time.Since(start)
	e.events.RefreshAttempt(resultToEvent(result, rec))
	return result
}

func (e *Executor) refresh(ctx context.Context, pool store.Pool, credentialID string) (RefreshResult, *store.CredentialRecord) {
	cred, err := e.store.GetDecrypted(ctx, pool, credentialID)
	if err != nil {
		// Decryption failures are flagged for re-auth: the stored
		// material is unusable and only a reconnect replaces it.
		if errors.IsType(err, errors.ErrTypeDecryption) {
			e.flagNeedsReauth(ctx, pool, credentialID)
		}
		return RefreshResult{Status: StatusFailed, Err: err}, nil
	}
	rec := &cred.Record

	if cred.RefreshToken == "" {
		err := errors.AuthError("credential has no refresh token").WithCode(errors.CodeNoRefreshToken)
		e.flagNeedsReauth(ctx, pool, credentialID)
		return RefreshResult{Status: StatusFailed, Err: err}, rec
	}

	config, err := e.resolver.Resolve(ctx, rec)
	if err != nil {
		e.flagNeedsReauth(ctx, pool, credentialID)
		return RefreshResult{Status: StatusFailed, Err: err}, rec
	}

	var lastErr error
	attempt := 0
	for ; attempt < maxRefreshAttempts; attempt++ {
		tokenResp, err := e.provider.RefreshToken(ctx, config, cred.RefreshToken)
		if err == nil {
			rotated, persistErr := e.persist(ctx, cred, tokenResp)
			if persistErr != nil {
				return RefreshResult{Status: StatusFailed, RetryCount: attempt, Err: persistErr}, rec
			}
			return RefreshResult{Status: StatusSuccess, RotatedRefreshToken: rotated, RetryCount: attempt}, rec
		}

		lastErr = err
		if IsTerminal(err) {
			break
		}
		backoff := time.Second << attempt
		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			// Shutdown or cancellation mid-backoff says nothing about the
			// credential's health. Leave it active so the next sweep
			// retries; flagging here would strand it in needs_reauth
			// after a single transient failure.
			return RefreshResult{Status: StatusFailed, RetryCount: attempt, Err: sleepErr}, rec
		}
	}
	if attempt == maxRefreshAttempts {
		attempt = maxRefreshAttempts - 1
	}

	e.flagNeedsReauth(ctx, pool, credentialID)
	return RefreshResult{Status: StatusFailed, RetryCount: attempt, Err: lastErr}, rec
}

// persist writes the exchanged tokens back through the store's
// compare-and-swap guard. On a version conflict it re-reads once and
// re-applies; a second conflict is surfaced as the failure.
func (e *Executor) persist(ctx context.Context, cred *store.DecryptedCredential, tokenResp *TokenResponse) (bool, error) {
	rotated := tokenResp.RefreshToken != "" && tokenResp.RefreshToken != cred.RefreshToken

	update := store.TokenUpdate{
		Payload: store.TokenPayload{
			AccessToken: tokenResp.AccessToken,
			TokenType:   tokenResp.TokenType,
			Scope:       tokenResp.Scope,
		},
		RefreshToken:       tokenResp.RefreshToken,
		RotateRefreshToken: rotated,
	}
	if tokenResp.ExpiresIn > 0 {
		expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
		update.ExpiresAt = &expiresAt
	}

	version := cred.Record.UpdatedAt
	update.ExpectedVersion = &version

	err := e.store.UpdateTokens(ctx, cred.Record.Pool, cred.Record.ID, update)
	if err == nil {
		return rotated, nil
	}
	if !errors.IsType(err, errors.ErrTypeConflict) {
		return false, err
	}

	current, readErr := e.store.Get(ctx, cred.Record.Pool, cred.Record.ID)
	if readErr != nil {
		return false, readErr
	}
	freshVersion := current.UpdatedAt
	update.ExpectedVersion = &freshVersion

	if err := e.store.UpdateTokens(ctx, cred.Record.Pool, cred.Record.ID, update); err != nil {
		return false, err
	}
	return rotated, nil
}

// flagNeedsReauth is best-effort: a store error here must not mask the
// refresh failure being reported.
func (e *Executor) flagNeedsReauth(ctx context.Context, pool store.Pool, credentialID string) {
	if err := e.store.MarkNeedsReauth(ctx, pool, credentialID); err != nil {
		if !errors.IsType(err, errors.ErrTypeNotFound) {
			e.events.StatusFlagFailed(pool, credentialID, err)
		}
	}
}
