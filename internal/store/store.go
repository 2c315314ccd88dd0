// Package store is the persistence and encryption boundary for both
// credential pools. Token material crosses the boundary as plaintext only
// through Create, UpdateTokens, and GetDecrypted; every row holds ciphertext.
package store

import (
	"context"
	"time"
)

// Store is the credential persistence contract consumed by the refresh
// coordinator. Implementations must make UpdateTokens an atomic
// compare-and-swap when an expected version is supplied.
type Store interface {
	// FindExpiring returns active oauth2 credentials in the pool that hold a
	// refresh token and expire within buffer, ordered soonest first.
	FindExpiring(ctx context.Context, pool Pool, buffer time.Duration) ([]CredentialRecord, error)

	// Get returns the stored record without decrypting anything.
	Get(ctx context.Context, pool Pool, id string) (*CredentialRecord, error)

	// GetDecrypted returns the record with decrypted token material.
	// A not_found error means no such credential; a decryption error is
	// terminal and must never be retried.
	GetDecrypted(ctx context.Context, pool Pool, id string) (*DecryptedCredential, error)

	// Create persists a new credential, encrypting payload and refresh token.
	// For the user pool this is an upsert on (connection, user): repeated
	// connect attempts replace the existing row.
	Create(ctx context.Context, rec CredentialRecord, payload TokenPayload, refreshToken string) error

	// UpdateTokens writes a refresh outcome: new payload always, refresh token
	// only on rotation, recomputed expiry, status back to active. With
	// ExpectedVersion set it fails with a conflict error on version mismatch.
	UpdateTokens(ctx context.Context, pool Pool, id string, update TokenUpdate) error

	// MarkNeedsReauth flags a credential that can no longer self-heal.
	MarkNeedsReauth(ctx context.Context, pool Pool, id string) error

	// MarkRevoked soft-deletes a credential by explicit action; the row is
	// retained for audit.
	MarkRevoked(ctx context.Context, pool Pool, id string) error

	Health() error
	Close() error
}
