package store

import (
	"time"
)

// Pool identifies which credential population a record belongs to.
type Pool string

const (
	// PoolShared holds organization-scoped credentials used on behalf of a whole tenant.
	PoolShared Pool = "shared"
	// PoolUser holds per-end-user delegated credentials.
	PoolUser Pool = "user"
)

// Valid reports whether p names a known pool.
func (p Pool) Valid() bool {
	return p == PoolShared || p == PoolUser
}

// Kind is the credential's authentication scheme. Only KindOAuth2 credentials
// expire and participate in proactive refresh.
type Kind string

const (
	KindOAuth2 Kind = "oauth2"
	KindAPIKey Kind = "api_key"
	KindBasic  Kind = "basic"
	KindBearer Kind = "bearer"
)

// Status is the credential lifecycle state.
type Status string

const (
	// StatusActive means the credential is usable. StatusActive with expiresAt
	// in the past is a transient inconsistency: still eligible for refresh.
	StatusActive Status = "active"
	// StatusExpired is set by consumers that observed expiry; refresh still applies.
	StatusExpired Status = "expired"
	// StatusRevoked is set only by explicit user/admin action. Soft delete.
	StatusRevoked Status = "revoked"
	// StatusNeedsReauth means refresh can no longer self-heal this credential.
	StatusNeedsReauth Status = "needs_reauth"
)

// CredentialRecord is a persisted credential plus the relationship context the
// OAuth client resolver needs. Token material stays encrypted in this form.
type CredentialRecord struct {
	ID            string
	Pool          Pool
	IntegrationID string
	TenantID      string
	ConnectionID  string // optional; always set for user-pool records
	UserID        string // user pool only
	AppID         string // consuming app owning the connection, user pool only
	ConnectorID   string // platform-managed connector that provisioned the connection, optional

	Kind                  Kind
	EncryptedPayload      string
	EncryptedRefreshToken string // optional; only oauth2 credentials carry one
	ExpiresAt             *time.Time
	Scopes                []string
	Status                Status

	// UpdatedAt doubles as the optimistic-concurrency version.
	UpdatedAt time.Time
	CreatedAt time.Time
}

// TokenPayload is the decrypted contents of a credential's payload column.
type TokenPayload struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// DecryptedCredential pairs a record with its plaintext token material. It
// must never be logged or persisted; it exists only inside the refresh path.
type DecryptedCredential struct {
	Record       CredentialRecord
	Payload      TokenPayload
	RefreshToken string
}

// TokenUpdate describes the outcome of a successful provider exchange to be
// written back to the store.
type TokenUpdate struct {
	Payload TokenPayload
	// RefreshToken is the rotated refresh token. Written only when
	// RotateRefreshToken is true; otherwise the stored token is preserved.
	RefreshToken       string
	RotateRefreshToken bool
	ExpiresAt          *time.Time
	// ExpectedVersion enables compare-and-swap: when non-nil the update only
	// succeeds if the stored UpdatedAt still matches. The advisory lock is the
	// primary guard; this is defense in depth for paths that bypass it.
	ExpectedVersion *time.Time
}
