package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"credential-coordinator/internal/common/errors"
	"credential-coordinator/internal/redis"
)

const (
	statePrefix     = "oauth:state:"
	DefaultStateTTL = 10 * time.Minute
)

// PendingAuthorization is the state persisted across an
// authorization-code round trip: who started the flow and where to
// land them when the provider redirects back.
type PendingAuthorization struct {
	IntegrationID string    `json:"integration_id"`
	TenantID      string    `json:"tenant_id"`
	ConnectionID  string    `json:"connection_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	RedirectURI   string    `json:"redirect_uri"`
	CodeVerifier  string    `json:"code_verifier,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StateStore persists pending authorization-code flow state in Redis,
// keyed by a random single-use token with a TTL. Any instance behind
// the load balancer can complete a flow another instance started.
type StateStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStateStore(client *redis.Client, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{redis: client, ttl: ttl}
}

// Issue stores the pending authorization and returns the opaque state
// token to round-trip through the provider.
func (s *StateStore) Issue(ctx context.Context, pending PendingAuthorization) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", errors.InternalError("failed to generate state token", err)
	}
	pending.CreatedAt = time.Now().UTC()

	if err := s.redis.Set(ctx, statePrefix+token, pending, s.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Consume retrieves and deletes the pending authorization for the
// token. A token is single-use: a second consume, an expired token,
// and a forged token are indistinguishable and all fail.
func (s *StateStore) Consume(ctx context.Context, token string) (*PendingAuthorization, error) {
	key := statePrefix + token

	var pending PendingAuthorization
	if err := s.redis.GetJSON(ctx, key, &pending); err != nil {
		if redis.IsNotFound(err) {
			return nil, errors.AuthError("unknown or expired authorization state")
		}
		return nil, err
	}

	if err := s.redis.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to consume authorization state: %w", err)
	}
	return &pending, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
