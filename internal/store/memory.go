package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"credential-coordinator/internal/common/errors"
	"credential-coordinator/internal/crypto"
)

// MemoryStore is an in-memory Store used by tests and single-process
// development setups. It applies the same encryption boundary as the SQL
// adapters so test coverage exercises the real code paths.
type MemoryStore struct {
	mu        sync.RWMutex
	encryptor *crypto.Encryptor
	records   map[Pool]map[string]*CredentialRecord
	clock     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(encryptor *crypto.Encryptor) *MemoryStore {
	return &MemoryStore{
		encryptor: encryptor,
		records: map[Pool]map[string]*CredentialRecord{
			PoolShared: {},
			PoolUser:   {},
		},
		clock: time.Now,
	}
}

// SetClock overrides the store's notion of now. Test hook.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryStore) FindExpiring(ctx context.Context, pool Pool, buffer time.Duration) ([]CredentialRecord, error) {
	if !pool.Valid() {
		return nil, errors.ValidationError("unknown credential pool")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.clock().Add(buffer)
	var out []CredentialRecord
	for _, rec := range s.records[pool] {
		if rec.Status != StatusActive || rec.Kind != KindOAuth2 {
			continue
		}
		if rec.EncryptedRefreshToken == "" || rec.ExpiresAt == nil {
			continue
		}
		if rec.ExpiresAt.After(cutoff) {
			continue
		}
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, pool Pool, id string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[pool][id]
	if !ok {
		return nil, errors.NotFoundError("credential").WithCode(errors.CodeCredentialNotFound)
	}
	copied := *rec
	return &copied, nil
}

func (s *MemoryStore) GetDecrypted(ctx context.Context, pool Pool, id string) (*DecryptedCredential, error) {
	rec, err := s.Get(ctx, pool, id)
	if err != nil {
		return nil, err
	}

	var payload TokenPayload
	if err := s.encryptor.DecryptJSON(rec.EncryptedPayload, &payload); err != nil {
		return nil, err
	}

	refreshToken, err := s.encryptor.Decrypt(rec.EncryptedRefreshToken)
	if err != nil {
		return nil, err
	}

	return &DecryptedCredential{
		Record:       *rec,
		Payload:      payload,
		RefreshToken: refreshToken,
	}, nil
}

func (s *MemoryStore) Create(ctx context.Context, rec CredentialRecord, payload TokenPayload, refreshToken string) error {
	if !rec.Pool.Valid() {
		return errors.ValidationError("unknown credential pool")
	}
	if rec.ID == "" {
		return errors.ValidationError("credential id is required")
	}

	encryptedPayload, err := s.encryptor.EncryptJSON(payload)
	if err != nil {
		return err
	}
	encryptedRefresh, err := s.encryptor.Encrypt(refreshToken)
	if err != nil {
		return err
	}

	rec.EncryptedPayload = encryptedPayload
	rec.EncryptedRefreshToken = encryptedRefresh

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusActive
	}

	// One row per (connection, user): a repeated connect replaces the
	// previous delegated credential.
	if rec.Pool == PoolUser {
		for id, existing := range s.records[PoolUser] {
			if existing.ConnectionID == rec.ConnectionID && existing.UserID == rec.UserID {
				delete(s.records[PoolUser], id)
			}
		}
	}

	stored := rec
	s.records[rec.Pool][rec.ID] = &stored
	return nil
}

func (s *MemoryStore) UpdateTokens(ctx context.Context, pool Pool, id string, update TokenUpdate) error {
	encryptedPayload, err := s.encryptor.EncryptJSON(update.Payload)
	if err != nil {
		return err
	}
	var encryptedRefresh string
	if update.RotateRefreshToken {
		encryptedRefresh, err = s.encryptor.Encrypt(update.RefreshToken)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[pool][id]
	if !ok {
		return errors.NotFoundError("credential").WithCode(errors.CodeCredentialNotFound)
	}

	if update.ExpectedVersion != nil && !rec.UpdatedAt.Equal(*update.ExpectedVersion) {
		return errors.ConflictError("credential")
	}

	rec.EncryptedPayload = encryptedPayload
	if update.RotateRefreshToken {
		rec.EncryptedRefreshToken = encryptedRefresh
	}
	// No expiry in the update keeps the previous one; clearing it would
	// silently drop the credential from expiry scans.
	if update.ExpiresAt != nil {
		rec.ExpiresAt = update.ExpiresAt
	}
	rec.Status = StatusActive
	rec.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) MarkNeedsReauth(ctx context.Context, pool Pool, id string) error {
	return s.setStatus(pool, id, StatusNeedsReauth)
}

func (s *MemoryStore) MarkRevoked(ctx context.Context, pool Pool, id string) error {
	return s.setStatus(pool, id, StatusRevoked)
}

func (s *MemoryStore) setStatus(pool Pool, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[pool][id]
	if !ok {
		return errors.NotFoundError("credential").WithCode(errors.CodeCredentialNotFound)
	}
	rec.Status = status
	rec.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) Health() error { return nil }

func (s *MemoryStore) Close() error { return nil }
