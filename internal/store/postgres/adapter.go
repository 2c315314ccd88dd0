// Package postgres implements the credential store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"credential-coordinator/internal/common/errors"
	"credential-coordinator/internal/crypto"
	"credential-coordinator/internal/store"
)

type Adapter struct {
	db        *sql.DB
	config    *Config
	encryptor *crypto.Encryptor
}

func NewAdapter(config *Config, encryptor *crypto.Encryptor) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		db:        db,
		config:    config,
		encryptor: encryptor,
	}

	if err := adapter.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Adapter) Health() error {
	return a.db.Ping()
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id VARCHAR(255) PRIMARY KEY,
			integration_id VARCHAR(255) NOT NULL,
			tenant_id VARCHAR(255) NOT NULL,
			connection_id VARCHAR(255) NOT NULL DEFAULT '',
			connector_id VARCHAR(255) NOT NULL DEFAULT '',
			kind VARCHAR(50) NOT NULL,
			encrypted_payload TEXT NOT NULL,
			encrypted_refresh_token TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			scopes JSONB NOT NULL DEFAULT '[]',
			status VARCHAR(50) NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_credentials (
			id VARCHAR(255) PRIMARY KEY,
			integration_id VARCHAR(255) NOT NULL,
			tenant_id VARCHAR(255) NOT NULL,
			connection_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			app_id VARCHAR(255) NOT NULL DEFAULT '',
			connector_id VARCHAR(255) NOT NULL DEFAULT '',
			kind VARCHAR(50) NOT NULL,
			encrypted_payload TEXT NOT NULL,
			encrypted_refresh_token TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			scopes JSONB NOT NULL DEFAULT '[]',
			status VARCHAR(50) NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (connection_id, user_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_credentials_expiring
			ON credentials (status, expires_at) WHERE kind = 'oauth2'`,
		`CREATE INDEX IF NOT EXISTS idx_user_credentials_expiring
			ON user_credentials (status, expires_at) WHERE kind = 'oauth2'`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_integration
			ON credentials (tenant_id, integration_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_credentials_integration
			ON user_credentials (tenant_id, integration_id)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
			return fmt.Errorf("migration query failed: %w", err)
		}
	}
	return nil
}

func tableFor(pool store.Pool) (string, error) {
	switch pool {
	case store.PoolShared:
		return "credentials", nil
	case store.PoolUser:
		return "user_credentials", nil
	default:
		return "", errors.ValidationError("unknown credential pool")
	}
}

func selectColumns(pool store.Pool) string {
	if pool == store.PoolUser {
		return `id, integration_id, tenant_id, connection_id, user_id, app_id, connector_id,
			kind, encrypted_payload, encrypted_refresh_token, expires_at, scopes, status,
			created_at, updated_at`
	}
	return `id, integration_id, tenant_id, connection_id, connector_id,
		kind, encrypted_payload, encrypted_refresh_token, expires_at, scopes, status,
		created_at, updated_at`
}

func scanRecord(pool store.Pool, scan func(dest ...interface{}) error) (*store.CredentialRecord, error) {
	var rec store.CredentialRecord
	var expiresAt sql.NullTime
	var scopes []byte

	var err error
	if pool == store.PoolUser {
		err = scan(&rec.ID, &rec.IntegrationID, &rec.TenantID, &rec.ConnectionID,
			&rec.UserID, &rec.AppID, &rec.ConnectorID,
			&rec.Kind, &rec.EncryptedPayload, &rec.EncryptedRefreshToken,
			&expiresAt, &scopes, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	} else {
		err = scan(&rec.ID, &rec.IntegrationID, &rec.TenantID, &rec.ConnectionID,
			&rec.ConnectorID,
			&rec.Kind, &rec.EncryptedPayload, &rec.EncryptedRefreshToken,
			&expiresAt, &scopes, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	}
	if err != nil {
		return nil, err
	}

	rec.Pool = pool
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &rec.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode scopes: %w", err)
		}
	}
	return &rec, nil
}

func (a *Adapter) FindExpiring(ctx context.Context, pool store.Pool, buffer time.Duration) ([]store.CredentialRecord, error) {
	table, err := tableFor(pool)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = 'active'
		  AND kind = 'oauth2'
		  AND encrypted_refresh_token <> ''
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at ASC`, selectColumns(pool), table)

	rows, err := a.db.QueryContext(ctx, query, time.Now().Add(buffer))
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring credentials: %w", err)
	}
	defer rows.Close()

	var out []store.CredentialRecord
	for rows.Next() {
		rec, err := scanRecord(pool, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (a *Adapter) Get(ctx context.Context, pool store.Pool, id string) (*store.CredentialRecord, error) {
	table, err := tableFor(pool)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns(pool), table)
	rec, err := scanRecord(pool, a.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("credential").WithCode(errors.CodeCredentialNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return rec, nil
}

func (a *Adapter) GetDecrypted(ctx context.Context, pool store.Pool, id string) (*store.DecryptedCredential, error) {
	rec, err := a.Get(ctx, pool, id)
	if err != nil {
		return nil, err
	}

	var payload store.TokenPayload
	if err := a.encryptor.DecryptJSON(rec.EncryptedPayload, &payload); err != nil {
		return nil, err
	}

	refreshToken, err := a.encryptor.Decrypt(rec.EncryptedRefreshToken)
	if err != nil {
		return nil, err
	}

	return &store.DecryptedCredential{
		Record:       *rec,
		Payload:      payload,
		RefreshToken: refreshToken,
	}, nil
}

func (a *Adapter) Create(ctx context.Context, rec store.CredentialRecord, payload store.TokenPayload, refreshToken string) error {
	table, err := tableFor(rec.Pool)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.ValidationError("credential id is required")
	}

	encryptedPayload, err := a.encryptor.EncryptJSON(payload)
	if err != nil {
		return err
	}
	encryptedRefresh, err := a.encryptor.Encrypt(refreshToken)
	if err != nil {
		return err
	}

	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %w", err)
	}
	if rec.Scopes == nil {
		scopes = []byte("[]")
	}

	status := rec.Status
	if status == "" {
		status = store.StatusActive
	}

	if rec.Pool == store.PoolUser {
		// One delegated credential per (connection, user); a reconnect
		// replaces the stored row.
		query := fmt.Sprintf(`INSERT INTO %s
			(id, integration_id, tenant_id, connection_id, user_id, app_id, connector_id,
			 kind, encrypted_payload, encrypted_refresh_token, expires_at, scopes, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (connection_id, user_id) DO UPDATE SET
				integration_id = EXCLUDED.integration_id,
				app_id = EXCLUDED.app_id,
				connector_id = EXCLUDED.connector_id,
				kind = EXCLUDED.kind,
				encrypted_payload = EXCLUDED.encrypted_payload,
				encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
				expires_at = EXCLUDED.expires_at,
				scopes = EXCLUDED.scopes,
				status = EXCLUDED.status,
				updated_at = CURRENT_TIMESTAMP`, table)
		_, err = a.db.ExecContext(ctx, query,
			rec.ID, rec.IntegrationID, rec.TenantID, rec.ConnectionID, rec.UserID,
			rec.AppID, rec.ConnectorID, rec.Kind, encryptedPayload, encryptedRefresh,
			nullableTime(rec.ExpiresAt), scopes, status)
	} else {
		query := fmt.Sprintf(`INSERT INTO %s
			(id, integration_id, tenant_id, connection_id, connector_id,
			 kind, encrypted_payload, encrypted_refresh_token, expires_at, scopes, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, table)
		_, err = a.db.ExecContext(ctx, query,
			rec.ID, rec.IntegrationID, rec.TenantID, rec.ConnectionID, rec.ConnectorID,
			rec.Kind, encryptedPayload, encryptedRefresh,
			nullableTime(rec.ExpiresAt), scopes, status)
	}
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

func (a *Adapter) UpdateTokens(ctx context.Context, pool store.Pool, id string, update store.TokenUpdate) error {
	table, err := tableFor(pool)
	if err != nil {
		return err
	}

	encryptedPayload, err := a.encryptor.EncryptJSON(update.Payload)
	if err != nil {
		return err
	}

	set := `encrypted_payload = $1, status = 'active', updated_at = CURRENT_TIMESTAMP`
	args := []interface{}{encryptedPayload}

	// A provider that omits expires_in keeps the previous expiry; writing
	// NULL would silently drop the credential from expiry scans.
	if update.ExpiresAt != nil {
		set += fmt.Sprintf(", expires_at = $%d", len(args)+1)
		args = append(args, *update.ExpiresAt)
	}

	if update.RotateRefreshToken {
		encryptedRefresh, err := a.encryptor.Encrypt(update.RefreshToken)
		if err != nil {
			return err
		}
		set += fmt.Sprintf(", encrypted_refresh_token = $%d", len(args)+1)
		args = append(args, encryptedRefresh)
	}

	where := fmt.Sprintf("id = $%d", len(args)+1)
	args = append(args, id)

	if update.ExpectedVersion != nil {
		where += fmt.Sprintf(" AND updated_at = $%d", len(args)+1)
		args = append(args, *update.ExpectedVersion)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, set, where)
	result, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update credential tokens: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a version mismatch.
		if _, getErr := a.Get(ctx, pool, id); getErr != nil {
			return getErr
		}
		return errors.ConflictError("credential")
	}
	return nil
}

func (a *Adapter) MarkNeedsReauth(ctx context.Context, pool store.Pool, id string) error {
	return a.setStatus(ctx, pool, id, store.StatusNeedsReauth)
}

func (a *Adapter) MarkRevoked(ctx context.Context, pool store.Pool, id string) error {
	return a.setStatus(ctx, pool, id, store.StatusRevoked)
}

func (a *Adapter) setStatus(ctx context.Context, pool store.Pool, id string, status store.Status) error {
	table, err := tableFor(pool)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, table)
	result, err := a.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return errors.NotFoundError("credential").WithCode(errors.CodeCredentialNotFound)
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
