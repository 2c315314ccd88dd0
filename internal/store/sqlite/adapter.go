// Package sqlite implements the credential store on SQLite for single-node
// deployments. Timestamps are written from Go rather than SQL defaults so the
// optimistic-concurrency comparison on updated_at is an exact match.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"credential-coordinator/internal/common/errors"
	"credential-coordinator/internal/crypto"
	"credential-coordinator/internal/store"
)

type Adapter struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

func NewAdapter(path string, encryptor *crypto.Encryptor) (*Adapter, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{db: db, encryptor: encryptor}

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
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			connection_id TEXT NOT NULL DEFAULT '',
			connector_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			encrypted_payload TEXT NOT NULL,
			encrypted_refresh_token TEXT NOT NULL DEFAULT '',
			expires_at DATETIME,
			scopes TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_credentials (
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			app_id TEXT NOT NULL DEFAULT '',
			connector_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			encrypted_payload TEXT NOT NULL,
			encrypted_refresh_token TEXT NOT NULL DEFAULT '',
			expires_at DATETIME,
			scopes TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (connection_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_expiring
			ON credentials (status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_user_credentials_expiring
			ON user_credentials (status, expires_at)`,
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
	var scopes string

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
	if scopes != "" {
		if err := json.Unmarshal([]byte(scopes), &rec.Scopes); err != nil {
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
		  AND expires_at <= ?
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

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, selectColumns(pool), table)
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

	scopes := []byte("[]")
	if rec.Scopes != nil {
		scopes, err = json.Marshal(rec.Scopes)
		if err != nil {
			return fmt.Errorf("failed to encode scopes: %w", err)
		}
	}

	status := rec.Status
	if status == "" {
		status = store.StatusActive
	}
	now := time.Now().UTC()

	if rec.Pool == store.PoolUser {
		query := fmt.Sprintf(`INSERT INTO %s
			(id, integration_id, tenant_id, connection_id, user_id, app_id, connector_id,
			 kind, encrypted_payload, encrypted_refresh_token, expires_at, scopes, status,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (connection_id, user_id) DO UPDATE SET
				integration_id = excluded.integration_id,
				app_id = excluded.app_id,
				connector_id = excluded.connector_id,
				kind = excluded.kind,
				encrypted_payload = excluded.encrypted_payload,
				encrypted_refresh_token = excluded.encrypted_refresh_token,
				expires_at = excluded.expires_at,
				scopes = excluded.scopes,
				status = excluded.status,
				updated_at = excluded.updated_at`, table)
		_, err = a.db.ExecContext(ctx, query,
			rec.ID, rec.IntegrationID, rec.TenantID, rec.ConnectionID, rec.UserID,
			rec.AppID, rec.ConnectorID, rec.Kind, encryptedPayload, encryptedRefresh,
			nullableTime(rec.ExpiresAt), string(scopes), status, now, now)
	} else {
		query := fmt.Sprintf(`INSERT INTO %s
			(id, integration_id, tenant_id, connection_id, connector_id,
			 kind, encrypted_payload, encrypted_refresh_token, expires_at, scopes, status,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
		_, err = a.db.ExecContext(ctx, query,
			rec.ID, rec.IntegrationID, rec.TenantID, rec.ConnectionID, rec.ConnectorID,
			rec.Kind, encryptedPayload, encryptedRefresh,
			nullableTime(rec.ExpiresAt), string(scopes), status, now, now)
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

	set := `encrypted_payload = ?, status = 'active', updated_at = ?`
	args := []interface{}{encryptedPayload, time.Now().UTC()}

	// A provider that omits expires_in keeps the previous expiry; writing
	// NULL would silently drop the credential from expiry scans.
	if update.ExpiresAt != nil {
		set += ", expires_at = ?"
		args = append(args, *update.ExpiresAt)
	}

	if update.RotateRefreshToken {
		encryptedRefresh, err := a.encryptor.Encrypt(update.RefreshToken)
		if err != nil {
			return err
		}
		set += ", encrypted_refresh_token = ?"
		args = append(args, encryptedRefresh)
	}

	where := "id = ?"
	args = append(args, id)

	if update.ExpectedVersion != nil {
		where += " AND updated_at = ?"
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

	query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ?`, table)
	result, err := a.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
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
