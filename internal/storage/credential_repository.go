package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"account_gateway/internal/models"
)

// CredentialRepository handles credential database operations
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `
	id, user_id, provider, tier, label, access_token, refresh_token,
	expires_at, enabled, needs_reauth, routing, created_at, updated_at
`

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	var cred models.Credential
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &cred, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &cred, nil
}

// CredentialFilter narrows credential listings. Zero values mean "any".
type CredentialFilter struct {
	UserID      uuid.UUID
	Provider    models.Provider
	Tier        models.Tier
	EnabledOnly bool
}

// List returns credentials matching the filter, oldest first.
func (r *CredentialRepository) List(ctx context.Context, filter CredentialFilter) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE 1=1`
	var args []interface{}
	argCount := 1

	if filter.UserID != uuid.Nil {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, filter.UserID)
		argCount++
	}
	if filter.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", argCount)
		args = append(args, filter.Provider)
		argCount++
	}
	if filter.Tier != "" {
		query += fmt.Sprintf(" AND tier = $%d", argCount)
		args = append(args, filter.Tier)
		argCount++
	}
	if filter.EnabledOnly {
		query += " AND enabled = TRUE AND needs_reauth = FALSE"
	}
	query += " ORDER BY created_at"

	var creds []*models.Credential
	if err := r.db.conn.SelectContext(ctx, &creds, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	return creds, nil
}

// CountEnabledShared counts enabled shared credentials for a provider,
// across all owners. This drives the shared pool ceiling.
func (r *CredentialRepository) CountEnabledShared(ctx context.Context, provider models.Provider) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM credentials
		WHERE tier = $1 AND provider = $2 AND enabled = TRUE AND needs_reauth = FALSE
	`
	if err := r.db.conn.GetContext(ctx, &count, query, models.TierShared, provider); err != nil {
		return 0, fmt.Errorf("failed to count shared credentials: %w", err)
	}
	return count, nil
}

// Create inserts a credential created by a completed authorization.
func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (id, user_id, provider, tier, label, access_token,
		                         refresh_token, expires_at, enabled, needs_reauth,
		                         routing, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`
	_, err := r.db.conn.ExecContext(ctx, query,
		cred.ID, cred.UserID, cred.Provider, cred.Tier, cred.Label,
		cred.AccessToken, cred.RefreshToken, cred.ExpiresAt,
		cred.Enabled, cred.NeedsReauth, cred.Routing,
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// UpdateTokens stores a refreshed token pair and clears the reauth flag.
func (r *CredentialRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time) error {
	query := `
		UPDATE credentials
		SET access_token = $2, expires_at = $3, needs_reauth = FALSE, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.conn.ExecContext(ctx, query, id, accessToken, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update credential tokens: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrCredentialNotFound
	}

	r.db.credentialCache.Delete(id.String())
	return nil
}

// Disable permanently removes a credential from selection. The row is kept:
// deletion is an administrative action outside the gateway.
func (r *CredentialRepository) Disable(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.conn.ExecContext(ctx,
		`UPDATE credentials SET enabled = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to disable credential: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrCredentialNotFound
	}

	r.db.credentialCache.Delete(id.String())
	return nil
}

// MarkNeedsReauth flags a credential whose refresh failed transiently; the
// flag gates it out of selection until the owner re-authorizes.
func (r *CredentialRepository) MarkNeedsReauth(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.conn.ExecContext(ctx,
		`UPDATE credentials SET needs_reauth = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark credential for reauth: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrCredentialNotFound
	}

	r.db.credentialCache.Delete(id.String())
	return nil
}
