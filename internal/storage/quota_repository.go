package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"account_gateway/internal/models"
)

// QuotaRepository handles model quota rows, shared quota pools and the
// consumption log. Pool mutations are single atomic UPDATEs with floors and
// ceilings applied in SQL, so concurrent debits and recovery passes
// interleave safely without in-process locking.
type QuotaRepository struct {
	db *DB
}

// NewQuotaRepository creates a new quota repository
func NewQuotaRepository(db *DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// GetModelQuota retrieves the quota row for a (credential, model) pair.
func (r *QuotaRepository) GetModelQuota(ctx context.Context, credentialID uuid.UUID, model string) (*models.ModelQuota, error) {
	var quota models.ModelQuota
	query := `
		SELECT credential_id, model, fraction, reset_at, fetched_at
		FROM model_quotas
		WHERE credential_id = $1 AND model = $2
	`

	err := r.db.conn.GetContext(ctx, &quota, query, credentialID, model)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrModelQuotaNotFound
		}
		return nil, fmt.Errorf("failed to get model quota: %w", err)
	}

	return &quota, nil
}

// UpsertModelQuota overwrites a quota row with a freshly fetched fraction.
func (r *QuotaRepository) UpsertModelQuota(ctx context.Context, credentialID uuid.UUID, model string, fraction float64, resetAt time.Time) error {
	query := `
		INSERT INTO model_quotas (credential_id, model, fraction, reset_at, fetched_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (credential_id, model)
		DO UPDATE SET fraction = $3, reset_at = $4, fetched_at = NOW()
	`
	if _, err := r.db.conn.ExecContext(ctx, query, credentialID, model, fraction, resetAt); err != nil {
		return fmt.Errorf("failed to upsert model quota: %w", err)
	}
	return nil
}

// GetPool retrieves a user's shared quota pool for a model.
func (r *QuotaRepository) GetPool(ctx context.Context, userID uuid.UUID, model string) (*models.SharedQuotaPool, error) {
	var pool models.SharedQuotaPool
	query := `
		SELECT user_id, model, quota, max_quota, updated_at
		FROM shared_quota_pools
		WHERE user_id = $1 AND model = $2
	`

	err := r.db.conn.GetContext(ctx, &pool, query, userID, model)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("failed to get shared quota pool: %w", err)
	}

	return &pool, nil
}

// ListPools returns every shared quota pool row.
func (r *QuotaRepository) ListPools(ctx context.Context) ([]*models.SharedQuotaPool, error) {
	var pools []*models.SharedQuotaPool
	query := `
		SELECT user_id, model, quota, max_quota, updated_at
		FROM shared_quota_pools
		ORDER BY user_id, model
	`
	if err := r.db.conn.SelectContext(ctx, &pools, query); err != nil {
		return nil, fmt.Errorf("failed to list shared quota pools: %w", err)
	}
	return pools, nil
}

// UpsertPool writes a pool row, clamping quota into [0, max_quota].
func (r *QuotaRepository) UpsertPool(ctx context.Context, userID uuid.UUID, model string, quota, maxQuota float64) error {
	query := `
		INSERT INTO shared_quota_pools (user_id, model, quota, max_quota, updated_at)
		VALUES ($1, $2, GREATEST(LEAST($3, $4), 0), $4, NOW())
		ON CONFLICT (user_id, model)
		DO UPDATE SET quota = GREATEST(LEAST($3, $4), 0), max_quota = $4, updated_at = NOW()
	`
	if _, err := r.db.conn.ExecContext(ctx, query, userID, model, quota, maxQuota); err != nil {
		return fmt.Errorf("failed to upsert shared quota pool: %w", err)
	}
	return nil
}

// DebitPool subtracts delta from a pool, floored at 0.
func (r *QuotaRepository) DebitPool(ctx context.Context, userID uuid.UUID, model string, delta float64) error {
	query := `
		UPDATE shared_quota_pools
		SET quota = GREATEST(quota - $3, 0), updated_at = NOW()
		WHERE user_id = $1 AND model = $2
	`
	result, err := r.db.conn.ExecContext(ctx, query, userID, model, delta)
	if err != nil {
		return fmt.Errorf("failed to debit shared quota pool: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// RecoverPool credits one pool by amount and applies a fresh ceiling in the
// same statement. Returns the number of rows touched (0 or 1).
func (r *QuotaRepository) RecoverPool(ctx context.Context, userID uuid.UUID, model string, amount, maxQuota float64) (int64, error) {
	query := `
		UPDATE shared_quota_pools
		SET quota = GREATEST(LEAST(quota + $3, $4), 0), max_quota = $4, updated_at = NOW()
		WHERE user_id = $1 AND model = $2
	`
	result, err := r.db.conn.ExecContext(ctx, query, userID, model, amount, maxQuota)
	if err != nil {
		return 0, fmt.Errorf("failed to recover shared quota pool: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// AppendConsumption inserts one immutable consumption record.
func (r *QuotaRepository) AppendConsumption(ctx context.Context, rec *models.ConsumptionRecord) error {
	query := `
		INSERT INTO consumption_records (id, user_id, credential_id, model,
		                                 quota_before, quota_after, consumed,
		                                 tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.conn.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.CredentialID, rec.Model,
		rec.QuotaBefore, rec.QuotaAfter, rec.Consumed,
		rec.Tier, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append consumption record: %w", err)
	}
	return nil
}
