package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"account_gateway/internal/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, api_key_hash, preference, enabled, created_at, updated_at`

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &user, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetByAPIKeyHash retrieves a user by their API key hash. Results are cached
// briefly since this runs on every inbound request.
func (r *UserRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error) {
	cacheKey := "user:" + hash
	if cached, ok := r.db.credentialCache.Get(cacheKey); ok {
		return cached.(*models.User), nil
	}

	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE api_key_hash = $1 AND enabled = TRUE`

	err := r.db.conn.GetContext(ctx, &user, query, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by api key: %w", err)
	}

	r.db.credentialCache.Set(cacheKey, &user)
	return &user, nil
}

// GetByEmail retrieves a user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	err := r.db.conn.GetContext(ctx, &user, query, email)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return &user, nil
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, api_key_hash, preference, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`

	_, err := r.db.conn.ExecContext(ctx, query,
		user.ID, user.Email, user.APIKeyHash, user.Preference, user.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// ListUserIDsWithSharedPools returns the ids of users that own at least one
// shared quota pool row. Used by the recovery job.
func (r *UserRepository) ListUserIDsWithSharedPools(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := `SELECT DISTINCT user_id FROM shared_quota_pools ORDER BY user_id`
	if err := r.db.conn.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list pool owners: %w", err)
	}
	return ids, nil
}
