package models

import (
	"time"

	"github.com/google/uuid"
)

// ModelQuota is the per-(credential, model) remaining fraction in [0,1],
// refreshed by polling the upstream usage endpoint. FetchedAt is the cache
// watermark: readers treat rows older than the configured TTL as stale.
type ModelQuota struct {
	CredentialID uuid.UUID `db:"credential_id"`
	Model        string    `db:"model"`
	Fraction     float64   `db:"fraction"`
	ResetAt      time.Time `db:"reset_at"`
	FetchedAt    time.Time `db:"fetched_at"`
}

// Available reports whether the credential still has provider-side quota
// for this model.
func (q *ModelQuota) Available() bool {
	return q.Fraction > 0
}

// Stale reports whether the row is older than ttl.
func (q *ModelQuota) Stale(ttl time.Duration, now time.Time) bool {
	return q.FetchedAt.Before(now.Add(-ttl))
}

// SharedQuotaPool is the per-(user, model) pool debited by shared-tier
// consumption. Invariant: 0 <= Quota <= MaxQuota after any mutation.
// MaxQuota is 2x the count of enabled shared credentials contributing to
// the model and is recomputed whenever shared membership changes.
type SharedQuotaPool struct {
	UserID    uuid.UUID `db:"user_id"`
	Model     string    `db:"model"`
	Quota     float64   `db:"quota"`
	MaxQuota  float64   `db:"max_quota"`
	UpdatedAt time.Time `db:"updated_at"`
}

// HasQuota reports whether the pool can still fund a shared-tier call.
func (p *SharedQuotaPool) HasQuota() bool {
	return p.Quota > 0
}
