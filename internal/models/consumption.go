package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsumptionRecord is an append-only log entry of one observed quota delta.
// Records are never mutated after insert.
type ConsumptionRecord struct {
	ID           uuid.UUID `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	CredentialID uuid.UUID `db:"credential_id"`
	Model        string    `db:"model"`
	QuotaBefore  float64   `db:"quota_before"`
	QuotaAfter   float64   `db:"quota_after"`
	Consumed     float64   `db:"consumed"`
	Tier         Tier      `db:"tier"`
	CreatedAt    time.Time `db:"created_at"`
}

// NewConsumptionRecord builds a record from an observed before/after pair.
// A negative raw delta means the upstream quota reset mid-call; it is
// recorded as zero consumed, never negative.
func NewConsumptionRecord(userID, credentialID uuid.UUID, model string, before, after float64, tier Tier) *ConsumptionRecord {
	consumed := before - after
	if consumed < 0 {
		consumed = 0
	}
	return &ConsumptionRecord{
		ID:           uuid.New(),
		UserID:       userID,
		CredentialID: credentialID,
		Model:        model,
		QuotaBefore:  before,
		QuotaAfter:   after,
		Consumed:     consumed,
		Tier:         tier,
		CreatedAt:    time.Now().UTC(),
	}
}
