package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"account_gateway/internal/models"
)

// Store is the persistence surface the ledger needs. Implemented by
// storage.QuotaRepository.
type Store interface {
	GetModelQuota(ctx context.Context, credentialID uuid.UUID, model string) (*models.ModelQuota, error)
	UpsertModelQuota(ctx context.Context, credentialID uuid.UUID, model string, fraction float64, resetAt time.Time) error
	GetPool(ctx context.Context, userID uuid.UUID, model string) (*models.SharedQuotaPool, error)
	ListPools(ctx context.Context) ([]*models.SharedQuotaPool, error)
	UpsertPool(ctx context.Context, userID uuid.UUID, model string, quota, maxQuota float64) error
	DebitPool(ctx context.Context, userID uuid.UUID, model string, delta float64) error
	RecoverPool(ctx context.Context, userID uuid.UUID, model string, amount, maxQuota float64) (int64, error)
	AppendConsumption(ctx context.Context, rec *models.ConsumptionRecord) error
}

// CredentialCounter counts enabled shared credentials per provider; the
// count drives pool ceilings. Implemented by storage.CredentialRepository.
type CredentialCounter interface {
	CountEnabledShared(ctx context.Context, provider models.Provider) (int, error)
}

// UsageFetcher polls the upstream usage endpoint for a credential.
// Implemented by upstream.UsageClient.
type UsageFetcher interface {
	FetchModelQuotas(ctx context.Context, cred *models.Credential) (map[string]ModelUsage, error)
}

// ModelUsage is one model's quota state as reported by the upstream.
type ModelUsage struct {
	RemainingFraction float64
	ResetTime         time.Time
}

// Config holds ledger policy.
type Config struct {
	CacheTTL      time.Duration // model quota staleness watermark
	RecoveryRate  float64       // fraction of max_quota restored per recovery pass
	PoolPerShared float64       // max_quota contribution per enabled shared credential
}

// Ledger gates credential selection on quota state and records consumption.
// It never blocks the streaming path: stale reads trigger detached
// refreshes, and consumption lands through the async worker.
type Ledger struct {
	store   Store
	creds   CredentialCounter
	fetcher UsageFetcher
	cfg     Config

	mu        sync.Mutex
	refreshes map[uuid.UUID]struct{} // credentials with a refresh in flight
}

// NewLedger creates a quota ledger.
func NewLedger(store Store, creds CredentialCounter, fetcher UsageFetcher, cfg Config) *Ledger {
	if cfg.RecoveryRate <= 0 {
		cfg.RecoveryRate = 0.2
	}
	if cfg.PoolPerShared <= 0 {
		cfg.PoolPerShared = 2.0
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Ledger{
		store:     store,
		creds:     creds,
		fetcher:   fetcher,
		cfg:       cfg,
		refreshes: make(map[uuid.UUID]struct{}),
	}
}

// CachedQuota returns the remaining fraction for (credential, model) and the
// watermark of the read. A row older than the TTL is still returned, but an
// asynchronous refresh is kicked off so the next selection sees fresh data.
// A credential never polled is optimistically treated as fully available.
func (l *Ledger) CachedQuota(ctx context.Context, cred *models.Credential, model string) (float64, time.Time) {
	row, err := l.store.GetModelQuota(ctx, cred.ID, model)
	if err != nil {
		l.refreshAsync(cred)
		return 1.0, time.Time{}
	}
	if row.Stale(l.cfg.CacheTTL, time.Now()) {
		l.refreshAsync(cred)
	}
	return row.Fraction, row.FetchedAt
}

// Available reports whether the credential still has provider-side quota
// for the model.
func (l *Ledger) Available(ctx context.Context, cred *models.Credential, model string) bool {
	fraction, _ := l.CachedQuota(ctx, cred, model)
	return fraction > 0
}

// Refresh polls the upstream usage endpoint and overwrites the credential's
// quota rows for every model returned.
func (l *Ledger) Refresh(ctx context.Context, cred *models.Credential) error {
	usages, err := l.fetcher.FetchModelQuotas(ctx, cred)
	if err != nil {
		return err
	}
	for model, usage := range usages {
		if err := l.store.UpsertModelQuota(ctx, cred.ID, model, usage.RemainingFraction, usage.ResetTime); err != nil {
			return err
		}
	}
	return nil
}

// refreshAsync starts a detached refresh unless one is already running for
// this credential.
func (l *Ledger) refreshAsync(cred *models.Credential) {
	if l.fetcher == nil {
		return
	}
	l.mu.Lock()
	if _, running := l.refreshes[cred.ID]; running {
		l.mu.Unlock()
		return
	}
	l.refreshes[cred.ID] = struct{}{}
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.refreshes, cred.ID)
			l.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := l.Refresh(ctx, cred); err != nil {
			log.WithError(err).WithField("credential", cred.ID).Warn("background quota refresh failed")
		}
	}()
}

// RecordConsumption appends an immutable consumption record and, for
// shared-tier usage, debits the user's pool by the clamped delta. Dedicated
// usage is logged but never touches the pool.
func (l *Ledger) RecordConsumption(ctx context.Context, userID, credentialID uuid.UUID, model string, before, after float64, tier models.Tier) error {
	rec := models.NewConsumptionRecord(userID, credentialID, model, before, after, tier)
	if err := l.store.AppendConsumption(ctx, rec); err != nil {
		return err
	}

	if tier == models.TierShared && rec.Consumed > 0 {
		if err := l.store.DebitPool(ctx, userID, model, rec.Consumed); err != nil {
			return err
		}
	}
	return nil
}

// PoolCeiling computes the current max_quota for a (user, model) pool:
// PoolPerShared times the count of enabled shared credentials for the
// model's provider, across all owners.
func (l *Ledger) PoolCeiling(ctx context.Context, model string) (float64, error) {
	info, ok := models.LookupModel(model)
	if !ok {
		return 0, nil
	}
	count, err := l.creds.CountEnabledShared(ctx, info.Provider)
	if err != nil {
		return 0, err
	}
	return l.cfg.PoolPerShared * float64(count), nil
}

// PoolQuota returns the user's remaining pool quota for a model, creating
// the row at full capacity on first use.
func (l *Ledger) PoolQuota(ctx context.Context, userID uuid.UUID, model string) (float64, error) {
	pool, err := l.store.GetPool(ctx, userID, model)
	if err == nil {
		return pool.Quota, nil
	}

	ceiling, cerr := l.PoolCeiling(ctx, model)
	if cerr != nil {
		return 0, cerr
	}
	if uerr := l.store.UpsertPool(ctx, userID, model, ceiling, ceiling); uerr != nil {
		return 0, uerr
	}
	return ceiling, nil
}

// GroupHasQuota reports whether any model in the requested model's
// quota-sharing group still has positive pool quota for the user. A shared
// credential is useless to a user whose pool is exhausted even if the
// credential itself still has provider-side quota.
func (l *Ledger) GroupHasQuota(ctx context.Context, userID uuid.UUID, model string) bool {
	for _, m := range models.GroupModels(model) {
		quota, err := l.PoolQuota(ctx, userID, m)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"user": userID, "model": m}).Warn("pool quota read failed")
			continue
		}
		if quota > 0 {
			return true
		}
	}
	return false
}

// RecoverAll runs one recovery pass: every pool gains RecoveryRate of its
// recomputed ceiling, capped at the ceiling. Pools whose provider has no
// enabled shared credentials collapse to zero. Returns the number of pool
// rows touched.
func (l *Ledger) RecoverAll(ctx context.Context) (int, error) {
	pools, err := l.store.ListPools(ctx)
	if err != nil {
		return 0, err
	}

	// One shared-credential count per provider per pass.
	ceilings := make(map[models.Provider]float64)
	touched := 0

	for _, pool := range pools {
		info, ok := models.LookupModel(pool.Model)
		if !ok {
			continue
		}
		ceiling, cached := ceilings[info.Provider]
		if !cached {
			count, err := l.creds.CountEnabledShared(ctx, info.Provider)
			if err != nil {
				return touched, err
			}
			ceiling = l.cfg.PoolPerShared * float64(count)
			ceilings[info.Provider] = ceiling
		}

		rows, err := l.store.RecoverPool(ctx, pool.UserID, pool.Model, ceiling*l.cfg.RecoveryRate, ceiling)
		if err != nil {
			return touched, err
		}
		touched += int(rows)
	}

	return touched, nil
}
