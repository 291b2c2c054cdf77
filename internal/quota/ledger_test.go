package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account_gateway/internal/models"
)

// fakeStore is an in-memory Store with the same clamping semantics as the
// SQL layer.
type fakeStore struct {
	mu          sync.Mutex
	quotas      map[string]*models.ModelQuota
	pools       map[string]*models.SharedQuotaPool
	consumption []*models.ConsumptionRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		quotas: make(map[string]*models.ModelQuota),
		pools:  make(map[string]*models.SharedQuotaPool),
	}
}

func quotaKey(credentialID uuid.UUID, model string) string {
	return credentialID.String() + "/" + model
}

func poolKey(userID uuid.UUID, model string) string {
	return userID.String() + "/" + model
}

func (s *fakeStore) GetModelQuota(_ context.Context, credentialID uuid.UUID, model string) (*models.ModelQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(credentialID, model)]
	if !ok {
		return nil, fmt.Errorf("no quota row")
	}
	copied := *q
	return &copied, nil
}

func (s *fakeStore) UpsertModelQuota(_ context.Context, credentialID uuid.UUID, model string, fraction float64, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quotaKey(credentialID, model)] = &models.ModelQuota{
		CredentialID: credentialID,
		Model:        model,
		Fraction:     fraction,
		ResetAt:      resetAt,
		FetchedAt:    time.Now(),
	}
	return nil
}

func (s *fakeStore) GetPool(_ context.Context, userID uuid.UUID, model string) (*models.SharedQuotaPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolKey(userID, model)]
	if !ok {
		return nil, fmt.Errorf("no pool row")
	}
	copied := *p
	return &copied, nil
}

func (s *fakeStore) ListPools(_ context.Context) ([]*models.SharedQuotaPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SharedQuotaPool
	for _, p := range s.pools {
		copied := *p
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeStore) UpsertPool(_ context.Context, userID uuid.UUID, model string, quota, maxQuota float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if quota > maxQuota {
		quota = maxQuota
	}
	if quota < 0 {
		quota = 0
	}
	s.pools[poolKey(userID, model)] = &models.SharedQuotaPool{
		UserID: userID, Model: model, Quota: quota, MaxQuota: maxQuota, UpdatedAt: time.Now(),
	}
	return nil
}

func (s *fakeStore) DebitPool(_ context.Context, userID uuid.UUID, model string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolKey(userID, model)]
	if !ok {
		return fmt.Errorf("no pool row")
	}
	p.Quota -= delta
	if p.Quota < 0 {
		p.Quota = 0
	}
	return nil
}

func (s *fakeStore) RecoverPool(_ context.Context, userID uuid.UUID, model string, amount, maxQuota float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolKey(userID, model)]
	if !ok {
		return 0, nil
	}
	p.Quota += amount
	if p.Quota > maxQuota {
		p.Quota = maxQuota
	}
	if p.Quota < 0 {
		p.Quota = 0
	}
	p.MaxQuota = maxQuota
	return 1, nil
}

func (s *fakeStore) AppendConsumption(_ context.Context, rec *models.ConsumptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumption = append(s.consumption, rec)
	return nil
}

type fakeCounter struct {
	counts map[models.Provider]int
}

func (c *fakeCounter) CountEnabledShared(_ context.Context, provider models.Provider) (int, error) {
	return c.counts[provider], nil
}

func newTestLedger(store *fakeStore, sharedCount int) *Ledger {
	counter := &fakeCounter{counts: map[models.Provider]int{
		models.ProviderAntigravity: sharedCount,
		models.ProviderKiro:        sharedCount,
	}}
	return NewLedger(store, counter, nil, Config{
		CacheTTL:      5 * time.Minute,
		RecoveryRate:  0.2,
		PoolPerShared: 2.0,
	})
}

func TestPoolCeilingScalesWithSharedCredentials(t *testing.T) {
	tests := []struct {
		name        string
		sharedCount int
		want        float64
	}{
		{"no shared credentials", 0, 0},
		{"one shared credential", 1, 2.0},
		{"five shared credentials", 5, 10.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newTestLedger(newFakeStore(), tt.sharedCount)
			ceiling, err := ledger.PoolCeiling(context.Background(), "gemini-3-pro-preview")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ceiling)
		})
	}
}

func TestRecordConsumptionClampsNegativeDelta(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store, 2)
	userID := uuid.New()
	credID := uuid.New()

	// Quota reset mid-call: after > before.
	err := ledger.RecordConsumption(context.Background(), userID, credID, "gemini-3-pro-preview", 0.85, 0.95, models.TierShared)
	require.NoError(t, err)

	require.Len(t, store.consumption, 1)
	assert.Equal(t, 0.0, store.consumption[0].Consumed)
}

func TestRecordConsumptionDebitsSharedPoolOnly(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store, 2)
	userID := uuid.New()
	model := "gemini-3-pro-preview"

	require.NoError(t, store.UpsertPool(context.Background(), userID, model, 4.0, 4.0))

	err := ledger.RecordConsumption(context.Background(), userID, uuid.New(), model, 0.9, 0.7, models.TierDedicated)
	require.NoError(t, err)
	pool, err := store.GetPool(context.Background(), userID, model)
	require.NoError(t, err)
	assert.Equal(t, 4.0, pool.Quota, "dedicated usage must not touch the pool")

	err = ledger.RecordConsumption(context.Background(), userID, uuid.New(), model, 0.9, 0.7, models.TierShared)
	require.NoError(t, err)
	pool, err = store.GetPool(context.Background(), userID, model)
	require.NoError(t, err)
	assert.InDelta(t, 3.8, pool.Quota, 1e-9)
}

func TestRecoverAllRestoresFixedFractionCapped(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store, 5) // ceiling 10.0
	userID := uuid.New()
	model := "gemini-3-pro-preview"

	require.NoError(t, store.UpsertPool(context.Background(), userID, model, 0, 10.0))

	touched, err := ledger.RecoverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, touched)

	pool, err := store.GetPool(context.Background(), userID, model)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, pool.Quota, 1e-9)

	// Repeated passes never exceed the ceiling.
	for i := 0; i < 10; i++ {
		_, err := ledger.RecoverAll(context.Background())
		require.NoError(t, err)
	}
	pool, err = store.GetPool(context.Background(), userID, model)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, pool.Quota, 1e-9)
}

func TestRecoverAllCollapsesPoolsWithoutSharedCredentials(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store, 0)
	userID := uuid.New()
	model := "gemini-3-pro-preview"

	require.NoError(t, store.UpsertPool(context.Background(), userID, model, 4.0, 4.0))

	_, err := ledger.RecoverAll(context.Background())
	require.NoError(t, err)

	pool, err := store.GetPool(context.Background(), userID, model)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pool.Quota)
	assert.Equal(t, 0.0, pool.MaxQuota)
}

func TestPoolQuotaCreatesAtFullCeiling(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store, 3)
	userID := uuid.New()

	quota, err := ledger.PoolQuota(context.Background(), userID, "gemini-3-pro-preview")
	require.NoError(t, err)
	assert.Equal(t, 6.0, quota)

	pool, err := store.GetPool(context.Background(), userID, "gemini-3-pro-preview")
	require.NoError(t, err)
	assert.Equal(t, 6.0, pool.MaxQuota)
}

func TestGroupHasQuotaSpansImageAndTextModels(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store, 1)
	userID := uuid.New()

	// Exhaust the pro text pool but leave the image sibling funded.
	require.NoError(t, store.UpsertPool(context.Background(), userID, "gemini-3-pro-preview", 0, 2.0))
	require.NoError(t, store.UpsertPool(context.Background(), userID, "gemini-3-pro-image-preview", 1.5, 2.0))

	assert.True(t, ledger.GroupHasQuota(context.Background(), userID, "gemini-3-pro-preview"))

	require.NoError(t, store.UpsertPool(context.Background(), userID, "gemini-3-pro-image-preview", 0, 2.0))
	assert.False(t, ledger.GroupHasQuota(context.Background(), userID, "gemini-3-pro-preview"))
}

func TestCachedQuotaOptimisticWithoutRow(t *testing.T) {
	ledger := newTestLedger(newFakeStore(), 1)
	cred := &models.Credential{ID: uuid.New(), Provider: models.ProviderAntigravity}

	fraction, watermark := ledger.CachedQuota(context.Background(), cred, "gemini-3-pro-preview")
	assert.Equal(t, 1.0, fraction)
	assert.True(t, watermark.IsZero())
}
