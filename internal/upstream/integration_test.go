package upstream

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account_gateway/internal/adapter"
	"account_gateway/internal/config"
	"account_gateway/internal/models"
	"account_gateway/internal/oauth"
	"account_gateway/internal/quota"
	"account_gateway/internal/selector"
	"account_gateway/internal/storage"
)

// credListStore backs the real selector with an in-memory credential set.
type credListStore struct {
	mu    sync.Mutex
	creds []*models.Credential
}

func (s *credListStore) List(_ context.Context, filter storage.CredentialFilter) ([]*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Credential
	for _, c := range s.creds {
		if filter.UserID != uuid.Nil && c.UserID != filter.UserID {
			continue
		}
		if c.Provider != filter.Provider || c.Tier != filter.Tier {
			continue
		}
		if filter.EnabledOnly && (!c.Enabled || c.NeedsReauth) {
			continue
		}
		copied := *c
		out = append(out, &copied)
	}
	return out, nil
}

func (s *credListStore) UpdateTokens(_ context.Context, id uuid.UUID, accessToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == id {
			c.AccessToken = accessToken
			c.ExpiresAt = expiresAt
		}
	}
	return nil
}

func (s *credListStore) Disable(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == id {
			c.Enabled = false
		}
	}
	return nil
}

func (s *credListStore) MarkNeedsReauth(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == id {
			c.NeedsReauth = true
		}
	}
	return nil
}

// quotaMemStore is an in-memory quota.Store with the SQL layer's clamping.
type quotaMemStore struct {
	mu          sync.Mutex
	quotas      map[string]*models.ModelQuota
	pools       map[string]*models.SharedQuotaPool
	consumption []*models.ConsumptionRecord
}

func newQuotaMemStore() *quotaMemStore {
	return &quotaMemStore{
		quotas: make(map[string]*models.ModelQuota),
		pools:  make(map[string]*models.SharedQuotaPool),
	}
}

func (s *quotaMemStore) GetModelQuota(_ context.Context, credentialID uuid.UUID, model string) (*models.ModelQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[credentialID.String()+"/"+model]
	if !ok {
		return nil, fmt.Errorf("no quota row")
	}
	copied := *q
	return &copied, nil
}

func (s *quotaMemStore) UpsertModelQuota(_ context.Context, credentialID uuid.UUID, model string, fraction float64, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[credentialID.String()+"/"+model] = &models.ModelQuota{
		CredentialID: credentialID,
		Model:        model,
		Fraction:     fraction,
		ResetAt:      resetAt,
		FetchedAt:    time.Now(),
	}
	return nil
}

func (s *quotaMemStore) GetPool(_ context.Context, userID uuid.UUID, model string) (*models.SharedQuotaPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[userID.String()+"/"+model]
	if !ok {
		return nil, fmt.Errorf("no pool row")
	}
	copied := *p
	return &copied, nil
}

func (s *quotaMemStore) ListPools(_ context.Context) ([]*models.SharedQuotaPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SharedQuotaPool
	for _, p := range s.pools {
		copied := *p
		out = append(out, &copied)
	}
	return out, nil
}

func (s *quotaMemStore) UpsertPool(_ context.Context, userID uuid.UUID, model string, quotaVal, maxQuota float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if quotaVal > maxQuota {
		quotaVal = maxQuota
	}
	if quotaVal < 0 {
		quotaVal = 0
	}
	s.pools[userID.String()+"/"+model] = &models.SharedQuotaPool{
		UserID: userID, Model: model, Quota: quotaVal, MaxQuota: maxQuota, UpdatedAt: time.Now(),
	}
	return nil
}

func (s *quotaMemStore) DebitPool(_ context.Context, userID uuid.UUID, model string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[userID.String()+"/"+model]
	if !ok {
		return fmt.Errorf("no pool row")
	}
	p.Quota -= delta
	if p.Quota < 0 {
		p.Quota = 0
	}
	return nil
}

func (s *quotaMemStore) RecoverPool(_ context.Context, userID uuid.UUID, model string, amount, maxQuota float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[userID.String()+"/"+model]
	if !ok {
		return 0, nil
	}
	p.Quota += amount
	if p.Quota > maxQuota {
		p.Quota = maxQuota
	}
	p.MaxQuota = maxQuota
	return 1, nil
}

func (s *quotaMemStore) AppendConsumption(_ context.Context, rec *models.ConsumptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumption = append(s.consumption, rec)
	return nil
}

type sharedCounter struct{ count int }

func (c *sharedCounter) CountEnabledShared(_ context.Context, _ models.Provider) (int, error) {
	return c.count, nil
}

// fixedFetcher reports one remaining fraction for every catalog model of the
// credential's provider.
type fixedFetcher struct {
	mu       sync.Mutex
	fraction float64
}

func (f *fixedFetcher) FetchModelQuotas(_ context.Context, _ *models.Credential) (map[string]quota.ModelUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]quota.ModelUsage{
		"gemini-3-pro-preview": {RemainingFraction: f.fraction, ResetTime: time.Now().Add(time.Hour)},
	}, nil
}

// applySink applies consumption through the ledger the way the batch worker
// does, then signals completion.
type applySink struct {
	ledger  *quota.Ledger
	applied chan struct{}
}

func (s *applySink) Enqueue(ctx context.Context, event quota.ConsumptionEvent) {
	if err := s.ledger.RecordConsumption(ctx, event.UserID, event.CredentialID,
		event.Model, event.QuotaBefore, event.QuotaAfter, event.Tier); err == nil {
		s.applied <- struct{}{}
	}
}

type staticRefresher struct{}

func (staticRefresher) Refresh(_ context.Context, _ models.Provider, _ string) (*oauth.Token, error) {
	return &oauth.Token{AccessToken: "refreshed", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// A user whose only dedicated credential is disabled must be served from the
// shared tier, and the observed quota delta must land in their pool.
func TestDisabledDedicatedFallsBackToSharedAndDebitsPool(t *testing.T) {
	ctx := context.Background()
	user := &models.User{ID: uuid.New()}
	model := "gemini-3-pro-preview"

	dedicated := &models.Credential{
		ID:       uuid.New(),
		UserID:   user.ID,
		Provider: models.ProviderAntigravity,
		Tier:     models.TierDedicated,
		Enabled:  false,
	}
	shared := &models.Credential{
		ID:        uuid.New(),
		UserID:    uuid.New(), // another owner; shared credentials are pooled
		Provider:  models.ProviderAntigravity,
		Tier:      models.TierShared,
		Enabled:   true,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	credStore := &credListStore{creds: []*models.Credential{dedicated, shared}}

	fetcher := &fixedFetcher{fraction: 0.7}
	quotaStore := newQuotaMemStore()
	ledger := quota.NewLedger(quotaStore, &sharedCounter{count: 1}, fetcher, quota.Config{
		CacheTTL:      5 * time.Minute,
		RecoveryRate:  0.2,
		PoolPerShared: 2.0,
	})
	// Last observed fraction for the shared credential, fresh enough that no
	// background refresh fires mid-test.
	require.NoError(t, quotaStore.UpsertModelQuota(ctx, shared.ID, model, 0.9, time.Now().Add(time.Hour)))

	sel := selector.New(credStore, ledger, staticRefresher{}, 5*time.Minute)
	sink := &applySink{ledger: ledger, applied: make(chan struct{}, 1)}

	server := httptest.NewServer(sseHandler("pooled answer"))
	defer server.Close()
	orch := NewOrchestrator(sel, credStore, ledger, sink, config.UpstreamConfig{
		AntigravityEndpoints: []string{server.URL},
		RequestTimeout:       10 * time.Second,
		RetryMaxChat:         2,
		RetryMaxImage:        1,
	}, config.GenerationDefaults{
		Temperature: 1.0, TopP: 0.95, TopK: 64, MaxOutputTokens: 1024, ThinkingBudgetFloor: 1024,
	})

	var events []adapter.StreamEvent
	result, err := orch.HandleChat(ctx, Request{User: user, Model: model, Messages: testRequest(model).Messages}, func(ev adapter.StreamEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pooled answer", events[0].Text)
	assert.Equal(t, models.TierShared, result.Tier)
	assert.Equal(t, shared.ID, result.CredentialID)

	select {
	case <-sink.applied:
	case <-time.After(2 * time.Second):
		t.Fatal("consumption never recorded")
	}

	// Pool opened at the ceiling (2.0 x one shared credential) and lost the
	// observed 0.9 -> 0.7 delta.
	poolQuota, err := ledger.PoolQuota(ctx, user.ID, model)
	require.NoError(t, err)
	assert.InDelta(t, 1.8, poolQuota, 1e-9)

	quotaStore.mu.Lock()
	records := len(quotaStore.consumption)
	quotaStore.mu.Unlock()
	assert.Equal(t, 1, records)
}
