package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account_gateway/internal/models"
	"account_gateway/internal/queue"
)

func TestConsumptionWorkerShutdownDrainsThenQueueCloses(t *testing.T) {
	qCfg := queue.DefaultConfig("consumption")
	qCfg.BatchTimeout = 50 * time.Millisecond
	q := queue.NewMemoryQueue(qCfg)

	store := newFakeStore()
	ledger := newTestLedger(store, 2)
	userID := uuid.New()
	model := "gemini-3-pro-preview"
	require.NoError(t, store.UpsertPool(context.Background(), userID, model, 4.0, 4.0))

	worker := NewConsumptionWorker(q, ledger, qCfg)
	worker.Start(context.Background())

	worker.Enqueue(context.Background(), ConsumptionEvent{
		UserID:       userID,
		CredentialID: uuid.New(),
		Model:        model,
		QuotaBefore:  0.9,
		QuotaAfter:   0.7,
		Tier:         models.TierShared,
	})

	// Stop drains whatever is still queued before returning.
	require.NoError(t, worker.Stop())
	require.NoError(t, q.Close())

	store.mu.Lock()
	recorded := len(store.consumption)
	store.mu.Unlock()
	assert.Equal(t, 1, recorded)

	pool, err := store.GetPool(context.Background(), userID, model)
	require.NoError(t, err)
	assert.InDelta(t, 3.8, pool.Quota, 1e-9)

	// The shutdown sequence ends with the queue closed for good.
	err = q.Enqueue(context.Background(), ConsumptionEvent{})
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}
