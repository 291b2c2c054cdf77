package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"account_gateway/internal/models"
	"account_gateway/internal/queue"
)

// ConsumptionEvent is the queue payload for one observed quota delta.
// Events are enqueued fire-and-forget while a response is still streaming.
type ConsumptionEvent struct {
	UserID       uuid.UUID   `json:"user_id"`
	CredentialID uuid.UUID   `json:"credential_id"`
	Model        string      `json:"model"`
	QuotaBefore  float64     `json:"quota_before"`
	QuotaAfter   float64     `json:"quota_after"`
	Tier         models.Tier `json:"tier"`
}

// ConsumptionWorker drains consumption events from the queue in batches and
// applies them through the ledger.
type ConsumptionWorker struct {
	queue       queue.Queue
	ledger      *Ledger
	config      *queue.Config
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewConsumptionWorker creates a new consumption worker
func NewConsumptionWorker(q queue.Queue, ledger *Ledger, config *queue.Config) *ConsumptionWorker {
	if config == nil {
		config = queue.DefaultConfig("consumption")
	}

	return &ConsumptionWorker{
		queue:       q,
		ledger:      ledger,
		config:      config,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *ConsumptionWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *ConsumptionWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds a consumption event to the queue. Failures are logged, not
// returned: accounting must never break the response stream.
func (w *ConsumptionWorker) Enqueue(ctx context.Context, event ConsumptionEvent) {
	if err := w.queue.Enqueue(ctx, event); err != nil {
		log.WithError(err).Warn("failed to enqueue consumption event")
	}
}

func (w *ConsumptionWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			log.Info("consumption worker stopping")
			w.drain()
			return
		case <-ctx.Done():
			log.Info("consumption worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// drain applies whatever is still queued at shutdown, bounded by a fresh
// short-lived context.
func (w *ConsumptionWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, 100*time.Millisecond)
		if err != nil || len(items) == 0 {
			return
		}
		w.applyItems(ctx, items)
	}
}

func (w *ConsumptionWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if err != context.Canceled {
			log.WithError(err).Error("failed to dequeue consumption events")
		}
		time.Sleep(1 * time.Second) // back off on error
		return
	}

	if len(items) == 0 {
		return
	}

	log.WithField("count", len(items)).Debug("processing consumption batch")
	w.applyItems(ctx, items)
}

func (w *ConsumptionWorker) applyItems(ctx context.Context, items []interface{}) {
	for _, item := range items {
		event, err := decodeEvent(item)
		if err != nil {
			log.WithError(err).Error("failed to decode consumption event")
			continue
		}
		if err := w.applyWithRetry(ctx, event); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"user":       event.UserID,
				"credential": event.CredentialID,
				"model":      event.Model,
			}).Error("dropping consumption event after retries")
		}
	}
}

func (w *ConsumptionWorker) applyWithRetry(ctx context.Context, event *ConsumptionEvent) error {
	backoff := w.config.RetryBackoff
	var err error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		err = w.ledger.RecordConsumption(ctx, event.UserID, event.CredentialID,
			event.Model, event.QuotaBefore, event.QuotaAfter, event.Tier)
		if err == nil {
			return nil
		}
	}
	return err
}

// decodeEvent handles both in-process events (memory queue) and JSON bytes
// (Redis queue).
func decodeEvent(item interface{}) (*ConsumptionEvent, error) {
	switch v := item.(type) {
	case ConsumptionEvent:
		return &v, nil
	case *ConsumptionEvent:
		return v, nil
	case json.RawMessage:
		var event ConsumptionEvent
		if err := json.Unmarshal(v, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal consumption event: %w", err)
		}
		return &event, nil
	case []byte:
		var event ConsumptionEvent
		if err := json.Unmarshal(v, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal consumption event: %w", err)
		}
		return &event, nil
	default:
		return nil, fmt.Errorf("unexpected queue item type %T", item)
	}
}
