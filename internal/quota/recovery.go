package quota

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RecoveryJob runs Ledger.RecoverAll on a fixed schedule.
type RecoveryJob struct {
	ledger   *Ledger
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRecoveryJob creates a recovery job; interval is normally one hour.
func NewRecoveryJob(ledger *Ledger, interval time.Duration) *RecoveryJob {
	return &RecoveryJob{
		ledger:   ledger,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the job goroutine.
func (j *RecoveryJob) Start(ctx context.Context) {
	go j.run(ctx)
}

// Stop halts the job and waits for the current pass to finish.
func (j *RecoveryJob) Stop() {
	close(j.stopChan)
	<-j.doneChan
}

func (j *RecoveryJob) run(ctx context.Context) {
	defer close(j.doneChan)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, 1*time.Minute)
			touched, err := j.ledger.RecoverAll(passCtx)
			cancel()
			if err != nil {
				log.WithError(err).Error("pool recovery pass failed")
				continue
			}
			log.WithField("pools", touched).Info("pool recovery pass complete")
		case <-j.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
