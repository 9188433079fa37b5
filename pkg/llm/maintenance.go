package llm

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// logRetention keeps roughly one quarter of request history.
const logRetention = 90 * 24 * time.Hour

// Maintenance owns the scheduled housekeeping: nightly request-log
// pruning so the usage table stays bounded.
type Maintenance struct {
	cron *cron.Cron
	log  *zap.Logger
}

// StartMaintenance schedules the nightly jobs and starts the scheduler.
func StartMaintenance(ctx context.Context, store *Store, log *zap.Logger) *Maintenance {
	c := cron.New()
	_, err := c.AddFunc("10 3 * * *", func() {
		jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		pruned, err := store.PruneLogs(jobCtx, logRetention)
		if err != nil {
			log.Warn("request log pruning failed", zap.Error(err))
			return
		}
		if pruned > 0 {
			log.Info("pruned request logs", zap.Int64("removed", pruned))
		}
	})
	if err != nil {
		log.Warn("maintenance schedule rejected", zap.Error(err))
	}
	c.Start()
	return &Maintenance{cron: c, log: log}
}

// Stop halts the scheduler, waiting for a running job to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}
