package queue

import (
	"context"
	"log/slog"

	"github.com/kiranshivaraju/uploadq/internal/metrics"
)

// RunRecovery requeues jobs stuck in processing beyond the timeout. A job
// claimed that long ago belongs to a worker that died mid-dispatch; the
// claim stamped last_processed_at exactly so this sweep can tell orphans
// from in-flight work. Runs once at startup before any dispatch, then on
// the recovery interval as a safety net.
func (p *Processor) RunRecovery(ctx context.Context) error {
	cutoff := p.now().UTC().Add(-p.cfg.ProcessingTimeout)

	tenants, jobs, err := p.store.RecoverStaleJobs(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		p.resyncPending(ctx, tenantID)
	}

	if jobs > 0 {
		metrics.RecoveredJobs.Add(float64(jobs))
		slog.Info("recovery sweep requeued stale jobs",
			"jobs", jobs, "tenants", len(tenants), "cutoff", cutoff)
	}
	return nil
}
