package queue

import (
	"context"
	"log/slog"

	"github.com/kiranshivaraju/uploadq/internal/metrics"
)

// RunAttemptTrim drops attempt records past their retention. The widest
// rate window is an hour, so week-old attempts serve audit only.
func (p *Processor) RunAttemptTrim(ctx context.Context) error {
	before := p.now().UTC().Add(-p.cfg.AttemptRetention)
	n, err := p.store.TrimAttempts(ctx, before)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.TrimmedAttempts.Add(float64(n))
		slog.Info("attempt log trimmed", "rows", n, "before", before)
	}
	return nil
}
