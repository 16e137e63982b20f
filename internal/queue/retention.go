package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/uploadq/internal/files"
	"github.com/kiranshivaraju/uploadq/internal/metrics"
	"github.com/kiranshivaraju/uploadq/internal/store"
	"github.com/kiranshivaraju/uploadq/pkg/models"
)

// RunRetention reclaims payload storage: per tenant, files older than the
// retention age go first, then oldest files until the tenant is back under
// the storage cap. Each deletion flips file_deleted on the owning job row
// without touching its status; a queued job whose payload is gone can never
// dispatch, so the tenant's pending aggregate is recomputed.
func (p *Processor) RunRetention(ctx context.Context) error {
	tenants, err := p.store.TenantsWithFiles(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.retainTenant(ctx, tenantID); err != nil {
			slog.Error("retention sweep failed for tenant", "tenant_id", tenantID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Processor) retainTenant(ctx context.Context, tenantID uuid.UUID) error {
	infos, err := p.files.List(tenantID)
	if err != nil {
		return fmt.Errorf("list payload files: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.Before(infos[j].ModTime) })

	ageCutoff := p.now().UTC().Add(-p.filesCfg.RetentionAge)

	var kept []files.FileInfo
	var reclaimed int64
	var removed int
	for _, fi := range infos {
		if fi.ModTime.Before(ageCutoff) {
			if err := p.reclaimFile(ctx, tenantID, fi); err != nil {
				return err
			}
			reclaimed += fi.Size
			removed++
			continue
		}
		kept = append(kept, fi)
	}

	var total int64
	for _, fi := range kept {
		total += fi.Size
	}
	// Oldest-first until under the cap.
	for _, fi := range kept {
		if total <= p.filesCfg.StorageCap {
			break
		}
		if err := p.reclaimFile(ctx, tenantID, fi); err != nil {
			return err
		}
		total -= fi.Size
		reclaimed += fi.Size
		removed++
	}

	if removed > 0 {
		metrics.ReclaimedBytes.Add(float64(reclaimed))
		slog.Info("retention sweep reclaimed payload files",
			"tenant_id", tenantID, "files", removed, "bytes", reclaimed)
	}
	return nil
}

// reclaimFile deletes one payload file and keeps the jobs table consistent
// with it.
func (p *Processor) reclaimFile(ctx context.Context, tenantID uuid.UUID, fi files.FileInfo) error {
	if err := p.files.Delete(tenantID, fi.Path); err != nil {
		return fmt.Errorf("delete payload %s: %w", fi.Path, err)
	}

	var status string
	err := p.retryStorage(ctx, "mark file deleted", func() error {
		var err error
		status, err = p.store.MarkFileDeleted(ctx, tenantID, fi.Path)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		// No live job owns this file; nothing to reconcile.
		return nil
	}
	if err != nil {
		return err
	}

	if status == models.JobStatusQueued {
		p.resyncPending(ctx, tenantID)
	}
	return nil
}
