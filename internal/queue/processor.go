package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/uploadq/internal/cache"
	"github.com/kiranshivaraju/uploadq/internal/config"
	"github.com/kiranshivaraju/uploadq/internal/credentials"
	"github.com/kiranshivaraju/uploadq/internal/debrid"
	"github.com/kiranshivaraju/uploadq/internal/files"
	"github.com/kiranshivaraju/uploadq/internal/metrics"
	"github.com/kiranshivaraju/uploadq/internal/ratelimit"
	"github.com/kiranshivaraju/uploadq/internal/store"
	"github.com/kiranshivaraju/uploadq/pkg/models"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidLane    = errors.New("invalid lane")
	ErrInvalidPayload = errors.New("invalid payload descriptor")
)

const (
	cycleLease = "dispatch-cycle"
	// statusMirrorTTL bounds how long the dashboard-facing redis mirror of
	// a job status outlives its last transition.
	statusMirrorTTL = 24 * time.Hour
	// bookkeepingRetries bounds local persistence retries after a confirmed
	// remote success. The remote call is never re-issued.
	bookkeepingRetries = 5
)

// PayloadDescriptor is what the enqueue surface accepts: exactly one of
// Data (with FileName), Magnet or Link must be set, matching Kind.
type PayloadDescriptor struct {
	Kind     string
	FileName string
	Data     []byte
	Magnet   string
	Link     string
}

// Processor is the background upload queue processor: a single-node
// periodic scheduler claiming and dispatching jobs against the remote
// service. All cross-process arbitration happens through the durable store's
// optimistic claim.
type Processor struct {
	store      store.Store
	files      files.Storage
	cache      cache.Cache
	clients    *credentials.ClientCache
	accountant *ratelimit.Accountant
	classifier *Classifier
	cfg        config.QueueConfig
	filesCfg   config.FilesConfig

	instanceID string
	cron       *cron.Cron
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewProcessor(
	st store.Store,
	fs files.Storage,
	c cache.Cache,
	clients *credentials.ClientCache,
	accountant *ratelimit.Accountant,
	cfg config.QueueConfig,
	filesCfg config.FilesConfig,
) *Processor {
	return &Processor{
		store:      st,
		files:      fs,
		cache:      c,
		clients:    clients,
		accountant: accountant,
		classifier: NewClassifier(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax),
		cfg:        cfg,
		filesCfg:   filesCfg,
		instanceID: uuid.NewString(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// cronLogger routes scheduler chatter to slog. Overlap skips are routine
// (a saturated cycle simply outlives its interval) so they land at debug.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error(msg, append(keysAndValues, "error", err)...)
}

// Start runs the startup recovery sweep, then schedules the dispatch cycle
// and the periodic sweeps. Recovery runs to completion before the first
// cycle so startup never races a previous instance's in-flight work.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.RunRecovery(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	p.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})))

	schedule := func(spec string, name string, fn func(context.Context) error) error {
		_, err := p.cron.AddFunc(spec, func() {
			if err := fn(ctx); err != nil {
				slog.Error("scheduled task failed", "task", name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		return nil
	}

	if err := schedule("@every "+p.cfg.CycleInterval.String(), "dispatch cycle", p.RunCycle); err != nil {
		return err
	}
	if err := schedule("@every "+p.cfg.RecoveryInterval.String(), "recovery sweep", p.RunRecovery); err != nil {
		return err
	}
	if err := schedule("@every "+p.cfg.RetentionInterval.String(), "retention sweep", p.RunRetention); err != nil {
		return err
	}
	if err := schedule("@every 24h", "attempt log trim", p.RunAttemptTrim); err != nil {
		return err
	}

	p.cron.Start()
	slog.Info("processor started",
		"instance", p.instanceID,
		"cycle_interval", p.cfg.CycleInterval,
	)
	return nil
}

// Stop halts scheduling and waits for the running cycle to drain.
func (p *Processor) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	slog.Info("processor stopped", "instance", p.instanceID)
}

// Enqueue validates and persists a new upload job in the queued state.
func (p *Processor) Enqueue(ctx context.Context, tenantID uuid.UUID, lane models.Lane, payload PayloadDescriptor, opts models.JobOptions) (uuid.UUID, error) {
	switch lane {
	case models.LaneTorrent, models.LaneUsenet, models.LaneWeb:
	default:
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidLane, lane)
	}

	job := &models.Job{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Lane:        lane,
		PayloadKind: payload.Kind,
		Options:     opts,
		Status:      models.JobStatusQueued,
		CreatedAt:   p.now().UTC(),
	}

	switch payload.Kind {
	case models.PayloadKindFile:
		if len(payload.Data) == 0 || payload.FileName == "" {
			return uuid.Nil, fmt.Errorf("%w: file payload requires data and a name", ErrInvalidPayload)
		}
		path, err := p.files.Save(tenantID, payload.FileName, payload.Data)
		if err != nil {
			return uuid.Nil, fmt.Errorf("store payload: %w", err)
		}
		job.FilePath = path
		job.FileName = payload.FileName
	case models.PayloadKindMagnet:
		if payload.Magnet == "" {
			return uuid.Nil, fmt.Errorf("%w: magnet payload requires a magnet link", ErrInvalidPayload)
		}
		job.Link = payload.Magnet
	case models.PayloadKindLink:
		if payload.Link == "" {
			return uuid.Nil, fmt.Errorf("%w: link payload requires a URL", ErrInvalidPayload)
		}
		job.Link = payload.Link
	default:
		return uuid.Nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, payload.Kind)
	}

	if err := p.retryStorage(ctx, "create job", func() error {
		return p.store.CreateJob(ctx, job)
	}); err != nil {
		return uuid.Nil, err
	}

	p.resyncPending(ctx, tenantID)
	p.mirrorStatus(ctx, job.ID, models.JobStatusQueued)

	slog.Info("job enqueued",
		"job_id", job.ID,
		"tenant_id", tenantID,
		"lane", lane,
		"payload_kind", payload.Kind,
	)
	return job.ID, nil
}

// RunCycle is one pass of the claim & dispatch loop: every tenant with
// pending work, every lane, at most one job each. The one-job cap spreads
// dispatch fairly across tenants and bounds a cycle's wall-clock cost
// regardless of backlog depth.
func (p *Processor) RunCycle(ctx context.Context) error {
	timer := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(timer).Seconds()) }()

	if !p.acquireCycleLease(ctx) {
		return nil
	}

	var tenants []uuid.UUID
	if err := p.retryStorage(ctx, "list pending tenants", func() error {
		var err error
		tenants, err = p.store.TenantsWithPendingWork(ctx)
		return err
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.TenantParallelism)
	for _, tenantID := range tenants {
		g.Go(func() error {
			// One tenant's failure never aborts the cycle for the others.
			if err := p.dispatchTenant(gctx, tenantID); err != nil {
				slog.Error("tenant dispatch failed", "tenant_id", tenantID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// acquireCycleLease takes the best-effort redis lease that stops duplicate
// drivers from burning cycles against the same backlog. Redis being down
// fails open: the optimistic claim still guarantees single dispatch.
func (p *Processor) acquireCycleLease(ctx context.Context) bool {
	ok, err := p.cache.AcquireLease(ctx, cycleLease, p.instanceID, 2*p.cfg.CycleInterval)
	if err != nil {
		slog.Warn("cycle lease unavailable, proceeding", "error", err)
		return true
	}
	return ok
}

func (p *Processor) dispatchTenant(ctx context.Context, tenantID uuid.UUID) error {
	var firstErr error
	for _, lane := range models.Lanes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.dispatchLane(ctx, tenantID, lane); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lane %s: %w", lane, err)
		}
	}
	return firstErr
}

// dispatchLane claims and executes at most one ready job for the tenant's
// lane.
func (p *Processor) dispatchLane(ctx context.Context, tenantID uuid.UUID, lane models.Lane) error {
	var job *models.Job
	err := p.retryStorage(ctx, "next ready job", func() error {
		var err error
		job, err = p.store.NextReadyJob(ctx, tenantID, lane)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var claimed bool
	if err := p.retryStorage(ctx, "claim job", func() error {
		var err error
		claimed, err = p.store.ClaimJob(ctx, job.ID)
		return err
	}); err != nil {
		return err
	}
	if !claimed {
		// Another claimer won the race; nothing to do.
		return nil
	}
	p.mirrorStatus(ctx, job.ID, models.JobStatusProcessing)

	capacity, err := p.accountant.Capacity(ctx, tenantID, lane)
	if err != nil {
		// Without a trustworthy window count, dispatching would risk the
		// hard limit. Put the job back untouched and try next cycle.
		return p.requeueUntouched(ctx, job)
	}
	if capacity.AtLimit || capacity.NearLimit {
		metrics.RateLimitDeferrals.WithLabelValues(string(lane)).Inc()
		return p.deferJob(ctx, job, capacity.Wait)
	}

	spacing, err := p.accountant.SpacingWait(ctx, tenantID, lane)
	if err == nil && spacing > 0 {
		if err := p.sleep(ctx, spacing); err != nil {
			return p.requeueUntouched(ctx, job)
		}
	}

	result, callErr := p.execute(ctx, job)
	return p.settle(ctx, job, result, callErr)
}

// execute performs the remote call, including the single automatic
// credential refresh on the first authentication error. Every remote call
// gets exactly one attempt record, success flag reflecting the business
// outcome.
func (p *Processor) execute(ctx context.Context, job *models.Job) (*debrid.UploadResult, error) {
	req, err := p.buildRequest(job)
	if err != nil {
		return nil, err
	}

	client, err := p.resolveClient(ctx, job.TenantID, false)
	if err != nil {
		return nil, err
	}

	result, callErr := p.invoke(ctx, client, job, req)
	if errors.Is(callErr, debrid.ErrAuthExpired) {
		slog.Info("auth rejected, refreshing credentials once", "job_id", job.ID, "tenant_id", job.TenantID)
		client, err = p.resolveClient(ctx, job.TenantID, true)
		if err != nil {
			return nil, err
		}
		result, callErr = p.invoke(ctx, client, job, req)
		if errors.Is(callErr, debrid.ErrAuthExpired) {
			// The freshly derived client was rejected too. Evict it so the
			// tenant's other jobs don't keep presenting a known-bad key
			// from cache until the TTL runs out.
			p.clients.Drop(job.TenantID)
		}
	}
	return result, callErr
}

// resolveClient builds the tenant's remote client. The secret read under it
// hits storage, so it gets the same single reconnect-and-retry as every
// other storage operation.
func (p *Processor) resolveClient(ctx context.Context, tenantID uuid.UUID, forceRefresh bool) (debrid.Client, error) {
	var client debrid.Client
	err := p.retryStorage(ctx, "resolve client", func() error {
		var err error
		client, err = p.clients.Get(ctx, tenantID, forceRefresh)
		return err
	})
	return client, err
}

func (p *Processor) invoke(ctx context.Context, client debrid.Client, job *models.Job, req debrid.UploadRequest) (*debrid.UploadResult, error) {
	var result *debrid.UploadResult
	var err error
	switch job.Lane {
	case models.LaneTorrent:
		result, err = client.CreateTorrentUpload(ctx, req)
	case models.LaneUsenet:
		result, err = client.CreateUsenetUpload(ctx, req)
	case models.LaneWeb:
		result, err = client.CreateWebUpload(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLane, job.Lane)
	}
	p.logAttempt(ctx, job, result, err)
	return result, err
}

// logAttempt appends one attempt record for a remote call. Logging failures
// are swallowed: the attempt log must never change a job's outcome.
func (p *Processor) logAttempt(ctx context.Context, job *models.Job, result *debrid.UploadResult, callErr error) {
	jobID := job.ID
	att := &models.Attempt{
		TenantID:  job.TenantID,
		Lane:      job.Lane,
		Success:   callErr == nil,
		JobID:     &jobID,
		CreatedAt: p.now().UTC(),
	}
	if result != nil {
		att.StatusCode = result.StatusCode
	}
	var apiErr *debrid.APIError
	switch {
	case callErr == nil:
	case errors.As(callErr, &apiErr):
		att.StatusCode = apiErr.StatusCode
		att.ErrorCode = apiErr.Code
		att.ErrorMessage = apiErr.Detail
	case errors.Is(callErr, debrid.ErrAuthExpired):
		att.StatusCode = 401
		att.ErrorCode = "AUTH_ERROR"
		att.ErrorMessage = callErr.Error()
	case errors.Is(callErr, debrid.ErrTimeout):
		att.ErrorCode = "TIMEOUT"
		att.ErrorMessage = callErr.Error()
	default:
		att.ErrorCode = "TRANSPORT_ERROR"
		att.ErrorMessage = callErr.Error()
	}

	if err := p.store.InsertAttempt(ctx, att); err != nil {
		slog.Warn("attempt log write failed", "job_id", job.ID, "error", err)
	}
}

// settle persists the classified outcome of the remote call.
func (p *Processor) settle(ctx context.Context, job *models.Job, result *debrid.UploadResult, callErr error) error {
	if callErr == nil {
		return p.settleSuccess(ctx, job, result)
	}

	// Pre-dispatch local failures have their own terminal handling.
	if errors.Is(callErr, files.ErrNotFound) {
		return p.failJob(ctx, job, "file not found")
	}
	if errors.Is(callErr, credentials.ErrNoSecret) {
		return p.failJob(ctx, job, "no api credentials configured")
	}
	if errors.Is(callErr, store.ErrConnUnavailable) {
		// Our own storage was unreachable; the remote call never happened.
		// The job is blameless, so put it back without touching its counters.
		return p.requeueUntouched(ctx, job)
	}

	laneWait := time.Duration(0)
	var apiErr *debrid.APIError
	if errors.As(callErr, &apiErr) && isRateLimited(apiErr) {
		if capacity, err := p.accountant.Capacity(ctx, job.TenantID, job.Lane); err == nil {
			laneWait = capacity.Wait
		}
	}

	decision := p.classifier.Classify(callErr, job.RetryCount, laneWait)
	switch decision.Status {
	case models.JobStatusFailed:
		metrics.DispatchTotal.WithLabelValues(string(job.Lane), "failed").Inc()
		return p.failJob(ctx, job, decision.Message)
	case models.JobStatusQueued:
		metrics.DispatchTotal.WithLabelValues(string(job.Lane), "requeued").Inc()
		var next *time.Time
		if decision.Delay > 0 {
			t := p.now().UTC().Add(decision.Delay)
			next = &t
		}
		if err := p.retryStorage(ctx, "requeue job", func() error {
			return p.store.RequeueJob(ctx, job.ID, decision.RetryCount, next, decision.Message)
		}); err != nil {
			return err
		}
		if decision.LaneWide && next != nil {
			// The whole lane is saturated; give every queued sibling the
			// same deadline instead of letting each discover it with a 429
			// of its own.
			if err := p.retryStorage(ctx, "defer lane", func() error {
				_, err := p.store.DeferLane(ctx, job.TenantID, job.Lane, *next)
				return err
			}); err != nil {
				slog.Error("lane deferral failed", "tenant_id", job.TenantID, "lane", job.Lane, "error", err)
			}
		}
		p.mirrorStatus(ctx, job.ID, models.JobStatusQueued)
		p.resyncPending(ctx, job.TenantID)
		return nil
	default:
		return fmt.Errorf("unexpected decision status %q", decision.Status)
	}
}

// settleSuccess moves the job to completed. The remote side effect is not
// idempotent from this system's point of view, so once the remote call is
// acknowledged the job must end completed: bookkeeping faults get bounded
// local retries and the remote call is never re-issued.
func (p *Processor) settleSuccess(ctx context.Context, job *models.Job, result *debrid.UploadResult) error {
	var err error
	for i := 0; i < bookkeepingRetries; i++ {
		err = p.store.CompleteJob(ctx, job.ID)
		if err == nil || !errors.Is(err, store.ErrConnUnavailable) {
			break
		}
		slog.Warn("completion write failed, retrying locally",
			"job_id", job.ID, "attempt", i+1, "error", err)
		if sleepErr := p.sleep(ctx, time.Duration(i+1)*time.Second); sleepErr != nil {
			break
		}
	}
	if err != nil {
		// Left in processing; flagged for reconciliation rather than ever
		// re-running the upload.
		slog.Error("job completed remotely but completion not persisted",
			"job_id", job.ID, "remote_id", remoteID(result), "error", err)
		return fmt.Errorf("persist completion: %w", err)
	}

	metrics.DispatchTotal.WithLabelValues(string(job.Lane), "completed").Inc()
	p.mirrorStatus(ctx, job.ID, models.JobStatusCompleted)
	p.resyncPending(ctx, job.TenantID)
	slog.Info("job completed", "job_id", job.ID, "tenant_id", job.TenantID, "lane", job.Lane, "remote_id", remoteID(result))
	return nil
}

func (p *Processor) failJob(ctx context.Context, job *models.Job, message string) error {
	if err := p.retryStorage(ctx, "fail job", func() error {
		return p.store.FailJob(ctx, job.ID, message)
	}); err != nil {
		return err
	}
	p.mirrorStatus(ctx, job.ID, models.JobStatusFailed)
	p.resyncPending(ctx, job.TenantID)
	slog.Info("job failed", "job_id", job.ID, "tenant_id", job.TenantID, "lane", job.Lane, "reason", message)
	return nil
}

// deferJob returns a claimed job to queued with a deferral, without an
// attempt having been made. Retry count is untouched: hitting the local
// rate window is not the job's fault.
func (p *Processor) deferJob(ctx context.Context, job *models.Job, wait time.Duration) error {
	next := p.now().UTC().Add(wait)
	if err := p.retryStorage(ctx, "defer job", func() error {
		return p.store.RequeueJob(ctx, job.ID, job.RetryCount, &next, "")
	}); err != nil {
		return err
	}
	p.mirrorStatus(ctx, job.ID, models.JobStatusQueued)
	p.resyncPending(ctx, job.TenantID)
	return nil
}

// requeueUntouched puts a claimed job back with no deferral and no blame.
func (p *Processor) requeueUntouched(ctx context.Context, job *models.Job) error {
	if err := p.retryStorage(ctx, "requeue untouched", func() error {
		return p.store.RequeueJob(ctx, job.ID, job.RetryCount, nil, "")
	}); err != nil {
		return err
	}
	p.mirrorStatus(ctx, job.ID, models.JobStatusQueued)
	p.resyncPending(ctx, job.TenantID)
	return nil
}

func (p *Processor) buildRequest(job *models.Job) (debrid.UploadRequest, error) {
	req := debrid.UploadRequest{
		Seed:     job.Options.Seed,
		AllowZip: job.Options.AllowZip,
		AsQueued: job.Options.AsQueued,
		Password: job.Options.Password,
	}
	switch job.PayloadKind {
	case models.PayloadKindFile:
		data, err := p.files.Read(job.TenantID, job.FilePath)
		if err != nil {
			return req, err
		}
		req.File = data
		req.FileName = job.FileName
	case models.PayloadKindMagnet:
		req.Magnet = job.Link
	case models.PayloadKindLink:
		req.Link = job.Link
	default:
		return req, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, job.PayloadKind)
	}
	return req, nil
}

// resyncPending recomputes the tenant's aggregate. Failures are logged, not
// propagated: the counter is an optimization and the union query in tenant
// enumeration picks up elapsed deferrals regardless.
func (p *Processor) resyncPending(ctx context.Context, tenantID uuid.UUID) {
	if err := p.retryStorage(ctx, "recompute pending", func() error {
		_, err := p.store.RecomputePending(ctx, tenantID)
		return err
	}); err != nil {
		slog.Error("pending recompute failed", "tenant_id", tenantID, "error", err)
	}
}

// mirrorStatus is the best-effort redis mirror for dashboard polling.
func (p *Processor) mirrorStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if err := p.cache.SetJobStatus(ctx, jobID, status, statusMirrorTTL); err != nil {
		slog.Debug("status mirror write failed", "job_id", jobID, "error", err)
	}
}

// retryStorage is the shared reconnect-and-retry wrapper: a connection-level
// storage fault gets exactly one retry per logical operation, never a loop.
func (p *Processor) retryStorage(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, store.ErrConnUnavailable) {
		return err
	}
	slog.Warn("storage connection fault, retrying once", "op", op, "error", err)
	if ctx.Err() != nil {
		return err
	}
	return fn()
}

func remoteID(result *debrid.UploadResult) string {
	if result == nil {
		return ""
	}
	return result.RemoteID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
