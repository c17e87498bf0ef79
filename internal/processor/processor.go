package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vidstash/backend/internal/download"
	apperrors "github.com/vidstash/backend/internal/errors"
	"github.com/vidstash/backend/internal/logger"
	"github.com/vidstash/backend/internal/metrics"
	"github.com/vidstash/backend/internal/workspace"
	"github.com/vidstash/backend/internal/ytdlp"
)

const (
	msgOutputNotFound = "output file not found"
	msgCancelled      = "download cancelled"
	msgTimedOut       = "job timed out"
)

// Executor fetches a URL into a directory.
type Executor interface {
	Download(ctx context.Context, sourceURL, dir string) error
}

// Workspaces hands out locked output directories.
type Workspaces interface {
	Acquire(jobID int64) (dir string, release func(), err error)
	Remove(jobID int64) error
	Isolated() bool
}

// Archiver mirrors a completed file to object storage.
type Archiver interface {
	Upload(ctx context.Context, job *download.Job, path string) error
}

// Processor drives one job from pending to a terminal state.
type Processor struct {
	store      download.Store
	ledger     download.Ledger
	executor   Executor
	prober     ytdlp.Prober
	workspaces Workspaces
	archiver   Archiver
	notifier   download.Notifier
	metrics    *metrics.Metrics
	log        *logger.Logger

	probeTimeout time.Duration
	ledgerRetry  *apperrors.RetryConfig
}

// ProcessorConfig holds configuration for the processor
type ProcessorConfig struct {
	Store      download.Store
	Ledger     download.Ledger
	Executor   Executor
	Prober     ytdlp.Prober // optional
	Workspaces Workspaces
	Archiver   Archiver // optional
	Notifier   download.Notifier
	Metrics    *metrics.Metrics

	ProbeTimeout time.Duration
	LedgerRetry  *apperrors.RetryConfig
}

// New creates a new Processor instance
func New(config *ProcessorConfig) *Processor {
	p := &Processor{
		store:        config.Store,
		ledger:       config.Ledger,
		executor:     config.Executor,
		prober:       config.Prober,
		workspaces:   config.Workspaces,
		archiver:     config.Archiver,
		notifier:     config.Notifier,
		metrics:      config.Metrics,
		log:          logger.Default().WithComponent("processor"),
		probeTimeout: config.ProbeTimeout,
		ledgerRetry:  config.LedgerRetry,
	}
	if p.notifier == nil {
		p.notifier = download.NotifierFunc(func(context.Context, download.Event) {})
	}
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = ytdlp.DefaultProbeTimeout
	}
	if p.ledgerRetry == nil {
		p.ledgerRetry = apperrors.LedgerRetryConfig()
	}
	return p
}

// Process is a download.JobProcessor. Every outcome is recorded on the job
// itself; the returned error only reports failures to record an outcome.
func (p *Processor) Process(ctx context.Context, jobID int64) error {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, download.ErrJobNotFound) {
			p.log.Info(ctx, "job deleted before processing, skipping", map[string]interface{}{"job_id": jobID})
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != download.StatusPending {
		p.log.Warn(ctx, "job is not pending, skipping", map[string]interface{}{"job_id": jobID, "status": string(job.Status)})
		return nil
	}

	if err := p.store.MarkDownloading(ctx, jobID); err != nil {
		if errors.Is(err, download.ErrJobNotFound) || errors.Is(err, download.ErrInvalidTransition) {
			p.log.Info(ctx, "job changed before download started", map[string]interface{}{"job_id": jobID, "error": err.Error()})
			return nil
		}
		return fmt.Errorf("mark downloading: %w", err)
	}
	start := time.Now()
	p.publish(ctx, jobID)

	p.log.Info(ctx, "processing job", map[string]interface{}{"job_id": jobID, "url": job.URL})

	if !hasMetadata(job) {
		p.probe(ctx, job)
	}

	if ctx.Err() != nil {
		return p.abandon(ctx, jobID, start, "")
	}

	path, err := p.execute(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return p.abandon(ctx, jobID, start, "")
		}
		return p.fail(ctx, jobID, start, err.Error())
	}

	if ctx.Err() != nil {
		return p.abandon(ctx, jobID, start, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return p.fail(ctx, jobID, start, msgOutputNotFound)
	}
	size := info.Size()

	remaining, err := p.ledger.Remaining(ctx, job.UserID)
	if err != nil {
		return p.fail(ctx, jobID, start, "failed to check quota: "+err.Error())
	}
	if remaining < size {
		// the file stays on disk; the reaper reclaims it with the failed job
		p.log.Warn(ctx, "quota exceeded, keeping file", map[string]interface{}{
			"job_id": jobID, "path": path, "size": size, "remaining": remaining,
		})
		return p.fail(ctx, jobID, start, fmt.Sprintf("%s: file is %d bytes, %d remaining", download.ErrInsufficientQuota, size, remaining))
	}

	if err := p.store.Complete(ctx, jobID, path, size); err != nil {
		if errors.Is(err, download.ErrJobNotFound) {
			p.discard(ctx, jobID, path)
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}

	p.recordTraffic(ctx, job, path, size)
	p.metrics.JobFinished(string(download.StatusCompleted), time.Since(start))
	p.log.Info(ctx, "job completed", map[string]interface{}{
		"job_id": jobID, "path": path, "size": size, "duration_ms": time.Since(start).Milliseconds(),
	})

	completed := p.publish(ctx, jobID)
	if p.archiver != nil && completed != nil {
		p.archive(ctx, completed, path)
	}
	return nil
}

func hasMetadata(job *download.Job) bool {
	return job.Title != nil || job.ThumbnailURL != nil || job.Duration != nil
}

// probe looks up metadata under its own short deadline. Failure is only
// logged: a job without metadata still downloads.
func (p *Processor) probe(ctx context.Context, job *download.Job) {
	if p.prober == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	meta, err := p.prober.Probe(probeCtx, job.URL)
	if err != nil {
		p.log.Warn(ctx, "metadata probe failed, continuing without metadata", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
		return
	}

	err = p.store.SetMetadata(ctx, job.ID, download.Metadata{
		Title:        meta.Title,
		ThumbnailURL: meta.Thumbnail,
		Duration:     meta.Duration,
	})
	if err != nil {
		p.log.Warn(ctx, "failed to store metadata", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		return
	}
	p.publish(ctx, job.ID)
}

// execute runs the download inside the job's workspace and returns the
// produced file. The workspace lock is held from snapshot to resolve.
func (p *Processor) execute(ctx context.Context, job *download.Job) (string, error) {
	dir, release, err := p.workspaces.Acquire(job.ID)
	if err != nil {
		return "", err
	}
	defer release()

	before, err := workspace.Take(dir)
	if err != nil {
		return "", fmt.Errorf("snapshot output directory: %w", err)
	}

	if err := p.executor.Download(ctx, job.URL, dir); err != nil {
		return "", err
	}

	path, err := workspace.Resolve(dir, before)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return "", errors.New(msgOutputNotFound)
		}
		return "", fmt.Errorf("%s: %v", msgOutputNotFound, err)
	}
	return path, nil
}

// abandon handles a cancelled run. A job whose record is gone was deleted
// by its owner and its output is discarded; otherwise the job is failed.
func (p *Processor) abandon(ctx context.Context, jobID int64, start time.Time, path string) error {
	cause := ctx.Err()
	bg := context.WithoutCancel(ctx)

	if _, err := p.store.Get(bg, jobID); errors.Is(err, download.ErrJobNotFound) {
		p.discard(bg, jobID, path)
		return nil
	}

	msg := msgCancelled
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = msgTimedOut
	}
	return p.fail(ctx, jobID, start, msg)
}

// discard removes output produced for a job that no longer exists.
func (p *Processor) discard(ctx context.Context, jobID int64, path string) {
	p.log.Info(ctx, "job deleted during processing, discarding output", map[string]interface{}{"job_id": jobID})
	if path != "" && !download.FileInUse(ctx, p.store, jobID, path) {
		download.RemoveFile(ctx, p.log, path)
	}
	if p.workspaces.Isolated() {
		if err := p.workspaces.Remove(jobID); err != nil {
			p.log.Warn(ctx, "failed to remove workspace", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		}
	}
}

func (p *Processor) fail(ctx context.Context, jobID int64, start time.Time, msg string) error {
	bg := context.WithoutCancel(ctx)

	if err := p.store.Fail(bg, jobID, msg); err != nil {
		if errors.Is(err, download.ErrJobNotFound) || errors.Is(err, download.ErrInvalidTransition) {
			p.log.Info(ctx, "job no longer failable", map[string]interface{}{"job_id": jobID, "error": err.Error()})
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}

	p.metrics.JobFinished(string(download.StatusFailed), time.Since(start))
	p.log.Warn(ctx, "job failed", map[string]interface{}{"job_id": jobID, "reason": msg})
	p.publish(bg, jobID)
	return nil
}

// recordTraffic appends the from-source ledger entry. The job is already
// completed at this point, so a ledger failure is logged, not propagated.
func (p *Processor) recordTraffic(ctx context.Context, job *download.Job, path string, size int64) {
	jobID := job.ID
	rec := &download.TrafficRecord{
		UserID:      job.UserID,
		JobID:       &jobID,
		Direction:   download.DirectionFromSource,
		Bytes:       size,
		Description: "Downloaded: " + filepath.Base(path),
	}

	err := apperrors.Retry(context.WithoutCancel(ctx), p.ledgerRetry, func(ctx context.Context) error {
		return p.ledger.Append(ctx, rec)
	})
	if err != nil {
		p.log.Error(ctx, "failed to record download_from_source traffic", err, map[string]interface{}{"job_id": jobID, "bytes": size})
		return
	}
	p.metrics.AddTraffic(string(download.DirectionFromSource), size)
}

func (p *Processor) archive(ctx context.Context, job *download.Job, path string) {
	err := p.archiver.Upload(ctx, job, path)
	p.metrics.ArchiveUpload(err)
	if err != nil {
		p.log.Warn(ctx, "archive upload failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}
}

// publish notifies listeners with the job's current state and returns it.
func (p *Processor) publish(ctx context.Context, jobID int64) *download.Job {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return nil
	}
	p.notifier.Publish(ctx, download.Event{Type: download.EventJobUpdated, Job: job})
	return job
}
