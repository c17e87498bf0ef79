package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/vidstash/backend/internal/download"
	"github.com/vidstash/backend/internal/logger"
	"github.com/vidstash/backend/internal/metrics"
)

const (
	DefaultInterval  = 30 * time.Minute
	DefaultRetention = 2 * time.Hour
)

// Workspaces is the part of the workspace manager the reaper needs.
type Workspaces interface {
	Isolated() bool
	Dir(jobID int64) string
	Remove(jobID int64) error
	JobDirs() ([]int64, error)
}

// Config sets the sweep schedule. Zero values take the defaults.
type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

// Info is the public view of the schedule.
type Info struct {
	IntervalMinutes int    `json:"interval_minutes"`
	RetentionHours  int    `json:"retention_hours"`
	Description     string `json:"description"`
}

// Result counts what one sweep did.
type Result struct {
	Cleaned int `json:"cleaned_count"`
	Errors  int `json:"error_count"`
	Orphans int `json:"orphan_count"`
}

// Reaper deletes completed jobs, with their files, once they are older
// than the retention age. It also reclaims the workspaces of failed jobs
// whose output was kept after a quota rejection.
type Reaper struct {
	services.Service

	cfg        Config
	store      download.Store
	workspaces Workspaces
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time

	// one sweep at a time, timer or manual
	sweepMu sync.Mutex
}

// New builds a reaper as a dskit timer service that sweeps once on start
// and then every cfg.Interval. ws may be nil when jobs have no workspaces.
func New(cfg Config, store download.Store, ws Workspaces, m *metrics.Metrics) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if m == nil {
		m = metrics.Default()
	}

	r := &Reaper{
		cfg:        cfg,
		store:      store,
		workspaces: ws,
		metrics:    m,
		log:        logger.Default().WithComponent("reaper"),
		now:        time.Now,
	}
	r.Service = services.NewTimerService(cfg.Interval, r.starting, r.iteration, nil)
	return r
}

// Info describes the configured schedule.
func (r *Reaper) Info() Info {
	minutes := int(r.cfg.Interval / time.Minute)
	hours := int(r.cfg.Retention / time.Hour)
	return Info{
		IntervalMinutes: minutes,
		RetentionHours:  hours,
		Description: fmt.Sprintf("Checks every %d minutes and deletes downloads completed more than %d hours ago",
			minutes, hours),
	}
}

func (r *Reaper) starting(ctx context.Context) error {
	r.log.Info(ctx, "retention reaper started", map[string]interface{}{
		"interval":  r.cfg.Interval.String(),
		"retention": r.cfg.Retention.String(),
	})
	r.iteration(ctx)
	return nil
}

// iteration never returns an error: a failed sweep must not stop the timer.
func (r *Reaper) iteration(ctx context.Context) error {
	if _, err := r.Sweep(ctx, r.cfg.Retention); err != nil {
		r.log.Error(ctx, "scheduled sweep failed", err)
	}
	return nil
}

// Sweep runs one pass with the given retention age. Per-item failures are
// counted and do not stop the pass; only a failure to list jobs is
// returned as an error.
func (r *Reaper) Sweep(ctx context.Context, retention time.Duration) (Result, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	if retention <= 0 {
		retention = r.cfg.Retention
	}
	cutoff := r.now().Add(-retention)
	ctx = logger.WithRequestID(ctx, fmt.Sprintf("sweep-%d", r.now().Unix()))

	var res Result

	expired, err := r.store.ListExpired(ctx, download.StatusCompleted, cutoff)
	if err != nil {
		return res, fmt.Errorf("list expired jobs: %w", err)
	}

	for _, job := range expired {
		if ctx.Err() != nil {
			break
		}
		if r.reap(ctx, job) {
			res.Cleaned++
		} else {
			res.Errors++
		}
	}

	orphans, errs := r.reclaimOrphans(ctx, cutoff)
	res.Orphans = orphans
	res.Errors += errs

	r.metrics.RecordSweep(res.Cleaned, res.Errors, res.Orphans)
	if res.Cleaned > 0 || res.Errors > 0 || res.Orphans > 0 {
		r.log.Info(ctx, "sweep finished", map[string]interface{}{
			"cleaned": res.Cleaned,
			"errors":  res.Errors,
			"orphans": res.Orphans,
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		})
	} else {
		r.log.Debug(ctx, "sweep found nothing to clean")
	}
	return res, nil
}

// reap removes one completed job's file and record. A file that cannot be
// removed is logged and counted as a failure, but the record still goes.
func (r *Reaper) reap(ctx context.Context, job *download.Job) bool {
	ok := true
	fields := map[string]interface{}{"job_id": job.ID}

	if job.FilePath != nil {
		if download.FileInUse(ctx, r.store, job.ID, *job.FilePath) {
			r.log.Info(ctx, "file shared with another job, keeping it", map[string]interface{}{"job_id": job.ID, "path": *job.FilePath})
		} else if !download.RemoveFile(ctx, r.log, *job.FilePath) {
			ok = false
		}
	}
	if r.workspaces != nil && r.workspaces.Isolated() {
		if err := r.workspaces.Remove(job.ID); err != nil {
			r.log.Warn(ctx, "failed to remove workspace", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		}
	}

	if err := r.store.Delete(ctx, job.ID); err != nil {
		if errors.Is(err, download.ErrJobNotFound) {
			// deleted by its owner since the listing
			return ok
		}
		r.log.Error(ctx, "failed to delete expired job", err, fields)
		return false
	}
	return ok
}

// reclaimOrphans removes files nothing points at any more: workspaces of
// failed jobs past retention, and workspaces whose job record is gone.
// Only isolated workspaces can be attributed to a job.
func (r *Reaper) reclaimOrphans(ctx context.Context, cutoff time.Time) (reclaimed, errs int) {
	if r.workspaces == nil || !r.workspaces.Isolated() {
		return 0, 0
	}

	failed, err := r.store.ListExpired(ctx, download.StatusFailed, cutoff)
	if err != nil {
		r.log.Error(ctx, "failed to list expired failed jobs", err)
		return 0, 1
	}
	for _, job := range failed {
		n, err := r.removeWorkspace(job.ID)
		if err != nil {
			r.log.Warn(ctx, "failed to reclaim workspace of failed job", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
			errs++
			continue
		}
		reclaimed += n
	}

	ids, err := r.workspaces.JobDirs()
	if err != nil {
		r.log.Error(ctx, "failed to list workspaces", err)
		return reclaimed, errs + 1
	}
	for _, id := range ids {
		if _, err := r.store.Get(ctx, id); !errors.Is(err, download.ErrJobNotFound) {
			continue
		}
		info, err := os.Stat(r.workspaces.Dir(id))
		if err != nil || info.ModTime().After(cutoff) {
			// too fresh: the record may not be committed yet
			continue
		}
		n, err := r.removeWorkspace(id)
		if err != nil {
			errs++
			continue
		}
		reclaimed += n
	}
	return reclaimed, errs
}

// removeWorkspace deletes a job directory and reports 1 if it held any file.
func (r *Reaper) removeWorkspace(jobID int64) (int, error) {
	entries, err := os.ReadDir(r.workspaces.Dir(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := r.workspaces.Remove(jobID); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return 1, nil
}
