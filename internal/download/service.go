package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/vidstash/backend/internal/logger"
	"github.com/vidstash/backend/internal/metrics"
)

// Workspaces removes a job's scratch directory.
type Workspaces interface {
	Remove(jobID int64) error
}

// Archive mirrors completed files to object storage.
type Archive interface {
	Remove(ctx context.Context, jobID int64) error
}

// Service provides download job management functionality
type Service struct {
	store      Store
	ledger     Ledger
	queue      Queue
	workerPool *WorkerPool
	notifier   Notifier
	workspaces Workspaces
	archive    Archive
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// ServiceConfig holds configuration for the download service
type ServiceConfig struct {
	Store      Store
	Ledger     Ledger
	Queue      Queue
	Processor  JobProcessor
	Notifier   Notifier
	Workspaces Workspaces
	Archive    Archive
	Metrics    *metrics.Metrics

	WorkerCount int
	JobTimeout  time.Duration
}

// NewService creates a new download service
func NewService(config *ServiceConfig) *Service {
	m := config.Metrics
	if m == nil {
		m = metrics.Default()
	}
	notifier := config.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	queue := config.Queue
	if queue == nil {
		queue = NewMemoryQueue(DefaultQueueCapacity)
	}

	s := &Service{
		store:      config.Store,
		ledger:     config.Ledger,
		queue:      queue,
		notifier:   notifier,
		workspaces: config.Workspaces,
		archive:    config.Archive,
		metrics:    m,
		log:        logger.Default().WithComponent("download"),
	}

	s.workerPool = NewWorkerPool(queue, config.Processor, &WorkerPoolConfig{
		WorkerCount: config.WorkerCount,
		JobTimeout:  config.JobTimeout,
		OnPanic:     s.failPanicked,
		Metrics:     m,
	})

	return s
}

// Start starts the worker pool
func (s *Service) Start() {
	s.workerPool.Start()
}

// Stop gracefully stops the service
func (s *Service) Stop(ctx context.Context) error {
	if err := s.workerPool.Stop(ctx); err != nil {
		s.log.Warn(ctx, "worker pool stop error", map[string]interface{}{"error": err.Error()})
	}
	return s.queue.Close()
}

// IsRunning returns whether the worker pool is running
func (s *Service) IsRunning() bool {
	return s.workerPool.IsRunning()
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Submit records a new pending job and hands it to the queue. Caller
// supplied metadata is stored with the record. When the queue is full the
// job is failed and ErrQueueFull is returned along with it.
func (s *Service) Submit(ctx context.Context, req Requester, rawURL string, meta Metadata) (*Job, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	job := &Job{
		UserID: req.UserID,
		URL:    strings.TrimSpace(rawURL),
	}
	if meta.Title != "" {
		job.Title = &meta.Title
	}
	if meta.ThumbnailURL != "" {
		job.ThumbnailURL = &meta.ThumbnailURL
	}
	if meta.Duration != "" {
		job.Duration = &meta.Duration
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.metrics.JobSubmitted()
	s.notifier.Publish(ctx, Event{Type: EventJobUpdated, Job: job})

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		if failErr := s.store.Fail(ctx, job.ID, ErrQueueFull.Error()); failErr != nil {
			s.log.Error(ctx, "failed to record queue rejection", failErr, map[string]interface{}{"job_id": job.ID})
		}
		s.publishCurrent(ctx, job.ID)
		s.metrics.JobFinished(string(StatusFailed), 0)
		if errors.Is(err, ErrQueueFull) {
			return job, ErrQueueFull
		}
		return job, fmt.Errorf("enqueue job: %w", err)
	}

	if n, err := s.queue.Len(ctx); err == nil {
		s.metrics.SetQueueDepth(n)
	}

	s.log.Info(ctx, "job submitted", map[string]interface{}{"job_id": job.ID, "user_id": job.UserID})
	return job, nil
}

// List returns the caller's jobs, or every job for an admin.
func (s *Service) List(ctx context.Context, req Requester) ([]*Job, error) {
	if req.IsAdmin {
		return s.store.ListAll(ctx)
	}
	return s.store.ListByUser(ctx, req.UserID)
}

// Get returns a job the caller may access.
func (s *Service) Get(ctx context.Context, req Requester, id int64) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.CanAccess(job) {
		return nil, ErrForbidden
	}
	return job, nil
}

// Delete removes a job's file (best-effort) and its record. A job that is
// still running is cancelled; its orchestration discards whatever it
// produced once it finds the record gone.
func (s *Service) Delete(ctx context.Context, req Requester, id int64) error {
	job, err := s.Get(ctx, req, id)
	if err != nil {
		return err
	}

	if !job.IsTerminal() {
		if s.workerPool.Cancel(id) {
			s.log.Info(ctx, "cancelled running job for deletion", map[string]interface{}{"job_id": id})
		}
	}

	if job.FilePath != nil {
		if FileInUse(ctx, s.store, id, *job.FilePath) {
			s.log.Info(ctx, "file shared with another job, keeping it", map[string]interface{}{"job_id": id, "path": *job.FilePath})
		} else {
			RemoveFile(ctx, s.log, *job.FilePath)
		}
	}
	if s.workspaces != nil {
		if err := s.workspaces.Remove(id); err != nil {
			s.log.Warn(ctx, "failed to remove job workspace", map[string]interface{}{"job_id": id, "error": err.Error()})
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	if s.archive != nil {
		if err := s.archive.Remove(ctx, id); err != nil {
			s.log.Warn(ctx, "failed to remove archived copy", map[string]interface{}{"job_id": id, "error": err.Error()})
		}
	}

	s.notifier.Publish(ctx, Event{Type: EventJobDeleted, Job: job})
	s.log.Info(ctx, "job deleted", map[string]interface{}{"job_id": id})
	return nil
}

// File is an opened completed download.
type File struct {
	*os.File
	Name string
	Size int64
	Job  *Job
}

// OpenFile opens a completed job's file for streaming and records the
// transfer to the user in the ledger. The caller must close the file.
func (s *Service) OpenFile(ctx context.Context, req Requester, id int64) (*File, error) {
	job, err := s.Get(ctx, req, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted || job.FilePath == nil {
		return nil, fmt.Errorf("job %d is %s: %w", id, job.Status, ErrJobNotReady)
	}

	f, err := os.Open(*job.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrFileMissing
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	name := filepath.Base(*job.FilePath)
	jobID := job.ID
	rec := &TrafficRecord{
		UserID:      req.UserID,
		JobID:       &jobID,
		Direction:   DirectionToUser,
		Bytes:       info.Size(),
		Description: "Served file: " + name,
	}
	if err := s.ledger.Append(ctx, rec); err != nil {
		s.log.Error(ctx, "failed to record download_to_user traffic", err, map[string]interface{}{"job_id": id})
	} else {
		s.metrics.AddTraffic(string(DirectionToUser), info.Size())
	}

	return &File{File: f, Name: name, Size: info.Size(), Job: job}, nil
}

// Recover re-enqueues jobs left pending by a previous process and reports
// jobs stuck in downloading.
func (s *Service) Recover(ctx context.Context) error {
	pending, err := s.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	requeued := 0
	for _, job := range pending {
		if err := s.queue.Enqueue(ctx, job.ID); err != nil {
			if errors.Is(err, ErrQueueFull) {
				s.log.Warn(ctx, "queue full during recovery, remaining pending jobs left for next start",
					map[string]interface{}{"remaining": len(pending) - requeued})
				break
			}
			return fmt.Errorf("requeue job %d: %w", job.ID, err)
		}
		requeued++
	}

	stuck, err := s.store.ListByStatus(ctx, StatusDownloading)
	if err != nil {
		return fmt.Errorf("list downloading jobs: %w", err)
	}
	s.metrics.SetStuckJobs(len(stuck))
	if len(stuck) > 0 {
		ids := make([]int64, 0, len(stuck))
		for _, j := range stuck {
			ids = append(ids, j.ID)
		}
		s.log.Warn(ctx, "jobs left in downloading by a previous run", map[string]interface{}{"job_ids": ids})
	}

	if requeued > 0 {
		s.log.Info(ctx, "requeued pending jobs", map[string]interface{}{"count": requeued})
	}
	return nil
}

func (s *Service) failPanicked(ctx context.Context, jobID int64, recovered any) {
	msg := fmt.Sprintf("internal error: %v", recovered)
	if err := s.store.Fail(ctx, jobID, msg); err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrJobNotFound) {
		s.log.Error(ctx, "failed to mark panicked job as failed", err, map[string]interface{}{"job_id": jobID})
		return
	}
	s.publishCurrent(ctx, jobID)
}

func (s *Service) publishCurrent(ctx context.Context, jobID int64) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	s.notifier.Publish(ctx, Event{Type: EventJobUpdated, Job: job})
}

// FileInUse reports whether a completed job other than jobID points at
// path. In a shared directory a filename collision can leave several jobs
// with the same file. When the store cannot answer the file is treated as
// in use.
func FileInUse(ctx context.Context, store Store, jobID int64, path string) bool {
	completed, err := store.ListByStatus(ctx, StatusCompleted)
	if err != nil {
		return true
	}
	return lo.ContainsBy(completed, func(j *Job) bool {
		return j.ID != jobID && j.FilePath != nil && *j.FilePath == path
	})
}

// RemoveFile deletes path. A missing file is logged, not an error.
func RemoveFile(ctx context.Context, log *logger.Logger, path string) bool {
	err := os.Remove(path)
	switch {
	case err == nil:
		log.Info(ctx, "removed file", map[string]interface{}{"path": path})
		return true
	case errors.Is(err, os.ErrNotExist):
		log.Warn(ctx, "file already gone, skipping removal", map[string]interface{}{"path": path})
		return true
	default:
		log.Error(ctx, "failed to remove file", err, map[string]interface{}{"path": path})
		return false
	}
}
