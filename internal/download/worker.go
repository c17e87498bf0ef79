package download

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/vidstash/backend/internal/logger"
	"github.com/vidstash/backend/internal/metrics"
)

const (
	// Default configuration values
	DefaultWorkerCount = 3
	DefaultJobTimeout  = 2 * time.Hour
)

// JobProcessor drives one job to a terminal state. A returned error means
// the processor could not record the outcome itself.
type JobProcessor func(ctx context.Context, jobID int64) error

// PanicHandler is called when a processor panics so the job can be failed.
type PanicHandler func(ctx context.Context, jobID int64, recovered any)

// WorkerPool manages a pool of workers that process download jobs
type WorkerPool struct {
	queue       Queue
	workerCount int
	jobTimeout  time.Duration
	processor   JobProcessor
	onPanic     PanicHandler
	metrics     *metrics.Metrics
	log         *logger.Logger

	busy     *atomic.Int64
	inflight map[int64]context.CancelFunc
	flightMu sync.Mutex

	wg       sync.WaitGroup
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool
}

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	WorkerCount int
	// JobTimeout bounds a whole orchestration run, probe and executor included.
	JobTimeout time.Duration
	OnPanic    PanicHandler
	Metrics    *metrics.Metrics
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue Queue, processor JobProcessor, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}

	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}

	jobTimeout := config.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	m := config.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &WorkerPool{
		queue:       queue,
		workerCount: workerCount,
		jobTimeout:  jobTimeout,
		processor:   processor,
		onPanic:     config.OnPanic,
		metrics:     m,
		log:         logger.Default().WithComponent("worker"),
		busy:        atomic.NewInt64(0),
		inflight:    make(map[int64]context.CancelFunc),
		stopChan:    make(chan struct{}),
	}
}

// Start launches the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}

	wp.running = true
	wp.stopChan = make(chan struct{})

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.log.Info(context.Background(), "worker pool started", map[string]interface{}{"workers": wp.workerCount})
}

// Stop asks workers to exit and waits for in-flight jobs. If ctx expires
// first, running jobs are cancelled and Stop returns ctx.Err().
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return nil
	}
	wp.running = false
	close(wp.stopChan)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Info(ctx, "worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		wp.cancelAll()
		wp.log.Warn(ctx, "worker pool shutdown timed out, cancelled running jobs")
		return ctx.Err()
	}
}

// IsRunning returns whether the worker pool is currently running
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

// Busy returns the number of workers currently processing a job.
func (wp *WorkerPool) Busy() int64 {
	return wp.busy.Load()
}

// Cancel aborts a running job. It reports whether the job was in flight.
func (wp *WorkerPool) Cancel(jobID int64) bool {
	wp.flightMu.Lock()
	cancel, ok := wp.inflight[jobID]
	wp.flightMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (wp *WorkerPool) cancelAll() {
	wp.flightMu.Lock()
	defer wp.flightMu.Unlock()
	for _, cancel := range wp.inflight {
		cancel()
	}
}

// worker is the main loop for a single worker
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.stopChan:
			return
		default:
			wp.processNextJob(id)
		}
	}
}

// processNextJob dequeues and processes the next available job
func (wp *WorkerPool) processNextJob(workerID int) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-wp.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	jobID, err := wp.queue.Dequeue(ctx, defaultBlockTimeout)
	cancel()
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) || errors.Is(err, context.Canceled) {
			return
		}
		wp.log.Error(context.Background(), "failed to dequeue job", err, map[string]interface{}{"worker": workerID})
		// back off so a broken queue does not spin the loop
		select {
		case <-wp.stopChan:
		case <-time.After(time.Second):
		}
		return
	}

	wp.updateQueueDepth()
	wp.processJob(workerID, jobID)
}

// processJob runs the processor for one job with its own cancellable context.
func (wp *WorkerPool) processJob(workerID int, jobID int64) {
	ctx := logger.WithRequestID(context.Background(), fmt.Sprintf("job-%d", jobID))
	jobCtx, cancel := context.WithTimeout(ctx, wp.jobTimeout)

	wp.flightMu.Lock()
	wp.inflight[jobID] = cancel
	wp.flightMu.Unlock()

	wp.metrics.SetWorkersBusy(wp.busy.Inc())

	defer func() {
		wp.flightMu.Lock()
		delete(wp.inflight, jobID)
		wp.flightMu.Unlock()
		cancel()
		wp.metrics.SetWorkersBusy(wp.busy.Dec())

		if r := recover(); r != nil {
			wp.log.Error(ctx, "job processor panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"worker": workerID,
				"job_id": jobID,
				"stack":  string(debug.Stack()),
			})
			if wp.onPanic != nil {
				wp.onPanic(ctx, jobID, r)
			}
		}
	}()

	wp.log.Debug(ctx, "processing job", map[string]interface{}{"worker": workerID, "job_id": jobID})

	if err := wp.processor(jobCtx, jobID); err != nil {
		wp.log.Error(ctx, "job processing error", err, map[string]interface{}{"worker": workerID, "job_id": jobID})
	}
}

func (wp *WorkerPool) updateQueueDepth() {
	n, err := wp.queue.Len(context.Background())
	if err == nil {
		wp.metrics.SetQueueDepth(n)
	}
}
