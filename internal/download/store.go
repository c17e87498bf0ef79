package download

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrQueueFull         = errors.New("download queue is full")
	ErrQueueEmpty        = errors.New("queue is empty")
	ErrForbidden         = errors.New("not allowed to access this job")
	ErrJobNotReady       = errors.New("download is not completed")
	ErrFileMissing       = errors.New("file not found on server")
	ErrInvalidURL        = errors.New("invalid url")
	ErrInsufficientQuota = errors.New("insufficient quota")
)

// Store is the durable job table. Transition methods only apply when the
// job is in a state that allows them; otherwise they return
// ErrInvalidTransition, or ErrJobNotFound when the record is gone.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id int64) (*Job, error)
	ListByUser(ctx context.Context, userID string) ([]*Job, error)
	ListAll(ctx context.Context) ([]*Job, error)
	ListByStatus(ctx context.Context, status Status) ([]*Job, error)
	// ListExpired returns jobs in status whose completed_at is before cutoff.
	ListExpired(ctx context.Context, status Status, cutoff time.Time) ([]*Job, error)

	MarkDownloading(ctx context.Context, id int64) error
	SetMetadata(ctx context.Context, id int64, meta Metadata) error
	Complete(ctx context.Context, id int64, filePath string, fileSize int64) error
	Fail(ctx context.Context, id int64, message string) error

	Delete(ctx context.Context, id int64) error
}

// Ledger is the per-user traffic accounting.
type Ledger interface {
	// Remaining returns the user's remaining balance in bytes.
	// Unlimited users get math.MaxInt64.
	Remaining(ctx context.Context, userID string) (int64, error)
	Append(ctx context.Context, rec *TrafficRecord) error
}

type EventType string

const (
	EventJobUpdated EventType = "job.updated"
	EventJobDeleted EventType = "job.deleted"
)

// Event describes a job state change.
type Event struct {
	Type EventType `json:"type"`
	Job  *Job      `json:"job"`
}

// Notifier receives every job state change. Implementations must not block.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Publish(ctx context.Context, event Event) { f(ctx, event) }

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, Event) {}
