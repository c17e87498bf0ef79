package download

import (
	"time"
)

// Status is a job's position in its lifecycle.
type Status string

// pending -> downloading -> completed | failed
const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for statuses that admit no further transition.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusDownloading || next == StatusFailed
	case StatusDownloading:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Job is one submitted URL and its lifecycle state.
//
// FilePath and FileSize are set if and only if Status is completed.
// ErrorMessage is set if and only if Status is failed.
type Job struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"user_id"`
	URL          string     `json:"url"`
	Status       Status     `json:"status"`
	Title        *string    `json:"title,omitempty"`
	ThumbnailURL *string    `json:"thumbnail_url,omitempty"`
	Duration     *string    `json:"duration,omitempty"`
	Progress     int        `json:"progress"`
	FilePath     *string    `json:"file_path,omitempty"`
	FileSize     *int64     `json:"file_size,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Metadata is the optional descriptive information attached to a job.
type Metadata struct {
	Title        string `json:"title,omitempty"`
	ThumbnailURL string `json:"thumbnail,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

func (m Metadata) IsEmpty() bool {
	return m.Title == "" && m.ThumbnailURL == "" && m.Duration == ""
}

// Direction classifies a traffic ledger entry.
type Direction string

const (
	DirectionFromSource Direction = "download_from_source"
	DirectionToUser     Direction = "download_to_user"
)

// TrafficRecord is an append-only ledger entry.
type TrafficRecord struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	JobID       *int64    `json:"job_id,omitempty"`
	Direction   Direction `json:"direction"`
	Bytes       int64     `json:"bytes"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Requester identifies the caller of a job operation.
type Requester struct {
	UserID  string
	IsAdmin bool
}

// CanAccess reports whether r may read or delete job.
func (r Requester) CanAccess(job *Job) bool {
	return r.IsAdmin || job.UserID == r.UserID
}
