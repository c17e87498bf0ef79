package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vidstash/backend/internal/download"
)

// JobRepository persists download jobs. Every status change is a guarded
// UPDATE so that a terminal row can never be rewritten.
type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, user_id, url, status, title, thumbnail_url, duration, progress,
		file_path, file_size, error_message, created_at, completed_at`

func (r *JobRepository) Create(ctx context.Context, job *download.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = download.StatusPending
	job.Progress = 0

	query := `
		INSERT INTO download_jobs (user_id, url, status, title, thumbnail_url, duration, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := r.db.queryRow(ctx, query,
		job.UserID, job.URL, string(job.Status), job.Title, job.ThumbnailURL, job.Duration, job.Progress, job.CreatedAt,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (r *JobRepository) Get(ctx context.Context, id int64) (*download.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM download_jobs WHERE id = $1`

	job, err := scanJob(r.db.queryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, download.ErrJobNotFound
		}
		return nil, err
	}

	return job, nil
}

func (r *JobRepository) ListByUser(ctx context.Context, userID string) ([]*download.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM download_jobs WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	return r.list(ctx, query, userID)
}

func (r *JobRepository) ListAll(ctx context.Context) ([]*download.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM download_jobs ORDER BY created_at DESC, id DESC`
	return r.list(ctx, query)
}

func (r *JobRepository) ListByStatus(ctx context.Context, status download.Status) ([]*download.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM download_jobs WHERE status = $1 ORDER BY id`
	return r.list(ctx, query, string(status))
}

func (r *JobRepository) ListExpired(ctx context.Context, status download.Status, cutoff time.Time) ([]*download.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM download_jobs
		WHERE status = $1 AND completed_at IS NOT NULL AND completed_at < $2
		ORDER BY completed_at
	`
	return r.list(ctx, query, string(status), cutoff.UTC())
}

func (r *JobRepository) MarkDownloading(ctx context.Context, id int64) error {
	query := `
		UPDATE download_jobs
		SET status = 'downloading', progress = 0
		WHERE id = $1 AND status = 'pending'
	`
	return r.guarded(ctx, id, query, id)
}

// SetMetadata fills descriptive fields that are still empty. Values already
// present are never overwritten.
func (r *JobRepository) SetMetadata(ctx context.Context, id int64, meta download.Metadata) error {
	query := `
		UPDATE download_jobs
		SET title = COALESCE(title, $2),
			thumbnail_url = COALESCE(thumbnail_url, $3),
			duration = COALESCE(duration, $4)
		WHERE id = $1 AND status = 'downloading'
	`
	return r.guarded(ctx, id, query, id, nullString(meta.Title), nullString(meta.ThumbnailURL), nullString(meta.Duration))
}

func (r *JobRepository) Complete(ctx context.Context, id int64, filePath string, fileSize int64) error {
	query := `
		UPDATE download_jobs
		SET status = 'completed', progress = 100, file_path = $2, file_size = $3,
			error_message = NULL, completed_at = $4
		WHERE id = $1 AND status = 'downloading'
	`
	return r.guarded(ctx, id, query, id, filePath, fileSize, time.Now().UTC())
}

func (r *JobRepository) Fail(ctx context.Context, id int64, message string) error {
	query := `
		UPDATE download_jobs
		SET status = 'failed', error_message = $2, file_path = NULL, file_size = NULL,
			completed_at = $3
		WHERE id = $1 AND status IN ('pending', 'downloading')
	`
	return r.guarded(ctx, id, query, id, message, time.Now().UTC())
}

func (r *JobRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.exec(ctx, `DELETE FROM download_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return download.ErrJobNotFound
	}
	return nil
}

// guarded runs a conditional UPDATE and turns "no rows" into the reason.
func (r *JobRepository) guarded(ctx context.Context, id int64, query string, args ...any) error {
	res, err := r.db.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = r.db.queryRow(ctx, `SELECT status FROM download_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return download.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %d is %s: %w", id, status, download.ErrInvalidTransition)
}

func (r *JobRepository) list(ctx context.Context, query string, args ...any) ([]*download.Job, error) {
	rows, err := r.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*download.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*download.Job, error) {
	var (
		job                        download.Job
		status                     string
		title, thumbnail, duration sql.NullString
		filePath, errorMessage     sql.NullString
		fileSize                   sql.NullInt64
		completedAt                sql.NullTime
	)

	err := s.Scan(
		&job.ID, &job.UserID, &job.URL, &status, &title, &thumbnail, &duration, &job.Progress,
		&filePath, &fileSize, &errorMessage, &job.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = download.Status(status)
	job.Title = stringPtr(title)
	job.ThumbnailURL = stringPtr(thumbnail)
	job.Duration = stringPtr(duration)
	job.FilePath = stringPtr(filePath)
	job.ErrorMessage = stringPtr(errorMessage)
	if fileSize.Valid {
		size := fileSize.Int64
		job.FileSize = &size
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()

	return &job, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
