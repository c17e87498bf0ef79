package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vidstash/backend/internal/download"
)

// TrafficRepository is the traffic ledger. A user's balance is their quota
// minus the sum of download_from_source entries; a quota <= 0 is unlimited.
type TrafficRepository struct {
	db           *DB
	defaultQuota int64
}

func NewTrafficRepository(db *DB, defaultQuota int64) *TrafficRepository {
	return &TrafficRepository{db: db, defaultQuota: defaultQuota}
}

// Usage is a user's quota summary.
type Usage struct {
	QuotaBytes     int64 `json:"quota_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	RemainingBytes int64 `json:"remaining_bytes"`
	Unlimited      bool  `json:"unlimited"`
}

func (r *TrafficRepository) Quota(ctx context.Context, userID string) (int64, error) {
	var quota int64
	err := r.db.queryRow(ctx, `SELECT quota_bytes FROM user_quotas WHERE user_id = $1`, userID).Scan(&quota)
	if errors.Is(err, sql.ErrNoRows) {
		return r.defaultQuota, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return quota, nil
}

func (r *TrafficRepository) SetQuota(ctx context.Context, userID string, quotaBytes int64) error {
	query := `
		INSERT INTO user_quotas (user_id, quota_bytes, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET quota_bytes = $2, updated_at = $3
	`
	_, err := r.db.exec(ctx, query, userID, quotaBytes, time.Now().UTC())
	return err
}

func (r *TrafficRepository) Used(ctx context.Context, userID string) (int64, error) {
	var used int64
	query := `SELECT COALESCE(SUM(bytes), 0) FROM traffic_records WHERE user_id = $1 AND direction = $2`
	if err := r.db.queryRow(ctx, query, userID, string(download.DirectionFromSource)).Scan(&used); err != nil {
		return 0, fmt.Errorf("sum traffic: %w", err)
	}
	return used, nil
}

func (r *TrafficRepository) Usage(ctx context.Context, userID string) (*Usage, error) {
	quota, err := r.Quota(ctx, userID)
	if err != nil {
		return nil, err
	}
	used, err := r.Used(ctx, userID)
	if err != nil {
		return nil, err
	}

	u := &Usage{QuotaBytes: quota, UsedBytes: used}
	if quota <= 0 {
		u.Unlimited = true
		u.RemainingBytes = math.MaxInt64
		return u, nil
	}
	u.RemainingBytes = quota - used
	if u.RemainingBytes < 0 {
		u.RemainingBytes = 0
	}
	return u, nil
}

func (r *TrafficRepository) Remaining(ctx context.Context, userID string) (int64, error) {
	u, err := r.Usage(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.RemainingBytes, nil
}

func (r *TrafficRepository) Append(ctx context.Context, rec *download.TrafficRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO traffic_records (user_id, job_id, direction, bytes, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.db.queryRow(ctx, query,
		rec.UserID, rec.JobID, string(rec.Direction), rec.Bytes, rec.Description, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("append traffic record: %w", err)
	}
	return nil
}

// ListByUser returns a user's ledger entries, newest first.
func (r *TrafficRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*download.TrafficRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, job_id, direction, bytes, description, created_at
		FROM traffic_records
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := r.db.query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*download.TrafficRecord{}
	for rows.Next() {
		var (
			rec       download.TrafficRecord
			jobID     sql.NullInt64
			direction string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &jobID, &direction, &rec.Bytes, &rec.Description, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Direction = download.Direction(direction)
		if jobID.Valid {
			id := jobID.Int64
			rec.JobID = &id
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}
