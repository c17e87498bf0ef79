package db

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidstash/backend/internal/download"
)

func TestTrafficRepository_RemainingUsesDefaultQuota(t *testing.T) {
	db := newTestDB(t)
	repo := NewTrafficRepository(db, 1500)
	user := newTestUser(t, db, false)
	ctx := context.Background()

	remaining, err := repo.Remaining(ctx, user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1500), remaining)

	jobID := int64(7)
	require.NoError(t, repo.Append(ctx, &download.TrafficRecord{
		UserID: user.ID.String(), JobID: &jobID, Direction: download.DirectionFromSource, Bytes: 1000,
	}))
	// serving to the user does not count against the balance
	require.NoError(t, repo.Append(ctx, &download.TrafficRecord{
		UserID: user.ID.String(), JobID: &jobID, Direction: download.DirectionToUser, Bytes: 1000,
	}))

	remaining, err = repo.Remaining(ctx, user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(500), remaining)
}

func TestTrafficRepository_ExplicitQuota(t *testing.T) {
	db := newTestDB(t)
	repo := NewTrafficRepository(db, 1500)
	user := newTestUser(t, db, false)
	ctx := context.Background()

	require.NoError(t, repo.SetQuota(ctx, user.ID.String(), 100))
	require.NoError(t, repo.SetQuota(ctx, user.ID.String(), 200))

	usage, err := repo.Usage(ctx, user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(200), usage.QuotaBytes)
	assert.Equal(t, int64(200), usage.RemainingBytes)

	require.NoError(t, repo.Append(ctx, &download.TrafficRecord{
		UserID: user.ID.String(), Direction: download.DirectionFromSource, Bytes: 500,
	}))

	usage, err = repo.Usage(ctx, user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.UsedBytes)
	assert.Equal(t, int64(0), usage.RemainingBytes)
}

func TestTrafficRepository_Unlimited(t *testing.T) {
	db := newTestDB(t)
	repo := NewTrafficRepository(db, 0)
	user := newTestUser(t, db, false)

	remaining, err := repo.Remaining(context.Background(), user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), remaining)
}

func TestTrafficRepository_ListByUser(t *testing.T) {
	db := newTestDB(t)
	repo := NewTrafficRepository(db, 0)
	user := newTestUser(t, db, false)
	ctx := context.Background()

	jobID := int64(3)
	rec := &download.TrafficRecord{
		UserID: user.ID.String(), JobID: &jobID, Direction: download.DirectionFromSource,
		Bytes: 42, Description: "Downloaded: clip.mp4",
	}
	require.NoError(t, repo.Append(ctx, rec))
	assert.NotZero(t, rec.ID)
	require.NoError(t, repo.Append(ctx, &download.TrafficRecord{
		UserID: user.ID.String(), Direction: download.DirectionToUser, Bytes: 42,
	}))

	records, err := repo.ListByUser(ctx, user.ID.String(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, download.DirectionToUser, records[0].Direction)
	assert.Nil(t, records[0].JobID)
	require.NotNil(t, records[1].JobID)
	assert.Equal(t, int64(3), *records[1].JobID)
	assert.Equal(t, "Downloaded: clip.mp4", records[1].Description)
}
