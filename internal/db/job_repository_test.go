package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidstash/backend/internal/download"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestUser(t *testing.T, db *DB, admin bool) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New(),
		Email:        uuid.NewString() + "@example.com",
		PasswordHash: "x",
		IsAdmin:      admin,
	}
	require.NoError(t, NewUserRepository(db).Create(context.Background(), u))
	return u
}

func createJob(t *testing.T, repo *JobRepository, userID string) *download.Job {
	t.Helper()
	job := &download.Job{UserID: userID, URL: "https://example.com/watch?v=1"}
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestRebind(t *testing.T) {
	sqlite := &DB{dialect: DialectSQLite}
	pg := &DB{dialect: DialectPostgres}
	q := `UPDATE t SET a = $2 WHERE id = $1 AND b = $12`

	assert.Equal(t, `UPDATE t SET a = ?2 WHERE id = ?1 AND b = ?12`, sqlite.rebind(q))
	assert.Equal(t, q, pg.rebind(q))
}

func TestJobRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	user := newTestUser(t, db, false)
	ctx := context.Background()

	title := "Preset title"
	job := &download.Job{UserID: user.ID.String(), URL: "https://example.com/v", Title: &title}
	require.NoError(t, repo.Create(ctx, job))
	assert.NotZero(t, job.ID)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, user.ID.String(), got.UserID)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Preset title", *got.Title)
	assert.Nil(t, got.FilePath)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)

	_, err = repo.Get(ctx, job.ID+1000)
	assert.ErrorIs(t, err, download.ErrJobNotFound)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	user := newTestUser(t, db, false)
	ctx := context.Background()
	job := createJob(t, repo, user.ID.String())

	require.NoError(t, repo.MarkDownloading(ctx, job.ID))
	require.NoError(t, repo.SetMetadata(ctx, job.ID, download.Metadata{Title: "First", Duration: "3:21"}))
	// second write never overwrites populated fields
	require.NoError(t, repo.SetMetadata(ctx, job.ID, download.Metadata{Title: "Second", ThumbnailURL: "https://i/t.jpg"}))
	require.NoError(t, repo.Complete(ctx, job.ID, "/data/1/video.mp4", 1000))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "First", *got.Title)
	assert.Equal(t, "3:21", *got.Duration)
	assert.Equal(t, "https://i/t.jpg", *got.ThumbnailURL)
	require.NotNil(t, got.FilePath)
	assert.Equal(t, "/data/1/video.mp4", *got.FilePath)
	assert.Equal(t, int64(1000), *got.FileSize)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
}

func TestJobRepository_TerminalStatesAreSticky(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	user := newTestUser(t, db, false)
	ctx := context.Background()

	completed := createJob(t, repo, user.ID.String())
	require.NoError(t, repo.MarkDownloading(ctx, completed.ID))
	require.NoError(t, repo.Complete(ctx, completed.ID, "/f.mp4", 10))

	failed := createJob(t, repo, user.ID.String())
	require.NoError(t, repo.Fail(ctx, failed.ID, "boom"))

	for _, id := range []int64{completed.ID, failed.ID} {
		assert.ErrorIs(t, repo.MarkDownloading(ctx, id), download.ErrInvalidTransition)
		assert.ErrorIs(t, repo.Complete(ctx, id, "/other.mp4", 99), download.ErrInvalidTransition)
		assert.ErrorIs(t, repo.Fail(ctx, id, "again"), download.ErrInvalidTransition)
		assert.ErrorIs(t, repo.SetMetadata(ctx, id, download.Metadata{Title: "late"}), download.ErrInvalidTransition)
	}

	got, err := repo.Get(ctx, completed.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, got.Status)
	assert.Equal(t, "/f.mp4", *got.FilePath)
	assert.Nil(t, got.Title)

	got, err = repo.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusFailed, got.Status)
	assert.Equal(t, "boom", *got.ErrorMessage)
	assert.Nil(t, got.FilePath)
	assert.NotNil(t, got.CompletedAt)
}

func TestJobRepository_CompleteRequiresDownloading(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	user := newTestUser(t, db, false)
	job := createJob(t, repo, user.ID.String())

	err := repo.Complete(context.Background(), job.ID, "/f.mp4", 1)
	assert.ErrorIs(t, err, download.ErrInvalidTransition)
}

func TestJobRepository_UpdatesOnDeletedJob(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	user := newTestUser(t, db, false)
	ctx := context.Background()
	job := createJob(t, repo, user.ID.String())

	require.NoError(t, repo.Delete(ctx, job.ID))
	assert.ErrorIs(t, repo.Delete(ctx, job.ID), download.ErrJobNotFound)
	assert.ErrorIs(t, repo.MarkDownloading(ctx, job.ID), download.ErrJobNotFound)
	assert.ErrorIs(t, repo.Fail(ctx, job.ID, "x"), download.ErrJobNotFound)
}

func TestJobRepository_Listing(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	alice := newTestUser(t, db, false)
	bob := newTestUser(t, db, false)
	ctx := context.Background()

	createJob(t, repo, alice.ID.String())
	createJob(t, repo, alice.ID.String())
	bobJob := createJob(t, repo, bob.ID.String())
	require.NoError(t, repo.Fail(ctx, bobJob.ID, "nope"))

	aliceJobs, err := repo.ListByUser(ctx, alice.ID.String())
	require.NoError(t, err)
	assert.Len(t, aliceJobs, 2)
	assert.Greater(t, aliceJobs[0].ID, aliceJobs[1].ID)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pending, err := repo.ListByStatus(ctx, download.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	none, err := repo.ListByUser(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestJobRepository_ListExpired(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	user := newTestUser(t, db, false)
	ctx := context.Background()

	old := createJob(t, repo, user.ID.String())
	require.NoError(t, repo.MarkDownloading(ctx, old.ID))
	require.NoError(t, repo.Complete(ctx, old.ID, "/old.mp4", 1))
	recent := createJob(t, repo, user.ID.String())
	require.NoError(t, repo.MarkDownloading(ctx, recent.ID))
	require.NoError(t, repo.Complete(ctx, recent.ID, "/recent.mp4", 1))
	running := createJob(t, repo, user.ID.String())
	require.NoError(t, repo.MarkDownloading(ctx, running.ID))

	backdate(t, db, old.ID, 3*time.Hour)
	backdate(t, db, recent.ID, time.Hour)

	expired, err := repo.ListExpired(ctx, download.StatusCompleted, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
}

// backdate moves a job's completed_at into the past.
func backdate(t *testing.T, db *DB, id int64, age time.Duration) {
	t.Helper()
	_, err := db.exec(context.Background(),
		`UPDATE download_jobs SET completed_at = $2 WHERE id = $1`, id, time.Now().UTC().Add(-age))
	require.NoError(t, err)
}
