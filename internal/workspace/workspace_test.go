package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestResolve_NewFileWins(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	touch(t, dir, "a.mp4", base)

	before, err := Take(dir)
	require.NoError(t, err)

	// b is older than a but is the only new file
	touch(t, dir, "b.mp4", base.Add(-time.Minute))

	got, err := Resolve(dir, before)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.mp4"), got)
}

func TestResolve_NewestAmongCandidates(t *testing.T) {
	dir := t.TempDir()
	before, err := Take(dir)
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	touch(t, dir, "x.mp4", base)
	touch(t, dir, "y.mp4", base.Add(time.Minute))

	got, err := Resolve(dir, before)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "y.mp4"), got)
}

func TestResolve_TieBreaksBySortOrder(t *testing.T) {
	dir := t.TempDir()
	before, _ := Take(dir)

	same := time.Now().Add(-time.Hour).Truncate(time.Second)
	touch(t, dir, "zeta.mp4", same)
	touch(t, dir, "alpha.mp4", same)

	got, err := Resolve(dir, before)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alpha.mp4"), got)
}

func TestResolve_CollisionFallsBackToNewestOverall(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	touch(t, dir, "a.mp4", base)
	touch(t, dir, "b.mp4", base.Add(time.Minute))

	before, err := Take(dir)
	require.NoError(t, err)

	// the tool overwrote a.mp4 in place
	touch(t, dir, "a.mp4", base.Add(2*time.Minute))

	got, err := Resolve(dir, before)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), got)
}

func TestResolve_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	before, _ := Take(dir)

	_, err := Resolve(dir, before)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Resolve(filepath.Join(dir, "missing"), before)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_IgnoresPartialsAndDirs(t *testing.T) {
	dir := t.TempDir()
	before, _ := Take(dir)

	now := time.Now()
	touch(t, dir, "clip.mp4", now.Add(-time.Minute))
	touch(t, dir, "clip.f137.mp4.part", now)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	got, err := Resolve(dir, before)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), got)
}

func TestManager_IsolatedDirs(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, true)
	require.NoError(t, err)

	dir, release, err := m.Acquire(12)
	require.NoError(t, err)
	release()
	assert.Equal(t, filepath.Join(m.Root(), "12"), dir)
	assert.DirExists(t, dir)

	touch(t, dir, "video.mp4", time.Now())
	_, _, err = m.Acquire(13)
	require.NoError(t, err)

	ids, err := m.JobDirs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{12, 13}, ids)

	require.NoError(t, m.Remove(12))
	assert.NoDirExists(t, dir)
	require.NoError(t, m.Remove(12))
}

func TestManager_SharedModeSerializes(t *testing.T) {
	m, err := New(t.TempDir(), false)
	require.NoError(t, err)
	assert.Equal(t, m.Root(), m.Dir(1))
	assert.Equal(t, m.Root(), m.Dir(2))

	_, release, err := m.Acquire(1)
	require.NoError(t, err)

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, r2, err := m.Acquire(2)
		if err == nil {
			close(acquired)
			r2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second job acquired the shared dir while it was held")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	wg.Wait()
	select {
	case <-acquired:
	default:
		t.Fatal("second job never acquired the shared dir")
	}

	// shared mode owns nothing per job
	require.NoError(t, m.Remove(1))
	assert.DirExists(t, m.Root())
	ids, err := m.JobDirs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
