package ytdlp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeYtdlp = `#!/bin/sh
mode="${FAKE_YTDLP_MODE:-ok}"
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
case "$mode" in
  ok)
    if [ -n "$out" ]; then
      f=$(echo "$out" | sed 's/%(title)s/Fake Title/; s/%(ext)s/mp4/')
      printf 'data' > "$f"
    else
      echo '{"id":"abc","title":"Fake Title","duration":65,"thumbnail":"https://img.example/abc.jpg"}'
    fi
    ;;
  private)
    echo "ERROR: [youtube] abc: Private video. Sign in if you've been granted access" >&2
    exit 1
    ;;
  generic)
    echo "WARNING: something odd" >&2
    echo "ERROR: boom happened" >&2
    echo "trailing noise" >&2
    exit 1
    ;;
  slow)
    exec sleep 5
    ;;
esac
`

func newFakeExecutor(t *testing.T, mode string, timeout time.Duration) *Executor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake yt-dlp needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte(fakeYtdlp), 0755))
	t.Setenv("FAKE_YTDLP_MODE", mode)

	e, err := New(&Config{YtdlpPath: path, Timeout: timeout, ProbeTimeout: timeout})
	require.NoError(t, err)
	return e
}

func TestNew_MissingBinary(t *testing.T) {
	_, err := New(&Config{YtdlpPath: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrYtdlpNotFound)
}

func TestDownloadArgs(t *testing.T) {
	args := DownloadArgs("/data/7", "https://example.com/v")

	assert.Equal(t, []string{
		"-f", "bv*+ba/b",
		"--merge-output-format", "mp4",
		"--embed-metadata",
		"--no-warnings",
		"--no-progress",
		"-o", "/data/7/%(title)s.%(ext)s",
		"https://example.com/v",
	}, args)
}

func TestExecutor_DownloadWritesIntoDir(t *testing.T) {
	e := newFakeExecutor(t, "ok", 10*time.Second)
	dir := filepath.Join(t.TempDir(), "job-1")

	require.NoError(t, e.Download(context.Background(), "https://example.com/v", dir))

	data, err := os.ReadFile(filepath.Join(dir, "Fake Title.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestExecutor_DownloadClassifiesStderr(t *testing.T) {
	e := newFakeExecutor(t, "private", 10*time.Second)

	err := e.Download(context.Background(), "https://example.com/v", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVideoPrivate)

	var de *DownloadError
	require.True(t, errors.As(err, &de))
	assert.True(t, strings.HasPrefix(de.Error(), "video is private: "))
	assert.Contains(t, de.Stderr, "Private video")
}

func TestExecutor_DownloadGenericFailureSurfacesErrorLine(t *testing.T) {
	e := newFakeExecutor(t, "generic", 10*time.Second)

	err := e.Download(context.Background(), "https://example.com/v", t.TempDir())
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Equal(t, "download failed: boom happened", err.Error())
}

func TestExecutor_DownloadTimeout(t *testing.T) {
	e := newFakeExecutor(t, "slow", 100*time.Millisecond)

	start := time.Now()
	err := e.Download(context.Background(), "https://example.com/v", t.TempDir())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "download timed out after 100ms", err.Error())
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecutor_DownloadCancelled(t *testing.T) {
	e := newFakeExecutor(t, "slow", 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := e.Download(ctx, "https://example.com/v", t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestExecutor_DownloadAlreadyCancelled(t *testing.T) {
	e := newFakeExecutor(t, "ok", 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	err := e.Download(ctx, "https://example.com/v", dir)
	assert.ErrorIs(t, err, context.Canceled)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestExecutor_Probe(t *testing.T) {
	e := newFakeExecutor(t, "ok", 10*time.Second)

	meta, err := e.Probe(context.Background(), "https://example.com/v")
	require.NoError(t, err)
	assert.Equal(t, "Fake Title", meta.Title)
	assert.Equal(t, "65s", meta.Duration)
	assert.Equal(t, "https://img.example/abc.jpg", meta.Thumbnail)
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{"ERROR: [youtube] x: Video unavailable", ErrVideoUnavailable},
		{"ERROR: Sign in to confirm your age", ErrAgeRestricted},
		{"ERROR: Unsupported URL: https://nope", ErrURLNotSupported},
		{"ERROR: Unable to download webpage: <urlopen error>", ErrNetworkError},
		{"ERROR: something else", ErrDownloadFailed},
		{"", ErrDownloadFailed},
	}

	for _, tt := range tests {
		err := categorizeError("https://example.com", tt.stderr)
		assert.ErrorIs(t, err, tt.want, tt.stderr)
	}
}

func TestErrorReason(t *testing.T) {
	assert.Equal(t, "boom", errorReason("WARNING: a\nERROR: boom\nnoise\n"))
	assert.Equal(t, "last line", errorReason("first\nlast line\n\n"))
	assert.Equal(t, "", errorReason("  \n"))

	long := strings.Repeat("x", maxReasonLength+50)
	assert.Len(t, errorReason(long), maxReasonLength+3)
}

func TestTruncateInvalidUTF8(t *testing.T) {
	in := "ERROR: \xff\xfe" + strings.Repeat("a", 40)
	got := truncate(in, 20)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "ERROR: ?aaaaaaaaaaaa...", got)

	assert.Equal(t, "caf?", truncate("caf\xe9", 20))
	// multibyte runes are never split
	assert.Equal(t, "ab...", truncate("abéé", 3))
}

func TestToMetadata(t *testing.T) {
	out := &YtdlpOutput{
		Title:          "Clip",
		Channel:        "Chan",
		Duration:       3725,
		DurationString: "1:02:05",
		Thumbnails: []Thumb{
			{URL: "small", Width: 120, Height: 90},
			{URL: "big", Width: 1280, Height: 720},
			{URL: "mid", Width: 640, Height: 480},
		},
	}

	m := out.ToMetadata()
	assert.Equal(t, "Clip", m.Title)
	assert.Equal(t, "Chan", m.Uploader)
	assert.Equal(t, "1:02:05", m.Duration)
	assert.Equal(t, "big", m.Thumbnail)

	assert.Equal(t, "", formatDuration("", 0))
	assert.Equal(t, "90s", formatDuration("", 90.7))
}
