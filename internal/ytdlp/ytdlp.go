package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultTimeout      = time.Hour
	DefaultProbeTimeout = 30 * time.Second

	// OutputTemplate names files after the source's own title.
	OutputTemplate = "%(title)s.%(ext)s"

	maxReasonLength = 500
)

// Config holds configuration for the yt-dlp executor
type Config struct {
	// YtdlpPath is the path to yt-dlp binary (default: "yt-dlp")
	YtdlpPath string
	// Timeout bounds one download process.
	Timeout time.Duration
	// ProbeTimeout bounds one metadata probe.
	ProbeTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		YtdlpPath:    "yt-dlp",
		Timeout:      DefaultTimeout,
		ProbeTimeout: DefaultProbeTimeout,
	}
}

// Executor runs yt-dlp as a child process. It does not interpret partial
// output: a run either exits zero or fails with a DownloadError.
type Executor struct {
	cfg Config
}

// New creates an executor after checking the binary can be found.
func New(cfg *Config) (*Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.YtdlpPath == "" {
		c.YtdlpPath = "yt-dlp"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}

	path, err := exec.LookPath(c.YtdlpPath)
	if err != nil {
		return nil, ErrYtdlpNotFound
	}
	c.YtdlpPath = path

	return &Executor{cfg: c}, nil
}

// DownloadArgs builds the command line for fetching sourceURL into dir.
func DownloadArgs(dir, sourceURL string) []string {
	return []string{
		"-f", "bv*+ba/b",
		"--merge-output-format", "mp4",
		"--embed-metadata",
		"--no-warnings",
		"--no-progress",
		"-o", filepath.Join(dir, OutputTemplate),
		sourceURL,
	}
}

// ProbeArgs builds the command line for a metadata-only probe.
func ProbeArgs(sourceURL string) []string {
	return []string{
		"--dump-json",
		"--no-download",
		"--no-warnings",
		"--no-playlist",
		sourceURL,
	}
}

// Download fetches sourceURL into dir. When ctx is cancelled by the caller
// the returned error wraps ctx.Err().
func (e *Executor) Download(ctx context.Context, sourceURL, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &DownloadError{URL: sourceURL, Message: "failed to prepare output directory", Err: err}
	}

	_, err := e.run(ctx, e.cfg.Timeout, "download", DownloadArgs(dir, sourceURL), sourceURL)
	return err
}

// Probe retrieves metadata for a URL without downloading
func (e *Executor) Probe(ctx context.Context, sourceURL string) (*Metadata, error) {
	out, err := e.run(ctx, e.cfg.ProbeTimeout, "metadata probe", ProbeArgs(sourceURL), sourceURL)
	if err != nil {
		return nil, err
	}

	var output YtdlpOutput
	if err := json.Unmarshal(firstLine(out), &output); err != nil {
		return nil, &DownloadError{URL: sourceURL, Message: "failed to parse metadata", Err: err}
	}

	return output.ToMetadata(), nil
}

func (e *Executor) run(ctx context.Context, timeout time.Duration, what string, args []string, sourceURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s cancelled: %w", what, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, e.cfg.YtdlpPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%s cancelled: %w", what, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, &DownloadError{
			URL:     sourceURL,
			Message: fmt.Sprintf("%s timed out after %s", what, timeout),
			Stderr:  stderr.String(),
			Err:     ErrTimeout,
		}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, &DownloadError{URL: sourceURL, Message: "failed to start yt-dlp: " + err.Error(), Err: err}
	}
	return nil, categorizeError(sourceURL, stderr.String())
}

// categorizeError converts yt-dlp stderr into specific error types
func categorizeError(sourceURL string, stderr string) error {
	stderrLower := strings.ToLower(stderr)
	reason := errorReason(stderr)

	classify := func(label string, sentinel error) error {
		msg := label
		if reason != "" {
			msg += ": " + reason
		}
		return &DownloadError{URL: sourceURL, Message: msg, Stderr: stderr, Err: sentinel}
	}

	switch {
	case strings.Contains(stderrLower, "private video") ||
		strings.Contains(stderrLower, "is private"):
		return classify("video is private", ErrVideoPrivate)

	case strings.Contains(stderrLower, "video unavailable") ||
		strings.Contains(stderrLower, "this video is unavailable"):
		return classify("video unavailable", ErrVideoUnavailable)

	case strings.Contains(stderrLower, "age-restricted") ||
		strings.Contains(stderrLower, "sign in to confirm your age"):
		return classify("content is age-restricted", ErrAgeRestricted)

	case strings.Contains(stderrLower, "unsupported url") ||
		strings.Contains(stderrLower, "no suitable extractor"):
		return classify("url not supported", ErrURLNotSupported)

	case strings.Contains(stderrLower, "unable to download") ||
		strings.Contains(stderrLower, "connection") ||
		strings.Contains(stderrLower, "network"):
		return classify("network error", ErrNetworkError)

	default:
		return classify("download failed", ErrDownloadFailed)
	}
}

// errorReason picks the most useful line of stderr: the last "ERROR:" line
// if any, otherwise the last non-empty line.
func errorReason(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	reason := ""
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if reason == "" {
			reason = line
		}
		if strings.HasPrefix(line, "ERROR:") {
			reason = line
			break
		}
	}
	reason = strings.TrimSpace(strings.TrimPrefix(reason, "ERROR:"))
	return truncate(reason, maxReasonLength)
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid UTF-8 is
// replaced first so the boundary search only ever backs off one rune.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}

func firstLine(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}
