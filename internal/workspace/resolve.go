package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

var ErrNotFound = errors.New("output file not found")

// Snapshot is the set of file names present in a directory at one moment.
type Snapshot map[string]struct{}

type fileEntry struct {
	name    string
	modTime time.Time
}

// yt-dlp scratch files that are never a finished output.
var partialSuffixes = []string{".part", ".ytdl", ".temp"}

func isPartial(name string) bool {
	return lo.SomeBy(partialSuffixes, func(s string) bool { return strings.HasSuffix(name, s) })
}

func listFiles(dir string) ([]fileEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	files := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || isPartial(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		files = append(files, fileEntry{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// Take records which files dir holds right now. A missing dir is an empty
// snapshot.
func Take(dir string) (Snapshot, error) {
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(files))
	for _, f := range files {
		snap[f.name] = struct{}{}
	}
	return snap, nil
}

// Resolve returns the path of the file a download into dir produced. New
// files relative to before win; among them the newest, ties going to the
// first name in sort order. If nothing is new the tool may have overwritten
// an existing name, so the newest file in the whole directory is used.
func Resolve(dir string, before Snapshot) (string, error) {
	after, err := listFiles(dir)
	if err != nil {
		return "", err
	}
	if len(after) == 0 {
		return "", ErrNotFound
	}

	candidates := lo.Filter(after, func(f fileEntry, _ int) bool {
		_, existed := before[f.name]
		return !existed
	})
	if len(candidates) == 0 {
		candidates = after
	}

	newest := lo.MaxBy(candidates, func(a, b fileEntry) bool {
		return a.modTime.After(b.modTime)
	})
	return filepath.Join(dir, newest.name), nil
}
