package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimelineExt is the extension of per-stream timeline files.
const TimelineExt = ".jsonl"

// PurgeArtifacts removes stream timelines in dir whose last write is older than
// maxAge. Other files, subdirectories and the paths in keep (the shared metrics
// file, typically) are left alone. Returns the number of files removed.
func PurgeArtifacts(dir string, maxAge time.Duration, keep ...string) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	skip := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		if k == "" {
			continue
		}
		if abs, err := filepath.Abs(k); err == nil {
			skip[abs] = struct{}{}
		}
	}

	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), TimelineExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if abs, err := filepath.Abs(path); err == nil {
			if _, ok := skip[abs]; ok {
				continue
			}
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
