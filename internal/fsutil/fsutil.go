package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultFrameExts are the extensions treated as frames when none are configured.
var DefaultFrameExts = []string{".fits", ".fit", ".fts", ".tif", ".tiff", ".png"}

// HasExt reports whether path has one of exts, ignoring case.
func HasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// ListFrames returns the sorted frame files directly inside dir, skipping
// any path in exclude.
func ListFrames(dir string, exts []string, exclude ...string) ([]string, error) {
	if len(exts) == 0 {
		exts = DefaultFrameExts
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		skip[SamePath(p)] = struct{}{}
	}

	var frames []string
	for _, e := range entries {
		if e.IsDir() || !HasExt(e.Name(), exts) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, ok := skip[SamePath(path)]; ok {
			continue
		}
		frames = append(frames, path)
	}
	sort.Strings(frames)
	return frames, nil
}

// SamePath returns a cleaned absolute form of path for comparisons.
func SamePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
