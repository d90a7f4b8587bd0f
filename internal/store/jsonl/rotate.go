package jsonl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const rotatedTimeLayout = "20060102T150405Z"

func splitName(path string) (dir, stem, ext string) {
	dir = filepath.Dir(path)
	base := filepath.Base(path)
	ext = filepath.Ext(base)
	stem = strings.TrimSuffix(base, ext)
	return dir, stem, ext
}

// nextRotatedName returns <stem>.<UTC timestamp><ext>, adding .<n> before the
// extension when that name is taken.
func nextRotatedName(path string, now time.Time) (string, error) {
	dir, stem, ext := splitName(path)
	ts := now.UTC().Format(rotatedTimeLayout)
	for n := 0; n < 10000; n++ {
		name := stem + "." + ts
		if n > 0 {
			name += "." + strconv.Itoa(n)
		}
		candidate := filepath.Join(dir, name+ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free rotation name for %s at %s", path, ts)
}

type rotated struct {
	path string
	ts   time.Time
	n    int
}

// ListFiles returns the rotated siblings of path, oldest first, followed by
// path itself when it exists.
func ListFiles(path string) ([]string, error) {
	dir, stem, ext := splitName(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var found []rotated
	prefix := stem + "."
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
		tsPart, nPart, hasN := strings.Cut(mid, ".")
		ts, err := time.Parse(rotatedTimeLayout, tsPart)
		if err != nil {
			continue
		}
		n := 0
		if hasN {
			if n, err = strconv.Atoi(nPart); err != nil {
				continue
			}
		}
		found = append(found, rotated{path: filepath.Join(dir, name), ts: ts, n: n})
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].ts.Equal(found[j].ts) {
			return found[i].ts.Before(found[j].ts)
		}
		return found[i].n < found[j].n
	})

	out := make([]string, 0, len(found)+1)
	for _, r := range found {
		out = append(out, r.path)
	}
	if _, err := os.Stat(path); err == nil {
		out = append(out, path)
	}
	return out, nil
}
