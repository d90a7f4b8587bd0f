// Package jsonl writes audit entries as one JSON object per line to an
// active file that is rotated to timestamped siblings once it grows past a
// size limit. Rotated files are never deleted.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentsh/cmdgate/pkg/types"
)

// DefaultMaxBytes is the rotation threshold used when none is given.
const DefaultMaxBytes = 10 * 1024 * 1024

type Store struct {
	path     string
	maxBytes int64

	mu   sync.Mutex
	file *os.File
	size int64

	now func() time.Time
}

// New opens (or creates) the active file at path.
func New(path string, maxBytes int64) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}
	s := &Store{path: path, maxBytes: maxBytes, now: time.Now}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the active file path.
func (s *Store) Path() string { return s.path }

func (s *Store) openLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open jsonl: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat jsonl: %w", err)
	}
	s.file = f
	s.size = st.Size()
	return nil
}

// AppendEntry writes e as a single line with one write call.
func (s *Store) AppendEntry(_ context.Context, e types.AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}
	n, err := s.file.Write(b)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

// QueryEntries scans the active file and its rotations.
func (s *Store) QueryEntries(ctx context.Context, q types.EntryQuery) ([]types.AuditEntry, error) {
	s.mu.Lock()
	if s.file == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("jsonl store closed")
	}
	activeSize := s.size
	files, err := ListFiles(s.path)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// Visit files in the requested order; within a file, lines run oldest
	// first.
	if !q.Asc {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}

	var out []types.AuditEntry
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		limit := int64(-1)
		if f == s.path {
			limit = activeSize
		}
		entries, _, err := readFile(f, limit)
		if err != nil {
			return nil, err
		}
		if !q.Asc {
			for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
		for _, e := range entries {
			if !q.Matches(e) {
				continue
			}
			out = append(out, e)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) rotateIfNeededLocked() error {
	if s.file == nil {
		return fmt.Errorf("jsonl file not open")
	}
	if s.size < s.maxBytes {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}
	s.file = nil

	target, err := nextRotatedName(s.path, s.now())
	if err != nil {
		return err
	}
	if err := os.Rename(s.path, target); err != nil {
		return fmt.Errorf("rotate jsonl: %w", err)
	}
	return s.openLocked()
}

func readFile(path string, limit int64) ([]types.AuditEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}
	return ReadEntries(r)
}
