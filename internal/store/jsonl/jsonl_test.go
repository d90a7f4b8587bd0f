package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentsh/cmdgate/pkg/types"
)

func entry(i int, agent string) types.AuditEntry {
	return types.AuditEntry{
		ID:        fmt.Sprintf("e%03d", i),
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
		Operation: types.OpCommandExecution,
		Agent:     agent,
		Command:   "ls -la",
		Success:   i%2 == 0,
		Severity:  types.SeverityInfo,
		Metadata:  map[string]any{"index": i},
	}
}

func TestAppendAndRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	s, err := New(path, 1024)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 50; i++ {
		if err := s.AppendEntry(context.Background(), entry(i, "dev")); err != nil {
			t.Fatalf("AppendEntry %d: %v", i, err)
		}
	}

	files, err := ListFiles(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 2 {
		t.Fatalf("expected at least 2 files, got %v", files)
	}
	if files[len(files)-1] != path {
		t.Errorf("active file must be listed last, got %v", files)
	}

	// Every file parses line by line and together they hold all entries in order.
	next := 0
	for _, f := range files {
		fh, err := os.Open(f)
		if err != nil {
			t.Fatal(err)
		}
		sc := bufio.NewScanner(fh)
		for sc.Scan() {
			var e types.AuditEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				t.Fatalf("%s: unparsable line %q: %v", f, sc.Text(), err)
			}
			if want := fmt.Sprintf("e%03d", next); e.ID != want {
				t.Fatalf("%s: got %s, want %s", f, e.ID, want)
			}
			next++
		}
		fh.Close()
	}
	if next != 50 {
		t.Errorf("read %d entries across files, want 50", next)
	}
}

func TestRotatedNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

	first, err := nextRotatedName(path, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "audit.20261019T083000Z.log"); first != want {
		t.Errorf("first = %s, want %s", first, want)
	}
	if err := os.WriteFile(first, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	second, _ := nextRotatedName(path, now)
	if want := filepath.Join(dir, "audit.20261019T083000Z.1.log"); second != want {
		t.Errorf("second = %s, want %s", second, want)
	}
	if err := os.WriteFile(second, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	later, _ := nextRotatedName(path, now.Add(time.Hour))
	if err := os.WriteFile(later, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	// Unrelated files are ignored.
	_ = os.WriteFile(filepath.Join(dir, "audit.notes.log"), nil, 0o600)
	_ = os.WriteFile(path, nil, 0o600)

	files, err := ListFiles(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{first, second, later, path}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("ListFiles = %v, want %v", files, want)
	}
}

func TestQueryEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	s, err := New(path, 2048)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 30; i++ {
		agent := "dev"
		if i%3 == 0 {
			agent = "ops"
		}
		if err := s.AppendEntry(context.Background(), entry(i, agent)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.QueryEntries(context.Background(), types.EntryQuery{Agent: "ops", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "e027" || got[1].ID != "e024" || got[2].ID != "e021" {
		t.Errorf("newest ops entries = %v", ids(got))
	}

	success := true
	got, _ = s.QueryEntries(context.Background(), types.EntryQuery{Success: &success, Asc: true, Limit: 2})
	if len(got) != 2 || got[0].ID != "e000" || got[1].ID != "e002" {
		t.Errorf("oldest successful entries = %v", ids(got))
	}

	all, _ := s.QueryEntries(context.Background(), types.EntryQuery{})
	if len(all) != 30 {
		t.Errorf("unlimited query returned %d entries", len(all))
	}
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	s, err := New(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				e := entry(w*100+i, "agent")
				e.Command = strings.Repeat("x", 200)
				_ = s.AppendEntry(context.Background(), e)
			}
		}(w)
	}
	wg.Wait()

	files, _ := ListFiles(path)
	total := 0
	for _, f := range files {
		entries, skipped, err := ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if skipped != 0 {
			t.Errorf("%s: %d corrupt lines", f, skipped)
		}
		total += len(entries)
	}
	if total != 200 {
		t.Errorf("total entries = %d, want 200", total)
	}
}

func TestLastEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	if _, ok, err := LastEntry(path); ok || err != nil {
		t.Fatalf("LastEntry on missing log = %v, %v", ok, err)
	}
	s, _ := New(path, 300)
	for i := 0; i < 5; i++ {
		_ = s.AppendEntry(context.Background(), entry(i, "dev"))
	}
	_ = s.Close()

	last, ok, err := LastEntry(path)
	if err != nil || !ok || last.ID != "e004" {
		t.Errorf("LastEntry = %s, %v, %v", last.ID, ok, err)
	}
}

func TestReadEntriesSkipsGarbage(t *testing.T) {
	in := "{\"operation\":\"agent_start\",\"timestamp\":\"2026-01-01T00:00:00Z\",\"success\":true,\"severity\":\"INFO\"}\n\nnot json\n{\"foo\":1}\n"
	entries, skipped, err := ReadEntries(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || skipped != 2 {
		t.Errorf("entries = %d, skipped = %d", len(entries), skipped)
	}
}

func ids(entries []types.AuditEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
