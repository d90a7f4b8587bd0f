package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/agentsh/cmdgate/pkg/types"
)

// ReadEntries parses one entry per line. Blank lines are ignored; lines that
// are not valid entries are skipped and counted.
func ReadEntries(r io.Reader) ([]types.AuditEntry, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []types.AuditEntry
	skipped := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e types.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil || e.Operation == "" {
			skipped++
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read jsonl: %w", err)
	}
	return out, skipped, nil
}

// ReadFile parses a whole audit file.
func ReadFile(path string) ([]types.AuditEntry, int, error) {
	return readFile(path, -1)
}

// LastEntry returns the newest entry stored under path, looking at older
// rotations when the active file is empty.
func LastEntry(path string) (types.AuditEntry, bool, error) {
	files, err := ListFiles(path)
	if err != nil {
		return types.AuditEntry{}, false, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		entries, _, err := ReadFile(files[i])
		if err != nil {
			return types.AuditEntry{}, false, err
		}
		if len(entries) > 0 {
			return entries[len(entries)-1], true, nil
		}
	}
	return types.AuditEntry{}, false, nil
}
