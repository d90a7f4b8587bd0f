package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/agentsh/cmdgate/pkg/types"
)

var testKey = []byte("test-key-32-bytes-for-hmac-sha!!")

func sealAll(t *testing.T, chain *IntegrityChain, entries []types.AuditEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, e := range entries {
		meta, err := chain.Seal(e)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		e.Integrity = &meta
		b, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(append(b, '\n'))
		chain.Commit(meta)
	}
	return buf.Bytes()
}

func sampleEntries(n int) []types.AuditEntry {
	out := make([]types.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.AuditEntry{
			ID:        "id-" + string(rune('a'+i)),
			Timestamp: time.Date(2026, 1, 2, 3, 4, i, 0, time.UTC),
			Operation: types.OpCommandExecution,
			Agent:     "dev",
			Command:   "ls -la",
			Success:   true,
			Severity:  types.SeverityInfo,
			Metadata:  map[string]any{"exit_code": 0, "duration_ms": 12.5, "nested": map[string]any{"b": 1, "a": "<x>"}},
		})
	}
	return out
}

func TestNewIntegrityChain(t *testing.T) {
	if _, err := NewIntegrityChain([]byte("short"), ""); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewIntegrityChain(testKey, "md5"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
	if _, err := NewIntegrityChain(testKey, "hmac-sha512"); err != nil {
		t.Errorf("hmac-sha512: %v", err)
	}
}

func TestIntegrityChain_SealDoesNotAdvance(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	e := sampleEntries(1)[0]

	m1, _ := chain.Seal(e)
	m2, _ := chain.Seal(e)
	if m1 != m2 {
		t.Errorf("Seal without Commit must be repeatable: %+v vs %+v", m1, m2)
	}
	if m1.Sequence != 1 || m1.PrevHash != "" {
		t.Errorf("first link = %+v", m1)
	}

	chain.Commit(m1)
	next, _ := chain.Seal(e)
	if next.Sequence != 2 || next.PrevHash != m1.EntryHash {
		t.Errorf("second link = %+v, want sequence 2 chained to %q", next, m1.EntryHash)
	}
	if st := chain.State(); st.Sequence != 1 || st.PrevHash != m1.EntryHash {
		t.Errorf("State() = %+v", st)
	}
}

func TestVerifyChain_Intact(t *testing.T) {
	for _, alg := range []string{"hmac-sha256", "hmac-sha512"} {
		chain, _ := NewIntegrityChain(testKey, alg)
		log := sealAll(t, chain, sampleEntries(5))

		res, err := VerifyChain(bytes.NewReader(log), testKey, alg)
		if err != nil {
			t.Fatalf("%s: VerifyChain() error = %v", alg, err)
		}
		if !res.Intact || res.Verified != 5 || res.Anchored {
			t.Errorf("%s: result = %+v", alg, res)
		}
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	log := sealAll(t, chain, sampleEntries(3))
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")

	tampered := strings.Replace(lines[1], `"ls -la"`, `"rm -rf /"`, 1)
	in := strings.Join([]string{lines[0], tampered, lines[2]}, "\n")
	res, err := VerifyChain(strings.NewReader(in), testKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Intact || res.BrokenAt != 2 || !strings.Contains(res.BrokenReason, "entry_hash") {
		t.Errorf("modified entry: %+v", res)
	}

	dropped := strings.Join([]string{lines[0], lines[2]}, "\n")
	res, _ = VerifyChain(strings.NewReader(dropped), testKey, "")
	if res.Intact || !strings.Contains(res.BrokenReason, "prev_hash") {
		t.Errorf("removed entry: %+v", res)
	}

	res, _ = VerifyChain(bytes.NewReader(log), []byte("another-key-32-bytes-long-000000"), "")
	if res.Intact {
		t.Error("wrong key must not verify")
	}
}

func TestVerifyChain_AnchoredAndSkipped(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	log := sealAll(t, chain, sampleEntries(4))
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")

	in := strings.Join(append([]string{`{"operation":"agent_start"}`, "not json"}, lines[2:]...), "\n")
	res, err := VerifyChain(strings.NewReader(in), testKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Intact || !res.Anchored || res.Verified != 2 || res.Skipped != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestIntegrityChain_Restore(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	first := sealAll(t, chain, sampleEntries(2))
	state := chain.State()

	resumed, _ := NewIntegrityChain(testKey, "")
	resumed.Restore(state.Sequence, state.PrevHash)
	second := sealAll(t, resumed, sampleEntries(2))

	res, _ := VerifyChain(bytes.NewReader(append(first, second...)), testKey, "")
	if !res.Intact || res.Verified != 4 {
		t.Errorf("restored chain result = %+v", res)
	}
}
