package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"strconv"
	"sync"

	"github.com/agentsh/cmdgate/pkg/types"
)

// MinKeyLength is the minimum HMAC key length.
const MinKeyLength = 32

// IntegrityChain maintains HMAC chain state for tamper-evident audit logs.
// Each entry's hash covers its sequence number, the previous entry's hash and
// the canonical JSON of the entry itself.
type IntegrityChain struct {
	mu        sync.Mutex
	key       []byte
	algorithm string
	sequence  int64
	prevHash  string
}

// ChainState is the persisted position of a chain.
type ChainState struct {
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
}

// NewIntegrityChain creates a chain. Supported algorithms are "hmac-sha256"
// (the default) and "hmac-sha512".
func NewIntegrityChain(key []byte, algorithm string) (*IntegrityChain, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("key too short: got %d bytes, need at least %d", len(key), MinKeyLength)
	}
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	if err := checkAlgorithm(algorithm); err != nil {
		return nil, err
	}
	return &IntegrityChain{key: key, algorithm: algorithm}, nil
}

func checkAlgorithm(algorithm string) error {
	switch algorithm {
	case "hmac-sha256", "hmac-sha512":
		return nil
	default:
		return fmt.Errorf("unsupported algorithm %q: use hmac-sha256 or hmac-sha512", algorithm)
	}
}

// Seal computes the integrity metadata of e as the next link of the chain
// without advancing it. Call Commit once e has been durably written.
func (c *IntegrityChain) Seal(e types.AuditEntry) (types.IntegrityMetadata, error) {
	e.Integrity = nil
	raw, err := json.Marshal(e)
	if err != nil {
		return types.IntegrityMetadata{}, fmt.Errorf("marshal entry: %w", err)
	}
	payload, err := canonicalize(raw)
	if err != nil {
		return types.IntegrityMetadata{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.sequence + 1
	return types.IntegrityMetadata{
		Sequence:  seq,
		PrevHash:  c.prevHash,
		EntryHash: computeHash(c.key, c.algorithm, seq, c.prevHash, payload),
	}, nil
}

// Commit advances the chain past meta.
func (c *IntegrityChain) Commit(meta types.IntegrityMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = meta.Sequence
	c.prevHash = meta.EntryHash
}

// State returns the current chain state for persistence.
func (c *IntegrityChain) State() ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainState{Sequence: c.sequence, PrevHash: c.prevHash}
}

// Restore continues the chain after a restart. It must be called before the
// first Seal.
func (c *IntegrityChain) Restore(sequence int64, prevHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = sequence
	c.prevHash = prevHash
}

// canonicalize re-marshals a JSON object through a map so keys are sorted.
// Numbers are kept verbatim.
func canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	delete(data, "integrity")
	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return out, nil
}

// computeHash computes the HMAC of: sequence | prev_hash | payload
func computeHash(key []byte, algorithm string, sequence int64, prevHash string, payload []byte) string {
	var h hash.Hash
	switch algorithm {
	case "hmac-sha512":
		h = hmac.New(sha512.New, key)
	default:
		h = hmac.New(sha256.New, key)
	}
	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyResult is the outcome of VerifyChain.
type VerifyResult struct {
	Verified int `json:"verified"`
	Skipped  int `json:"skipped"`
	// Anchored is set when the first sealed entry continues an earlier chain
	// (a rotated file verified on its own).
	Anchored     bool   `json:"anchored"`
	Intact       bool   `json:"intact"`
	BrokenAt     int    `json:"broken_at,omitempty"`
	BrokenReason string `json:"broken_reason,omitempty"`
}

// VerifyChain reads JSONL audit entries from r and checks every sealed entry
// against key. Lines without integrity metadata are counted as skipped.
func VerifyChain(r io.Reader, key []byte, algorithm string) (*VerifyResult, error) {
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	if err := checkAlgorithm(algorithm); err != nil {
		return nil, err
	}
	res := &VerifyResult{Intact: true}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var prev string
	started := false
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry struct {
			Integrity *types.IntegrityMetadata `json:"integrity"`
		}
		if err := json.Unmarshal(line, &entry); err != nil || entry.Integrity == nil || entry.Integrity.EntryHash == "" {
			res.Skipped++
			continue
		}
		meta := entry.Integrity

		if !started {
			started = true
			if meta.PrevHash != "" {
				res.Anchored = true
				prev = meta.PrevHash
			}
		}
		if meta.PrevHash != prev {
			res.fail(lineNum, fmt.Sprintf("prev_hash mismatch: expected %q, got %q", prev, meta.PrevHash))
			return res, nil
		}
		payload, err := canonicalize(line)
		if err != nil {
			res.fail(lineNum, err.Error())
			return res, nil
		}
		if got := computeHash(key, algorithm, meta.Sequence, meta.PrevHash, payload); !hmac.Equal([]byte(got), []byte(meta.EntryHash)) {
			res.fail(lineNum, fmt.Sprintf("entry_hash mismatch: computed %q, got %q", got, meta.EntryHash))
			return res, nil
		}
		res.Verified++
		prev = meta.EntryHash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return res, nil
}

func (r *VerifyResult) fail(line int, reason string) {
	r.Intact = false
	r.BrokenAt = line
	r.BrokenReason = reason
}
