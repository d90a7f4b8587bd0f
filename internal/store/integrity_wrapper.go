package store

import (
	"context"
	"sync"

	"github.com/agentsh/cmdgate/internal/audit"
	"github.com/agentsh/cmdgate/pkg/types"
)

// IntegrityStore seals every entry into an HMAC chain before handing it to
// the inner store. Appends are serialized so that chain order and write
// order agree; the chain only advances once the inner write succeeded.
type IntegrityStore struct {
	inner EntryStore
	chain *audit.IntegrityChain

	mu sync.Mutex
}

// NewIntegrityStore wraps an existing store with an integrity chain.
func NewIntegrityStore(inner EntryStore, chain *audit.IntegrityChain) *IntegrityStore {
	return &IntegrityStore{inner: inner, chain: chain}
}

// AppendEntry seals e and writes it.
func (s *IntegrityStore) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.chain.Seal(e)
	if err != nil {
		return err
	}
	e.Integrity = &meta
	if err := s.inner.AppendEntry(ctx, e); err != nil {
		return err
	}
	s.chain.Commit(meta)
	return nil
}

// QueryEntries delegates to the inner store.
func (s *IntegrityStore) QueryEntries(ctx context.Context, q types.EntryQuery) ([]types.AuditEntry, error) {
	return s.inner.QueryEntries(ctx, q)
}

// Close closes the inner store.
func (s *IntegrityStore) Close() error {
	return s.inner.Close()
}

// Chain returns the integrity chain for state management.
func (s *IntegrityStore) Chain() *audit.IntegrityChain {
	return s.chain
}
