package metrics

import (
	"context"

	"github.com/agentsh/cmdgate/internal/store"
	"github.com/agentsh/cmdgate/pkg/types"
)

type wrappedEntryStore struct {
	inner store.EntryStore
	c     *Collector
}

// WrapEntryStore counts every appended entry by operation.
func WrapEntryStore(inner store.EntryStore, c *Collector) store.EntryStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedEntryStore{inner: inner, c: c}
}

func (w *wrappedEntryStore) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	if err := w.inner.AppendEntry(ctx, e); err != nil {
		w.c.IncAuditError()
		return err
	}
	w.c.IncEntry(string(e.Operation))
	return nil
}

func (w *wrappedEntryStore) QueryEntries(ctx context.Context, q types.EntryQuery) ([]types.AuditEntry, error) {
	return w.inner.QueryEntries(ctx, q)
}

func (w *wrappedEntryStore) Close() error { return w.inner.Close() }
