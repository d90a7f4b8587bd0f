// Package store defines the sinks audit entries are written to.
package store

import (
	"context"

	"github.com/agentsh/cmdgate/pkg/types"
)

// EntryStore is an append-only audit sink.
type EntryStore interface {
	AppendEntry(ctx context.Context, e types.AuditEntry) error
	// QueryEntries returns matching entries, newest first unless q.Asc.
	QueryEntries(ctx context.Context, q types.EntryQuery) ([]types.AuditEntry, error)
	Close() error
}
