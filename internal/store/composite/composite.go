// Package composite fans audit entries out to one primary and any number of
// secondary stores.
package composite

import (
	"context"
	"log/slog"

	"github.com/agentsh/cmdgate/internal/store"
	"github.com/agentsh/cmdgate/pkg/types"
)

type Store struct {
	primary store.EntryStore
	others  []store.EntryStore
	logger  *slog.Logger
}

func New(primary store.EntryStore, others ...store.EntryStore) *Store {
	return &Store{primary: primary, others: others, logger: slog.Default()}
}

// WithLogger sets the logger used to report secondary-store failures.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	if l != nil {
		s.logger = l
	}
	return s
}

// AppendEntry writes to the primary first. Secondary failures are logged and
// never fail the append once the primary has it.
func (s *Store) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	if err := s.primary.AppendEntry(ctx, e); err != nil {
		return err
	}
	for _, o := range s.others {
		if err := o.AppendEntry(ctx, e); err != nil {
			s.logger.Warn("audit: secondary store append failed", "entry_id", e.ID, "error", err)
		}
	}
	return nil
}

// QueryEntries is answered by the first store that supports queries,
// preferring secondaries (an indexed mirror) over the primary.
func (s *Store) QueryEntries(ctx context.Context, q types.EntryQuery) ([]types.AuditEntry, error) {
	for _, o := range s.others {
		if qs, ok := o.(Querier); ok && qs.SupportsQueries() {
			return o.QueryEntries(ctx, q)
		}
	}
	return s.primary.QueryEntries(ctx, q)
}

// Querier is implemented by secondary stores that can answer queries.
type Querier interface {
	SupportsQueries() bool
}

func (s *Store) Close() error {
	var firstErr error
	for _, o := range s.others {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
