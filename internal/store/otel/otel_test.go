package otel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/agentsh/cmdgate/pkg/types"
)

// countingLogExporter records everything it is asked to export.
type countingLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *countingLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *countingLogExporter) Shutdown(context.Context) error   { return nil }
func (e *countingLogExporter) ForceFlush(context.Context) error { return nil }

func (e *countingLogExporter) Records() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdklog.Record(nil), e.records...)
}

func newTestStore(f Filter) (*Store, *countingLogExporter) {
	exp := &countingLogExporter{}
	return newStore(sdklog.NewSimpleProcessor(exp), BuildResource("cmdgate-test", nil), f), exp
}

func attrs(r sdklog.Record) map[string]otellog.Value {
	out := map[string]otellog.Value{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestStore_AppendEntry(t *testing.T) {
	s, exp := newTestStore(Filter{})
	defer s.Close()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := s.AppendEntry(context.Background(), types.AuditEntry{
		ID:        "e1",
		Timestamp: ts,
		Operation: types.OpCommandExecution,
		Agent:     "developer",
		Command:   "rm -rf build",
		Success:   false,
		Severity:  types.SeverityWarning,
		Reason:    "approval required",
		Metadata:  map[string]any{"category": "development", "attempt": 2},
		Integrity: &types.IntegrityMetadata{Sequence: 7, EntryHash: "abc"},
	})
	require.NoError(t, err)

	recs := exp.Records()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "command_execution: rm -rf build [denied]", r.Body().AsString())
	assert.Equal(t, otellog.SeverityWarn, r.Severity())
	assert.Equal(t, "WARNING", r.SeverityText())
	assert.True(t, r.Timestamp().Equal(ts))

	a := attrs(r)
	assert.Equal(t, "developer", a["cmdgate.agent"].AsString())
	assert.Equal(t, "command_execution", a["cmdgate.operation"].AsString())
	assert.False(t, a["cmdgate.success"].AsBool())
	assert.Equal(t, "development", a["cmdgate.meta.category"].AsString())
	assert.Equal(t, int64(2), a["cmdgate.meta.attempt"].AsInt64())
	assert.Equal(t, int64(7), a["cmdgate.integrity.sequence"].AsInt64())
}

func TestStore_TraceCorrelation(t *testing.T) {
	s, exp := newTestStore(Filter{})
	defer s.Close()

	require.NoError(t, s.AppendEntry(context.Background(), types.AuditEntry{
		Timestamp: time.Now(),
		Operation: types.OpSecurityEvent,
		Severity:  types.SeverityCritical,
		Metadata: map[string]any{
			"trace_id": "0102030405060708090a0b0c0d0e0f10",
			"span_id":  "0102030405060708",
		},
	}))
	recs := exp.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", recs[0].TraceID().String())
	assert.Equal(t, "0102030405060708", recs[0].SpanID().String())
	assert.Equal(t, otellog.SeverityError, recs[0].Severity())
	assert.Equal(t, "security_event [denied]", recs[0].Body().AsString())
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		entry  types.AuditEntry
		want   bool
	}{
		{"empty", Filter{}, types.AuditEntry{Operation: types.OpAgentStart}, true},
		{"include glob", Filter{IncludeOperations: []string{"agent_*"}}, types.AuditEntry{Operation: types.OpAgentEnd}, true},
		{"include miss", Filter{IncludeOperations: []string{"agent_*"}}, types.AuditEntry{Operation: types.OpRateLimited}, false},
		{"exclude", Filter{ExcludeOperations: []string{"command_execution"}}, types.AuditEntry{Operation: types.OpCommandExecution}, false},
		{"below min", Filter{MinSeverity: types.SeverityWarning}, types.AuditEntry{Severity: types.SeverityInfo}, false},
		{"at min", Filter{MinSeverity: types.SeverityWarning}, types.AuditEntry{Severity: types.SeverityWarning}, true},
		{"above min", Filter{MinSeverity: types.SeverityWarning}, types.AuditEntry{Severity: types.SeverityCritical}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.entry))
		})
	}
}

func TestStore_FilteredEntriesAreDropped(t *testing.T) {
	s, exp := newTestStore(Filter{MinSeverity: types.SeverityCritical})
	defer s.Close()

	require.NoError(t, s.AppendEntry(context.Background(), types.AuditEntry{Operation: types.OpCommandExecution, Severity: types.SeverityInfo, Success: true}))
	assert.Empty(t, exp.Records())
}

func TestStore_QueryUnsupported(t *testing.T) {
	s, _ := newTestStore(Filter{})
	defer s.Close()
	_, err := s.QueryEntries(context.Background(), types.EntryQuery{})
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "udp"})
	assert.Error(t, err)
}
