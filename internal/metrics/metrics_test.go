package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/agentsh/cmdgate/pkg/ratelimit"
	"github.com/agentsh/cmdgate/pkg/types"
)

func TestHandlerExportsCountersAndEscapes(t *testing.T) {
	c := New()
	c.IncEntry("command_execution")
	c.IncEntry("command_execution")
	c.IncEntry("bar\n\"x\"")
	c.IncDecision("command", true)
	c.IncDecision("command", false)
	c.IncDecision("command", false)
	c.IncDecision("url", false)
	c.IncEscalation()
	c.IncRateLimited()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c.Handler(HandlerOptions{LimiterStatus: func() ratelimit.Status {
		return ratelimit.Status{Active: 2, Queued: 1, MinuteTokens: 57.5, HourTokens: 997, BackoffLevel: 1}
	}}).ServeHTTP(rec, req)

	body := rec.Body.String()
	assertContains := func(substr string) {
		t.Helper()
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q. Got:\n%s", substr, body)
		}
	}

	assertContains("cmdgate_up 1")
	assertContains("cmdgate_audit_entries_total 3")
	assertContains(`cmdgate_audit_entries_by_operation_total{operation="bar\\n\\\"x\\\""} 1`)
	assertContains(`cmdgate_audit_entries_by_operation_total{operation="command_execution"} 2`)
	assertContains(`cmdgate_decisions_total{kind="command",outcome="allowed"} 1`)
	assertContains(`cmdgate_decisions_total{kind="command",outcome="denied"} 2`)
	assertContains(`cmdgate_decisions_total{kind="url",outcome="denied"} 1`)
	assertContains("cmdgate_escalations_total 1")
	assertContains("cmdgate_rate_limited_total 1")
	assertContains("cmdgate_limiter_active 2")
	assertContains("cmdgate_limiter_queued 1")
	assertContains("cmdgate_limiter_minute_tokens 57.5")
	assertContains("cmdgate_limiter_backoff_level 1")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.IncEntry("x")
	c.IncDecision("command", true)
	c.IncEscalation()
	c.IncRateLimited()
	c.IncAuditError()
}

type fakeEntryStore struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeEntryStore) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return f.err
}

func (f *fakeEntryStore) QueryEntries(ctx context.Context, q types.EntryQuery) ([]types.AuditEntry, error) {
	return nil, nil
}

func (f *fakeEntryStore) Close() error { return nil }

func TestWrapEntryStoreIncrementsCollector(t *testing.T) {
	c := New()
	inner := &fakeEntryStore{}
	store := WrapEntryStore(inner, c)

	if err := store.AppendEntry(context.Background(), types.AuditEntry{Operation: types.OpAgentStart}); err != nil {
		t.Fatalf("AppendEntry error: %v", err)
	}
	if got := c.entriesTotal.Load(); got != 1 {
		t.Fatalf("entriesTotal = %d, want 1", got)
	}
	if got := load(&c.byOperation, "agent_start"); got != 1 {
		t.Fatalf("agent_start = %d, want 1", got)
	}

	inner.err = errors.New("boom")
	if err := store.AppendEntry(context.Background(), types.AuditEntry{}); err == nil {
		t.Fatal("expected error")
	}
	if got := c.auditErrors.Load(); got != 1 {
		t.Fatalf("auditErrors = %d, want 1", got)
	}
	if got := c.entriesTotal.Load(); got != 1 {
		t.Fatalf("failed append must not count, got %d", got)
	}
}

func TestSnapshotKeysReturnsSorted(t *testing.T) {
	var m sync.Map
	m.Store("b", 1)
	m.Store("a", 1)
	m.Store("c", 1)

	keys := snapshotKeys(&m)
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("snapshotKeys = %v", keys)
	}
}
