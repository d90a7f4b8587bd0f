package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/cmdgate/pkg/ratelimit"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	entriesTotal atomic.Uint64
	byOperation  sync.Map // string -> *atomic.Uint64

	decisions   sync.Map // "kind|outcome" -> *atomic.Uint64
	escalations atomic.Uint64
	rateLimited atomic.Uint64
	auditErrors atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEntry(operation string) {
	if c == nil {
		return
	}
	c.entriesTotal.Add(1)
	if operation == "" {
		operation = "unknown"
	}
	inc(&c.byOperation, operation)
}

// IncDecision counts one gateway check. kind is command, path, url or
// parameter.
func (c *Collector) IncDecision(kind string, allowed bool) {
	if c == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	inc(&c.decisions, kind+"|"+outcome)
}

func (c *Collector) IncEscalation() {
	if c == nil {
		return
	}
	c.escalations.Add(1)
}

func (c *Collector) IncRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Add(1)
}

func (c *Collector) IncAuditError() {
	if c == nil {
		return
	}
	c.auditErrors.Add(1)
}

func inc(m *sync.Map, key string) {
	ptr, _ := m.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func load(m *sync.Map, key string) uint64 {
	ptr, _ := m.Load(key)
	if ptr == nil {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

type HandlerOptions struct {
	LimiterStatus func() ratelimit.Status
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP cmdgate_up Whether the cmdgate server is running.\n")
		fmt.Fprint(w, "# TYPE cmdgate_up gauge\n")
		fmt.Fprint(w, "cmdgate_up 1\n")

		fmt.Fprint(w, "# HELP cmdgate_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE cmdgate_uptime_seconds gauge\n")
		fmt.Fprintf(w, "cmdgate_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP cmdgate_audit_entries_total Total number of audit entries appended.\n")
		fmt.Fprint(w, "# TYPE cmdgate_audit_entries_total counter\n")
		fmt.Fprintf(w, "cmdgate_audit_entries_total %d\n", c.entriesTotal.Load())

		fmt.Fprint(w, "# HELP cmdgate_audit_errors_total Audit appends that failed.\n")
		fmt.Fprint(w, "# TYPE cmdgate_audit_errors_total counter\n")
		fmt.Fprintf(w, "cmdgate_audit_errors_total %d\n", c.auditErrors.Load())

		fmt.Fprint(w, "# HELP cmdgate_escalations_total Security events raised for repeated blocked commands.\n")
		fmt.Fprint(w, "# TYPE cmdgate_escalations_total counter\n")
		fmt.Fprintf(w, "cmdgate_escalations_total %d\n", c.escalations.Load())

		fmt.Fprint(w, "# HELP cmdgate_rate_limited_total Operations that stayed rate limited after retry.\n")
		fmt.Fprint(w, "# TYPE cmdgate_rate_limited_total counter\n")
		fmt.Fprintf(w, "cmdgate_rate_limited_total %d\n", c.rateLimited.Load())

		ops := snapshotKeys(&c.byOperation)
		if len(ops) > 0 {
			fmt.Fprint(w, "# HELP cmdgate_audit_entries_by_operation_total Total audit entries by operation.\n")
			fmt.Fprint(w, "# TYPE cmdgate_audit_entries_by_operation_total counter\n")
			for _, op := range ops {
				fmt.Fprintf(w, "cmdgate_audit_entries_by_operation_total{operation=\"%s\"} %d\n", escapeLabelValue(op), load(&c.byOperation, op))
			}
		}

		keys := snapshotKeys(&c.decisions)
		if len(keys) > 0 {
			fmt.Fprint(w, "# HELP cmdgate_decisions_total Gateway checks by kind and outcome.\n")
			fmt.Fprint(w, "# TYPE cmdgate_decisions_total counter\n")
			for _, k := range keys {
				kind, outcome, _ := strings.Cut(k, "|")
				fmt.Fprintf(w, "cmdgate_decisions_total{kind=\"%s\",outcome=\"%s\"} %d\n",
					escapeLabelValue(kind), outcome, load(&c.decisions, k))
			}
		}

		if opts.LimiterStatus != nil {
			st := opts.LimiterStatus()
			gauge(w, "cmdgate_limiter_active", "Operations currently running.", float64(st.Active))
			gauge(w, "cmdgate_limiter_queued", "Operations waiting for admission.", float64(st.Queued))
			gauge(w, "cmdgate_limiter_minute_tokens", "Tokens left in the per-minute bucket.", st.MinuteTokens)
			gauge(w, "cmdgate_limiter_hour_tokens", "Tokens left in the per-hour bucket.", st.HourTokens)
			gauge(w, "cmdgate_limiter_backoff_level", "Current backoff level.", float64(st.BackoffLevel))
		}
	})
}

func gauge(w http.ResponseWriter, name, help string, v float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %g\n", name, v)
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
