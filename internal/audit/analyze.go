package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentsh/cmdgate/pkg/types"
)

// DefaultHighFailureThreshold is the blocked-command count an agent must
// exceed to be flagged.
const DefaultHighFailureThreshold = 10

// PatternHighFailureRate flags an agent with too many blocked commands.
const PatternHighFailureRate = "high_failure_rate"

// SuspiciousPattern is one finding of AnalyzeSuspiciousActivity.
type SuspiciousPattern struct {
	Type        string `json:"type"`
	Agent       string `json:"agent"`
	Count       int    `json:"count"`
	Description string `json:"description"`
}

// Analysis summarizes an audit log.
type Analysis struct {
	GeneratedAt        time.Time               `json:"generated_at"`
	TotalEvents        int                     `json:"total_events"`
	ByOperation        map[types.Operation]int `json:"by_operation"`
	BlockedCommands    int                     `json:"blocked_commands"`
	ValidationFailures int                     `json:"validation_failures"`
	SecurityEvents     int                     `json:"security_events"`
	RateLimited        int                     `json:"rate_limited"`
	BlockedByAgent     map[string]int          `json:"blocked_by_agent"`
	Suspicious         []SuspiciousPattern     `json:"suspicious_patterns"`
}

// Analyze counts entries by category and flags every agent whose blocked
// command count exceeds threshold.
func Analyze(entries []types.AuditEntry, threshold int, now time.Time) *Analysis {
	if threshold <= 0 {
		threshold = DefaultHighFailureThreshold
	}
	a := &Analysis{
		GeneratedAt:    now.UTC(),
		TotalEvents:    len(entries),
		ByOperation:    map[types.Operation]int{},
		BlockedByAgent: map[string]int{},
		Suspicious:     []SuspiciousPattern{},
	}
	for _, e := range entries {
		a.ByOperation[e.Operation]++
		switch e.Operation {
		case types.OpCommandExecution:
			if !e.Success {
				a.BlockedCommands++
				a.BlockedByAgent[e.Agent]++
			}
		case types.OpValidationFailure:
			a.ValidationFailures++
		case types.OpSecurityEvent:
			a.SecurityEvents++
		case types.OpRateLimited:
			a.RateLimited++
		}
	}
	for agent, n := range a.BlockedByAgent {
		if n > threshold {
			a.Suspicious = append(a.Suspicious, SuspiciousPattern{
				Type:        PatternHighFailureRate,
				Agent:       agent,
				Count:       n,
				Description: fmt.Sprintf("agent %q had %d blocked commands (threshold %d)", agent, n, threshold),
			})
		}
	}
	sort.Slice(a.Suspicious, func(i, j int) bool {
		if a.Suspicious[i].Count != a.Suspicious[j].Count {
			return a.Suspicious[i].Count > a.Suspicious[j].Count
		}
		return a.Suspicious[i].Agent < a.Suspicious[j].Agent
	})
	return a
}

// AnalyzeSuspiciousActivity analyzes the whole log, or the configured
// analysis window.
func (l *Logger) AnalyzeSuspiciousActivity(ctx context.Context) (*Analysis, error) {
	now := l.now()
	q := types.EntryQuery{Asc: true}
	if l.window > 0 {
		since := now.Add(-l.window)
		q.Since = &since
	}
	entries, err := l.sink.QueryEntries(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return Analyze(entries, l.threshold, now), nil
}

// GenerateReport renders AnalyzeSuspiciousActivity as text.
func (l *Logger) GenerateReport(ctx context.Context) (string, error) {
	a, err := l.AnalyzeSuspiciousActivity(ctx)
	if err != nil {
		return "", err
	}
	return a.Report(), nil
}

// Report renders a human-readable summary.
func (a *Analysis) Report() string {
	var b strings.Builder
	b.WriteString("Security Audit Report\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", a.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Total events: %d\n", a.TotalEvents)
	for _, op := range types.Operations {
		if n := a.ByOperation[op]; n > 0 {
			fmt.Fprintf(&b, "  %-20s %d\n", op, n)
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Blocked commands:    %d\n", a.BlockedCommands)
	fmt.Fprintf(&b, "Validation failures: %d\n", a.ValidationFailures)
	fmt.Fprintf(&b, "Security events:     %d\n", a.SecurityEvents)
	fmt.Fprintf(&b, "Rate limited:        %d\n", a.RateLimited)
	b.WriteString("\n")
	if len(a.Suspicious) == 0 {
		b.WriteString("Suspicious patterns: none detected\n")
		return b.String()
	}
	b.WriteString("Suspicious patterns:\n")
	for _, p := range a.Suspicious {
		fmt.Fprintf(&b, "  - %s: %s\n", p.Type, p.Description)
	}
	return b.String()
}
