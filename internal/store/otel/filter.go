package otel

import (
	"path"

	"github.com/agentsh/cmdgate/pkg/types"
)

// Filter selects which entries are exported. Operation patterns use
// path.Match syntax ("agent_*").
type Filter struct {
	IncludeOperations []string
	ExcludeOperations []string
	MinSeverity       types.Severity
}

var severityRank = map[types.Severity]int{
	types.SeverityInfo:     0,
	types.SeverityWarning:  1,
	types.SeverityCritical: 2,
}

// Match reports whether e passes the filter. An empty filter matches all.
func (f *Filter) Match(e types.AuditEntry) bool {
	if f == nil {
		return true
	}
	op := string(e.Operation)
	if len(f.IncludeOperations) > 0 && !matchAny(f.IncludeOperations, op) {
		return false
	}
	if matchAny(f.ExcludeOperations, op) {
		return false
	}
	if f.MinSeverity != "" && severityRank[e.Severity] < severityRank[f.MinSeverity] {
		return false
	}
	return true
}

func matchAny(patterns []string, op string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, op); ok {
			return true
		}
	}
	return false
}
