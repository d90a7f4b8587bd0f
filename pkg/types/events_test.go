package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditEntry_JSONOmitsEmptyOptionalFields(t *testing.T) {
	e := AuditEntry{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Operation: OpCommandExecution,
		Success:   false,
		Severity:  SeverityWarning,
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "command_execution", raw["operation"])
	assert.Equal(t, false, raw["success"])
	assert.Equal(t, "WARNING", raw["severity"])
	for _, k := range []string{"agent", "workflow", "command", "reason", "metadata", "integrity"} {
		_, ok := raw[k]
		assert.False(t, ok, "field %q should be omitted", k)
	}
}

func TestEntryQuery_Matches(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := AuditEntry{Timestamp: ts, Agent: "builder", Operation: OpCommandExecution, Severity: SeverityInfo, Success: true}

	yes, no := true, false
	earlier, later := ts.Add(-time.Minute), ts.Add(time.Minute)

	assert.True(t, EntryQuery{}.Matches(e))
	assert.True(t, EntryQuery{Agent: "builder", Success: &yes, Since: &earlier}.Matches(e))
	assert.False(t, EntryQuery{Agent: "other"}.Matches(e))
	assert.False(t, EntryQuery{Operation: OpSecurityEvent}.Matches(e))
	assert.False(t, EntryQuery{Severity: SeverityCritical}.Matches(e))
	assert.False(t, EntryQuery{Success: &no}.Matches(e))
	assert.False(t, EntryQuery{Since: &later}.Matches(e))
}
