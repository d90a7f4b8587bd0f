package types

import "time"

// Operation classifies an audit entry.
type Operation string

const (
	OpCommandExecution  Operation = "command_execution"
	OpValidationFailure Operation = "validation_failure"
	OpAgentStart        Operation = "agent_start"
	OpAgentEnd          Operation = "agent_end"
	OpSecurityEvent     Operation = "security_event"
	OpFileOperation     Operation = "file_operation"
	OpNetworkRequest    Operation = "network_request"
	OpRateLimited       Operation = "rate_limited"
)

// Operations lists every known operation in a stable order.
var Operations = []Operation{
	OpCommandExecution,
	OpValidationFailure,
	OpAgentStart,
	OpAgentEnd,
	OpSecurityEvent,
	OpFileOperation,
	OpNetworkRequest,
	OpRateLimited,
}

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// IntegrityMetadata contains the tamper-evident chain fields for an entry.
type IntegrityMetadata struct {
	Sequence  int64  `json:"sequence"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// AuditEntry is one append-only audit record. It is serialized as a single
// JSON object per line.
type AuditEntry struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Operation Operation `json:"operation"`
	Agent     string    `json:"agent,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	Command   string    `json:"command,omitempty"`
	Success   bool      `json:"success"`
	Severity  Severity  `json:"severity"`
	Reason    string    `json:"reason,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	Integrity *IntegrityMetadata `json:"integrity,omitempty"`
}

// EntryQuery selects audit entries. Zero-valued fields do not filter.
type EntryQuery struct {
	Agent     string
	Operation Operation
	Severity  Severity
	Success   *bool
	Since     *time.Time

	// Limit <= 0 means no limit.
	Limit int
	// Asc returns oldest entries first; the default is newest first.
	Asc bool
}

// Matches reports whether e satisfies every filter set on q. Limit, Asc and
// Since ordering concerns are left to the store.
func (q EntryQuery) Matches(e AuditEntry) bool {
	if q.Agent != "" && e.Agent != q.Agent {
		return false
	}
	if q.Operation != "" && e.Operation != q.Operation {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	if q.Since != nil && e.Timestamp.Before(*q.Since) {
		return false
	}
	return true
}
