package types

type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionApprove Decision = "approve"
)

// ApprovalInfo is attached to allowlisted decisions that still need an
// out-of-band human confirmation before the caller executes them.
type ApprovalInfo struct {
	Required bool   `json:"required"`
	Key      string `json:"key,omitempty"`
	Message  string `json:"message,omitempty"`
}
