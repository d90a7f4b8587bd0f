package validate

import "regexp"

// MaxAgentNameLength bounds agent identifiers.
const MaxAgentNameLength = 100

var agentNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateAgentName accepts 1 to 100 ASCII letters, digits, '_' or '-'.
func ValidateAgentName(name string) error {
	if name == "" {
		return newError(CodeInvalidAgentName, "agent", "agent name is empty")
	}
	if len(name) > MaxAgentNameLength {
		return newError(CodeTooLong, "agent", "agent name length %d exceeds %d", len(name), MaxAgentNameLength)
	}
	if !agentNameRe.MatchString(name) {
		return newError(CodeInvalidAgentName, "agent", "agent name %q must match %s", name, agentNameRe.String())
	}
	return nil
}
