// Package validate implements the stateless input checks applied to every
// string, path, URL, shell command, agent name and workflow parameter an agent
// hands to the gateway.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// Code names the specific rule a rejected input violated.
type Code string

const (
	CodeDangerousPattern      Code = "DangerousPattern"
	CodeTooLong               Code = "TooLong"
	CodeTypeError             Code = "TypeError"
	CodePathTraversal         Code = "PathTraversal"
	CodeOutsideWorkspace      Code = "OutsideWorkspace"
	CodeNotFound              Code = "NotFound"
	CodeInvalidPath           Code = "InvalidPath"
	CodeProtocolNotAllowed    Code = "ProtocolNotAllowed"
	CodeCredentialsNotAllowed Code = "CredentialsNotAllowed"
	CodeInvalidURL            Code = "InvalidURL"
	CodeEmptyCommand          Code = "EmptyCommand"
	CodeMalformedCommand      Code = "MalformedCommand"
	CodeNotInAllowlist        Code = "NotInAllowlist"
	CodeSubcommandRequired    Code = "SubcommandRequired"
	CodeSubcommandNotAllowed  Code = "SubcommandNotAllowed"
	CodeDeniedPattern         Code = "DeniedPattern"
	CodeInvalidAgentName      Code = "InvalidAgentName"
	CodeOutOfRange            Code = "OutOfRange"
	CodeInvalidEnumValue      Code = "InvalidEnumValue"
	CodeUnknownParameterType  Code = "UnknownParameterType"
)

// Sentinels for errors.Is. A returned *Error matches the sentinel of its Code.
var (
	ErrDangerousPattern      = &Error{Code: CodeDangerousPattern}
	ErrTooLong               = &Error{Code: CodeTooLong}
	ErrTypeError             = &Error{Code: CodeTypeError}
	ErrPathTraversal         = &Error{Code: CodePathTraversal}
	ErrOutsideWorkspace      = &Error{Code: CodeOutsideWorkspace}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrInvalidPath           = &Error{Code: CodeInvalidPath}
	ErrProtocolNotAllowed    = &Error{Code: CodeProtocolNotAllowed}
	ErrCredentialsNotAllowed = &Error{Code: CodeCredentialsNotAllowed}
	ErrInvalidURL            = &Error{Code: CodeInvalidURL}
	ErrEmptyCommand          = &Error{Code: CodeEmptyCommand}
	ErrMalformedCommand      = &Error{Code: CodeMalformedCommand}
	ErrNotInAllowlist        = &Error{Code: CodeNotInAllowlist}
	ErrSubcommandRequired    = &Error{Code: CodeSubcommandRequired}
	ErrSubcommandNotAllowed  = &Error{Code: CodeSubcommandNotAllowed}
	ErrDeniedPattern         = &Error{Code: CodeDeniedPattern}
	ErrInvalidAgentName      = &Error{Code: CodeInvalidAgentName}
	ErrOutOfRange            = &Error{Code: CodeOutOfRange}
	ErrInvalidEnumValue      = &Error{Code: CodeInvalidEnumValue}
	ErrUnknownParameterType  = &Error{Code: CodeUnknownParameterType}
)

// Error is returned by every validator in this package.
type Error struct {
	Code Code
	// Field names the parameter or token that failed, when there is one.
	Field string
	// Detail is a human-readable description of the violated rule.
	Detail string
	// Patterns lists every dangerous or denied pattern that matched.
	Patterns []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Patterns) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Patterns, ", "))
	}
	return b.String()
}

// Is matches sentinels by code. OutsideWorkspace is a refinement of
// PathTraversal and matches both.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	return e.Code == CodeOutsideWorkspace && t.Code == CodePathTraversal
}

// CodeOf returns the Code carried by err, or "" when err is not a validation error.
func CodeOf(err error) Code {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

func newError(code Code, field, format string, args ...any) *Error {
	return &Error{Code: code, Field: field, Detail: fmt.Sprintf(format, args...)}
}
