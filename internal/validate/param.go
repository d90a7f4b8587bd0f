package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParamType is the declared type of a workflow parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamPath    ParamType = "path"
	ParamURL     ParamType = "url"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamEnum    ParamType = "enum"
)

// ParamOptions carries the type-specific constraints of a parameter.
type ParamOptions struct {
	Min           *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max           *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`

	MaxLength        int      `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	AllowDollarVar   bool     `json:"allow_dollar_var,omitempty" yaml:"allow_dollar_var,omitempty"`
	WorkspaceRoot    string   `json:"workspace_root,omitempty" yaml:"workspace_root,omitempty"`
	MustExist        bool     `json:"must_exist,omitempty" yaml:"must_exist,omitempty"`
	AllowedProtocols []string `json:"allowed_protocols,omitempty" yaml:"allowed_protocols,omitempty"`
}

// ValidateWorkflowParameter coerces value to typ and validates it. The
// returned value has the Go type matching typ: string for string, path, url
// and enum, float64 for number, bool for boolean.
func ValidateWorkflowParameter(name string, value any, typ ParamType, opts ParamOptions) (any, error) {
	switch typ {
	case ParamString:
		s, err := stringParam(name, value)
		if err != nil {
			return nil, err
		}
		out, err := ValidateString(s, StringOptions{MaxLength: opts.MaxLength, AllowDollarVar: opts.AllowDollarVar})
		return out, withField(err, name)
	case ParamPath:
		s, err := stringParam(name, value)
		if err != nil {
			return nil, err
		}
		out, err := ValidatePath(s, opts.WorkspaceRoot, PathOptions{MustExist: opts.MustExist})
		return out, withField(err, name)
	case ParamURL:
		s, err := stringParam(name, value)
		if err != nil {
			return nil, err
		}
		out, err := ValidateURL(s, opts.AllowedProtocols)
		return out, withField(err, name)
	case ParamNumber:
		return numberParam(name, value, opts)
	case ParamBoolean:
		return boolParam(name, value)
	case ParamEnum:
		s, err := stringParam(name, value)
		if err != nil {
			return nil, err
		}
		for _, v := range opts.AllowedValues {
			if v == s {
				return s, nil
			}
		}
		return nil, newError(CodeInvalidEnumValue, name, "%q is not one of %v", s, opts.AllowedValues)
	default:
		return nil, newError(CodeUnknownParameterType, name, "unknown parameter type %q", typ)
	}
}

func stringParam(name string, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", newError(CodeTypeError, name, "expected string, got %T", value)
	}
	return s, nil
}

func numberParam(name string, value any, opts ParamOptions) (float64, error) {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int32:
		n = float64(v)
	case int64:
		n = float64(v)
	case uint:
		n = float64(v)
	case uint32:
		n = float64(v)
	case uint64:
		n = float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, newError(CodeTypeError, name, "%q is not a number", v)
		}
		n = f
	case fmt.Stringer:
		// json.Number and similar.
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return 0, newError(CodeTypeError, name, "%q is not a number", v.String())
		}
		n = f
	default:
		return 0, newError(CodeTypeError, name, "expected number, got %T", value)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, newError(CodeTypeError, name, "number must be finite")
	}
	if opts.Min != nil && n < *opts.Min {
		return 0, newError(CodeOutOfRange, name, "%v is below minimum %v", n, *opts.Min)
	}
	if opts.Max != nil && n > *opts.Max {
		return 0, newError(CodeOutOfRange, name, "%v is above maximum %v", n, *opts.Max)
	}
	return n, nil
}

func boolParam(name string, value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return false, newError(CodeTypeError, name, "%q is not a boolean", v)
	default:
		return false, newError(CodeTypeError, name, "expected boolean, got %T", value)
	}
}

func withField(err error, field string) error {
	if err == nil {
		return nil
	}
	if ve, ok := err.(*Error); ok && ve.Field == "" {
		cp := *ve
		cp.Field = field
		return &cp
	}
	return err
}
