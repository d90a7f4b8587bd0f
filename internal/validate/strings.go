package validate

import (
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxStringLength bounds free-text inputs.
const DefaultMaxStringLength = 10000

// Pattern names reported in Error.Patterns by ValidateString.
// PatternShellExpansion comes from ValidateCommand path checks.
const (
	PatternBacktick        = "backtick_substitution"
	PatternCommandSubst    = "command_substitution"
	PatternProcessSubst    = "process_substitution"
	PatternSemicolon       = "command_separator"
	PatternPipe            = "pipe"
	PatternAnd             = "and_chain"
	PatternOr              = "or_chain"
	PatternRedirectTrick   = "ambiguous_redirection"
	PatternBraceExpansion  = "brace_expansion"
	PatternVariable        = "variable_expansion"
	PatternNullByte        = "null_byte"
	PatternDecodePipe      = "decode_pipe"
	PatternEval            = "eval_call"
	PatternLoaderInjection = "loader_injection"
	PatternShellExpansion  = "shell_expansion"
)

type dangerousPattern struct {
	name string
	re   *regexp.Regexp
}

// Go's regexp is RE2: matching is linear in the input, so none of these can
// backtrack catastrophically.
var dangerousPatterns = []dangerousPattern{
	{PatternBacktick, regexp.MustCompile("`")},
	{PatternCommandSubst, regexp.MustCompile(`\$\(`)},
	{PatternProcessSubst, regexp.MustCompile(`[<>]\(`)},
	{PatternSemicolon, regexp.MustCompile(`;`)},
	{PatternPipe, regexp.MustCompile(`\|`)},
	{PatternAnd, regexp.MustCompile(`&&`)},
	{PatternOr, regexp.MustCompile(`\|\|`)},
	{PatternRedirectTrick, regexp.MustCompile(`>&|&>`)},
	{PatternBraceExpansion, regexp.MustCompile(`\$\{`)},
	{PatternNullByte, regexp.MustCompile(`\x00|\\x00|\\0`)},
	{PatternDecodePipe, regexp.MustCompile(`(?i)base64\s+(-d|--decode|-D)\b|xxd\s+(-r|-p\s+-r)\b|\\x[0-9a-f]{2}(\\x[0-9a-f]{2}){3,}`)},
	{PatternEval, regexp.MustCompile(`(?i)\beval\s*\(`)},
	{PatternLoaderInjection, regexp.MustCompile(`(?i)\bLD_(PRELOAD|LIBRARY_PATH)\s*=`)},
}

var bareVariable = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)

// StringOptions tunes ValidateString. The zero value applies the defaults.
type StringOptions struct {
	MaxLength      int
	AllowDollarVar bool
}

// ValidateString normalizes s to NFC and rejects it when it is longer than
// the limit or contains any shell metacharacter class. Every pattern is
// evaluated; all matches are listed in the returned error.
func ValidateString(s string, opts StringOptions) (string, error) {
	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxStringLength
	}
	if n := utf8.RuneCountInString(s); n > maxLen {
		return "", newError(CodeTooLong, "", "length %d exceeds %d", n, maxLen)
	}

	normalized := norm.NFC.String(s)
	if matched := DangerousPatterns(normalized, opts.AllowDollarVar); len(matched) > 0 {
		return "", &Error{
			Code:     CodeDangerousPattern,
			Detail:   "input contains shell metacharacters",
			Patterns: matched,
		}
	}
	return normalized, nil
}

// DangerousPatterns returns the names of all dangerous pattern classes that
// match s, in table order.
func DangerousPatterns(s string, allowDollarVar bool) []string {
	var matched []string
	for _, p := range dangerousPatterns {
		if p.re.MatchString(s) {
			matched = append(matched, p.name)
		}
	}
	if !allowDollarVar && bareVariable.MatchString(s) {
		matched = append(matched, PatternVariable)
	}
	return matched
}
