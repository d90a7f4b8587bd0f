package audit

import (
	"regexp"
	"unicode/utf8"
)

const (
	// Redacted replaces every sensitive value.
	Redacted        = "[REDACTED]"
	// MaxStringLength is the rune count above which strings are truncated.
	MaxStringLength = 500
	truncatedSuffix = "...[truncated]"
)

// SanitizePatterns configures a Sanitizer.
type SanitizePatterns struct {
	// KeyPattern matches object keys whose values are always redacted.
	KeyPattern string `yaml:"key_pattern"`
	// ValuePatterns match sensitive fragments inside free text. Groups 1 and
	// 2 are kept around the redaction marker; the rest of the match goes.
	ValuePatterns []string `yaml:"value_patterns"`
	MaxLength     int      `yaml:"max_length"`
}

// DefaultSensitivePatterns contains the default redaction rules.
var DefaultSensitivePatterns = SanitizePatterns{
	KeyPattern: `(?i)(passw(or)?d|passwd|token|secret|credential|api[_-]?key|private[_-]?key|access[_-]?key|auth(orization)?$|cookie)`,
	ValuePatterns: []string{
		`(?i)\b((?:passw(?:or)?d|passwd|pwd|token|secret|credentials?|api[_-]?key|access[_-]?key|private[_-]?key|auth[_-]?token)\s*[=:]\s*)(?:"[^"]*"|'[^']*'|[^\s&;,]+)`,
		`(?i)\b(bearer\s+)[A-Za-z0-9._~+/=-]+`,
		`(?i)(--(?:password|token|api-key|secret)[=\s]+)\S+`,
		`(?i)(\b[a-z][a-z0-9+.-]*://)[^/\s@]+(@)`,
	},
	MaxLength: MaxStringLength,
}

// Sanitizer redacts secrets from audit entry content.
type Sanitizer struct {
	key    *regexp.Regexp
	values []*regexp.Regexp
	maxLen int
}

// NewSanitizer compiles patterns. Invalid expressions are skipped.
func NewSanitizer(patterns SanitizePatterns) *Sanitizer {
	s := &Sanitizer{maxLen: patterns.MaxLength}
	if s.maxLen <= 0 {
		s.maxLen = MaxStringLength
	}
	if patterns.KeyPattern != "" {
		if re, err := regexp.Compile(patterns.KeyPattern); err == nil {
			s.key = re
		}
	}
	for _, p := range patterns.ValuePatterns {
		if re, err := regexp.Compile(p); err == nil {
			s.values = append(s.values, re)
		}
	}
	return s
}

// NewDefaultSanitizer creates a sanitizer with default patterns.
func NewDefaultSanitizer() *Sanitizer {
	return NewSanitizer(DefaultSensitivePatterns)
}

var defaultSanitizer = NewDefaultSanitizer()

// SanitizeForLogging applies the default rules to v.
func SanitizeForLogging(v any) any {
	return defaultSanitizer.Sanitize(v)
}

// IsSensitiveKey reports whether values stored under key are redacted.
func (s *Sanitizer) IsSensitiveKey(key string) bool {
	return s.key != nil && s.key.MatchString(key)
}

// Sanitize walks maps and slices recursively. Values under sensitive keys
// become Redacted whatever their type; strings have sensitive assignments
// redacted in place and are truncated past the length ceiling. Anything
// else is returned unchanged.
func (s *Sanitizer) Sanitize(v any) any {
	switch t := v.(type) {
	case string:
		return s.SanitizeString(t)
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			if s.IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = s.Sanitize(val)
		}
		return out
	case map[string]string:
		if t == nil {
			return t
		}
		out := make(map[string]string, len(t))
		for k, val := range t {
			if s.IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = s.SanitizeString(val)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.Sanitize(val)
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = s.SanitizeString(val)
		}
		return out
	default:
		return v
	}
}

// SanitizeMap is Sanitize specialised for entry metadata.
func (s *Sanitizer) SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return s.Sanitize(m).(map[string]any)
}

// SanitizeString redacts sensitive assignments in free text and truncates it.
func (s *Sanitizer) SanitizeString(str string) string {
	if s.hasSensitiveValue(str) {
		for _, re := range s.values {
			str = re.ReplaceAllString(str, "${1}"+Redacted+"${2}")
		}
	}
	if utf8.RuneCountInString(str) <= s.maxLen {
		return str
	}
	runes := []rune(str)
	return string(runes[:s.maxLen]) + truncatedSuffix
}

// hasSensitiveValue reports whether any value pattern matches str.
func (s *Sanitizer) hasSensitiveValue(str string) bool {
	for _, re := range s.values {
		if re.MatchString(str) {
			return true
		}
	}
	return false
}
