package validate

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: any string carrying a shell metacharacter is rejected, wherever
// the metacharacter is placed.
func TestValidateString_MetacharacterAlwaysRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("metacharacter anywhere is rejected", prop.ForAll(
		func(prefix, suffix, meta string) bool {
			_, err := ValidateString(prefix+meta+suffix, StringOptions{})
			return err != nil && CodeOf(err) == CodeDangerousPattern
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.OneConstOf("`", "$(", ";", "|", "&&", "||", "<(", ">(", "${", "\x00"),
	))

	properties.Property("alphanumeric text is accepted unchanged", prop.ForAll(
		func(s string) bool {
			out, err := ValidateString(s, StringOptions{})
			return err == nil && out == s
		},
		gen.SliceOf(gen.AlphaNumChar()).Map(func(r []rune) string { return string(r) }),
	))

	properties.TestingRun(t)
}

// Property: joining any number of parent segments onto a relative path is
// always caught before the filesystem is consulted.
func TestValidatePath_ParentSegmentsRejected(t *testing.T) {
	root := t.TempDir()
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("paths containing ../ never validate", prop.ForAll(
		func(depth int, name string) bool {
			p := strings.Repeat("../", depth) + name
			_, err := ValidatePath(p, root, PathOptions{})
			return err != nil && CodeOf(err) == CodePathTraversal
		},
		gen.IntRange(1, 8),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: agent names built from the allowed alphabet validate; adding any
// other character makes them fail.
func TestValidateAgentName_Alphabet(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("identifier names are accepted", prop.ForAll(
		func(s string) bool {
			if len(s) > MaxAgentNameLength {
				return true
			}
			return ValidateAgentName(s) == nil
		},
		gen.Identifier(),
	))

	properties.Property("foreign characters are rejected", prop.ForAll(
		func(s, bad string) bool {
			return ValidateAgentName(s+bad) != nil
		},
		gen.Identifier(),
		gen.OneConstOf(" ", ".", "/", ";", "$", "é"),
	))

	properties.TestingRun(t)
}
