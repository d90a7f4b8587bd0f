package validate

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gitOnly = CommandOptions{AllowedSubcommands: map[string][]string{"git": {"status", "diff", "log"}}}

func TestValidateCommand_Subcommands(t *testing.T) {
	_, err := ValidateCommand("git push", []string{"git"}, gitOnly)
	assert.ErrorIs(t, err, ErrSubcommandNotAllowed)

	c, err := ValidateCommand("git status", []string{"git"}, gitOnly)
	require.NoError(t, err)
	assert.Equal(t, "git", c.Name)
	assert.Equal(t, "status", c.Subcommand)
	assert.Equal(t, "git status", c.Normalized)

	_, err = ValidateCommand("git", []string{"git"}, gitOnly)
	assert.ErrorIs(t, err, ErrSubcommandRequired)
}

func TestValidateCommand_Allowlist(t *testing.T) {
	_, err := ValidateCommand("rm -rf /", []string{"ls"}, CommandOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInAllowlist)
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "rm", ve.Field)

	c, err := ValidateCommand("  ls -la  ", []string{"ls"}, CommandOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"-la"}, c.Args)
}

func TestValidateCommand_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", "# just a comment"} {
		_, err := ValidateCommand(in, []string{"ls"}, CommandOptions{})
		assert.ErrorIs(t, err, ErrEmptyCommand, "input %q", in)
	}
}

func TestValidateCommand_QuotedTokens(t *testing.T) {
	c, err := ValidateCommand(`git log --grep "fix parser bug" 'single quoted'`, []string{"git"}, gitOnly)
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "--grep", "fix parser bug", "single quoted"}, c.Args)
	assert.Equal(t, `git log --grep 'fix parser bug' 'single quoted'`, c.Normalized)
}

func TestValidateCommand_EveryCommandInListMustBeAllowed(t *testing.T) {
	_, err := ValidateCommand("ls && rm -rf /", []string{"ls"}, CommandOptions{})
	assert.ErrorIs(t, err, ErrNotInAllowlist)

	_, err = ValidateCommand("echo $(whoami)", []string{"echo"}, CommandOptions{})
	assert.ErrorIs(t, err, ErrNotInAllowlist)

	c, err := ValidateCommand("ls | wc -l", []string{"ls", "wc"}, CommandOptions{})
	require.NoError(t, err)
	assert.Len(t, c.Pipeline, 2)
	assert.Equal(t, "ls | wc -l", c.Normalized)
}

func TestValidateCommand_EnvPrefixIsNotTheCommand(t *testing.T) {
	_, err := ValidateCommand("LD_PRELOAD=/tmp/x.so ls", []string{"ls"}, CommandOptions{})
	assert.ErrorIs(t, err, ErrNotInAllowlist)
}

func TestValidateCommand_DeniedPatterns(t *testing.T) {
	opts := CommandOptions{DeniedPatterns: []*regexp.Regexp{
		regexp.MustCompile("`"),
		regexp.MustCompile(`\$\(`),
		regexp.MustCompile(`--force`),
	}}
	_, err := ValidateCommand("echo `echo hi`", []string{"echo"}, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeniedPattern)

	_, err = ValidateCommand("echo --force", []string{"echo"}, opts)
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, CodeDeniedPattern, ve.Code)
	assert.Equal(t, []string{"--force"}, ve.Patterns)
}

func TestValidateCommand_Malformed(t *testing.T) {
	_, err := ValidateCommand(`echo "unterminated`, []string{"echo"}, CommandOptions{})
	assert.ErrorIs(t, err, ErrMalformedCommand)
}

func TestValidateCommand_PathValidation(t *testing.T) {
	root := t.TempDir()
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("x"), 0o644))
	opts := CommandOptions{PathValidationRequired: true, WorkspaceRoot: root}

	c, err := ValidateCommand("cat -n notes.md", []string{"cat"}, opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolved, "notes.md"), c.Paths["notes.md"])
	_, flagged := c.Paths["-n"]
	assert.False(t, flagged)

	_, err = ValidateCommand("cat /etc/passwd", []string{"cat"}, opts)
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = ValidateCommand("cat ../secret.txt", []string{"cat"}, opts)
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, CodeInvalidPath, ve.Code)
	assert.Equal(t, "../secret.txt", ve.Field)
	assert.Equal(t, []string{string(CodePathTraversal)}, ve.Patterns)

	// Redirect targets are paths too.
	_, err = ValidateCommand("cat notes.md > /tmp/out.txt", []string{"cat"}, opts)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestLooksLikePath(t *testing.T) {
	for _, tok := range []string{"src/main.go", "./run", "~/x", ".env", "README.md", "/etc"} {
		assert.True(t, LooksLikePath(tok), tok)
	}
	for _, tok := range []string{"-la", "--file=a/b", "status", "https://example.com/a", ""} {
		assert.False(t, LooksLikePath(tok), tok)
	}
}

func TestTokenize(t *testing.T) {
	got, err := Tokenize(`echo "a b" c`)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"echo", "a b", "c"}}, got)
}

func TestValidateCommand_ShellExpansionInPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))
	opts := CommandOptions{PathValidationRequired: true, WorkspaceRoot: root}
	allowed := []string{"cat", "ls", "rm", "echo"}

	for _, in := range []string{
		"cat README.md && cat ~/.ssh/id_rsa",
		"cat README.md && cat $HOME/.ssh/id_rsa",
		`cat "${HOME}/.ssh/id_rsa"`,
		"ls && rm -rf ~",
		"cat $(echo README.md)",
		"cat --file=~/.netrc",
	} {
		_, err := ValidateCommand(in, allowed, opts)
		var ve *Error
		require.True(t, errors.As(err, &ve), "input %q", in)
		assert.Equal(t, CodeInvalidPath, ve.Code, "input %q", in)
		assert.Equal(t, []string{PatternShellExpansion}, ve.Patterns, "input %q", in)
	}

	// A quoted tilde is a literal file name inside the workspace.
	c, err := ValidateCommand(`cat '~/notes'`, allowed, opts)
	require.NoError(t, err)
	assert.Contains(t, c.Paths, "~/notes")
	assert.Equal(t, `cat '~/notes'`, c.Normalized)
}

func TestValidateCommand_NormalizedKeepsExpansions(t *testing.T) {
	c, err := ValidateCommand("echo $HOME", []string{"echo"}, CommandOptions{})
	require.NoError(t, err)
	assert.Equal(t, "echo $HOME", c.Normalized)

	c, err = ValidateCommand(`echo "hello world" && ls  -la   "my dir"`, []string{"echo", "ls"}, CommandOptions{})
	require.NoError(t, err)
	assert.Equal(t, `echo 'hello world' && ls -la 'my dir'`, c.Normalized)
	assert.Equal(t, [][]string{{"echo", "hello world"}, {"ls", "-la", "my dir"}}, c.Pipeline)
}
