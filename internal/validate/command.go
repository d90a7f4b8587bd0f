package validate

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"mvdan.cc/sh/v3/syntax"
)

// CommandOptions carries the per-policy rules applied by ValidateCommand.
type CommandOptions struct {
	// AllowedSubcommands maps a command to the only subcommands it may run
	// with. A command listed here must be followed by one of them.
	AllowedSubcommands map[string][]string
	// DeniedPatterns are matched against the full command string.
	DeniedPatterns []*regexp.Regexp
	// PathValidationRequired runs ValidatePath on every path-like token.
	PathValidationRequired bool
	WorkspaceRoot          string
}

// Command is the accepted form of a validated command line.
type Command struct {
	Name       string
	Subcommand string
	Args       []string
	// Paths maps each path-like token to its resolved absolute path. Only
	// populated when path validation ran.
	Paths map[string]string
	// Normalized is the parsed command printed back for bash. Words without
	// expansions are re-quoted; lists and pipelines keep their operators.
	Normalized string
	// Pipeline holds every simple command when the input contained more
	// than one (lists, pipelines, substitutions).
	Pipeline [][]string
}

var extensionSuffix = regexp.MustCompile(`\.[A-Za-z0-9]{1,10}$`)

// ValidateCommand tokenizes cmd with a bash parser (quoted substrings stay a
// single token) and checks it against the allowlist, the subcommand table,
// the denied patterns and, when required, the workspace path rules.
func ValidateCommand(cmd string, allowedCommands []string, opts CommandOptions) (*Command, error) {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return nil, newError(CodeEmptyCommand, "", "command is empty")
	}
	if n := utf8.RuneCountInString(trimmed); n > DefaultMaxStringLength {
		return nil, newError(CodeTooLong, "", "command length %d exceeds %d", n, DefaultMaxStringLength)
	}
	if strings.ContainsRune(trimmed, 0) {
		return nil, &Error{Code: CodeDangerousPattern, Detail: "command contains NUL byte", Patterns: []string{PatternNullByte}}
	}

	parsed, err := parseCommand(trimmed)
	if err != nil {
		return nil, newError(CodeMalformedCommand, "", "%v", err)
	}
	simple, redirects := parsed.simple, parsed.redirects
	if len(simple) == 0 {
		return nil, newError(CodeEmptyCommand, "", "no command found")
	}

	allowed := make(map[string]struct{}, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = struct{}{}
	}

	var first *Command
	for _, tokens := range simple {
		c, err := checkSimple(tokens, allowed, opts.AllowedSubcommands)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = c
		}
	}

	if len(opts.DeniedPatterns) > 0 {
		var matched []string
		for _, re := range opts.DeniedPatterns {
			if re.MatchString(trimmed) {
				matched = append(matched, re.String())
			}
		}
		if len(matched) > 0 {
			return nil, &Error{Code: CodeDeniedPattern, Detail: "command matches a denied pattern", Patterns: matched}
		}
	}

	if opts.PathValidationRequired {
		// The shell resolves these after validation, so their target is unknown.
		if len(parsed.expanding) > 0 {
			tok := parsed.expanding[0]
			return nil, &Error{Code: CodeInvalidPath, Field: tok, Detail: "argument is subject to shell expansion", Patterns: []string{PatternShellExpansion}}
		}
		first.Paths = map[string]string{}
		var candidates []string
		for _, tokens := range simple {
			candidates = append(candidates, tokens...)
		}
		candidates = append(candidates, redirects...)
		for _, tok := range candidates {
			if !LooksLikePath(tok) {
				continue
			}
			resolved, err := ValidatePath(tok, opts.WorkspaceRoot, PathOptions{})
			if err != nil {
				ve := CodeOf(err)
				return nil, &Error{Code: CodeInvalidPath, Field: tok, Detail: err.Error(), Patterns: []string{string(ve)}}
			}
			first.Paths[tok] = resolved
		}
	}

	normalized, err := parsed.print()
	if err != nil {
		return nil, newError(CodeMalformedCommand, "", "%v", err)
	}
	first.Normalized = normalized
	if len(simple) > 1 {
		first.Pipeline = simple
	}
	return first, nil
}

func checkSimple(tokens []string, allowed map[string]struct{}, subcommands map[string][]string) (*Command, error) {
	name := tokens[0]
	if _, ok := allowed[name]; !ok {
		return nil, newError(CodeNotInAllowlist, name, "command %q is not allowlisted", name)
	}
	c := &Command{Name: name, Args: tokens[1:]}

	subs, restricted := subcommands[name]
	if !restricted {
		return c, nil
	}
	if len(tokens) < 2 {
		return nil, newError(CodeSubcommandRequired, name, "command %q requires one of %v", name, subs)
	}
	sub := tokens[1]
	for _, s := range subs {
		if s == sub {
			c.Subcommand = sub
			return c, nil
		}
	}
	return nil, newError(CodeSubcommandNotAllowed, name, "subcommand %q of %q is not in %v", sub, name, subs)
}

// LooksLikePath is the path heuristic: a token containing '/', starting with
// '.' or '~', or ending in a file-extension-like suffix. Flags and URLs are
// never paths.
func LooksLikePath(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "-") || strings.Contains(tok, "://") {
		return false
	}
	return strings.Contains(tok, "/") ||
		strings.HasPrefix(tok, ".") ||
		strings.HasPrefix(tok, "~") ||
		extensionSuffix.MatchString(tok)
}

// Tokenize returns the tokens of every simple command in cmd.
func Tokenize(cmd string) ([][]string, error) {
	parsed, err := parseCommand(cmd)
	if err != nil {
		return nil, err
	}
	return parsed.simple, nil
}

type parsedCommand struct {
	file      *syntax.File
	simple    [][]string
	redirects []string
	// expanding lists the tokens whose value the shell computes.
	expanding []string
	words     []*syntax.Word
}

func parseCommand(cmd string) (*parsedCommand, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return nil, err
	}

	pc := &parsedCommand{file: file}
	addWord := func(w *syntax.Word) string {
		tok := wordString(w)
		if expands(w) {
			pc.expanding = append(pc.expanding, tok)
		}
		pc.words = append(pc.words, w)
		return tok
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			for _, r := range n.Redirs {
				if r.Word != nil && r.Hdoc == nil {
					pc.redirects = append(pc.redirects, addWord(r.Word))
				}
			}
		case *syntax.CallExpr:
			var tokens []string
			for _, a := range n.Assigns {
				if a.Value != nil && expands(a.Value) {
					pc.expanding = append(pc.expanding, assignString(a))
				}
				tokens = append(tokens, assignString(a))
			}
			for _, w := range n.Args {
				tokens = append(tokens, addWord(w))
			}
			if len(tokens) > 0 {
				pc.simple = append(pc.simple, tokens)
			}
		}
		return true
	})
	return pc, nil
}

// expands reports whether the shell would substitute any part of w: an
// unquoted tilde at the start or after '=' (bash expands --opt=~/x too), or
// a parameter, command, arithmetic or process substitution, quoted or not.
func expands(w *syntax.Word) bool {
	if len(w.Parts) > 0 {
		if lit, ok := w.Parts[0].(*syntax.Lit); ok && strings.HasPrefix(lit.Value, "~") {
			return true
		}
	}
	for _, part := range w.Parts {
		if lit, ok := part.(*syntax.Lit); ok && strings.Contains(lit.Value, "=~") {
			return true
		}
	}
	return partsExpand(w.Parts)
}

func partsExpand(parts []syntax.WordPart) bool {
	for _, part := range parts {
		switch p := part.(type) {
		case *syntax.ParamExp, *syntax.CmdSubst, *syntax.ArithmExp, *syntax.ProcSubst:
			return true
		case *syntax.DblQuoted:
			if partsExpand(p.Parts) {
				return true
			}
		}
	}
	return false
}

// print renders the parsed command with every expansion-free word replaced
// by its bash-quoted value. Words that expand are printed as parsed.
func (pc *parsedCommand) print() (string, error) {
	for _, w := range pc.words {
		if expands(w) {
			continue
		}
		q, err := syntax.Quote(wordString(w), syntax.LangBash)
		if err != nil {
			continue
		}
		w.Parts = []syntax.WordPart{&syntax.Lit{Value: q}}
	}
	var buf bytes.Buffer
	if err := syntax.NewPrinter().Print(&buf, pc.file); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func wordString(w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		writeWordPart(&b, part)
	}
	return b.String()
}

func writeWordPart(b *strings.Builder, part syntax.WordPart) {
	switch p := part.(type) {
	case *syntax.Lit:
		b.WriteString(p.Value)
	case *syntax.SglQuoted:
		b.WriteString(p.Value)
	case *syntax.DblQuoted:
		for _, qp := range p.Parts {
			writeWordPart(b, qp)
		}
	default:
		b.WriteString(nodeString(part))
	}
}

func assignString(a *syntax.Assign) string {
	if a.Name == nil {
		return "="
	}
	if a.Value == nil {
		return a.Name.Value + "="
	}
	return a.Name.Value + "=" + wordString(a.Value)
}

func nodeString(n syntax.Node) string {
	var buf bytes.Buffer
	if err := syntax.NewPrinter().Print(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}
