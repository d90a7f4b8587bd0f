package allowlist

// Denied in every builtin category: command substitution in both forms,
// process substitution, braced expansion, privilege escalation, and piping
// into a shell.
var baseDenied = []string{
	"`",
	`\$\(`,
	`[<>]\(`,
	`\$\{`,
	`\bsudo\b`,
	`\|\s*(ba|z|da)?sh\b`,
}

func denied(extra ...string) []string {
	out := make([]string, 0, len(baseDenied)+len(extra))
	out = append(out, baseDenied...)
	return append(out, extra...)
}

// find actions that delete files or run other programs.
const findActions = `\s-(delete|exec|execdir|ok|okdir|fprint)\b`

// Interpreters running code given on the command line.
var inlineCode = []string{
	`\bpython3?(\s+-[A-Za-z]+)*\s+-[A-Za-z]*c\b`,
	`\bnode(\s+-\S+)*\s+(-e|--eval|-p|--print)\b`,
}

var readOnlyGit = []string{"diff", "log", "show", "status", "blame"}

// BuiltinTable returns a fresh copy of the builtin category table.
func BuiltinTable() Table {
	return Table{
		Categories: map[string]*Policy{
			DefaultCategory: {
				Description:            "Unknown agents: inspect the workspace only.",
				AllowedCommands:        []string{"ls", "cat", "pwd", "echo"},
				DeniedPatterns:         denied(`[;&|]`),
				PathValidationRequired: true,
			},
			"read-only": {
				Description:     "Reviewers and analysers: read files and history.",
				AllowedCommands: []string{"ls", "cat", "head", "tail", "wc", "grep", "find", "pwd", "echo", "tree", "file", "stat", "diff", "git"},
				AllowedSubcommands: map[string][]string{
					"git": readOnlyGit,
				},
				DeniedPatterns:         denied(findActions, `>`),
				PathValidationRequired: true,
			},
			"documentation": {
				Description:     "Documentation writers: edit docs and commit them locally.",
				AllowedCommands: []string{"ls", "cat", "head", "tail", "grep", "pwd", "echo", "wc", "mkdir", "touch", "cp", "mv", "markdownlint", "pandoc", "git"},
				AllowedSubcommands: map[string][]string{
					"git": {"status", "diff", "log", "add", "commit"},
				},
				DeniedPatterns:         denied(),
				PathValidationRequired: true,
			},
			"testing": {
				Description:     "Test runners: build and run test suites.",
				AllowedCommands: []string{"ls", "cat", "head", "tail", "grep", "pwd", "echo", "go", "npm", "npx", "pytest", "jest", "make", "cargo", "git"},
				AllowedSubcommands: map[string][]string{
					"go":    {"test", "vet", "build"},
					"npm":   {"test", "run", "ci"},
					"make":  {"test", "check"},
					"cargo": {"test", "check", "build"},
					"git":   {"status", "diff", "log"},
				},
				DeniedPatterns:         denied(append([]string{findActions}, inlineCode...)...),
				PathValidationRequired: true,
			},
			"security-audit": {
				Description:     "Security auditors: static analysis and dependency scanners.",
				AllowedCommands: []string{"ls", "cat", "head", "tail", "grep", "find", "pwd", "echo", "gosec", "semgrep", "trivy", "govulncheck", "pip-audit", "npm", "git"},
				AllowedSubcommands: map[string][]string{
					"npm": {"audit"},
					"git": readOnlyGit,
				},
				DeniedPatterns:         denied(findActions),
				PathValidationRequired: true,
			},
			"development": {
				Description:     "Developers: edit, build and commit within the workspace.",
				AllowedCommands: []string{"ls", "cat", "head", "tail", "grep", "find", "pwd", "echo", "wc", "mkdir", "touch", "cp", "mv", "rm", "go", "node", "npm", "python3", "make", "cargo", "git"},
				AllowedSubcommands: map[string][]string{
					"git": {"status", "diff", "log", "show", "add", "commit", "branch", "checkout", "switch", "stash", "fetch", "pull"},
				},
				DeniedPatterns:         denied(append([]string{findActions, `\brm\s+(-[A-Za-z]*\s+)*/\s*$`}, inlineCode...)...),
				PathValidationRequired: true,
				RequireApproval:        map[string]bool{"rm": true},
				ApprovalMessage:        "Deleting files requires confirmation from a human operator.",
			},
			"database": {
				Description:     "Database maintainers: run queries and migrations.",
				AllowedCommands: []string{"ls", "cat", "pwd", "echo", "psql", "mysql", "sqlite3", "pg_dump", "migrate"},
				AllowedSubcommands: map[string][]string{
					"migrate": {"up", "down", "status", "version", "force"},
				},
				DeniedPatterns:  denied(),
				RequireApproval: map[string]bool{"psql": true, "mysql": true, "migrate down": true, "migrate force": true},
				ApprovalMessage: "Database changes can destroy data. A human operator must approve this command before it runs.",
				Infrastructure:  true,
			},
			"infrastructure": {
				Description:     "Deployers: cloud CLIs and cluster tooling.",
				AllowedCommands: []string{"ls", "cat", "pwd", "echo", "kubectl", "terraform", "docker", "helm", "aws", "gcloud", "az"},
				AllowedSubcommands: map[string][]string{
					"kubectl":   {"get", "describe", "logs", "apply", "delete", "rollout", "scale"},
					"terraform": {"init", "validate", "fmt", "plan", "show", "apply", "destroy"},
					"docker":    {"ps", "images", "logs", "build", "pull", "run", "stop", "rm"},
					"helm":      {"list", "status", "template", "install", "upgrade", "uninstall"},
				},
				DeniedPatterns: denied(`--kubeconfig`, `--auto-approve`),
				RequireApproval: map[string]bool{
					"aws": true, "gcloud": true, "az": true,
					"kubectl apply": true, "kubectl delete": true, "kubectl rollout": true, "kubectl scale": true,
					"terraform apply": true, "terraform destroy": true,
					"docker run": true, "docker rm": true,
					"helm install": true, "helm upgrade": true, "helm uninstall": true,
				},
				ApprovalMessage: "This command changes shared infrastructure. A human operator must approve it before it runs.",
				Infrastructure:  true,
			},
		},
		Agents: map[string]string{
			"code-reviewer":    "read-only",
			"analyzer":         "read-only",
			"doc-writer":       "documentation",
			"test-runner":      "testing",
			"security-auditor": "security-audit",
			"developer":        "development",
			"db-maintainer":    "database",
			"deployer":         "infrastructure",
		},
		AgentPatterns: []AgentPattern{
			{Pattern: "*-reviewer", Category: "read-only"},
			{Pattern: "docs-*", Category: "documentation"},
			{Pattern: "*-tester", Category: "testing"},
			{Pattern: "sec-*", Category: "security-audit"},
		},
	}
}

// Builtin returns the registry built from BuiltinTable.
func Builtin() *Registry {
	return MustNew(BuiltinTable())
}
