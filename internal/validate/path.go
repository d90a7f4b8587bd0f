package validate

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxPathLength bounds candidate paths before any filesystem access.
const MaxPathLength = 2048

var traversalSequences = []string{"../", `..\`, "%2e%2e%2f", "%2e%2e%5c"}

// PathOptions tunes ValidatePath.
type PathOptions struct {
	// MustExist rejects candidates whose leaf does not exist yet.
	MustExist bool
}

// ValidatePath resolves p against workspaceRoot and returns the canonical
// absolute path. Both the root and the candidate are resolved through
// symlinks, so a symlinked root is never mistaken for an escape and a symlink
// inside the root that points outside it is caught.
//
// An absolute candidate outside the root fails with CodeOutsideWorkspace; a
// relative one that escapes fails with CodePathTraversal.
// errors.Is(err, ErrPathTraversal) matches either.
func ValidatePath(p, workspaceRoot string, opts PathOptions) (string, error) {
	if p == "" {
		return "", newError(CodeInvalidPath, "", "path is empty")
	}
	if len(p) > MaxPathLength {
		return "", newError(CodeTooLong, "", "path length %d exceeds %d", len(p), MaxPathLength)
	}
	if strings.ContainsRune(p, 0) {
		return "", newError(CodeInvalidPath, "", "path contains NUL byte")
	}
	lower := strings.ToLower(p)
	for _, seq := range traversalSequences {
		if strings.Contains(lower, seq) {
			return "", newError(CodePathTraversal, "", "path contains traversal sequence %q", seq)
		}
	}

	root, err := resolveRoot(workspaceRoot)
	if err != nil {
		return "", err
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, exists, err := resolveExistingPrefix(candidate, 0)
	if err != nil {
		return "", newError(CodeInvalidPath, "", "resolve %q: %v", p, err)
	}
	if !IsWithin(root, resolved) {
		if filepath.IsAbs(p) && !IsWithin(root, candidate) && !IsWithin(filepath.Clean(workspaceRoot), candidate) {
			return "", newError(CodeOutsideWorkspace, "", "%q is outside workspace %q", p, root)
		}
		return "", newError(CodePathTraversal, "", "%q resolves to %q outside workspace %q", p, resolved, root)
	}
	if opts.MustExist && !exists {
		return "", newError(CodeNotFound, "", "%q does not exist", p)
	}
	return resolved, nil
}

// IsWithin reports whether p equals root or lies below it, comparing whole
// path segments. Both arguments must be clean absolute paths.
func IsWithin(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

func resolveRoot(workspaceRoot string) (string, error) {
	if workspaceRoot == "" {
		return "", newError(CodeInvalidPath, "workspace_root", "workspace root is empty")
	}
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", newError(CodeInvalidPath, "workspace_root", "%v", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", newError(CodeNotFound, "workspace_root", "workspace root %q does not exist", workspaceRoot)
		}
		return "", newError(CodeInvalidPath, "workspace_root", "resolve workspace root: %v", err)
	}
	return resolved, nil
}

const maxSymlinkHops = 40

// resolveExistingPrefix evaluates symlinks on the longest existing prefix of
// p and re-attaches the components that do not exist yet. The boolean reports
// whether the full path exists. A dangling symlink is followed to its target
// so that where it would point can still be checked.
func resolveExistingPrefix(p string, hops int) (string, bool, error) {
	var missing []string
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", false, err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}

	exists := len(missing) == 0
	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		if hops >= maxSymlinkHops {
			return "", false, err
		}
		target, lerr := os.Readlink(cur)
		if lerr != nil {
			return "", false, err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(cur), target)
		}
		resolved, _, err = resolveExistingPrefix(filepath.Clean(target), hops+1)
		if err != nil {
			return "", false, err
		}
		exists = false
	}
	for i := len(missing) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, missing[i])
	}
	return resolved, exists, nil
}
