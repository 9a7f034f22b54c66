// Package safety centralizes the handful of invariant checks the worker and
// supervisor must never skip: a worktree must never be the repo root, a
// session id must never become a path-traversal vector, and a patch's
// touched-file list must be parsed without trusting its shape. A violation
// here is tagged classify.Safety and refused outright, never retried.
package safety

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ralph-labs/ralphd/internal/classify"
)

// ErrWorktreeIsRepoRoot is the refusal reason for a task whose recorded
// worktree path resolves to the repository's main checkout.
var ErrWorktreeIsRepoRoot = fmt.Errorf("safety: worktree refuses to run in the main checkout")

// CheckWorktree verifies that worktreePath is a real, distinct path from
// repoRoot. Both are resolved to absolute, cleaned form before comparison so
// a relative path or a trailing slash can't slip past the check.
func CheckWorktree(repoRoot, worktreePath string) error {
	root, err := filepath.Abs(filepath.Clean(repoRoot))
	if err != nil {
		return classify.New(classify.Safety, "NO_WORKTREE_BRANCH", fmt.Errorf("resolve repo root: %w", err))
	}
	wt, err := filepath.Abs(filepath.Clean(worktreePath))
	if err != nil {
		return classify.New(classify.Safety, "NO_WORKTREE_BRANCH", fmt.Errorf("resolve worktree path: %w", err))
	}
	if wt == root {
		return classify.New(classify.Safety, "NO_WORKTREE_BRANCH", ErrWorktreeIsRepoRoot)
	}
	return nil
}

// patchFileLinePattern matches one "*** Add|Update|Delete|Move" marker line
// from an apply_patch-style patch text, capturing the operation and the
// path operand. Move lines carry a "to:" suffix that TouchedFiles also
// captures as a distinct touched path.
var patchFileLinePattern = regexp.MustCompile(`(?m)^\*\*\* (Add|Update|Delete|Move) File: (.+)$`)
var patchMoveToPattern = regexp.MustCompile(`(?m)^\*\*\* Move to: (.+)$`)

// TouchedFiles extracts the set of file paths a patch touches from its raw
// text, in first-seen order, without executing or otherwise trusting the
// patch content beyond this narrow line-prefix grammar.
func TouchedFiles(patchText string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	for _, m := range patchFileLinePattern.FindAllStringSubmatch(patchText, -1) {
		add(m[2])
	}
	for _, m := range patchMoveToPattern.FindAllStringSubmatch(patchText, -1) {
		add(m[1])
	}
	return out
}

// bashGateAllowlist is the configurable allowlist of bash commands that
// count as a "gate" for loop detection: running one resets the
// edit/touch counters. Matching is prefix-based against the trimmed
// command so callers can configure "go test" and match "go test ./...".
type BashGateAllowlist []string

// DefaultBashGateAllowlist is a reasonable default for Go repositories,
// overridable per deployment via configuration.
var DefaultBashGateAllowlist = BashGateAllowlist{"go test", "go build", "go vet", "make test", "make lint"}

// IsGateCommand reports whether cmd matches any allowlisted prefix.
func (a BashGateAllowlist) IsGateCommand(cmd string) bool {
	trimmed := strings.TrimSpace(cmd)
	for _, prefix := range a {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// sessionIDPattern mirrors internal/paths.IsSafeIdentifier; duplicated here
// (rather than imported) so this package has no dependency on paths and can
// be used from contexts — like parsing agent event payloads — that must
// never resolve a filesystem path as a side effect of validation.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidSessionID reports whether id is safe to use as a single path
// component anywhere a session id flows into a filesystem path.
func ValidSessionID(id string) bool {
	return id != "" && id != "." && id != ".." && sessionIDPattern.MatchString(id)
}

// slugUnsafe matches any run of characters that isn't safe to carry
// verbatim into a single path component.
var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SlugForPath turns an opaque task path (which may contain '/', '#', and
// other characters borrowed from an issue ref like "acme/widgets#42") into a
// single safe path component suitable for a worktree directory name.
func SlugForPath(taskPath string) string {
	slug := slugUnsafe.ReplaceAllString(taskPath, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "task"
	}
	return slug
}
