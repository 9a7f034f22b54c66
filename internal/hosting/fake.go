// Package hosting provides a deterministic in-memory HostingClient for
// tests and local development. The real code-hosting API client is an
// external collaborator, specified only through the
// runtime.HostingClient contract it implements.
package hosting

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/ralph-labs/ralphd/internal/runtime"
)

// Fake implements runtime.HostingClient entirely in memory, keyed by repo
// and issue/PR number.
type Fake struct {
	mu sync.Mutex

	labels    map[string]map[int]map[string]bool // repo -> issue -> label -> present
	known     map[string]map[string]bool         // repo -> label -> exists
	comment   map[string][]runtime.Comment       // "repo#number" -> comments
	prs       map[string]map[int]runtime.PullRequest
	issues    map[string]map[int]runtime.Issue
	issuePRs  map[string][]int                 // "repo#issue" -> PR numbers
	checks    map[string][]runtime.CheckStatus // "repo#baseBranch" -> checks
	deleted   map[string]bool                  // "repo#branch" -> deleted
	mergeErrs map[string][]string              // "repo#number" -> queued merge errors
}

// NewFake builds an empty Fake.
func NewFake() *Fake {
	return &Fake{
		labels:    map[string]map[int]map[string]bool{},
		known:     map[string]map[string]bool{},
		comment:   map[string][]runtime.Comment{},
		prs:       map[string]map[int]runtime.PullRequest{},
		issues:    map[string]map[int]runtime.Issue{},
		issuePRs:  map[string][]int{},
		checks:    map[string][]runtime.CheckStatus{},
		deleted:   map[string]bool{},
		mergeErrs: map[string][]string{},
	}
}

func commentKey(repo string, number int) string { return fmt.Sprintf("%s#%d", repo, number) }

// SeedPullRequest installs a PR the test can then have the worker discover
// and evaluate.
func (f *Fake) SeedPullRequest(repo string, pr runtime.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prs[repo] == nil {
		f.prs[repo] = map[int]runtime.PullRequest{}
	}
	f.prs[repo][pr.Number] = pr
}

// SeedIssue installs upstream issue state.
func (f *Fake) SeedIssue(repo string, issue runtime.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issues[repo] == nil {
		f.issues[repo] = map[int]runtime.Issue{}
	}
	f.issues[repo][issue.Number] = issue
}

// LinkIssuePR records that a PR references (closes) the given issue, so
// PullRequestsForIssue can return it.
func (f *Fake) LinkIssuePR(repo string, issueNumber, prNumber int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := commentKey(repo, issueNumber)
	f.issuePRs[key] = append(f.issuePRs[key], prNumber)
}

// SeedMergeError queues an error message MergePullRequest will return, one
// per call, before succeeding again. Tests use it to exercise the
// base-branch-modified retry path.
func (f *Fake) SeedMergeError(repo string, number int, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := commentKey(repo, number)
	f.mergeErrs[key] = append(f.mergeErrs[key], msg)
}

// SeedChecks installs the required-check results for (repo, baseBranch).
func (f *Fake) SeedChecks(repo, baseBranch string, checks []runtime.CheckStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[repo+"#"+baseBranch] = checks
}

func (f *Fake) EnsureLabel(_ context.Context, repo, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known[repo] == nil {
		f.known[repo] = map[string]bool{}
	}
	f.known[repo][label] = true
	return nil
}

func (f *Fake) AddLabel(_ context.Context, repo string, issueNumber int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[repo][label] {
		return fmt.Errorf("hosting: label %q does not exist on %s", label, repo)
	}
	if f.labels[repo] == nil {
		f.labels[repo] = map[int]map[string]bool{}
	}
	if f.labels[repo][issueNumber] == nil {
		f.labels[repo][issueNumber] = map[string]bool{}
	}
	f.labels[repo][issueNumber][label] = true
	return nil
}

func (f *Fake) RemoveLabel(_ context.Context, repo string, issueNumber int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labels[repo] != nil && f.labels[repo][issueNumber] != nil {
		delete(f.labels[repo][issueNumber], label)
	}
	return nil
}

func (f *Fake) PostComment(_ context.Context, repo string, issueNumber int, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := randomHex(6)
	if err != nil {
		return "", err
	}
	key := commentKey(repo, issueNumber)
	f.comment[key] = append(f.comment[key], runtime.Comment{ID: id, Body: body})
	return id, nil
}

func (f *Fake) ListComments(_ context.Context, repo string, issueNumber int) ([]runtime.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]runtime.Comment(nil), f.comment[commentKey(repo, issueNumber)]...)
	return out, nil
}

func (f *Fake) GetPullRequest(_ context.Context, repo string, number int) (runtime.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[repo][number]
	if !ok {
		return runtime.PullRequest{}, fmt.Errorf("hosting: no such PR %s#%d", repo, number)
	}
	return pr, nil
}

func (f *Fake) GetIssue(_ context.Context, repo string, number int) (runtime.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[repo][number]
	if !ok {
		return runtime.Issue{}, fmt.Errorf("hosting: no such issue %s#%d", repo, number)
	}
	return issue, nil
}

func (f *Fake) PullRequestsForIssue(_ context.Context, repo string, issueNumber int) ([]runtime.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.PullRequest
	for _, n := range f.issuePRs[commentKey(repo, issueNumber)] {
		if pr, ok := f.prs[repo][n]; ok {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *Fake) MergePullRequest(_ context.Context, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := commentKey(repo, number)
	if queued := f.mergeErrs[key]; len(queued) > 0 {
		f.mergeErrs[key] = queued[1:]
		return fmt.Errorf("hosting: %s", queued[0])
	}
	pr, ok := f.prs[repo][number]
	if !ok {
		return fmt.Errorf("hosting: no such PR %s#%d", repo, number)
	}
	pr.Merged = true
	pr.State = "closed"
	f.prs[repo][number] = pr
	return nil
}

func (f *Fake) UpdatePullRequestBranch(_ context.Context, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[repo][number]
	if !ok {
		return fmt.Errorf("hosting: no such PR %s#%d", repo, number)
	}
	pr.HeadUpdated = true
	f.prs[repo][number] = pr
	return nil
}

func (f *Fake) RequiredChecks(_ context.Context, repo, baseBranch string) ([]runtime.CheckStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]runtime.CheckStatus(nil), f.checks[repo+"#"+baseBranch]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) DeleteBranch(_ context.Context, repo, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[repo+"#"+branch] = true
	return nil
}

// IssueLabels returns the labels currently applied to an issue via
// AddLabel, for test assertions.
func (f *Fake) IssueLabels(repo string, issueNumber int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for label, present := range f.labels[repo][issueNumber] {
		if present {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

// BranchDeleted reports whether DeleteBranch was called for (repo, branch);
// tests use this to assert the head-branch deletion preconditions held.
func (f *Fake) BranchDeleted(repo, branch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[repo+"#"+branch]
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ runtime.HostingClient = (*Fake)(nil)
