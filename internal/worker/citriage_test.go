package worker

import (
	"testing"

	"github.com/ralph-labs/ralphd/internal/runtime"
	"github.com/ralph-labs/ralphd/internal/types"
)

func TestClassifyCIFailureClassification(t *testing.T) {
	cases := []struct {
		name   string
		checks []runtime.CheckStatus
		want   types.CIClassification
		action types.CIAction
	}{
		{
			"plain failure is a regression",
			[]runtime.CheckStatus{{Name: "ci/test", Status: "failure", Conclusion: "failure"}},
			types.ClassificationRegression, types.ActionSpawn,
		},
		{
			"timeout is infra",
			[]runtime.CheckStatus{{Name: "ci/test", Status: "failure", Conclusion: "timed_out"}},
			types.ClassificationInfra, types.ActionResume,
		},
		{
			"flaky check name is a flake",
			[]runtime.CheckStatus{{Name: "ci/flaky-e2e", Status: "failure", Conclusion: "failure"}},
			types.ClassificationFlake, types.ActionResume,
		},
		{
			"infra beats flake",
			[]runtime.CheckStatus{
				{Name: "ci/flaky-e2e", Status: "failure", Conclusion: "failure"},
				{Name: "ci/build", Status: "failure", Conclusion: "timed_out"},
			},
			types.ClassificationInfra, types.ActionResume,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := ClassifyCIFailure(c.checks, 1, 3)
			if p.Classification != c.want {
				t.Fatalf("classification = %s, want %s", p.Classification, c.want)
			}
			if p.Action != c.action {
				t.Fatalf("action = %s, want %s", p.Action, c.action)
			}
			if p.Version != ClassifierVersion || p.Kind != "ci-triage" {
				t.Fatalf("payload header = %s/%d", p.Kind, p.Version)
			}
		})
	}
}

func TestClassifyCIFailureQuarantineAtBudget(t *testing.T) {
	checks := []runtime.CheckStatus{{Name: "ci/flaky-e2e", Status: "failure", Conclusion: "failure"}}
	p := ClassifyCIFailure(checks, 3, 3)
	if p.Action != types.ActionQuarantine {
		t.Fatalf("attempt at budget must quarantine, got %s", p.Action)
	}
	if p.Attempt != 3 || p.MaxAttempts != 3 {
		t.Fatalf("attempt bookkeeping = %d/%d", p.Attempt, p.MaxAttempts)
	}
}

func TestFailureSignatureStable(t *testing.T) {
	a := ClassifyCIFailure([]runtime.CheckStatus{
		{Name: "ci/a", Status: "failure", Conclusion: "failure"},
		{Name: "ci/b", Status: "failure", Conclusion: "failure"},
	}, 1, 3)
	b := ClassifyCIFailure([]runtime.CheckStatus{
		{Name: "ci/b", Status: "failure", Conclusion: "failure"},
		{Name: "ci/a", Status: "failure", Conclusion: "failure"},
	}, 2, 3)
	if a.Signature != b.Signature {
		t.Fatalf("signature must be order-independent: %s vs %s", a.Signature, b.Signature)
	}
	c := ClassifyCIFailure([]runtime.CheckStatus{
		{Name: "ci/c", Status: "failure", Conclusion: "failure"},
	}, 1, 3)
	if a.Signature == c.Signature {
		t.Fatal("different failing sets must produce different signatures")
	}
}
