package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ralph-labs/ralphd/internal/runtime"
	"github.com/ralph-labs/ralphd/internal/types"
)

// ClassifierVersion is the current CI triage payload version. Readers that
// encounter a newer version surface it as unsupported instead of guessing.
const ClassifierVersion = 1

// classifierKind tags the persisted payload so other payload kinds can
// share the column later.
const classifierKind = "ci-triage"

// DefaultMaxCIAttempts bounds how many times the same failure signature is
// retried before the classifier recommends quarantine.
const DefaultMaxCIAttempts = 3

// infraMarkers and flakeMarkers are conclusion/name fragments that pull a
// failure away from the default "regression" classification.
var infraMarkers = []string{"timed_out", "infrastructure", "runner", "cancelled"}
var flakeMarkers = []string{"flaky", "flake", "retry"}

// ClassifyCIFailure builds the versioned triage payload for a set of
// required-check results, at least one of which failed. attempt is the
// 1-based count of times this signature has been seen for the issue.
func ClassifyCIFailure(checks []runtime.CheckStatus, attempt, maxAttempts int) *types.CIClassifierPayload {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCIAttempts
	}

	var failing []string
	var reasons []string
	classification := types.ClassificationRegression
	for _, c := range checks {
		if c.Status != "failure" && c.Conclusion != "failure" && !isFailedConclusion(c.Conclusion) {
			continue
		}
		failing = append(failing, c.Name)
		reasons = append(reasons, c.Name+": "+c.Conclusion)
		if matchesAny(c.Conclusion, infraMarkers) || matchesAny(c.Name, infraMarkers) {
			classification = types.ClassificationInfra
		} else if classification != types.ClassificationInfra &&
			(matchesAny(c.Conclusion, flakeMarkers) || matchesAny(c.Name, flakeMarkers)) {
			classification = types.ClassificationFlake
		}
	}

	action := types.ActionSpawn
	switch {
	case attempt >= maxAttempts:
		action = types.ActionQuarantine
	case classification == types.ClassificationFlake:
		action = types.ActionResume
	case classification == types.ClassificationInfra:
		action = types.ActionResume
	}

	return &types.CIClassifierPayload{
		Kind:           classifierKind,
		Version:        ClassifierVersion,
		Signature:      failureSignature(failing),
		Classification: classification,
		Action:         action,
		Reasons:        reasons,
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
	}
}

// failureSignature hashes the sorted failing-check names so the same set of
// failures yields the same signature across attempts and restarts.
func failureSignature(failing []string) string {
	sorted := append([]string(nil), failing...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(h[:])[:16]
}

func isFailedConclusion(conclusion string) bool {
	switch conclusion {
	case "failure", "timed_out", "cancelled", "action_required":
		return true
	}
	return false
}

func matchesAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
