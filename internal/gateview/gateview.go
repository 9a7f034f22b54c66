// Package gateview projects a run's gate state into the stable version-2
// JSON document the gates CLI command emits. The projection is pure: it
// reads a store.RunGateState and produces a Document, so the schema can be
// tested without a CLI process.
package gateview

import (
	"github.com/ralph-labs/ralphd/internal/classify"
	"github.com/ralph-labs/ralphd/internal/store"
	"github.com/ralph-labs/ralphd/internal/types"
)

// SchemaVersion is the gates JSON document version. Bumped only for
// incompatible shape changes; additive fields keep the version.
const SchemaVersion = 2

// supportedClassifierVersion is the newest CI triage payload version this
// binary understands; newer persisted payloads are surfaced as unsupported
// rather than partially decoded.
const supportedClassifierVersion = 1

// Document is the top-level gates JSON output.
type Document struct {
	Version     int            `json:"version"`
	Repo        string         `json:"repo"`
	IssueNumber int            `json:"issueNumber"`
	RunID       string         `json:"runId"`
	Gates       []Gate         `json:"gates"`
	Artifacts   []Artifact     `json:"artifacts"`
	Error       *ErrorEnvelope `json:"error"`
}

// Gate is one gate row in the projection.
type Gate struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Command    string `json:"command,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`
	Reason     string `json:"reason,omitempty"`
	URL        string `json:"url,omitempty"`
	PRNumber   int    `json:"prNumber,omitempty"`
	PRURL      string `json:"prUrl,omitempty"`

	ClassifierVersion           int                       `json:"classifierVersion,omitempty"`
	ClassifierPayload           *types.CIClassifierPayload `json:"classifierPayload,omitempty"`
	ClassifierSource            string                    `json:"classifierSource,omitempty"` // "persisted" | "artifact"
	ClassifierUnsupportedVersion bool                     `json:"classifierUnsupportedVersion,omitempty"`
}

// Artifact is one artifact row in the projection.
type Artifact struct {
	ID                    int64  `json:"id"`
	Gate                  string `json:"gate"`
	Kind                  string `json:"kind"`
	Truncated             bool   `json:"truncated"`
	TruncationMode        string `json:"truncationMode,omitempty"`
	ArtifactPolicyVersion int    `json:"artifactPolicyVersion"`
	OriginalChars         int    `json:"originalChars"`
	OriginalLines         int    `json:"originalLines"`
	Content               string `json:"content"`
}

// ErrorEnvelope is the stable error shape shared by every JSON-emitting
// command. Error is always present at the top level: null when none.
type ErrorEnvelope struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	SchemaVersion  int    `json:"schemaVersion,omitempty"`
	SupportedRange []int  `json:"supportedRange,omitempty"`
	WritableRange  []int  `json:"writableRange,omitempty"`
}

// Project builds the version-2 document for one run's gate state.
func Project(state *store.RunGateState, repo string, issueNumber int) Document {
	doc := Document{
		Version:     SchemaVersion,
		Repo:        repo,
		IssueNumber: issueNumber,
		RunID:       state.Run.ID,
		Gates:       make([]Gate, 0, len(state.Gates)),
		Artifacts:   make([]Artifact, 0, len(state.Artifacts)),
	}

	for _, gr := range state.Gates {
		g := Gate{
			Name:       string(gr.Gate),
			Status:     string(gr.Status),
			Command:    gr.Command,
			SkipReason: gr.SkipReason,
			Reason:     gr.Reason,
			URL:        gr.URL,
			PRNumber:   gr.PRNumber,
		}
		if gr.Gate == types.GatePREvidence && gr.URL != "" {
			g.PRURL = gr.URL
		}
		if gr.ClassifierPayload != nil {
			g.ClassifierVersion = gr.ClassifierPayload.Version
			g.ClassifierSource = "persisted"
			if gr.ClassifierPayload.Version > supportedClassifierVersion {
				g.ClassifierUnsupportedVersion = true
			} else {
				g.ClassifierPayload = gr.ClassifierPayload
			}
		}
		doc.Gates = append(doc.Gates, g)
	}

	for _, a := range state.Artifacts {
		doc.Artifacts = append(doc.Artifacts, Artifact{
			ID:                    a.ID,
			Gate:                  string(a.Gate),
			Kind:                  string(a.Kind),
			Truncated:             a.Truncated,
			TruncationMode:        string(a.TruncationMode),
			ArtifactPolicyVersion: a.PolicyVersion,
			OriginalChars:         a.OriginalChars,
			OriginalLines:         a.OriginalLines,
			Content:               a.Content,
		})
	}

	return doc
}

// ProjectError builds a document carrying only the stable error envelope,
// used when the store cannot be read at all.
func ProjectError(repo string, issueNumber int, code, message string) Document {
	return Document{
		Version:     SchemaVersion,
		Repo:        repo,
		IssueNumber: issueNumber,
		Gates:       []Gate{},
		Artifacts:   []Artifact{},
		Error:       &ErrorEnvelope{Code: code, Message: message},
	}
}

// ProjectForwardIncompatible builds the error document for a durable store
// whose schema is newer than this binary supports; the CLI exits with the
// classified code.
func ProjectForwardIncompatible(repo string, issueNumber int, e *store.ErrForwardIncompatible) (Document, int) {
	doc := Document{
		Version:     SchemaVersion,
		Repo:        repo,
		IssueNumber: issueNumber,
		Gates:       []Gate{},
		Artifacts:   []Artifact{},
		Error: &ErrorEnvelope{
			Code:           string(classify.ForwardIncompatible),
			Message:        e.Error(),
			SchemaVersion:  e.SchemaVersion,
			SupportedRange: []int{e.SupportedRange[0], e.SupportedRange[1]},
			WritableRange:  []int{e.WritableRange[0], e.WritableRange[1]},
		},
	}
	return doc, classify.ExitCode(classify.ForwardIncompatible)
}
