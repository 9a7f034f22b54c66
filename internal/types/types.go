// Package types defines the data model shared by the store, scheduler,
// worker, and supervisor: tasks, runs, gate results, sessions, and the
// handful of small value types everything else is built from.
package types

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskStarting   TaskStatus = "starting"
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
	TaskEscalated  TaskStatus = "escalated"
)

// allowedTransitions is the status transition graph tested by S-series
// invariants: a task may only move along these edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskQueued:     {TaskStarting: true, TaskBlocked: true},
	TaskStarting:   {TaskInProgress: true, TaskBlocked: true, TaskEscalated: true, TaskQueued: true},
	TaskInProgress: {TaskDone: true, TaskBlocked: true, TaskEscalated: true},
	TaskBlocked:    {TaskQueued: true, TaskDone: true, TaskEscalated: true},
	TaskEscalated:  {TaskQueued: true, TaskDone: true},
	TaskDone:       {},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge
// in the task lifecycle graph.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	edges, ok := allowedTransitions[from]
	return ok && edges[to]
}

// PriorityBand is a repo's scheduling band; 0 is lowest priority.
type PriorityBand int

const (
	BandLow      PriorityBand = 0
	BandNormal   PriorityBand = 1
	BandHigh     PriorityBand = 2
	BandCritical PriorityBand = 3
)

// Task is a single unit of work against one issue in one repository.
type Task struct {
	// Path is the task's stable id, also its on-disk record path.
	Path string `json:"path"`

	Repo     string       `json:"repo"`
	Issue    string       `json:"issue"` // "<owner>/<name>#<n>"
	Status   TaskStatus   `json:"status"`
	Priority PriorityBand `json:"priority"`

	// SessionID is empty unless Status is starting or in-progress.
	SessionID string `json:"session_id,omitempty"`

	// WorktreePath must never equal the repo root.
	WorktreePath string `json:"worktree_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	BlockedSource  string `json:"blocked_source,omitempty"`
	BlockedReason  string `json:"blocked_reason,omitempty"`
	BlockedDetails string `json:"blocked_details,omitempty"`

	BlockedAt        *time.Time `json:"blocked_at,omitempty"`
	BlockedCheckedAt *time.Time `json:"blocked_checked_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	// CompletionKind distinguishes a normal merge ("pr") from a
	// verified-no-PR terminal ("verified").
	CompletionKind string `json:"completion_kind,omitempty"`
	// NoPrTerminalReason explains a no-PR terminal, e.g. ISSUE_CLOSED_UPSTREAM.
	NoPrTerminalReason string `json:"no_pr_terminal_reason,omitempty"`

	AutoResolveLedger []AutoResolveEntry `json:"auto_resolve_ledger,omitempty"`
	AutoResolveLastAt *time.Time         `json:"auto_resolve_last_at,omitempty"`

	// Extra preserves unknown fields from the opaque external task record
	// so forward compatibility is not broken by fields the core does not
	// understand.
	Extra map[string]any `json:"extra,omitempty"`
}

// AutoResolveEntry is one ledger row recording an autopilot action taken on
// a task's behalf.
type AutoResolveEntry struct {
	Signature      string    `json:"signature"`
	Action         string    `json:"action"`
	At             time.Time `json:"at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// RunOutcome is the terminal result of a Run.
type RunOutcome string

const (
	OutcomePending RunOutcome = "pending"
	OutcomeSuccess RunOutcome = "success"
	OutcomeFailure RunOutcome = "failure"
)

// Run is one attempt of a task through the gate sequence.
type Run struct {
	ID          string     `json:"id"`
	Repo        string     `json:"repo"`
	Issue       string     `json:"issue"`
	TaskRef     string     `json:"task_ref"`
	AttemptKind string     `json:"attempt_kind"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     RunOutcome `json:"outcome"`

	// CompletionKind mirrors Task.CompletionKind for PR-recovery terminal
	// runs that never executed a gate.
	CompletionKind string `json:"completion_kind,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`

	// TokenTotals is nil until every session contributing to this run has
	// reported a complete total; it is never partially populated.
	TokenTotals *TokenTotals `json:"token_totals,omitempty"`
}

// TokenTotals is the sum of session token usage for a run.
type TokenTotals struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
}

// Total returns the sum of all three components.
func (t TokenTotals) Total() int64 { return t.Input + t.Output + t.Reasoning }

// GateName is one of the canonical, ordered gate names.
type GateName string

const (
	GatePreflight     GateName = "preflight"
	GatePlanReview    GateName = "plan_review"
	GateProductReview GateName = "product_review"
	GateDevexReview   GateName = "devex_review"
	GateCI            GateName = "ci"
	GatePREvidence    GateName = "pr_evidence"
)

// GateOrder is the canonical, ordered set of gates every run carries
// exactly one row for.
var GateOrder = []GateName{
	GatePreflight,
	GatePlanReview,
	GateProductReview,
	GateDevexReview,
	GateCI,
	GatePREvidence,
}

// GateStatus is the lifecycle of a single gate within a run. pass and fail
// are terminal; a gate never moves away from them.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GatePass    GateStatus = "pass"
	GateFail    GateStatus = "fail"
	GateSkip    GateStatus = "skip"
)

// Terminal reports whether s is a terminal gate status (pass or fail).
func (s GateStatus) Terminal() bool { return s == GatePass || s == GateFail }

// GateResult is one row per (run, gate).
type GateResult struct {
	RunID  string     `json:"run_id"`
	Gate   GateName   `json:"gate"`
	Status GateStatus `json:"status"`

	Command    string `json:"command,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	Reason     string `json:"reason,omitempty"`
	URL        string `json:"url,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`

	// ClassifierPayload is the CI triage classifier output, present only
	// on the ci gate when it failed.
	ClassifierPayload *CIClassifierPayload `json:"classifier_payload,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// CIClassification is the triage verdict for a failed CI gate.
type CIClassification string

const (
	ClassificationRegression CIClassification = "regression"
	ClassificationFlake      CIClassification = "flake"
	ClassificationInfra      CIClassification = "infra"
)

// CIAction is the action the triage classifier recommends.
type CIAction string

const (
	ActionResume     CIAction = "resume"
	ActionSpawn      CIAction = "spawn"
	ActionQuarantine CIAction = "quarantine"
)

// CIClassifierPayload is the versioned, persisted CI-failure classification.
type CIClassifierPayload struct {
	Kind           string           `json:"kind"`
	Version        int              `json:"version"`
	Signature      string           `json:"signature"`
	Classification CIClassification `json:"classification"`
	Action         CIAction         `json:"action"`
	Reasons        []string         `json:"reasons"`
	Attempt        int              `json:"attempt"`
	MaxAttempts    int              `json:"max_attempts"`
}

// ArtifactKind names the category of a GateArtifact.
type ArtifactKind string

const (
	ArtifactFailureExcerpt ArtifactKind = "failure_excerpt"
	ArtifactNote           ArtifactKind = "note"
)

// TruncationMode describes how an over-long artifact was cut down.
type TruncationMode string

const (
	TruncateHead TruncationMode = "head"
	TruncateTail TruncationMode = "tail"
)

// GateArtifact is an append-only piece of evidence attached to a gate
// result: a CI failure excerpt, a review note, and so on.
type GateArtifact struct {
	ID      int64        `json:"id"`
	RunID   string       `json:"run_id"`
	Gate    GateName     `json:"gate"`
	Kind    ArtifactKind `json:"kind"`
	Content string       `json:"content"`

	Truncated      bool           `json:"truncated"`
	TruncationMode TruncationMode `json:"truncation_mode,omitempty"`
	OriginalChars  int            `json:"original_chars"`
	OriginalLines  int            `json:"original_lines"`
	PolicyVersion  int            `json:"policy_version"`

	CreatedAt time.Time `json:"created_at"`
}

// DaemonRecord is the owner record written by the startup lock.
type DaemonRecord struct {
	Version         int       `json:"version"`
	DaemonID        string    `json:"daemonId"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"startedAt"`
	HeartbeatAt     time.Time `json:"heartbeatAt,omitempty"`
	ControlRoot     string    `json:"controlRoot"`
	ControlFilePath string    `json:"controlFilePath,omitempty"`
	CWD             string    `json:"cwd"`
	Command         string    `json:"command"`
	RalphVersion    string    `json:"ralphVersion,omitempty"`

	// StartIdentity is an opaque, platform-specific value (e.g. process
	// start time) used to disambiguate a live PID from a recycled one.
	StartIdentity string `json:"startIdentity,omitempty"`
}

// ControlMode is the daemon's dispatch mode as read from the control file.
type ControlMode string

const (
	ModeRunning  ControlMode = "running"
	ModeDraining ControlMode = "draining"
	ModePaused   ControlMode = "paused"
)

// ControlFile is the live-reloadable configuration document.
type ControlFile struct {
	Version           int         `json:"version"`
	Mode              ControlMode `json:"mode"`
	PauseRequested    bool        `json:"pause_requested,omitempty"`
	PauseAtCheckpoint string      `json:"pause_at_checkpoint,omitempty"`
	DrainTimeoutMs    int         `json:"drain_timeout_ms,omitempty"`
	DefaultProfile    string      `json:"default_profile,omitempty"`
}

// ThrottleState is the coarse decision the throttle engine yields.
type ThrottleState string

const (
	ThrottleOK   ThrottleState = "ok"
	ThrottleSoft ThrottleState = "soft"
	ThrottleHard ThrottleState = "hard"
)

// WindowSnapshot is the usage picture for a single throttle window.
type WindowSnapshot struct {
	Used    int64     `json:"used"`
	SoftCap int64     `json:"softCap"`
	HardCap int64     `json:"hardCap"`
	ResetAt time.Time `json:"resetAt"`
}

// ThrottleSnapshot is the cached, per-profile throttle decision.
type ThrottleSnapshot struct {
	Provider   string         `json:"provider"`
	Profile    string         `json:"profile"`
	State      ThrottleState  `json:"state"`
	ResumeAt   time.Time      `json:"resumeAt"`
	Rolling5h  WindowSnapshot `json:"rolling5h"`
	Weekly     WindowSnapshot `json:"weekly"`
	ComputedAt time.Time      `json:"computedAt"`
}
