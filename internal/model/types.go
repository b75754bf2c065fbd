// Package model defines the shared data types passed between the Worktree
// Manager, Event Hub, Session Store, Team Launcher, Decision Gate, and GM
// Pipeline.
package model

import "time"

// SessionStatus is the lifecycle state of an AgentSession.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// MergeResult is the outcome of attempting to merge a session's branch.
type MergeResult string

const (
	MergeUnset          MergeResult = "unset"
	MergeMerged         MergeResult = "merged"
	MergeMergedResolved MergeResult = "merged_resolved"
	MergeSkipped        MergeResult = "skipped"
	MergeFailed         MergeResult = "failed"
)

// AgentSession is one teammate running on one isolated branch.
type AgentSession struct {
	SessionID       string
	ProjectID       string
	TeamName        string
	Task            string
	Branch          string
	WorktreePath    string
	Status          SessionStatus
	FilesChanged    []string
	MergeResult     MergeResult
	MergeOrderIndex int
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// TeammateTask is one unit of work inside a session.
type TeammateTask struct {
	ID          string
	SessionID   string
	Teammate    string
	Role        string
	Status      string
	Output      string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Phase is a GMProject's position in the pipeline state machine.
type Phase string

const (
	PhaseLaunching Phase = "launching"
	PhaseWaiting   Phase = "waiting"
	PhaseAnalyzing Phase = "analyzing"
	PhaseMerging   Phase = "merging"
	PhaseBuilding  Phase = "building"
	PhaseTesting   Phase = "testing"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// IsTerminal reports whether the phase admits no further transitions.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// GMProject is one invocation of the automated pipeline across N agents.
type GMProject struct {
	ProjectID     string
	Name          string
	RepoPath      string
	BuildCommand  string
	TestCommand   string
	Phase         Phase
	AgentCount    int
	MergedCount   int
	CompletedCount int
	FailedCount   int
	BuildAttempts int
	TestAttempts  int
	MergeOrder    []string
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Sessions      []string
	Decisions     []string
}

// DecisionKind is the category of approval gate a Decision represents.
type DecisionKind string

const (
	DecisionMergeConflict DecisionKind = "merge_conflict"
	DecisionBuildFailure  DecisionKind = "build_failure"
	DecisionTestFailure   DecisionKind = "test_failure"
)

// DecisionStatus is the resolution state of a Decision.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

// Decision is a pending human approval gate.
type Decision struct {
	DecisionID     string
	ProjectID      string
	Kind           DecisionKind
	Description    string
	ProposedAction string
	Context        string
	Status         DecisionStatus
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// MaxDecisionContextBytes bounds the stored Decision.Context, matching the
// original implementation's tail-truncation of build/test output before
// it's handed to a human reviewer.
const MaxDecisionContextBytes = 4096

// TruncateContext trims s to the last MaxDecisionContextBytes bytes, the way
// a human reviewer wants to see the tail of a build/test log, not the head.
func TruncateContext(s string) string {
	if len(s) <= MaxDecisionContextBytes {
		return s
	}
	return s[len(s)-MaxDecisionContextBytes:]
}

// Teammate is a named role within a TeamTemplate.
type Teammate struct {
	Name           string
	Role           string
	TimeoutSeconds int
}

// DefaultTeammateTimeoutSeconds is used when a Teammate omits TimeoutSeconds.
const DefaultTeammateTimeoutSeconds = 300

// TeamTemplate is a record consumed by the GM and Team Launcher to resolve a
// team name into teammates and defaults.
type TeamTemplate struct {
	Name        string
	Description string
	Teammates   []Teammate
}

// DefaultTeamTemplates returns the built-in team templates the Team Launcher
// resolves names against when the caller doesn't supply its own registry.
// Config-file parsing is out of scope; templates are always Go structs
// constructed in-process.
func DefaultTeamTemplates() []TeamTemplate {
	return []TeamTemplate{
		{
			Name:        "builders",
			Description: "implements a task against the repository",
			Teammates: []Teammate{
				{Name: "builder", Role: "implementer", TimeoutSeconds: DefaultTeammateTimeoutSeconds},
			},
		},
		{
			Name:        "reviewers",
			Description: "reviews and critiques a prior teammate's changes",
			Teammates: []Teammate{
				{Name: "reviewer", Role: "reviewer", TimeoutSeconds: DefaultTeammateTimeoutSeconds},
			},
		},
	}
}

// AgentRequest is one entry in a ProjectLaunchRequest's agent list.
type AgentRequest struct {
	Team string
	Task string
}

// ProjectLaunchRequest is the record consumed by GM.LaunchProject.
type ProjectLaunchRequest struct {
	ProjectName  string
	RepoPath     string
	BuildCommand string
	TestCommand  string
	Agents       []AgentRequest
}

// DecisionAction is the human response to a pending Decision.
type DecisionAction string

const (
	ActionApprove DecisionAction = "approve"
	ActionReject  DecisionAction = "reject"
)
