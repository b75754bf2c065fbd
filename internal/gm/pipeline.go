// Package gm implements the General Manager pipeline: launch every agent
// for a project, wait for them to finish, compute a merge order from file
// overlap, then drive merge → build → test, recursively invoking a repair
// agent — gated behind human approval — whenever a conflict or failure
// needs one.
//
// The phase sequencing (a build check after each individual merge, not
// just once at the end; poll-based waiting; the retry-from-failed re-entry
// point) is grounded on original_source/dashboard/gm.py's
// _orchestrate/_wait_for_completion/_analyze_merge_order/_merge_branch/
// _run_build/_fix_build_with_claude. That original has no human-approval
// step anywhere — it spawns its repair subprocess unconditionally. The
// Decision Gate below is this pipeline's own addition on top of that
// mechanics: every conflict or failure creates a pending Decision and the
// orchestration goroutine blocks on it before a repair agent ever runs.
package gm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/anescaper/agent-orchestra/internal/backend"
	"github.com/anescaper/agent-orchestra/internal/decision"
	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/gmlog"
	"github.com/anescaper/agent-orchestra/internal/launcher"
	"github.com/anescaper/agent-orchestra/internal/model"
	"github.com/anescaper/agent-orchestra/internal/store"
	"github.com/anescaper/agent-orchestra/internal/worktree"
)

// Tuning constants, matching the original's PHASES/MAX_*_FIX_ATTEMPTS/POLL_INTERVAL.
const (
	MaxBuildFixAttempts = 3
	MaxTestFixAttempts  = 3
	PollInterval        = 5 * time.Second
	ShellTimeout        = 5 * time.Minute
)

// Event types published on a project's channel.
const (
	EventPhaseChange          = "phase_change"
	EventAgentCompleted       = "agent_completed"
	EventMergeOrderDetermined = "merge_order_determined"
	EventMergeStarted         = "merge_started"
	EventMergeConflict        = "merge_conflict"
	EventMergeCompleted       = "merge_completed"
	EventBuildResult          = "build_result"
	EventBuildFixAttempt      = "build_fix_attempt"
	EventTestResult           = "test_result"
	EventTestFixAttempt       = "test_fix_attempt"
	EventProjectCompleted     = "project_completed"
	EventProjectFailed        = "project_failed"
)

// RepairPrompts control what's handed to the repair backend for each kind
// of failure, adapted from gm.py's conflict/build/test prompt templates.
var (
	conflictPromptTemplate = "There are merge conflicts in the following files:\n%s\n\n" +
		"Resolve all merge conflicts in these files. Keep the best version of each " +
		"conflicting section, combining changes from both sides where appropriate. " +
		"Remove all conflict markers (<<<<<<<, =======, >>>>>>>). " +
		"After resolving, stage the files with git add."

	buildFixPromptTemplate = "The build command `%s` failed with the following output:\n\n%s\n\n" +
		"Fix the compilation errors. Only fix build/compilation issues — do not change " +
		"test expectations or add new features. Make minimal changes to get the build passing."

	testFixPromptTemplate = "The test command `%s` failed with the following output:\n\n%s\n\n" +
		"Fix the implementation so the tests pass. Do not modify test expectations — " +
		"fix the actual implementation code. Make minimal changes."
)

// GM coordinates agent launches, merges, builds, and tests for every
// active project.
type GM struct {
	store    *store.Store
	hub      *eventhub.Hub
	launcher *launcher.Launcher
	gate     *decision.Gate
	repair   backend.Backend
	log      *gmlog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	locks  map[string]*flock.Flock // repo_path -> merge/build/test lock
}

// New constructs a GM. repair is the Backend used for recursive
// conflict/build/test repair agents; it may be the same Backend passed to
// the launcher.
func New(st *store.Store, hub *eventhub.Hub, l *launcher.Launcher, gate *decision.Gate, repair backend.Backend, log *gmlog.Logger) *GM {
	return &GM{
		store:    st,
		hub:      hub,
		launcher: l,
		gate:     gate,
		repair:   repair,
		log:      log,
		active:   make(map[string]context.CancelFunc),
		locks:    make(map[string]*flock.Flock),
	}
}

func newProjectID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

func channelForProject(projectID string) string {
	return "project:" + projectID
}

// LaunchProject creates a project record, launches every requested agent,
// and starts the background orchestration goroutine. It returns once all
// agents have been spawned (or failed to spawn); the rest of the pipeline
// runs asynchronously.
func (g *GM) LaunchProject(ctx context.Context, req model.ProjectLaunchRequest) (*model.GMProject, error) {
	project := &model.GMProject{
		ProjectID:    newProjectID(),
		Name:         req.ProjectName,
		RepoPath:     req.RepoPath,
		BuildCommand: req.BuildCommand,
		TestCommand:  req.TestCommand,
		Phase:        model.PhaseLaunching,
		AgentCount:   len(req.Agents),
	}
	if err := g.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	g.publish(project.ProjectID, "project_started", map[string]any{"project_name": project.Name})

	var sessionIDs []string
	for _, agentReq := range req.Agents {
		sess, err := g.launcher.Launch(ctx, project, agentReq)
		if err != nil {
			if errors.Is(err, launcher.ErrTemplateNotFound) {
				// An unknown team template has no local recovery: reject the
				// whole launch request rather than silently dropping the
				// agent and continuing with a partial team.
				project.Phase = model.PhaseFailed
				project.ErrorMessage = err.Error()
				now := time.Now().UTC()
				project.CompletedAt = &now
				_ = g.store.UpdateProject(ctx, project)
				return project, fmt.Errorf("launch project: %w", err)
			}
			g.log.Warn("failed to launch agent", gmlog.F("project_id", project.ProjectID), gmlog.F("team", agentReq.Team), gmlog.F("error", err))
			continue
		}
		sessionIDs = append(sessionIDs, sess.SessionID)
		g.publish(project.ProjectID, "agent_launched", map[string]any{"session_id": sess.SessionID, "team_name": agentReq.Team})
	}

	if len(sessionIDs) == 0 {
		project.Phase = model.PhaseFailed
		project.ErrorMessage = "no agents launched successfully"
		now := time.Now().UTC()
		project.CompletedAt = &now
		_ = g.store.UpdateProject(ctx, project)
		return project, nil
	}

	orchCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.active[project.ProjectID] = cancel
	g.mu.Unlock()

	go g.orchestrate(orchCtx, project, sessionIDs)

	return project, nil
}

func (g *GM) orchestrate(ctx context.Context, project *model.GMProject, sessionIDs []string) {
	defer func() {
		g.mu.Lock()
		delete(g.active, project.ProjectID)
		g.mu.Unlock()
	}()

	if err := g.waitForCompletion(ctx, project, sessionIDs); err != nil {
		g.fail(project, err.Error())
		return
	}

	mergeOrder, err := g.analyzeMergeOrder(ctx, project, sessionIDs)
	if err != nil {
		g.fail(project, err.Error())
		return
	}
	releaseLock, err := g.acquireRepoLock(ctx, project.RepoPath)
	if err != nil {
		g.fail(project, fmt.Sprintf("could not acquire repo lock: %v", err))
		return
	}
	defer releaseLock()

	g.setPhase(ctx, project, model.PhaseMerging, "")

	mergedCount := 0
	for idx, sid := range mergeOrder {
		ok, err := g.mergeBranch(ctx, project, sid, idx)
		if err != nil {
			g.log.Warn("merge branch errored", gmlog.F("session_id", sid), gmlog.F("error", err))
			continue
		}
		if ok {
			mergedCount++
			project.MergedCount = mergedCount
			_ = g.store.UpdateProject(ctx, project)

			if project.BuildCommand != "" {
				if ok, _ := g.runBuild(ctx, project); !ok {
					if fixed := g.fixBuildWithRepair(ctx, project); !fixed {
						g.log.Warn("build broken after merge, continuing", gmlog.F("session_id", sid))
					}
				}
			}
		}
	}

	if mergedCount == 0 && len(mergeOrder) > 0 {
		g.fail(project, "no branches merged successfully")
		return
	}

	if project.BuildCommand != "" {
		g.setPhase(ctx, project, model.PhaseBuilding, "")
		if ok, _ := g.runBuild(ctx, project); !ok {
			if !g.fixBuildWithRepair(ctx, project) {
				g.fail(project, "build failed after all fix attempts")
				return
			}
		}
	}

	if project.TestCommand != "" {
		g.setPhase(ctx, project, model.PhaseTesting, "")
		if ok, _ := g.runTests(ctx, project); !ok {
			if !g.fixTestsWithRepair(ctx, project) {
				g.fail(project, "tests failed after all fix attempts")
				return
			}
		}
	}

	g.finalize(ctx, project)
}

// waitForCompletion polls the store every PollInterval until every
// session reaches a terminal status.
func (g *GM) waitForCompletion(ctx context.Context, project *model.GMProject, sessionIDs []string) error {
	g.setPhase(ctx, project, model.PhaseWaiting, "")

	completed := make(map[string]bool)
	for len(completed) < len(sessionIDs) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}

		for _, sid := range sessionIDs {
			if completed[sid] {
				continue
			}
			sess, err := g.store.GetSession(ctx, sid)
			if err != nil {
				continue
			}
			if sess.Status.IsTerminal() {
				completed[sid] = true
				g.publish(project.ProjectID, EventAgentCompleted, map[string]any{"session_id": sid, "status": string(sess.Status)})
			}
		}

		completedCount, failedCount := 0, 0
		for sid := range completed {
			sess, err := g.store.GetSession(ctx, sid)
			if err != nil {
				continue
			}
			completedCount++
			if sess.Status != model.SessionCompleted {
				failedCount++
			}
		}
		project.CompletedCount = completedCount
		project.FailedCount = failedCount
		_ = g.store.UpdateProject(ctx, project)
	}
	return nil
}

// analyzeMergeOrder scores each completed session's changed files by how
// much they overlap with every other session's, then sorts ascending
// (least-conflicting first), breaking ties by start time then session id
// for determinism.
func (g *GM) analyzeMergeOrder(ctx context.Context, project *model.GMProject, sessionIDs []string) ([]string, error) {
	g.setPhase(ctx, project, model.PhaseAnalyzing, "")

	var successful []*model.AgentSession
	for _, sid := range sessionIDs {
		sess, err := g.store.GetSession(ctx, sid)
		if err != nil {
			continue
		}
		if sess.Status == model.SessionCompleted {
			successful = append(successful, sess)
		}
	}
	if len(successful) == 0 {
		return nil, nil
	}

	filesBySession := make(map[string]map[string]bool, len(successful))
	for _, sess := range successful {
		set := make(map[string]bool, len(sess.FilesChanged))
		for _, f := range sess.FilesChanged {
			set[f] = true
		}
		filesBySession[sess.SessionID] = set
	}

	scores := make(map[string]int, len(successful))
	for _, sess := range successful {
		score := 0
		for _, other := range successful {
			if other.SessionID == sess.SessionID {
				continue
			}
			for f := range filesBySession[sess.SessionID] {
				if filesBySession[other.SessionID][f] {
					score++
				}
			}
		}
		scores[sess.SessionID] = score
	}

	sort.SliceStable(successful, func(i, j int) bool {
		si, sj := successful[i], successful[j]
		if scores[si.SessionID] != scores[sj.SessionID] {
			return scores[si.SessionID] < scores[sj.SessionID]
		}
		if !si.StartedAt.Equal(sj.StartedAt) {
			return si.StartedAt.Before(sj.StartedAt)
		}
		return si.SessionID < sj.SessionID
	})

	mergeOrder := make([]string, len(successful))
	for i, sess := range successful {
		mergeOrder[i] = sess.SessionID
	}

	project.MergeOrder = mergeOrder
	_ = g.store.UpdateProject(ctx, project)
	g.publish(project.ProjectID, EventMergeOrderDetermined, map[string]any{"merge_order": mergeOrder, "scores": scores})

	return mergeOrder, nil
}

// mergeBranch attempts to merge one session's branch. On a conflict, it
// requests a Decision and blocks until a human approves (spawn a repair
// agent to resolve the conflict) or rejects (abort and skip the branch).
func (g *GM) mergeBranch(ctx context.Context, project *model.GMProject, sessionID string, index int) (bool, error) {
	g.publish(project.ProjectID, EventMergeStarted, map[string]any{"session_id": sessionID, "index": index})

	wt := worktree.New(project.RepoPath)
	outcome, err := wt.Merge(sessionID)
	if err != nil {
		g.recordMergeResult(ctx, sessionID, index, model.MergeFailed)
		return false, err
	}

	if !outcome.Conflicted {
		g.recordMergeResult(ctx, sessionID, index, model.MergeMerged)
		g.publish(project.ProjectID, EventMergeCompleted, map[string]any{"session_id": sessionID})
		return true, nil
	}

	g.publish(project.ProjectID, EventMergeConflict, map[string]any{"session_id": sessionID, "files": outcome.ConflictFiles})

	resolved, err := g.resolveConflict(ctx, project, sessionID, wt, outcome.ConflictFiles)
	if err != nil || !resolved {
		_ = wt.AbortMerge()
		g.recordMergeResult(ctx, sessionID, index, model.MergeSkipped)
		g.publish(project.ProjectID, EventMergeCompleted, map[string]any{"session_id": sessionID, "skipped": true})
		return false, nil
	}

	g.recordMergeResult(ctx, sessionID, index, model.MergeMergedResolved)
	g.publish(project.ProjectID, "conflict_resolved", map[string]any{"session_id": sessionID})
	return true, nil
}

func (g *GM) recordMergeResult(ctx context.Context, sessionID string, index int, result model.MergeResult) {
	sess, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	sess.MergeResult = result
	sess.MergeOrderIndex = index
	_ = g.store.UpdateSession(ctx, sess)
}

// resolveConflict requests human approval, then on approval spawns a
// repair agent to remove conflict markers and stage the resolved files,
// and finally completes the merge commit.
func (g *GM) resolveConflict(ctx context.Context, project *model.GMProject, sessionID string, wt *worktree.Manager, conflictFiles []string) (bool, error) {
	filesList := joinLines(conflictFiles)

	d, err := g.gate.Request(ctx, project.ProjectID, model.DecisionMergeConflict,
		fmt.Sprintf("merge conflict in session %s", sessionID),
		"run a repair agent to resolve the conflicting files and complete the merge",
		filesList,
	)
	if err != nil {
		return false, fmt.Errorf("request decision: %w", err)
	}

	action, err := g.gate.Await(ctx, d.DecisionID)
	if err != nil {
		return false, err
	}
	if action != model.ActionApprove {
		return false, nil
	}

	prompt := fmt.Sprintf(conflictPromptTemplate, filesList)
	if !g.runRepairAgent(ctx, project.RepoPath, prompt) {
		return false, nil
	}

	remaining, err := wt.ConflictingFiles()
	if err != nil || len(remaining) > 0 {
		return false, nil
	}

	if err := wt.ResolveConflictAndContinue(sessionID, conflictFiles); err != nil {
		return false, nil
	}
	return true, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// runBuild runs the project's build command once.
func (g *GM) runBuild(ctx context.Context, project *model.GMProject) (bool, string) {
	g.publish(project.ProjectID, "build_started", nil)
	ok, stdout, stderr := g.runShell(ctx, project.RepoPath, project.BuildCommand)
	output := ""
	if !ok {
		output = model.TruncateContext(stdout + stderr)
	}
	g.publish(project.ProjectID, EventBuildResult, map[string]any{"success": ok, "output": output})
	return ok, output
}

// runTests runs the project's test command once.
func (g *GM) runTests(ctx context.Context, project *model.GMProject) (bool, string) {
	g.publish(project.ProjectID, "test_started", nil)
	ok, stdout, stderr := g.runShell(ctx, project.RepoPath, project.TestCommand)
	output := ""
	if !ok {
		output = model.TruncateContext(stdout + stderr)
	}
	g.publish(project.ProjectID, EventTestResult, map[string]any{"success": ok, "output": output})
	return ok, output
}

// fixBuildWithRepair requests one Decision for the whole build-fix effort;
// on approval, it retries up to MaxBuildFixAttempts times, committing
// whatever the repair agent changes between attempts.
func (g *GM) fixBuildWithRepair(ctx context.Context, project *model.GMProject) bool {
	return g.fixWithRepair(ctx, project, model.DecisionBuildFailure, project.BuildCommand, buildFixPromptTemplate, MaxBuildFixAttempts, EventBuildFixAttempt, func(attempts int) {
		project.BuildAttempts = attempts
		_ = g.store.UpdateProject(ctx, project)
	}, g.runBuild)
}

// fixTestsWithRepair mirrors fixBuildWithRepair for test failures.
func (g *GM) fixTestsWithRepair(ctx context.Context, project *model.GMProject) bool {
	return g.fixWithRepair(ctx, project, model.DecisionTestFailure, project.TestCommand, testFixPromptTemplate, MaxTestFixAttempts, EventTestFixAttempt, func(attempts int) {
		project.TestAttempts = attempts
		_ = g.store.UpdateProject(ctx, project)
	}, g.runTests)
}

func (g *GM) fixWithRepair(
	ctx context.Context,
	project *model.GMProject,
	kind model.DecisionKind,
	command string,
	promptTemplate string,
	maxAttempts int,
	attemptEvent string,
	recordAttempts func(attempts int),
	run func(context.Context, *model.GMProject) (bool, string),
) bool {
	_, errorOutput := run(ctx, project)

	d, err := g.gate.Request(ctx, project.ProjectID, kind,
		fmt.Sprintf("command `%s` failed", command),
		"run a repair agent to fix the failure and retry",
		errorOutput,
	)
	if err != nil {
		g.log.Error("failed to request decision", gmlog.F("error", err))
		return false
	}
	action, err := g.gate.Await(ctx, d.DecisionID)
	if err != nil || action != model.ActionApprove {
		return false
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// The count includes the initial failed run as well as each repair.
		recordAttempts(attempt + 1)
		g.publish(project.ProjectID, attemptEvent, map[string]any{"attempt": attempt})

		prompt := fmt.Sprintf(promptTemplate, command, errorOutput)
		if !g.runRepairAgent(ctx, project.RepoPath, prompt) {
			continue
		}
		if err := g.commitRepoChanges(project.RepoPath, fmt.Sprintf("fix: repair attempt %d", attempt)); err != nil {
			g.log.Warn("repair commit failed", gmlog.F("error", err))
		}

		ok, out := run(ctx, project)
		if ok {
			return true
		}
		errorOutput = out
	}
	return false
}

// commitRepoChanges stages and commits any uncommitted changes directly in
// the repo's working tree (not a session worktree), used after a build or
// test repair agent edits files in place on the already-merged HEAD.
func (g *GM) commitRepoChanges(repoPath, message string) error {
	_, status, _ := g.runShell(context.Background(), repoPath, "git status --porcelain")
	if status == "" {
		return nil
	}
	if ok, _, stderr := g.runShell(context.Background(), repoPath, "git add -A"); !ok {
		return fmt.Errorf("stage repair changes: %s", stderr)
	}
	if ok, _, stderr := g.runShell(context.Background(), repoPath, "git commit -m "+shellQuote(message)); !ok {
		return fmt.Errorf("commit repair changes: %s", stderr)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

func (g *GM) finalize(ctx context.Context, project *model.GMProject) {
	g.setPhase(ctx, project, model.PhaseCompleted, "")
	g.publish(project.ProjectID, EventProjectCompleted, nil)
}

func (g *GM) fail(project *model.GMProject, reason string) {
	g.setPhase(context.Background(), project, model.PhaseFailed, reason)
	g.publish(project.ProjectID, EventProjectFailed, map[string]any{"reason": reason})
}

func (g *GM) setPhase(ctx context.Context, project *model.GMProject, phase model.Phase, errorMessage string) {
	project.Phase = phase
	project.ErrorMessage = errorMessage
	if phase.IsTerminal() {
		now := time.Now().UTC()
		project.CompletedAt = &now
	}
	_ = g.store.UpdateProject(ctx, project)
	g.publish(project.ProjectID, EventPhaseChange, map[string]any{"phase": string(phase)})
}

func (g *GM) publish(projectID, eventType string, payload map[string]any) {
	g.hub.Publish(channelForProject(projectID), eventType, payload)
	_ = g.store.AppendLog(context.Background(), store.LogEntry{
		ProjectID: projectID,
		Level:     "info",
		Message:   eventType,
	})
}

// runRepairAgent spawns the repair Backend with prompt inside repoPath and
// waits for it to exit, returning whether it exited cleanly.
func (g *GM) runRepairAgent(ctx context.Context, repoPath, prompt string) bool {
	proc, err := g.repair.Spawn(ctx, backend.SpawnRequest{
		Dir:    repoPath,
		Prompt: prompt,
		Env:    []string{launcher.BuildCacheEnvVar + "=" + filepath.Join(repoPath, ".gm-build-cache")},
	})
	if err != nil {
		g.log.Error("failed to spawn repair agent", gmlog.F("error", err))
		return false
	}
	drain(proc)
	return proc.Wait() == nil
}

func drain(proc backend.Process) {
	go func() { _, _ = io.Copy(io.Discard, proc.Stdout()) }()
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()
}

// runShell runs command in dir via the system shell, with a fixed timeout,
// mirroring the original's _run_shell.
func (g *GM) runShell(ctx context.Context, dir, command string) (ok bool, stdout, stderr string) {
	shellCtx, cancel := context.WithTimeout(ctx, ShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(shellCtx, "sh", "-c", command)
	cmd.Dir = dir

	var outBuf, errBuf bufferWriter
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	return err == nil, outBuf.String(), errBuf.String()
}

type bufferWriter struct {
	data []byte
}

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bufferWriter) String() string { return string(b.data) }

// acquireRepoLock ensures at most one project occupies merging/building/
// testing for a given repo at a time, using a filesystem advisory lock so
// the guarantee holds even across separate process instances.
func (g *GM) acquireRepoLock(ctx context.Context, repoPath string) (func(), error) {
	lockPath := filepath.Join(repoPath, ".gm-merge.lock")

	// Each acquisition opens its own Flock: TryLock on an instance that
	// already holds the lock succeeds again, so a shared instance would not
	// exclude a second project in this same process.
	l := flock.New(lockPath)
	locked, err := l.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("repo lock not acquired: %s", lockPath)
	}

	g.mu.Lock()
	g.locks[repoPath] = l
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.locks, repoPath)
		g.mu.Unlock()
		_ = l.Unlock()
	}, nil
}

// Cancel stops a running project's orchestration goroutine and every
// in-flight agent session it launched.
func (g *GM) Cancel(ctx context.Context, projectID string) error {
	g.mu.Lock()
	cancel, ok := g.active[projectID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("project not active: %s", projectID)
	}
	cancel()

	project, err := g.store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("get project: %w", err)
	}

	sessions, err := g.store.ListSessionsByProject(ctx, projectID)
	if err == nil {
		for _, sess := range sessions {
			if sess.Status == model.SessionRunning {
				_ = g.launcher.Cancel(sess.SessionID)
			}
		}
	}

	pending, err := g.gate.PendingFor(ctx, projectID)
	if err != nil {
		g.log.Warn("failed to list pending decisions for cancel", gmlog.F("project_id", projectID), gmlog.F("error", err))
	}
	for _, d := range pending {
		if err := g.gate.Resolve(ctx, d.DecisionID, model.ActionReject); err != nil {
			g.log.Warn("failed to auto-reject pending decision on cancel", gmlog.F("project_id", projectID), gmlog.F("decision_id", d.DecisionID), gmlog.F("error", err))
		}
	}

	g.fail(project, "cancelled")
	return nil
}

// Retry re-enters the pipeline for a failed project: it re-attempts merges
// for any session left in MergeSkipped, then re-runs the build/test
// phases. It is not a new state in the machine, just an alternate entry
// point into the existing merging/building/testing sequence — matching
// the original's retry_project.
func (g *GM) Retry(ctx context.Context, projectID string) error {
	project, err := g.store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("get project: %w", err)
	}
	if project.Phase != model.PhaseFailed {
		return fmt.Errorf("can only retry failed projects, project is %s", project.Phase)
	}

	releaseLock, err := g.acquireRepoLock(ctx, project.RepoPath)
	if err != nil {
		return fmt.Errorf("acquire repo lock: %w", err)
	}
	defer releaseLock()

	sessions, err := g.store.ListSessionsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	var skipped []*model.AgentSession
	for _, sess := range sessions {
		if sess.MergeResult == model.MergeSkipped {
			skipped = append(skipped, sess)
		}
	}

	if len(skipped) > 0 {
		g.setPhase(ctx, project, model.PhaseMerging, "")
		for _, sess := range skipped {
			if ok, _ := g.mergeBranch(ctx, project, sess.SessionID, sess.MergeOrderIndex); ok {
				project.MergedCount++
				_ = g.store.UpdateProject(ctx, project)
			}
		}
	}

	if project.BuildCommand != "" {
		g.setPhase(ctx, project, model.PhaseBuilding, "")
		if ok, _ := g.runBuild(ctx, project); !ok {
			if !g.fixBuildWithRepair(ctx, project) {
				g.fail(project, "build still failing on retry")
				return fmt.Errorf("build failed on retry")
			}
		}
	}

	if project.TestCommand != "" {
		g.setPhase(ctx, project, model.PhaseTesting, "")
		if ok, _ := g.runTests(ctx, project); !ok {
			if !g.fixTestsWithRepair(ctx, project) {
				g.fail(project, "tests still failing on retry")
				return fmt.Errorf("tests failed on retry")
			}
		}
	}

	g.finalize(ctx, project)
	return nil
}
