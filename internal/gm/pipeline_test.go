package gm

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/anescaper/agent-orchestra/internal/backend"
	"github.com/anescaper/agent-orchestra/internal/decision"
	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/gmlog"
	"github.com/anescaper/agent-orchestra/internal/launcher"
	"github.com/anescaper/agent-orchestra/internal/model"
	"github.com/anescaper/agent-orchestra/internal/store"
	"github.com/anescaper/agent-orchestra/internal/worktree"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func newTestGM(t *testing.T) (*GM, *store.Store, string) {
	t.Helper()
	repo := initTestRepo(t)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := eventhub.New()
	t.Cleanup(hub.Close)

	wt := worktree.New(repo)
	be := &backend.CommandBackend{Command: "sh", Args: []string{"-c"}}
	l := launcher.New(be, wt, hub, st, gmlog.Default("gm-test-launcher"), nil)
	gate := decision.New(st, hub)

	g := New(st, hub, l, gate, be, gmlog.Default("gm-test"))
	return g, st, repo
}

func makeCompletedSession(t *testing.T, st *store.Store, project *model.GMProject, files []string, startedAt time.Time) *model.AgentSession {
	t.Helper()
	sess := &model.AgentSession{
		ProjectID:    project.ProjectID,
		TeamName:     "builders",
		Task:         "do work",
		Status:       model.SessionCompleted,
		FilesChanged: files,
		StartedAt:    startedAt,
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestAnalyzeMergeOrderPrefersLeastOverlap(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project := &model.GMProject{Name: "demo", RepoPath: repo, Phase: model.PhaseWaiting}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	base := time.Now().UTC()
	// a overlaps heavily with b (shares two files); c shares nothing with anyone.
	a := makeCompletedSession(t, st, project, []string{"x.go", "y.go"}, base)
	b := makeCompletedSession(t, st, project, []string{"x.go", "y.go"}, base.Add(time.Second))
	c := makeCompletedSession(t, st, project, []string{"z.go"}, base.Add(2*time.Second))

	order, err := g.analyzeMergeOrder(ctx, project, []string{a.SessionID, b.SessionID, c.SessionID})
	if err != nil {
		t.Fatalf("analyzeMergeOrder: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 sessions in merge order, got %d", len(order))
	}
	if order[0] != c.SessionID {
		t.Fatalf("expected zero-overlap session %s first, got order %v", c.SessionID, order)
	}
	if order[1] != a.SessionID || order[2] != b.SessionID {
		t.Fatalf("expected a before b (tie broken by start time), got order %v", order)
	}

	got, err := st.GetProject(ctx, project.ProjectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if len(got.MergeOrder) != 3 {
		t.Fatalf("expected merge order persisted on project, got %v", got.MergeOrder)
	}
}

func TestAnalyzeMergeOrderSkipsFailedSessions(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project := &model.GMProject{Name: "demo", RepoPath: repo, Phase: model.PhaseWaiting}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	ok := makeCompletedSession(t, st, project, []string{"x.go"}, time.Now().UTC())
	failed := &model.AgentSession{ProjectID: project.ProjectID, TeamName: "builders", Status: model.SessionFailed, StartedAt: time.Now().UTC()}
	if err := st.CreateSession(ctx, failed); err != nil {
		t.Fatalf("create failed session: %v", err)
	}

	order, err := g.analyzeMergeOrder(ctx, project, []string{ok.SessionID, failed.SessionID})
	if err != nil {
		t.Fatalf("analyzeMergeOrder: %v", err)
	}
	if len(order) != 1 || order[0] != ok.SessionID {
		t.Fatalf("expected only the completed session in merge order, got %v", order)
	}
}

func TestMergeBranchMergesCleanly(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project := &model.GMProject{Name: "demo", RepoPath: repo, Phase: model.PhaseMerging}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	wt := worktree.New(repo)
	sessionID := "clean-session"
	if _, err := wt.Create(sessionID); err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	wtPath := filepath.Join(repo, ".worktrees", sessionID)
	if err := os.WriteFile(filepath.Join(wtPath, "feature.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("write feature file: %v", err)
	}
	runGit(t, wtPath, "add", ".")
	runGit(t, wtPath, "commit", "-m", "add feature")

	sess := &model.AgentSession{
		ProjectID: project.ProjectID,
		SessionID: sessionID,
		TeamName:  "builders",
		Status:    model.SessionCompleted,
		StartedAt: time.Now().UTC(),
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	ok, err := g.mergeBranch(ctx, project, sessionID, 0)
	if err != nil {
		t.Fatalf("mergeBranch: %v", err)
	}
	if !ok {
		t.Fatal("expected clean merge to succeed")
	}

	got, err := st.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MergeResult != model.MergeMerged {
		t.Fatalf("expected merge result merged, got %s", got.MergeResult)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.go")); err != nil {
		t.Fatalf("expected feature.go to land in repo after merge: %v", err)
	}
}

func TestMergeBranchRequestsDecisionOnConflict(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project := &model.GMProject{Name: "demo", RepoPath: repo, Phase: model.PhaseMerging}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	wt := worktree.New(repo)
	sessionID := "conflict-session"
	if _, err := wt.Create(sessionID); err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	wtPath := filepath.Join(repo, ".worktrees", sessionID)
	if err := os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("conflicting change\n"), 0644); err != nil {
		t.Fatalf("write conflicting file: %v", err)
	}
	runGit(t, wtPath, "add", ".")
	runGit(t, wtPath, "commit", "-m", "conflicting edit")

	// Create a second, conflicting commit directly on main after the
	// worktree branched, so the merge cannot fast-forward or auto-merge.
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("main's own change\n"), 0644); err != nil {
		t.Fatalf("write main's file: %v", err)
	}
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "main's edit")

	sess := &model.AgentSession{
		ProjectID: project.ProjectID,
		SessionID: sessionID,
		TeamName:  "builders",
		Status:    model.SessionCompleted,
		StartedAt: time.Now().UTC(),
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	done := make(chan struct{})
	var ok bool
	var mergeErr error
	go func() {
		ok, mergeErr = g.mergeBranch(ctx, project, sessionID, 0)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	var pending *model.Decision
	for pending == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a pending decision to be recorded")
		default:
		}
		decisions, err := st.ListPendingDecisions(ctx, project.ProjectID)
		if err != nil {
			t.Fatalf("list pending decisions: %v", err)
		}
		if len(decisions) > 0 {
			pending = decisions[0]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pending.Kind != model.DecisionMergeConflict {
		t.Fatalf("expected a merge-conflict decision, got %s", pending.Kind)
	}

	gate := decision.New(st, g.hub)
	if err := gate.Resolve(ctx, pending.DecisionID, model.ActionReject); err != nil {
		t.Fatalf("resolve decision: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mergeBranch to return after rejection")
	}

	if mergeErr != nil {
		t.Fatalf("mergeBranch returned error: %v", mergeErr)
	}
	if ok {
		t.Fatal("expected mergeBranch to report failure after the conflict was rejected")
	}

	got, err := st.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MergeResult != model.MergeSkipped {
		t.Fatalf("expected merge result skipped after rejection, got %s", got.MergeResult)
	}
}

func TestRunBuildAndRunTestsPublishResults(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project := &model.GMProject{Name: "demo", RepoPath: repo, Phase: model.PhaseBuilding, BuildCommand: "exit 0", TestCommand: "echo fail 1>&2; exit 1"}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	sub := g.hub.Subscribe(channelForProject(project.ProjectID))
	defer sub.Close()

	ok, out := g.runBuild(ctx, project)
	if !ok {
		t.Fatalf("expected build to succeed, got output %q", out)
	}

	ok, out = g.runTests(ctx, project)
	if ok {
		t.Fatal("expected test command to fail")
	}
	if out == "" {
		t.Fatal("expected captured stderr output on test failure")
	}

	seenBuild, seenTest := false, false
	for !seenBuild || !seenTest {
		recvCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ev, ok := sub.Recv(recvCtx)
		cancel()
		if !ok {
			t.Fatal("subscription closed before seeing both results")
		}
		switch ev.Type {
		case EventBuildResult:
			seenBuild = true
		case EventTestResult:
			seenTest = true
		}
	}
}

func TestAcquireRepoLockSerializesPerRepo(t *testing.T) {
	g, _, repo := newTestGM(t)
	ctx := context.Background()

	release, err := g.acquireRepoLock(ctx, repo)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if _, err := g.acquireRepoLock(lockCtx, repo); err == nil {
		t.Fatal("expected second lock attempt on the same repo to fail while held")
	}

	release()

	release2, err := g.acquireRepoLock(ctx, repo)
	if err != nil {
		t.Fatalf("acquire lock after release: %v", err)
	}
	release2()
}

func TestLaunchProjectRejectsUnknownTeamTemplate(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project, err := g.LaunchProject(ctx, model.ProjectLaunchRequest{
		ProjectName: "demo",
		RepoPath:    repo,
		Agents: []model.AgentRequest{
			{Team: "nonexistent-team", Task: "do something"},
		},
	})
	if err == nil {
		t.Fatal("expected LaunchProject to reject an unknown team template")
	}
	if !errors.Is(err, launcher.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}

	got, getErr := st.GetProject(ctx, project.ProjectID)
	if getErr != nil {
		t.Fatalf("get project: %v", getErr)
	}
	if got.Phase != model.PhaseFailed {
		t.Fatalf("expected project to be marked failed, got %s", got.Phase)
	}
}

func TestCancelFailsForInactiveProject(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project := &model.GMProject{Name: "demo", RepoPath: repo, Phase: model.PhaseMerging}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	if err := g.Cancel(ctx, project.ProjectID); err == nil {
		t.Fatal("expected Cancel to fail for a project with no active orchestration goroutine")
	}
}

func TestCancelAutoRejectsPendingDecision(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project := &model.GMProject{Name: "demo", RepoPath: repo, Phase: model.PhaseMerging}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	gate := decision.New(st, g.hub)
	d, err := gate.Request(ctx, project.ProjectID, model.DecisionMergeConflict, "conflict", "repair", "<<<<<<<")
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}

	g.mu.Lock()
	g.active[project.ProjectID] = func() {}
	g.mu.Unlock()

	if err := g.Cancel(ctx, project.ProjectID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := st.GetDecision(ctx, d.DecisionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.Status != model.DecisionRejected {
		t.Fatalf("expected pending decision to be auto-rejected on cancel, got %s", got.Status)
	}

	gotProject, err := st.GetProject(ctx, project.ProjectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if gotProject.Phase != model.PhaseFailed {
		t.Fatalf("expected project to be marked failed, got %s", gotProject.Phase)
	}
}

func TestRetryRejectsNonFailedProject(t *testing.T) {
	g, st, repo := newTestGM(t)
	ctx := context.Background()

	project := &model.GMProject{Name: "demo", RepoPath: repo, Phase: model.PhaseCompleted}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	if err := g.Retry(ctx, project.ProjectID); err == nil {
		t.Fatal("expected Retry to reject a non-failed project")
	}
}
