package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anescaper/agent-orchestra/internal/backend"
	"github.com/anescaper/agent-orchestra/internal/decision"
	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/model"
	"github.com/anescaper/agent-orchestra/internal/store"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		DBPath:  filepath.Join(t.TempDir(), "gm.db"),
		Backend: &backend.CommandBackend{Command: "true"},
	}
}

func TestNewRootCmdHasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd(testDeps(t))
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"launch", "status", "decide", "cancel"} {
		if !names[want] {
			t.Fatalf("expected a %q subcommand, got %v", want, names)
		}
	}
}

func TestStatusCommandListsNoProjectsOnEmptyStore(t *testing.T) {
	deps := testDeps(t)
	root := NewRootCmd(deps)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"status"})

	if code := Execute(root); code != 0 {
		t.Fatalf("expected exit code 0, got %d (output: %s)", code, out.String())
	}
	if out.String() != "" {
		t.Fatalf("expected no output for an empty store, got %q", out.String())
	}
}

func TestDecideCommandResolvesDecision(t *testing.T) {
	deps := testDeps(t)

	st, err := store.Open(context.Background(), deps.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	project := &model.GMProject{Name: "demo", RepoPath: "/repo", Phase: model.PhaseMerging}
	if err := st.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	hub := eventhub.New()
	t.Cleanup(hub.Close)
	gate := decision.New(st, hub)
	d, err := gate.Request(context.Background(), project.ProjectID, model.DecisionMergeConflict, "conflict", "repair", "<<<<<<<")
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}
	st.Close()

	root := NewRootCmd(deps)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"decide", d.DecisionID, "approve"})

	if code := Execute(root); code != 0 {
		t.Fatalf("expected exit code 0, got %d (output: %s)", code, out.String())
	}
	if !strings.Contains(out.String(), "approve") {
		t.Fatalf("expected output to mention the resolved action, got %q", out.String())
	}

	st2, err := store.Open(context.Background(), deps.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	got, err := st2.GetDecision(context.Background(), d.DecisionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.Status != model.DecisionApproved {
		t.Fatalf("expected decision to be approved, got %s", got.Status)
	}
}

func TestDecideCommandRejectsInvalidAction(t *testing.T) {
	deps := testDeps(t)
	root := NewRootCmd(deps)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"decide", "some-id", "maybe"})

	if code := Execute(root); code == 0 {
		t.Fatal("expected a nonzero exit code for an invalid action")
	}
}

func TestCancelCommandRejectsPendingDecisionBestEffort(t *testing.T) {
	deps := testDeps(t)

	st, err := store.Open(context.Background(), deps.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	project := &model.GMProject{Name: "demo", RepoPath: "/repo", Phase: model.PhaseMerging}
	if err := st.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	hub := eventhub.New()
	t.Cleanup(hub.Close)
	gate := decision.New(st, hub)
	d, err := gate.Request(context.Background(), project.ProjectID, model.DecisionMergeConflict, "conflict", "repair", "<<<<<<<")
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}
	st.Close()

	root := NewRootCmd(deps)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"cancel", project.ProjectID})

	if code := Execute(root); code != 0 {
		t.Fatalf("expected exit code 0, got %d (output: %s)", code, out.String())
	}

	st2, err := store.Open(context.Background(), deps.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	got, err := st2.GetDecision(context.Background(), d.DecisionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.Status != model.DecisionRejected {
		t.Fatalf("expected pending decision to be auto-rejected, got %s", got.Status)
	}
}

func TestCancelCommandMarksUnknownProjectFailedBestEffort(t *testing.T) {
	deps := testDeps(t)

	st, err := store.Open(context.Background(), deps.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	project := &model.GMProject{Name: "demo", RepoPath: "/repo", Phase: model.PhaseMerging}
	if err := st.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	st.Close()

	root := NewRootCmd(deps)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"cancel", project.ProjectID})

	if code := Execute(root); code != 0 {
		t.Fatalf("expected exit code 0, got %d (output: %s)", code, out.String())
	}

	st2, err := store.Open(context.Background(), deps.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	got, err := st2.GetProject(context.Background(), project.ProjectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Phase != model.PhaseFailed {
		t.Fatalf("expected project to be marked failed, got %s", got.Phase)
	}
}
