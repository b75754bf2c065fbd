package decision

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/model"
	"github.com/anescaper/agent-orchestra/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *store.Store) {
	t.Helper()
	g, st, _ := newTestGateWithHub(t)
	return g, st
}

func newTestGateWithHub(t *testing.T) (*Gate, *store.Store, *eventhub.Hub) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := eventhub.New()
	t.Cleanup(hub.Close)
	return New(st, hub), st, hub
}

func TestAwaitWakesOnResolve(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	proj := &model.GMProject{Name: "demo", RepoPath: "/repo", Phase: model.PhaseMerging}
	if err := st.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}

	d, err := g.Request(ctx, proj.ProjectID, model.DecisionMergeConflict, "conflict in a.go", "", "<<<<<<<")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	result := make(chan model.DecisionAction, 1)
	go func() {
		action, err := g.Await(context.Background(), d.DecisionID)
		if err != nil {
			t.Errorf("await: %v", err)
			return
		}
		result <- action
	}()

	time.Sleep(20 * time.Millisecond) // let Await register before we resolve
	if err := g.Resolve(ctx, d.DecisionID, model.ActionApprove); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case action := <-result:
		if action != model.ActionApprove {
			t.Fatalf("expected approve, got %s", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Await to wake")
	}
}

func TestAwaitRespectsContextCancellation(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	proj := &model.GMProject{Name: "demo", RepoPath: "/repo", Phase: model.PhaseMerging}
	if err := st.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}
	d, err := g.Request(ctx, proj.ProjectID, model.DecisionBuildFailure, "build broke", "", "error output")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := g.Await(awaitCtx, d.DecisionID); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestRequestAndResolvePublishToHub(t *testing.T) {
	g, st, hub := newTestGateWithHub(t)
	ctx := context.Background()

	proj := &model.GMProject{Name: "demo", RepoPath: "/repo", Phase: model.PhaseMerging}
	if err := st.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}

	sub := hub.Subscribe(channelForProject(proj.ProjectID))
	defer sub.Close()

	d, err := g.Request(ctx, proj.ProjectID, model.DecisionMergeConflict, "conflict", "", "<<<<<<<")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, ok := sub.Recv(recvCtx)
	if !ok || ev.Type != EventDecisionRequired {
		t.Fatalf("expected a %s event, got %+v (ok=%v)", EventDecisionRequired, ev, ok)
	}

	if err := g.Resolve(ctx, d.DecisionID, model.ActionApprove); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	recvCtx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	ev2, ok2 := sub.Recv(recvCtx2)
	if !ok2 || ev2.Type != EventDecisionResolved {
		t.Fatalf("expected a %s event, got %+v (ok=%v)", EventDecisionResolved, ev2, ok2)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	proj := &model.GMProject{Name: "demo", RepoPath: "/repo", Phase: model.PhaseMerging}
	if err := st.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}
	d, err := g.Request(ctx, proj.ProjectID, model.DecisionTestFailure, "tests failed", "", "FAIL")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := g.Resolve(ctx, d.DecisionID, model.ActionApprove); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := g.Resolve(ctx, d.DecisionID, model.ActionReject); err != nil {
		t.Fatalf("second resolve should not error: %v", err)
	}

	got, err := st.GetDecision(ctx, d.DecisionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.Status != model.DecisionApproved {
		t.Fatalf("expected status to stay approved, got %s", got.Status)
	}
}
