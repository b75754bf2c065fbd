// Package decision implements the human approval gate the GM Pipeline
// blocks on before running any repair agent: a merge conflict or a
// build/test failure becomes a pending Decision, and the pipeline's
// goroutine parks until a human approves or rejects it.
//
// There is no teacher analogue for this — gastown has no human-approval
// primitive anywhere in its tree. It is built fresh, but in the teacher's
// idiom: a plain struct behind a mutex, one cheap synchronization
// primitive per pending item (here, a buffered channel of size one rather
// than gastown's JSON-state-file-plus-signal approach, since this gate
// never needs to survive a process restart — an in-flight decision from a
// crashed process is, by design, left pending in the store for a human to
// find and for a future resume feature to pick up).
package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/model"
	"github.com/anescaper/agent-orchestra/internal/store"
)

// EventDecisionRequired and EventDecisionResolved are published on a
// project's channel by Request and Resolve, respectively, so anything
// watching the Event Hub (a dashboard, a notifier) learns about a pending
// approval gate without polling the store.
const (
	EventDecisionRequired = "decision_required"
	EventDecisionResolved = "decision_resolved"
)

func channelForProject(projectID string) string {
	return "project:" + projectID
}

// Gate tracks pending decisions in-memory and wakes whichever pipeline
// goroutine is waiting on one once it's resolved.
type Gate struct {
	store *store.Store
	hub   *eventhub.Hub

	mu      sync.Mutex
	waiters map[string]chan model.DecisionAction // decision_id -> wakeup channel
}

// New constructs a Gate backed by st for persistence, publishing
// decision_required/decision_resolved events on hub.
func New(st *store.Store, hub *eventhub.Hub) *Gate {
	return &Gate{
		store:   st,
		hub:     hub,
		waiters: make(map[string]chan model.DecisionAction),
	}
}

// Request records a new pending decision and returns it. The caller is
// expected to then call Await with the returned DecisionID to block until
// a human resolves it.
func (g *Gate) Request(ctx context.Context, projectID string, kind model.DecisionKind, description, proposedAction, decisionContext string) (*model.Decision, error) {
	d := &model.Decision{
		ProjectID:      projectID,
		Kind:           kind,
		Description:    description,
		ProposedAction: proposedAction,
		Context:        decisionContext,
		Status:         model.DecisionPending,
	}
	if err := g.store.CreateDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}

	g.mu.Lock()
	g.waiters[d.DecisionID] = make(chan model.DecisionAction, 1)
	g.mu.Unlock()

	g.hub.Publish(channelForProject(projectID), EventDecisionRequired, map[string]any{
		"decision_id": d.DecisionID,
		"kind":        string(d.Kind),
		"description": d.Description,
	})

	return d, nil
}

// Await blocks until decisionID is resolved (by Resolve) or ctx is
// cancelled, whichever comes first.
//
// In the common case Resolve is called from within the same process and
// wakes this call immediately over the channel below. But a decision can
// also be resolved by a separate `gmctl decide` invocation, which writes
// straight to the durable store from a different process with its own,
// empty waiters map — this process's Await would otherwise never learn
// about it. awaitPollInterval is a fallback: it notices a store-side
// resolution even when no in-memory wakeup ever arrives.
func (g *Gate) Await(ctx context.Context, decisionID string) (model.DecisionAction, error) {
	g.mu.Lock()
	ch, ok := g.waiters[decisionID]
	g.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no pending decision: %s", decisionID)
	}

	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case action := <-ch:
			return action, nil
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			d, err := g.store.GetDecision(ctx, decisionID)
			if err != nil || d.Status == model.DecisionPending {
				continue
			}
			g.mu.Lock()
			delete(g.waiters, decisionID)
			g.mu.Unlock()
			if d.Status == model.DecisionApproved {
				return model.ActionApprove, nil
			}
			return model.ActionReject, nil
		}
	}
}

// awaitPollInterval bounds how long a cross-process decide can take to
// wake an Await call that never gets an in-memory channel notification.
const awaitPollInterval = time.Second

// Resolve records a human's approve/reject response and wakes the
// pipeline goroutine awaiting it. Resolving an already-resolved decision
// is a no-op that returns nil: the stored outcome stays, no waiter is woken
// and no event is published. An unknown decision returns an error.
func (g *Gate) Resolve(ctx context.Context, decisionID string, action model.DecisionAction) error {
	d, err := g.store.GetDecision(ctx, decisionID)
	if err != nil {
		return fmt.Errorf("get decision: %w", err)
	}
	if d.Status != model.DecisionPending {
		return nil
	}

	status := model.DecisionRejected
	if action == model.ActionApprove {
		status = model.DecisionApproved
	}
	if err := g.store.ResolveDecision(ctx, decisionID, status); err != nil {
		return fmt.Errorf("resolve decision: %w", err)
	}

	g.mu.Lock()
	ch, ok := g.waiters[decisionID]
	if ok {
		delete(g.waiters, decisionID)
	}
	g.mu.Unlock()

	if ok {
		select {
		case ch <- action:
		default:
			// Already delivered (shouldn't happen, buffer is size 1 and we
			// only ever send once) — don't block a double-resolve.
		}
	}

	g.hub.Publish(channelForProject(d.ProjectID), EventDecisionResolved, map[string]any{
		"decision_id": decisionID,
		"status":      string(status),
	})

	return nil
}

// PendingFor returns every decision currently awaiting a human response
// for a project.
func (g *Gate) PendingFor(ctx context.Context, projectID string) ([]*model.Decision, error) {
	return g.store.ListPendingDecisions(ctx, projectID)
}
