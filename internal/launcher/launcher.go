// Package launcher runs one agent session per teammate request: it creates
// the session's worktree, spawns the configured Backend inside it, streams
// its output onto the Event Hub, watches for repeated resource-exhaustion
// errors, and finalizes the session (auto-commit, status, files changed)
// when the process exits.
//
// The streaming/watchdog/finalize sequence is translated from the
// asyncio-based original_source/dashboard/team_launcher.py's
// _stream_and_finish: line-buffered concurrent stdout/stderr draining,
// critical-error pattern matching with a fixed occurrence threshold,
// auto-commit on exit, then a final status update. Process signaling
// (graceful SIGTERM, SIGKILL after a timeout) follows the escalation shape
// of zulandar-gastown's internal/doltserver/doltserver.go Stop().
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/anescaper/agent-orchestra/internal/backend"
	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/gmlog"
	"github.com/anescaper/agent-orchestra/internal/model"
	"github.com/anescaper/agent-orchestra/internal/store"
	"github.com/anescaper/agent-orchestra/internal/worktree"
)

// ErrTemplateNotFound is returned by Launch when the request's Team name
// doesn't resolve against the Launcher's template registry.
var ErrTemplateNotFound = errors.New("team template not found")

// CriticalErrorPatterns are substrings in a session's stderr that indicate
// the host is out of some resource rather than the agent hitting an
// ordinary task failure. Matches team_launcher.py's CRITICAL_ERROR_PATTERNS
// exactly.
var CriticalErrorPatterns = []string{
	"No space left on device",
	"ENOSPC",
	"disk quota exceeded",
	"cannot allocate memory",
	"OSError: [Errno 28]",
}

// CriticalErrorThreshold is the number of times a single pattern must
// recur before the session is killed.
const CriticalErrorThreshold = 2

// GracefulStopTimeout is how long Cancel waits after SIGTERM before
// escalating to SIGKILL.
const GracefulStopTimeout = 10 * time.Second

// BuildCacheEnvVar is set on every spawned process's environment, pointed
// at a directory shared across all sessions in a project's repo. It
// generalizes the original implementation's Cargo-specific
// CARGO_TARGET_DIR trick into an ecosystem-agnostic convention: a backend
// may use it to avoid redundant rebuilds across sessions, or ignore it.
const BuildCacheEnvVar = "GM_BUILD_CACHE_DIR"

// EventType values published on the project's event channel.
const (
	EventSessionStarted      = "session_started"
	EventSessionOutput       = "session_output"
	EventSessionResourceKill = "session_resource_error"
	EventSessionCompleted    = "session_completed"
	EventSessionCancelled    = "session_cancelled"
	EventSessionTimeout      = "session_timeout"
)

// Launcher supervises the lifetime of agent session subprocesses.
type Launcher struct {
	backend   backend.Backend
	wt        *worktree.Manager
	hub       *eventhub.Hub
	store     *store.Store
	log       *gmlog.Logger
	templates map[string]model.TeamTemplate

	mu      sync.Mutex
	running map[string]backend.Process
}

// New constructs a Launcher. wt must be rooted at the same repo path
// sessions are launched against. templates is the registry Launch resolves
// AgentRequest.Team names against; a nil or empty slice falls back to
// model.DefaultTeamTemplates.
func New(be backend.Backend, wt *worktree.Manager, hub *eventhub.Hub, st *store.Store, log *gmlog.Logger, templates []model.TeamTemplate) *Launcher {
	if len(templates) == 0 {
		templates = model.DefaultTeamTemplates()
	}
	byName := make(map[string]model.TeamTemplate, len(templates))
	for _, t := range templates {
		byName[t.Name] = t
	}
	return &Launcher{
		backend:   be,
		wt:        wt,
		hub:       hub,
		store:     st,
		log:       log,
		templates: byName,
		running:   make(map[string]backend.Process),
	}
}

// sessionTimeout returns the wall-clock timeout governing a session
// launched against template, taken from its first teammate entry.
func sessionTimeout(tmpl model.TeamTemplate) time.Duration {
	seconds := model.DefaultTeammateTimeoutSeconds
	if len(tmpl.Teammates) > 0 && tmpl.Teammates[0].TimeoutSeconds > 0 {
		seconds = tmpl.Teammates[0].TimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

func newSessionID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Launch creates an isolated worktree for the request, spawns the backend
// inside it, and begins streaming its output in the background. It
// returns as soon as the subprocess has started; completion is reported
// asynchronously via the Event Hub and the session's final store state.
func (l *Launcher) Launch(ctx context.Context, project *model.GMProject, req model.AgentRequest) (*model.AgentSession, error) {
	tmpl, ok := l.templates[req.Team]
	if !ok {
		return nil, fmt.Errorf("launch session for team %q: %w", req.Team, ErrTemplateNotFound)
	}

	sessionID := newSessionID()

	created, err := l.wt.Create(sessionID)
	if err != nil {
		return nil, fmt.Errorf("create worktree for session %s: %w", sessionID, err)
	}

	session := &model.AgentSession{
		SessionID:    sessionID,
		ProjectID:    project.ProjectID,
		TeamName:     req.Team,
		Task:         req.Task,
		Branch:       created.Branch,
		WorktreePath: created.WorktreePath,
		Status:       model.SessionRunning,
		MergeResult:  model.MergeUnset,
	}
	if err := l.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("record session %s: %w", sessionID, err)
	}

	for _, tm := range tmpl.Teammates {
		task := &model.TeammateTask{
			SessionID: sessionID,
			Teammate:  tm.Name,
			Role:      tm.Role,
			Status:    string(model.SessionRunning),
		}
		if err := l.store.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("record task %s for session %s: %w", tm.Name, sessionID, err)
		}
	}

	prompt := fmt.Sprintf("Team: %s\nTask: %s", req.Team, req.Task)
	env := []string{BuildCacheEnvVar + "=" + buildCacheDir(project.RepoPath)}

	proc, err := l.backend.Spawn(ctx, backend.SpawnRequest{
		Dir:    created.WorktreePath,
		Env:    env,
		Prompt: prompt,
	})
	if err != nil {
		session.Status = model.SessionFailed
		now := time.Now().UTC()
		session.CompletedAt = &now
		_ = l.store.UpdateSession(ctx, session)
		return nil, fmt.Errorf("spawn session %s: %w", sessionID, err)
	}

	l.mu.Lock()
	l.running[sessionID] = proc
	l.mu.Unlock()

	l.hub.Publish(channelForProject(project.ProjectID), EventSessionStarted, map[string]any{
		"session_id": sessionID,
		"team_name":  req.Team,
	})

	go l.streamAndFinish(project, session, proc, sessionTimeout(tmpl))

	return session, nil
}

func buildCacheDir(repoPath string) string {
	return repoPath + string(os.PathSeparator) + ".gm-build-cache"
}

func channelForProject(projectID string) string {
	return "project:" + projectID
}

func (l *Launcher) streamAndFinish(project *model.GMProject, session *model.AgentSession, proc backend.Process, timeout time.Duration) {
	ctx := context.Background()
	channel := channelForProject(project.ProjectID)

	var mu sync.Mutex
	errorCounts := make(map[string]int)
	failureReason := ""
	setFailure := func(reason string) bool {
		mu.Lock()
		defer mu.Unlock()
		if failureReason != "" {
			return false
		}
		failureReason = reason
		return true
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go l.drainStream(channel, session.SessionID, "stdout", proc.Stdout(), &wg, nil, nil, nil)
	go l.drainStream(channel, session.SessionID, "stderr", proc.Stderr(), &wg, &mu, errorCounts, func(pattern string, count int) {
		if setFailure("resource_exhaustion") {
			l.log.Warn("killing session after repeated resource error", gmlog.F("session_id", session.SessionID), gmlog.F("pattern", pattern), gmlog.F("count", count))
			l.hub.Publish(channel, EventSessionResourceKill, map[string]any{
				"session_id": session.SessionID,
				"pattern":    pattern,
				"count":      count,
			})
			_ = proc.Kill()
		}
	})

	stopWatchdog := make(chan struct{})
	go l.watchTimeout(channel, session.SessionID, proc, timeout, stopWatchdog, setFailure)

	wg.Wait()
	close(stopWatchdog)

	waitErr := proc.Wait()

	l.mu.Lock()
	delete(l.running, session.SessionID)
	l.mu.Unlock()

	if err := l.wt.AutoCommit(session.SessionID, fmt.Sprintf("feat: %s session %s", session.TeamName, session.SessionID)); err != nil {
		l.log.Warn("auto-commit failed", gmlog.F("session_id", session.SessionID), gmlog.F("error", err))
	}

	filesChanged, err := l.wt.FilesChanged(session.SessionID)
	if err != nil {
		l.log.Warn("could not compute files changed", gmlog.F("session_id", session.SessionID), gmlog.F("error", err))
	}

	now := time.Now().UTC()
	session.CompletedAt = &now
	mu.Lock()
	if failureReason == "" && waitErr != nil {
		failureReason = waitErr.Error()
	}
	finalFailure := failureReason
	mu.Unlock()
	if finalFailure != "" {
		session.Status = model.SessionFailed
	} else {
		session.Status = model.SessionCompleted
		session.FilesChanged = filesChanged
	}
	if err := l.store.UpdateSession(ctx, session); err != nil {
		l.log.Error("failed to persist session completion", gmlog.F("session_id", session.SessionID), gmlog.F("error", err))
	}

	tasks, err := l.store.ListTasksBySession(ctx, session.SessionID)
	if err != nil {
		l.log.Warn("could not list tasks for session", gmlog.F("session_id", session.SessionID), gmlog.F("error", err))
	}
	for _, t := range tasks {
		t.Status = string(session.Status)
		t.CompletedAt = session.CompletedAt
		if finalFailure != "" {
			t.Error = finalFailure
		}
		if err := l.store.UpdateTask(ctx, t); err != nil {
			l.log.Warn("failed to persist task completion", gmlog.F("task_id", t.ID), gmlog.F("error", err))
		}
	}

	l.hub.Publish(channel, EventSessionCompleted, map[string]any{
		"session_id": session.SessionID,
		"status":     string(session.Status),
	})
}

// watchTimeout enforces a session's per-template wall-clock timeout: on
// expiry it sends SIGTERM, then escalates to SIGKILL after
// GracefulStopTimeout if the process is still running. It only ever signals
// the process, never waits on it — reaping is left to streamAndFinish's
// proc.Wait() (and to Launcher.Cancel's, for a cancelled session). stop is closed once the process has already
// exited, so a watchdog racing the normal exit path backs off cleanly.
func (l *Launcher) watchTimeout(channel, sessionID string, proc backend.Process, timeout time.Duration, stop <-chan struct{}, setFailure func(string) bool) {
	select {
	case <-stop:
		return
	case <-time.After(timeout):
	}

	if !setFailure("session_timeout") {
		return
	}

	l.log.Warn("killing session after timeout", gmlog.F("session_id", sessionID), gmlog.F("timeout", timeout.String()))
	l.hub.Publish(channel, EventSessionTimeout, map[string]any{
		"session_id": sessionID,
		"timeout":    timeout.String(),
	})
	_ = proc.Signal(syscall.SIGTERM)

	select {
	case <-stop:
	case <-time.After(GracefulStopTimeout):
		_ = proc.Kill()
	}
}

// drainStream reads newline-delimited output from r, publishing each line
// as a progress event. For stderr, it also tracks CriticalErrorPatterns
// occurrences and invokes onThreshold once the first pattern crosses
// CriticalErrorThreshold.
func (l *Launcher) drainStream(channel, sessionID, streamName string, r io.Reader, wg *sync.WaitGroup, mu *sync.Mutex, errorCounts map[string]int, onThreshold func(pattern string, count int)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}

		if streamName == "stderr" && mu != nil {
			mu.Lock()
			for _, pattern := range CriticalErrorPatterns {
				if strings.Contains(text, pattern) {
					errorCounts[pattern]++
					if errorCounts[pattern] >= CriticalErrorThreshold {
						mu.Unlock()
						onThreshold(pattern, errorCounts[pattern])
						mu.Lock()
					}
				}
			}
			mu.Unlock()
		}

		l.hub.Publish(channel, EventSessionOutput, map[string]any{
			"session_id": sessionID,
			"stream":     streamName,
			"line":       text,
		})
	}
}

// Cancel gracefully stops a running session: SIGTERM, then SIGKILL after
// GracefulStopTimeout if it hasn't exited.
func (l *Launcher) Cancel(sessionID string) error {
	l.mu.Lock()
	proc, ok := l.running[sessionID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not running: %s", sessionID)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal session %s: %w", sessionID, err)
	}

	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(GracefulStopTimeout):
		_ = proc.Kill()
		<-done
	}
	return nil
}

// CancelAll stops every currently running session, for shutdown.
func (l *Launcher) CancelAll() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.running))
	for id := range l.running {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		_ = l.Cancel(id)
	}
}
