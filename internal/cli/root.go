// Package cli provides the gmctl command-line surface: launch, status,
// decide, and cancel. Its grouping shape (cobra.Command tree, group IDs,
// an Execute() int that lets main translate a SilentExit into a bare exit
// code) is adapted from zulandar-gastown's internal/cmd/root.go, trimmed to
// the handful of subcommands this pipeline's CLI contract requires — there
// is no web UI, HTTP surface, or standalone runner behind it.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anescaper/agent-orchestra/internal/backend"
	"github.com/anescaper/agent-orchestra/internal/decision"
	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/gm"
	"github.com/anescaper/agent-orchestra/internal/gmlog"
	"github.com/anescaper/agent-orchestra/internal/launcher"
	"github.com/anescaper/agent-orchestra/internal/model"
	"github.com/anescaper/agent-orchestra/internal/store"
	"github.com/anescaper/agent-orchestra/internal/worktree"
)

// Command group IDs, used by subcommands to organize help output.
const (
	GroupPipeline = "pipeline"
	GroupDiag     = "diag"
)

// Deps is what every subcommand needs before it can run: a path to the
// durable store and a Backend for spawning agent/repair processes. main
// constructs this once with default values and passes it down; the --db
// flag registered by NewRootCmd overrides DBPath.
type Deps struct {
	DBPath    string
	Backend   backend.Backend
	Templates []model.TeamTemplate
}

// app bundles the full set of in-process components a pipeline-driving
// command (launch, cancel) needs, scoped to one repo.
type app struct {
	store    *store.Store
	hub      *eventhub.Hub
	launcher *launcher.Launcher
	gate     *decision.Gate
	gm       *gm.GM
	log      *gmlog.Logger
}

// openStore opens the durable store at path, creating it (and any
// schema migrations) if necessary.
func openStore(path string) (*store.Store, error) {
	return store.Open(context.Background(), path)
}

func newApp(st *store.Store, repoPath string, be backend.Backend, templates []model.TeamTemplate) *app {
	wt := worktree.New(repoPath)
	hub := eventhub.New()
	log := gmlog.Default("gmctl")
	l := launcher.New(be, wt, hub, st, log.With("launcher"), templates)
	gate := decision.New(st, hub)
	g := gm.New(st, hub, l, gate, be, log.With("gm"))

	return &app{store: st, hub: hub, launcher: l, gate: gate, gm: g, log: log}
}

// NewRootCmd builds the gmctl command tree. deps carries main's defaults and
// is threaded down to every subcommand; the persistent --db flag overrides
// deps.DBPath, and deps.Backend is used as given.
func NewRootCmd(deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:   "gmctl",
		Short: "Drive a multi-agent merge/build/test pipeline over a git repo",
		Long: `gmctl launches a team of AI coding agents into isolated git worktrees,
merges their branches in an order chosen by file-overlap analysis, and
drives the repo's build and test commands, pausing for human approval
before any automated repair.`,
	}

	root.AddGroup(
		&cobra.Group{ID: GroupPipeline, Title: "Pipeline:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	root.SetHelpCommandGroupID(GroupDiag)
	root.SetCompletionCommandGroupID(GroupDiag)

	root.PersistentFlags().StringVar(&deps.DBPath, "db", deps.DBPath, "path to the gmctl state database")

	root.AddCommand(
		newLaunchCmd(&deps),
		newStatusCmd(&deps),
		newDecideCmd(&deps),
		newCancelCmd(&deps),
	)

	return root
}

// Execute runs root and returns a process exit code, translating a
// SilentExit into its carried code without printing anything, and any other
// error into 1 after printing it to root's error stream.
func Execute(root *cobra.Command) int {
	root.SilenceErrors = true
	root.SilenceUsage = true
	if err := root.Execute(); err != nil {
		if code, ok := IsSilentExit(err); ok {
			return code
		}
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}
