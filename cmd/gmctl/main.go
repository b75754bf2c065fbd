// Command gmctl drives the merge/build/test pipeline over a git repo:
// launch a team of agents, watch them merge, build, and test, and resolve
// the human approval gates a conflict or failure raises along the way.
package main

import (
	"os"
	"path/filepath"

	"github.com/anescaper/agent-orchestra/internal/backend"
	"github.com/anescaper/agent-orchestra/internal/cli"
)

// defaultAgentCommand and defaultAgentArgs match the invocation the
// original system used for every agent/repair subprocess: a fixed set of
// allowed tools, the prompt passed with -p.
const defaultAgentCommand = "claude"

var defaultAgentArgs = []string{"--allowedTools", "Edit,Write,Bash,Read,Glob,Grep", "-p"}

func defaultDBPath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".gmctl", "state.db")
	}
	return "gmctl-state.db"
}

func main() {
	deps := cli.Deps{
		DBPath: defaultDBPath(),
		Backend: &backend.CommandBackend{
			Command: defaultAgentCommand,
			Args:    defaultAgentArgs,
		},
	}

	root := cli.NewRootCmd(deps)
	os.Exit(cli.Execute(root))
}
