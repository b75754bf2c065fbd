package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/anescaper/agent-orchestra/internal/model"
)

func newLaunchCmd(deps *Deps) *cobra.Command {
	var (
		repo         string
		name         string
		buildCommand string
		testCommand  string
		agentSpecs   []string
		wait         bool
	)

	cmd := &cobra.Command{
		Use:     "launch",
		Short:   "Launch a project: spawn agents, then merge/build/test",
		GroupID: GroupPipeline,
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				return fmt.Errorf("--repo is required")
			}
			agents, err := parseAgentSpecs(agentSpecs)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				return fmt.Errorf("at least one --agent team:task is required")
			}

			st, err := openStore(deps.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			a := newApp(st, repo, deps.Backend, deps.Templates)

			ctx := cmd.Context()
			project, err := a.gm.LaunchProject(ctx, model.ProjectLaunchRequest{
				ProjectName:  name,
				RepoPath:     repo,
				BuildCommand: buildCommand,
				TestCommand:  testCommand,
				Agents:       agents,
			})
			if err != nil {
				return fmt.Errorf("launch project: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), project.ProjectID)

			if !wait {
				return nil
			}
			return waitForTerminal(ctx, a, project.ProjectID, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "path to the git repository to orchestrate (required)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable project name")
	cmd.Flags().StringVar(&buildCommand, "build", "", "shell command that builds the repo")
	cmd.Flags().StringVar(&testCommand, "test", "", "shell command that runs the repo's tests")
	cmd.Flags().StringArrayVar(&agentSpecs, "agent", nil, "team:task pair, repeatable, one per agent to launch")
	cmd.Flags().BoolVar(&wait, "wait", true, "block until the pipeline reaches a terminal phase")

	return cmd
}

func parseAgentSpecs(specs []string) ([]model.AgentRequest, error) {
	agents := make([]model.AgentRequest, 0, len(specs))
	for _, spec := range specs {
		team, task, ok := strings.Cut(spec, ":")
		if !ok || team == "" || task == "" {
			return nil, fmt.Errorf("invalid --agent %q, want team:task", spec)
		}
		agents = append(agents, model.AgentRequest{Team: team, Task: task})
	}
	return agents, nil
}

// waitForTerminal polls the store until project reaches a terminal phase,
// then exits with a matching code: 0 on completed, 1 on failed.
func waitForTerminal(ctx context.Context, a *app, projectID string, stderr io.Writer) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		project, err := a.store.GetProject(ctx, projectID)
		if err != nil {
			return fmt.Errorf("get project: %w", err)
		}
		if project.Phase.IsTerminal() {
			if project.Phase == model.PhaseFailed {
				fmt.Fprintln(stderr, project.ErrorMessage)
				return NewSilentExit(1)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
