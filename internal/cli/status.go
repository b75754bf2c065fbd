package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status [project-id]",
		Short:   "Show a project's phase and progress, or list every project",
		GroupID: GroupPipeline,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(deps.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				projects, err := st.ListProjects(ctx)
				if err != nil {
					return fmt.Errorf("list projects: %w", err)
				}
				for _, p := range projects {
					fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", p.ProjectID, p.Name, p.Phase, p.RepoPath)
				}
				return nil
			}

			projectID := args[0]
			p, err := st.GetProject(ctx, projectID)
			if err != nil {
				return fmt.Errorf("get project: %w", err)
			}
			fmt.Fprintf(out, "project_id:\t%s\n", p.ProjectID)
			fmt.Fprintf(out, "name:\t%s\n", p.Name)
			fmt.Fprintf(out, "phase:\t%s\n", p.Phase)
			fmt.Fprintf(out, "agents:\t%d launched, %d completed, %d failed, %d merged\n", p.AgentCount, p.CompletedCount, p.FailedCount, p.MergedCount)
			fmt.Fprintf(out, "merge_order:\t%v\n", p.MergeOrder)
			if p.ErrorMessage != "" {
				fmt.Fprintf(out, "error:\t%s\n", p.ErrorMessage)
			}

			decisions, err := st.ListPendingDecisions(ctx, projectID)
			if err != nil {
				return fmt.Errorf("list pending decisions: %w", err)
			}
			for _, d := range decisions {
				fmt.Fprintf(out, "pending_decision:\t%s\t%s\t%s\n", d.DecisionID, d.Kind, d.Description)
			}
			return nil
		},
	}
	return cmd
}
