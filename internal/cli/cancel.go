package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anescaper/agent-orchestra/internal/decision"
	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/model"
)

func newCancelCmd(deps *Deps) *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:     "cancel <project-id>",
		Short:   "Cancel a running project",
		GroupID: GroupPipeline,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]

			st, err := openStore(deps.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := cmd.Context()
			project, err := st.GetProject(ctx, projectID)
			if err != nil {
				return fmt.Errorf("get project: %w", err)
			}

			if project.Phase.IsTerminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already %s\n", projectID, project.Phase)
				return nil
			}

			// A cancel invoked as a fresh process, separate from the one
			// running the orchestration goroutine, has no handle on its
			// in-memory GM.active entry or its live agent subprocesses —
			// there's no daemon or IPC channel between gmctl invocations.
			// When --repo is given this constructs a real app and calls
			// GM.Cancel, which only succeeds if this same process happens
			// to be the one that launched the project. Otherwise this is a
			// best-effort store-only cancel: the project is marked failed
			// so status/retry reflect the operator's intent, but any agent
			// processes the original launch is still running are not
			// signaled and will run to completion on their own.
			if repo != "" {
				a := newApp(st, repo, deps.Backend, deps.Templates)
				if err := a.gm.Cancel(ctx, projectID); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: cancelled\n", projectID)
					return nil
				}
			}

			// No in-process GM to drive the cancellation through, so resolve
			// any pending decision directly against the store before
			// marking the project failed — otherwise the goroutine blocked
			// in decision.Gate.Await on the original process (if still
			// running) waits forever on a decision that will never resolve.
			hub := eventhub.New()
			defer hub.Close()
			gate := decision.New(st, hub)
			pending, err := gate.PendingFor(ctx, projectID)
			if err != nil {
				return fmt.Errorf("list pending decisions: %w", err)
			}
			for _, d := range pending {
				if err := gate.Resolve(ctx, d.DecisionID, model.ActionReject); err != nil {
					return fmt.Errorf("reject pending decision %s: %w", d.DecisionID, err)
				}
			}

			project.Phase = model.PhaseFailed
			project.ErrorMessage = "cancelled"
			now := time.Now().UTC()
			project.CompletedAt = &now
			if err := st.UpdateProject(ctx, project); err != nil {
				return fmt.Errorf("mark project cancelled: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: marked cancelled\n", projectID)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repo path, if this process is also the one running the project's orchestration")
	return cmd
}
