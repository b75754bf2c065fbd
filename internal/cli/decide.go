package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anescaper/agent-orchestra/internal/decision"
	"github.com/anescaper/agent-orchestra/internal/eventhub"
	"github.com/anescaper/agent-orchestra/internal/model"
)

func newDecideCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "decide <decision-id> <approve|reject>",
		Short:   "Resolve a pending merge-conflict or build/test-failure decision",
		GroupID: GroupPipeline,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decisionID, actionArg := args[0], args[1]

			var action model.DecisionAction
			switch actionArg {
			case "approve":
				action = model.ActionApprove
			case "reject":
				action = model.ActionReject
			default:
				return fmt.Errorf("action must be approve or reject, got %q", actionArg)
			}

			st, err := openStore(deps.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			// decide normally runs as a separate OS process from the one
			// that requested the decision, so this Hub has no subscribers
			// of its own — it exists only so Resolve can publish
			// decision_resolved the same way it would in-process.
			hub := eventhub.New()
			defer hub.Close()

			gate := decision.New(st, hub)
			if err := gate.Resolve(cmd.Context(), decisionID, action); err != nil {
				return fmt.Errorf("resolve decision: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", decisionID, actionArg)
			return nil
		},
	}
	return cmd
}
