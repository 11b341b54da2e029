package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var researchCmd = &cobra.Command{
	Use:   "research <lead-id>",
	Short: "Research a single lead now with the first available agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "research")
		if err != nil {
			return err
		}
		defer env.Close()

		return researchOne(ctx, env, args[0], cmd.OutOrStdout())
	},
}

// researchOne runs the research runner once for leadID and prints the
// resulting lead as JSON. The lead is printed even when research failed.
func researchOne(ctx context.Context, env *researchEnv, leadID string, out io.Writer) error {
	lead, err := env.Store.GetLead(ctx, leadID)
	if err != nil {
		return eris.Wrap(err, "research: get lead")
	}

	agents, err := env.Store.ListAgents(ctx, env.AgentTypes)
	if err != nil {
		return eris.Wrap(err, "research: list agents")
	}
	if len(agents) == 0 {
		return eris.New("research: no AI agents found, seed some with `agents seed`")
	}

	runErr := env.Runner.Run(ctx, *lead, agents[0], "manual")

	updated, err := env.Store.GetLead(ctx, leadID)
	if err != nil {
		return eris.Wrap(err, "research: reload lead")
	}
	if err := printJSON(out, updated); err != nil {
		return err
	}
	return runErr
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}


func init() {
	rootCmd.AddCommand(researchCmd)
}
