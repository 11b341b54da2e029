package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-research/internal/store"
	"github.com/sells-group/lead-research/internal/worker"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Operate on individual leads",
}

var leadsRequeueCmd = &cobra.Command{
	Use:   "requeue <lead-id>",
	Short: "Queue a lead for another research attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("requeue"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return requeueLead(ctx, st, args[0], cmd.OutOrStdout())
	},
}

func requeueLead(ctx context.Context, st store.Store, leadID string, out io.Writer) error {
	res, err := worker.Trigger(ctx, st, leadID, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s: %s (%s)\n", res.LeadID, res.Message, res.Status)
	return err
}

func init() {
	leadsCmd.AddCommand(leadsRequeueCmd)
	rootCmd.AddCommand(leadsCmd)
}
