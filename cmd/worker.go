package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the research scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		runWorker(ctx, env)
		return nil
	},
}

// runWorker starts the scheduler and blocks until ctx is done. Cycles already
// running are allowed to finish before it returns.
func runWorker(ctx context.Context, env *researchEnv) {
	// Cycles keep the signal-free context so in-flight leads reach a
	// terminal status after shutdown begins.
	cycleCtx := context.WithoutCancel(ctx)
	env.Scheduler.Start(cycleCtx)
	go env.Collector.Run(ctx, time.Minute)

	<-ctx.Done()
	zap.L().Info("shutdown signal received, stopping research worker")
	env.Scheduler.Stop()
	env.Scheduler.Wait()
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
