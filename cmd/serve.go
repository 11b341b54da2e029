package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-research/internal/server"
)

var (
	servePort        int
	serveStartWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control surface for the research worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		return runServe(ctx, env, resolvePort(servePort, cfg.Server.Port), serveStartWorker)
	},
}

// runServe serves the control surface until ctx is done, then stops the
// scheduler and waits for running cycles.
func runServe(ctx context.Context, env *researchEnv, port int, startWorker bool) error {
	cycleCtx := context.WithoutCancel(ctx)
	srv := server.New(cycleCtx, env.Store, env.Scheduler, env.Metrics,
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)

	if startWorker {
		env.Scheduler.Start(cycleCtx)
	}
	go env.Collector.Run(ctx, time.Minute)

	err := srv.ListenAndServe(ctx, port)
	env.Scheduler.Stop()
	env.Scheduler.Wait()
	return err
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveStartWorker, "start-worker", false, "start the research worker with the server")
	rootCmd.AddCommand(serveCmd)
}
