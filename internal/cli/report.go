package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bob-yamong/policy-back/internal/docker"
	"github.com/bob-yamong/policy-back/internal/reporter"
)

var reportOnce bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Run the host agent that pushes heartbeats to the API",
	Long: `Collect host metrics from /proc, enumerate running Docker containers with
their namespace and cgroup identities, and POST a heartbeat to
reporter.server_url every reporter.interval.`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportOnce, "once", false, "send a single heartbeat and exit")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := docker.Ping(ctx); err != nil {
		return fmt.Errorf("connect docker: %w", err)
	}
	defer docker.CloseClient()

	r, err := reporter.New(cfg.Reporter, reporter.Options{})
	if err != nil {
		return err
	}

	if reportOnce {
		if err := r.Once(ctx); err != nil {
			return err
		}
		fmt.Println("Heartbeat sent.")
		return nil
	}
	return r.Run(ctx)
}
