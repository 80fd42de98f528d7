package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/plugin"
	"github.com/mothsandbox/moth/pkg/procpool"
	"github.com/spf13/cobra"
)

// procWorkerCmd is the re-exec target pkg/procpool.Pool spawns for each
// worker slot; it is not meant to be invoked by a person.
var procWorkerCmd = &cobra.Command{
	Use:    "procworker",
	Short:  "Run one processing plugin worker (internal)",
	Hidden: true,
	RunE:   runProcWorker,
}

func init() {
	procWorkerCmd.Flags().String("socket", "", "Supervisor socket to dial")
	procWorkerCmd.Flags().String("stage", "", "Processing stage this worker runs")
	procWorkerCmd.Flags().String("name", "", "Worker name, for logging")
	_ = procWorkerCmd.MarkFlagRequired("socket")
	_ = procWorkerCmd.MarkFlagRequired("stage")
}

func runProcWorker(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("socket")
	stageName, _ := cmd.Flags().GetString("stage")
	workerName, _ := cmd.Flags().GetString("name")

	stage, err := parseStage(stageName)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.WithComponent("procworker").With().Str("worker", workerName).Logger()
	return procpool.RunWorker(ctx, socketPath, stage, logger)
}

func parseStage(name string) (plugin.Stage, error) {
	for _, s := range []plugin.Stage{plugin.StagePre, plugin.StageStatic, plugin.StageBehavior, plugin.StagePost} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown processing stage %q", name)
}
