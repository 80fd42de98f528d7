package procpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/mothsandbox/moth/pkg/ipc"
	"github.com/mothsandbox/moth/pkg/plugin"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/rs/zerolog"
)

// RunWorker connects to the supervisor listening on socketPath, announces
// stage, and runs jobs it is assigned until the connection closes or ctx is
// done. It is the entire body of the re-exec'd "procworker" subcommand;
// cmd/sandboxd only parses flags and calls this. A worker never opens its
// own storage: the supervisor holding the long-lived database connection
// serializes the analysis a job names into the job message itself.
func RunWorker(ctx context.Context, socketPath string, stage plugin.Stage, logger zerolog.Logger) error {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("procpool: dialing supervisor: %w", err)
	}
	defer raw.Close()

	conn := ipc.NewConn(raw)
	if err := conn.WriteMessage(helloMessage{Stage: stage.String()}); err != nil {
		return fmt.Errorf("procpool: sending hello: %w", err)
	}

	processors := plugin.ProcessorsByStage(stage)
	logger.Info().Str("stage", stage.String()).Int("processors", len(processors)).Msg("processing worker ready")

	for {
		var job jobMessage
		ok, err := conn.ReadMessage(&job)
		if err != nil {
			return fmt.Errorf("procpool: reading job: %w", err)
		}
		if !ok {
			logger.Info().Msg("supervisor closed connection")
			return nil
		}

		if err := conn.WriteMessage(stateMessage{State: stateWorking}); err != nil {
			return fmt.Errorf("procpool: acking job: %w", err)
		}

		selected, err := runJob(ctx, stage, processors, job, logger)
		if err != nil {
			logger.Error().Str("analysis_id", job.AnalysisID).Err(err).Msg("processing job failed")
			if werr := conn.WriteMessage(stateMessage{State: stateFailed, Reason: err.Error()}); werr != nil {
				return fmt.Errorf("procpool: reporting failure: %w", werr)
			}
			continue
		}

		if werr := conn.WriteMessage(stateMessage{State: stateDone, Selected: selected}); werr != nil {
			return fmt.Errorf("procpool: reporting completion: %w", werr)
		}
	}
}

// runJob decodes the analysis carried in job, runs every processor for stage
// against it, and for plugin.StagePost also runs every registered reporter
// over the resulting data. It returns a selected flag for plugin.StagePre
// jobs, reporting whether any processor found something worth scheduling a
// task for; nil for every other stage. A panic raised by a plugin (such as a
// duplicate ProcessingResult key) is recovered, logged as a bug and returned
// as an error.
func runJob(ctx context.Context, stage plugin.Stage, processors []plugin.Processor, job jobMessage, logger zerolog.Logger) (res *bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("analysis_id", job.AnalysisID).Interface("panic", r).Msg("processing job panicked (bug)")
			res, err = nil, fmt.Errorf("processing job %s panicked: %v", job.AnalysisID, r)
		}
	}()

	var analysis types.Analysis
	if err := json.Unmarshal(job.Analysis, &analysis); err != nil {
		return nil, fmt.Errorf("decoding analysis %s: %w", job.AnalysisID, err)
	}

	result := types.NewProcessingResult()
	for _, proc := range processors {
		logger.Debug().Str("analysis_id", job.AnalysisID).Str("plugin", proc.Name()).Msg("running processor")
		if err := proc.Process(ctx, &analysis, result); err != nil {
			return nil, fmt.Errorf("processor %s: %w", proc.Name(), err)
		}
	}

	if stage == plugin.StagePost {
		for _, rep := range plugin.Reporters() {
			logger.Debug().Str("analysis_id", job.AnalysisID).Str("reporter", rep.Name()).Msg("running reporter")
			if err := rep.Report(ctx, &analysis, result); err != nil {
				return nil, fmt.Errorf("reporter %s: %w", rep.Name(), err)
			}
		}
	}

	if stage != plugin.StagePre {
		return nil, nil
	}

	selected := true
	if v, ok := result.Get("selected"); ok {
		if b, ok := v.(bool); ok {
			selected = b
		}
	}
	return &selected, nil
}
