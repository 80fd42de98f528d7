// Package intake bridges the stateless "submit" CLI path and the running
// control plane: sandboxd submit writes a self-contained analysis.json under
// a staging directory without ever touching the daemon's database, and a
// Scanner running inside the daemon periodically picks up what it finds
// there, records it in storage, and kicks off identification processing.
// This mirrors the original controller's track_analyses sweep of its own
// untracked directory.
package intake

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/paths"
	"github.com/mothsandbox/moth/pkg/plugin"
	"github.com/mothsandbox/moth/pkg/procpool"
	"github.com/mothsandbox/moth/pkg/storage"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/rs/zerolog"
)

// defaultPollInterval is how often the Scanner sweeps the untracked
// directory for new submissions.
const defaultPollInterval = 2 * time.Second

// stagedAnalysisFile is the name submit writes the staged analysis under,
// within its own subdirectory of the untracked directory.
const stagedAnalysisFile = "analysis.json"

// IdentificationSubmitter hands a newly-tracked analysis off to the
// identification worker pool. pkg/procpool.Pool implements this.
type IdentificationSubmitter interface {
	Submit(job procpool.Job)
}

// Scanner sweeps the untracked directory on an interval, tracking every
// staged analysis it finds into store and submitting it for identification.
type Scanner struct {
	cwd          paths.Paths
	store        storage.Store
	submitter    IdentificationSubmitter
	pollInterval time.Duration
	logger       zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScanner returns a Scanner rooted at cwd, recording tracked analyses in
// store and submitting identification jobs through submitter.
func NewScanner(cwd paths.Paths, store storage.Store, submitter IdentificationSubmitter) *Scanner {
	return &Scanner{
		cwd:          cwd,
		store:        store,
		submitter:    submitter,
		pollInterval: defaultPollInterval,
		logger:       log.WithComponent("intake"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Scanner) Start() {
	go s.run()
}

// Stop signals the sweep loop to exit and waits for it to finish its current
// pass.
func (s *Scanner) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scanner) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.sweepOnce()
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// sweepOnce tracks every staged analysis currently sitting in the untracked
// directory. The poll loop calls it on every tick; tests in this package
// call it directly instead of waiting a full poll interval.
func (s *Scanner) sweepOnce() {
	entries, err := os.ReadDir(s.cwd.UntrackedDir())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).Msg("failed to list untracked submissions")
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if err := s.track(id); err != nil {
			s.logger.Error().Str("analysis_id", id).Err(err).Msg("failed to track new submission")
		}
	}
}

func (s *Scanner) track(id string) error {
	stagingDir := s.cwd.Untracked(id)
	analysisPath := filepath.Join(stagingDir, stagedAnalysisFile)

	data, err := os.ReadFile(analysisPath)
	if err != nil {
		return fmt.Errorf("reading staged analysis: %w", err)
	}

	var analysis types.Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		return fmt.Errorf("decoding staged analysis: %w", err)
	}
	if analysis.ID != id {
		return fmt.Errorf("staged analysis id %q does not match directory %q", analysis.ID, id)
	}
	analysis.State = types.AnalysisPendingIdentification

	if err := s.store.CreateAnalysis(&analysis); err != nil {
		return fmt.Errorf("recording analysis: %w", err)
	}

	s.submitter.Submit(procpool.Job{Stage: plugin.StagePre, AnalysisID: id})
	s.logger.Info().Str("analysis_id", id).Msg("tracked new submission")

	if err := os.RemoveAll(stagingDir); err != nil {
		s.logger.Warn().Str("analysis_id", id).Err(err).Msg("failed to clean up staging directory")
	}
	return nil
}
