package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mothsandbox/moth/pkg/paths"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <path-or-url>...",
	Short: "Submit one or more files or URLs for analysis",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().String("platform", "", "Platform[,version] to run on, e.g. windows,10")
	submitCmd.Flags().Int("timeout", 0, "Analysis timeout in seconds (0 uses the configured default)")
	submitCmd.Flags().Int("priority", 1, "Scheduling priority, higher runs first")
	submitCmd.Flags().Bool("manual", false, "Wait for manual selection instead of automatic identification")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cwdDir, _ := cmd.Flags().GetString("cwd")
	platformArg, _ := cmd.Flags().GetString("platform")
	timeout, _ := cmd.Flags().GetInt("timeout")
	priority, _ := cmd.Flags().GetInt("priority")
	manual, _ := cmd.Flags().GetBool("manual")

	cwd := paths.New(cwdDir)

	settings := &types.Settings{
		Timeout:  timeout,
		Priority: priority,
		Manual:   manual,
	}
	if platformArg != "" {
		settings.Platforms = []types.PlatformSelector{parsePlatform(platformArg)}
	}

	for _, arg := range args {
		target, err := resolveTarget(cwd, arg)
		if err != nil {
			return fmt.Errorf("resolving target %q: %w", arg, err)
		}

		analysis := &types.Analysis{
			ID:        uuid.New().String(),
			CreatedOn: time.Now().UTC(),
			Target:    target,
			Category:  target.Kind(),
			Settings:  settings,
			State:     types.AnalysisPendingIdentification,
		}

		if err := stageSubmission(cwd, analysis); err != nil {
			return fmt.Errorf("staging submission %q: %w", arg, err)
		}

		fmt.Printf("Submitted %s as analysis %s\n", arg, analysis.ID)
	}

	return nil
}

// parsePlatform turns "windows,10" or "linux" into a PlatformSelector.
func parsePlatform(arg string) types.PlatformSelector {
	parts := strings.SplitN(arg, ",", 2)
	sel := types.PlatformSelector{Platform: parts[0]}
	if len(parts) == 2 {
		sel.OSVersion = parts[1]
	}
	return sel
}

// resolveTarget builds a Target for arg: a URL target if arg parses as one
// with an http(s) scheme, otherwise a file target, content-addressed into
// the binary store.
func resolveTarget(cwd paths.Paths, arg string) (types.Target, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return types.TargetURL{URL: arg}, nil
	}
	return storeFileTarget(cwd, arg)
}

func storeFileTarget(cwd paths.Paths, path string) (types.Target, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	hasher := sha256.New()
	tmp, err := os.CreateTemp(cwd.BinariesDir(), "staged-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(io.MultiWriter(tmp, hasher), src); err != nil {
		return nil, fmt.Errorf("hashing file: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	dest := cwd.Binary(sum)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("creating binary storage dir: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing staging file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("moving binary into storage: %w", err)
	}

	return types.TargetFile{
		SHA256:   sum,
		Filename: filepath.Base(path),
		Size:     info.Size(),
	}, nil
}

// stageSubmission writes analysis.json into the untracked staging directory
// sandboxd run's intake.Scanner picks up on its next sweep.
func stageSubmission(cwd paths.Paths, analysis *types.Analysis) error {
	dir := cwd.Untracked(analysis.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	data, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encoding analysis: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, "analysis.json"), data, 0644)
}
