package main

import (
	"fmt"
	"os"

	"github.com/mothsandbox/moth/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sandboxd",
	Short:   "sandboxd runs and administers a malware analysis sandbox",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sandboxd version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("cwd", ".", "Working directory bootstrapped by 'createcwd'")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(createCWDCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(getMonitorCmd)
	rootCmd.AddCommand(procWorkerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
