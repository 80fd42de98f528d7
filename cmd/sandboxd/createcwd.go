package main

import (
	"fmt"

	"github.com/mothsandbox/moth/pkg/cwd"
	"github.com/spf13/cobra"
)

var createCWDCmd = &cobra.Command{
	Use:   "createcwd",
	Short: "Bootstrap a working directory for sandboxd",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("cwd")
		if err := cwd.Create(dir); err != nil {
			return fmt.Errorf("creating working directory: %w", err)
		}
		fmt.Printf("Initialized sandboxd working directory at %s\n", dir)
		return nil
	},
}
