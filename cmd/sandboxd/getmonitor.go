package main

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mothsandbox/moth/pkg/paths"
	"github.com/spf13/cobra"
)

var getMonitorCmd = &cobra.Command{
	Use:   "getmonitor <zip>",
	Short: "Unpack a monitor/auxiliary binaries bundle into the working directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetMonitor,
}

func runGetMonitor(cmd *cobra.Command, args []string) error {
	cwdDir, _ := cmd.Flags().GetString("cwd")
	cwd := paths.New(cwdDir)

	r, err := zip.OpenReader(args[0])
	if err != nil {
		return fmt.Errorf("opening monitor bundle: %w", err)
	}
	defer r.Close()

	destRoot := cwd.GeneratedDir()
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	for _, f := range r.File {
		if err := extractZipEntry(destRoot, f); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}

	fmt.Printf("Unpacked %d files into %s\n", len(r.File), destRoot)
	return nil
}

// extractZipEntry writes f into destRoot, refusing any entry whose name
// would escape destRoot via ".." path components.
func extractZipEntry(destRoot string, f *zip.File) error {
	target := filepath.Join(destRoot, f.Name)
	if !strings.HasPrefix(target, filepath.Clean(destRoot)+string(os.PathSeparator)) {
		return fmt.Errorf("entry %q escapes destination directory", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = io.Copy(dest, src)
	return err
}
