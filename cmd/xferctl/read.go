package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/transfer"
)

type ReadFlags struct {
	Output string
	Quiet  bool
	Legacy bool
}

var readFlags ReadFlags

var readCmd = &cobra.Command{
	Use:   "read <resource-id>",
	Short: "Download a resource",
	Long: `Read pulls a resource from the server and writes it to a file, or to
standard output when --output is "-".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseResourceID(args[0])
		if err != nil {
			return err
		}
		return runRead(id, &readFlags)
	},
}

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().StringVarP(&readFlags.Output, "output", "o", "-", "file to write, - for stdout")
	readCmd.Flags().BoolVarP(&readFlags.Quiet, "quiet", "q", false, "hide the progress bar")
	readCmd.Flags().BoolVar(&readFlags.Legacy, "legacy", false, "use the legacy protocol")
}

func runRead(resourceID uint32, flags *ReadFlags) error {
	ctx, cancel := createContext()
	defer cancel()
	stopMetrics := startMetrics()
	defer stopMetrics()

	m, closeManager, err := newManager()
	if err != nil {
		return err
	}
	defer closeManager()

	opts := transferOptions(flags.Legacy)
	var bar *progress
	if !flags.Quiet {
		bar = newProgress(errOut, fmt.Sprintf("Reading %d", resourceID), -1)
		opts = append(opts, transfer.WithProgress(bar.update))
	}

	f := m.Read(resourceID, opts...)
	data, err := f.Wait(ctx)
	if err != nil {
		f.Cancel()
		if bar != nil {
			bar.abort()
		}
		return err
	}
	if bar != nil {
		bar.finish()
	}

	logrus.WithFields(logrus.Fields{
		"function":    "runRead",
		"resource_id": resourceID,
		"bytes":       len(data),
	}).Info("Read complete")
	return writeOutput(flags.Output, data)
}

func writeOutput(path string, data []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func transferOptions(legacy bool) []transfer.Option {
	if legacy {
		return []transfer.Option{transfer.WithProtocolVersion(chunk.VersionLegacy)}
	}
	return nil
}
