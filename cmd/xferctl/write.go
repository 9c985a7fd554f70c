package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/xfer/transfer"
)

type WriteFlags struct {
	Quiet  bool
	Legacy bool
}

var writeFlags WriteFlags

var writeCmd = &cobra.Command{
	Use:   "write <resource-id> <file>",
	Short: "Upload a resource",
	Long: `Write pushes the contents of a file, or of standard input when the file
is "-", to the server under the given resource id.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseResourceID(args[0])
		if err != nil {
			return err
		}
		return runWrite(id, args[1], &writeFlags)
	},
}

func init() {
	rootCmd.AddCommand(writeCmd)
	writeCmd.Flags().BoolVarP(&writeFlags.Quiet, "quiet", "q", false, "hide the progress bar")
	writeCmd.Flags().BoolVar(&writeFlags.Legacy, "legacy", false, "use the legacy protocol")
}

func runWrite(resourceID uint32, path string, flags *WriteFlags) error {
	data, err := readInput(path)
	if err != nil {
		return err
	}

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
		bar = newProgress(errOut, fmt.Sprintf("Writing %d", resourceID), int64(len(data)))
		opts = append(opts, transfer.WithProgress(bar.update))
	}

	f := m.Write(resourceID, data, opts...)
	if _, err := f.Wait(ctx); err != nil {
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
		"function":    "runWrite",
		"resource_id": resourceID,
		"bytes":       len(data),
	}).Info("Write complete")
	return nil
}
