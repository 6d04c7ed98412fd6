package cmd

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stevehiehn/testagent/internal/results"
	"github.com/stevehiehn/testagent/internal/storage"
)

var replayCmd = &cobra.Command{
	Use:   "replay <log>",
	Short: "Re-parse a captured execution log",
	Long:  "Re-parse a captured full_execution.log and print its test case results. The log may be a local path or a file:// or s3:// reference printed by a previous run.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openLog(cmd, args[0])
		if err != nil {
			return err
		}
		defer r.Close()

		subs, err := results.Replay(r)
		if err != nil {
			return err
		}
		tally := results.Count(subs)

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"sub_results": subs, "tally": tally})
		}
		renderSubResults(cmd.OutOrStdout(), subs, tally)
		return nil
	},
}

func openLog(cmd *cobra.Command, ref string) (io.ReadCloser, error) {
	if !strings.Contains(ref, "://") {
		return os.Open(ref)
	}
	data, err := storage.Fetch(cmd.Context(), ref, cfg.S3)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
