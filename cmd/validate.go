package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevehiehn/testagent/internal/job"
	"github.com/stevehiehn/testagent/internal/verdict"
)

var validateCmd = &cobra.Command{
	Use:   "validate <job.yaml>",
	Short: "Validate a job file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := validateJob(args[0])
		out := cmd.OutOrStdout()
		if err != nil {
			if jsonOutput {
				_ = writeJSON(out, map[string]any{"valid": false, "error": errorPayload(err)})
			} else {
				fmt.Fprint(cmd.ErrOrStderr(), "Validation failed. ")
				printRunError(cmd.ErrOrStderr(), err)
			}
			return errRunFailed
		}
		if jsonOutput {
			return writeJSON(out, map[string]any{"valid": true})
		}
		fmt.Fprintln(out, "Job is valid.")
		return nil
	},
}

func validateJob(path string) error {
	d, err := job.LoadFile(path)
	if err != nil {
		return err
	}
	if err := job.Validate(d, nil); err != nil {
		return err
	}
	if cfg.VerdictRulesFile != "" {
		if _, err := verdict.LoadRules(cfg.VerdictRulesFile); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
