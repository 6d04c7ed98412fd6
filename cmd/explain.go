package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stevehiehn/testagent/internal/engine"
	"github.com/stevehiehn/testagent/internal/job"
	"github.com/stevehiehn/testagent/internal/template"
)

var explainInputs []string

var explainCmd = &cobra.Command{
	Use:   "explain <job.yaml>",
	Short: "Show the resolved execution plan without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := job.LoadFile(args[0])
		if err != nil {
			return err
		}
		inputs, err := parseInputs(explainInputs)
		if err != nil {
			return err
		}
		p, err := engine.Explain(d, inputs, template.New(), cfg.DefaultTimeout)
		if err != nil {
			if jsonOutput {
				_ = writeJSON(cmd.OutOrStdout(), map[string]any{"error": errorPayload(err)})
			} else {
				printRunError(cmd.ErrOrStderr(), err)
			}
			return errRunFailed
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), p)
		}
		renderPlan(cmd.OutOrStdout(), p)
		return nil
	},
}

func init() {
	explainCmd.Flags().StringArrayVar(&explainInputs, "input", nil, "Input values (key=value)")
	rootCmd.AddCommand(explainCmd)
}
