package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stevehiehn/testagent/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	jsonOutput bool
	envFile    string

	cfg    config.Config
	logger *slog.Logger
)

// errRunFailed makes the process exit non-zero without printing anything
// beyond what the command already reported.
var errRunFailed = errors.New("run did not pass")

var rootCmd = &cobra.Command{
	Use:           "testagent",
	Short:         "Test execution agent",
	Long:          "testagent runs one test job, parses its results, collects artifacts and publishes the run as linked events.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is not an error.
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("loading %s: %w", envFile, err)
			}
		} else {
			_ = godotenv.Load()
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment from this file instead of ./.env")
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if !errors.Is(err, errRunFailed) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}
