package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stevehiehn/testagent/internal/engine"
	"github.com/stevehiehn/testagent/internal/job"
	"github.com/stevehiehn/testagent/internal/plugin"
	"github.com/stevehiehn/testagent/internal/runner"
	"github.com/stevehiehn/testagent/internal/sink"
	"github.com/stevehiehn/testagent/internal/storage"
	"github.com/stevehiehn/testagent/internal/telemetry"
	"github.com/stevehiehn/testagent/internal/verdict"
)

var runInputs []string

var runCmd = &cobra.Command{
	Use:   "run <job.yaml>",
	Short: "Execute a test job and publish its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := job.LoadFile(args[0])
		if err != nil {
			return err
		}
		inputs, err := parseInputs(runInputs)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		report, err := execute(ctx, d, inputs)
		if err != nil && report == nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err != nil {
				_ = writeJSON(out, map[string]any{"report": report, "error": errorPayload(err)})
				return errRunFailed
			}
			if err := writeJSON(out, report); err != nil {
				return err
			}
		} else {
			if err != nil {
				printRunError(cmd.ErrOrStderr(), err)
				return errRunFailed
			}
			renderReport(out, report)
		}
		if report.Failed() {
			return errRunFailed
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&runInputs, "input", nil, "Input values (key=value)")
	rootCmd.AddCommand(runCmd)
}

// execute wires the configured adapters into a driver and runs d.
func execute(ctx context.Context, d *job.Descriptor, inputs map[string]string) (*engine.RunReport, error) {
	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, Version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var rules []verdict.Rule
	if cfg.VerdictRulesFile != "" {
		if rules, err = verdict.LoadRules(cfg.VerdictRulesFile); err != nil {
			return nil, err
		}
	}

	runID := uuid.NewString()
	store, err := storage.Open(ctx, cfg.Storage, runID, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	events, err := sink.Open(ctx, cfg.EventSink, sink.Options{
		Headers: cfg.SinkHeaders(),
		Timeout: cfg.EventSinkTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("event sink: %w", err)
	}
	defer events.Close()

	driver, err := engine.New(engine.Config{
		Sink:           events,
		Storage:        store,
		Policy:         cfg.RetryPolicy(),
		Parallelism:    cfg.Parallelism,
		Runner:         runner.Options{KillGrace: cfg.KillGrace, DrainGrace: cfg.DrainGrace},
		DefaultTimeout: cfg.DefaultTimeout,
		Rules:          rules,
		Plugins:        []plugin.Plugin{plugin.Logging{Logger: logger}},
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("run starting", "run_id", runID, "job_id", d.ID, "sink", cfg.EventSink, "storage", cfg.Storage)
	report, err := driver.ExecuteRun(ctx, runID, d, inputs)
	if err != nil {
		return report, err
	}
	if ref, err := saveReport(context.WithoutCancel(ctx), store, report); err != nil {
		logger.Warn("report not saved", "run_id", runID, "error", err)
	} else {
		logger.Info("report saved", "run_id", runID, "reference", ref)
	}
	return report, nil
}

func saveReport(ctx context.Context, store storage.Backend, report *engine.RunReport) (string, error) {
	if fs, ok := store.(*storage.FSStore); ok {
		return fs.WriteReport(report)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	return store.Store(ctx, "report.json", data)
}
