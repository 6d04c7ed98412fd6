// Package engine drives one job from descriptor to published events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stevehiehn/testagent/internal/artifact"
	"github.com/stevehiehn/testagent/internal/events"
	"github.com/stevehiehn/testagent/internal/job"
	"github.com/stevehiehn/testagent/internal/plan"
	"github.com/stevehiehn/testagent/internal/plugin"
	"github.com/stevehiehn/testagent/internal/publish"
	"github.com/stevehiehn/testagent/internal/results"
	"github.com/stevehiehn/testagent/internal/retry"
	"github.com/stevehiehn/testagent/internal/runner"
	"github.com/stevehiehn/testagent/internal/telemetry"
	"github.com/stevehiehn/testagent/internal/template"
	"github.com/stevehiehn/testagent/internal/verdict"
)

// Config is everything a Driver needs. Sink and Storage are required.
type Config struct {
	Expander template.Expander
	Sink     publish.Sink
	Storage  artifact.Storage

	Policy         retry.Policy
	Parallelism    int
	Runner         runner.Options
	DefaultTimeout time.Duration  // used when a job declares no timeout
	Rules          []verdict.Rule // used when a job declares no verdict rules
	Plugins        []plugin.Plugin
	Logger         *slog.Logger

	NewID func() string
	Now   func() time.Time
}

// Driver executes jobs. It holds no per-run state, so one Driver may run
// several jobs one after another.
type Driver struct {
	cfg       Config
	logger    *slog.Logger
	publisher *publish.Publisher
	artifacts *artifact.Manager
	plugins   *plugin.Set

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

func New(cfg Config) (*Driver, error) {
	if cfg.Sink == nil {
		return nil, errors.New("engine: event sink is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("engine: storage is required")
	}
	if cfg.Expander == nil {
		cfg.Expander = template.New()
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Rules) > 0 {
		if err := verdict.ValidateRules(cfg.Rules); err != nil {
			return nil, fmt.Errorf("engine: verdict rules: %w", err)
		}
	}

	d := &Driver{
		cfg:    cfg,
		logger: cfg.Logger,
		publisher: publish.New(publish.Config{
			Sink:        cfg.Sink,
			Policy:      cfg.Policy,
			Parallelism: cfg.Parallelism,
			Logger:      cfg.Logger,
		}),
		artifacts: artifact.NewManager(cfg.Storage, cfg.Policy, cfg.Logger),
		plugins:   plugin.NewSet(cfg.Logger, cfg.Plugins...),
		tracer:    telemetry.Tracer("testagent/engine"),
	}
	d.duration, _ = telemetry.Meter("testagent/engine").Float64Histogram("testagent.run.duration",
		metric.WithDescription("Wall-clock duration of a run"),
		metric.WithUnit("s"))
	d.logger.Debug("driver configured",
		"plugins", d.plugins.Len(),
		"parallelism", cfg.Parallelism,
		"max_attempts", cfg.Policy.MaxAttempts)
	return d, nil
}

// Explain validates and resolves a job without running it.
func (d *Driver) Explain(desc *job.Descriptor, inputs map[string]string) (*plan.Plan, error) {
	return Explain(desc, inputs, d.cfg.Expander, d.cfg.DefaultTimeout)
}

// Explain applies input defaults, validates desc and resolves it into a
// plan. defaultTimeout fills in a missing job timeout.
func Explain(desc *job.Descriptor, inputs map[string]string, exp template.Expander, defaultTimeout time.Duration) (*plan.Plan, error) {
	inputs = desc.ApplyDefaults(inputs)
	if err := job.Validate(desc, inputs); err != nil {
		return nil, err
	}
	p, err := plan.Resolve(desc, template.Context(inputs), exp)
	if err != nil {
		return nil, err
	}
	if p.Timeout == 0 {
		p.Timeout = defaultTimeout
	}
	return p, nil
}

// Execute runs desc to completion. Validation and template errors are
// returned together with a report in the PENDING state and nothing is
// published. Every other failure is recorded in the report, and the
// returned error is nil.
func (d *Driver) Execute(ctx context.Context, desc *job.Descriptor, inputs map[string]string) (*RunReport, error) {
	return d.ExecuteRun(ctx, d.cfg.NewID(), desc, inputs)
}

// ExecuteRun is Execute with a caller-chosen run id, for callers that need
// the id before the run starts.
func (d *Driver) ExecuteRun(ctx context.Context, runID string, desc *job.Descriptor, inputs map[string]string) (*RunReport, error) {
	r := &run{
		driver: d,
		report: &RunReport{
			RunID: runID,
			JobID: desc.ID,
			Name:  desc.Name,
			State: Pending,
		},
		desc:   desc,
		parser: results.NewParser(),
	}
	r.logger = d.logger.With("run_id", r.report.RunID, "job_id", desc.ID)
	r.events = events.NewBuilder(r.report.RunID, d.cfg.NewID, d.cfg.Now)

	ctx, span := d.tracer.Start(ctx, "testagent.run", trace.WithAttributes(
		attribute.String("run_id", r.report.RunID),
		attribute.String("job_id", desc.ID),
	))
	defer span.End()
	r.span = span

	start := d.cfg.Now()
	err := r.execute(ctx, inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.report, err
	}

	d.duration.Record(ctx, d.cfg.Now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", string(r.report.Outcome))))
	span.SetAttributes(attribute.String("outcome", string(r.report.Outcome)))
	if r.report.Outcome == events.Aborted {
		span.SetStatus(codes.Error, r.report.Description)
	}
	return r.report, nil
}
