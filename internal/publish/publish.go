// Package publish delivers a run's event sequence to a sink with retries.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/stevehiehn/testagent/internal/events"
	"github.com/stevehiehn/testagent/internal/retry"
	"github.com/stevehiehn/testagent/internal/telemetry"
)

// Sink accepts one event. A nil error is an acknowledgment. Sinks must be
// safe for concurrent use and may see the same event more than once.
type Sink interface {
	Send(ctx context.Context, e events.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e events.Event) error

func (f SinkFunc) Send(ctx context.Context, e events.Event) error { return f(ctx, e) }

type Status string

const (
	Delivered Status = "delivered"
	Dropped   Status = "dropped-after-retries"
)

// Delivery is the outcome of sending one event.
type Delivery struct {
	EventID  string      `json:"event_id"`
	Kind     events.Kind `json:"kind"`
	Status   Status      `json:"status"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

// Result aggregates the deliveries of one sequence, in sequence order.
type Result struct {
	Deliveries     []Delivery `json:"deliveries"`
	Degraded       bool       `json:"degraded"`
	StartedDropped bool       `json:"started_dropped,omitempty"`
	Dropped        []string   `json:"dropped,omitempty"`
}

type Config struct {
	Sink        Sink
	Policy      retry.Policy
	Parallelism int // concurrent sends for events between STARTED and FINISHED, default 4
	Logger      *slog.Logger
}

type Publisher struct {
	sink        Sink
	policy      retry.Policy
	parallelism int
	logger      *slog.Logger

	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

func New(cfg Config) *Publisher {
	p := &Publisher{
		sink:        cfg.Sink,
		policy:      cfg.Policy,
		parallelism: cfg.Parallelism,
		logger:      cfg.Logger,
	}
	if p.parallelism <= 0 {
		p.parallelism = 4
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	meter := telemetry.Meter("testagent/publish")
	p.delivered, _ = meter.Int64Counter("testagent.events.delivered",
		metric.WithDescription("Events acknowledged by the sink"))
	p.dropped, _ = meter.Int64Counter("testagent.events.dropped",
		metric.WithDescription("Events dropped after exhausting retries"))
	return p
}

// Publish sends seq, which must satisfy events.CheckCausality. Events up to
// and including STARTED go out one at a time. Events between STARTED and
// FINISHED are sent concurrently once STARTED was issued, and FINISHED is
// sent after all of them settled. A dropped event never stops the rest.
func (p *Publisher) Publish(ctx context.Context, seq []events.Event) (Result, error) {
	if err := events.CheckCausality(seq); err != nil {
		return Result{}, fmt.Errorf("publish: %w", err)
	}

	deliveries := make([]Delivery, len(seq))
	i := 0
	for ; i < len(seq); i++ {
		deliveries[i] = p.send(ctx, seq[i])
		if seq[i].Kind == events.Started {
			i++
			break
		}
	}

	end := len(seq)
	if end > i && seq[end-1].Kind == events.Finished {
		end--
	}

	g := new(errgroup.Group)
	g.SetLimit(p.parallelism)
	for j := i; j < end; j++ {
		g.Go(func() error {
			deliveries[j] = p.send(ctx, seq[j])
			return nil
		})
	}
	_ = g.Wait()

	for j := end; j < len(seq); j++ {
		deliveries[j] = p.send(ctx, seq[j])
	}

	res := Result{Deliveries: deliveries}
	for _, d := range deliveries {
		if d.Status != Dropped {
			continue
		}
		res.Degraded = true
		res.Dropped = append(res.Dropped, d.EventID)
		if d.Kind == events.Started {
			res.StartedDropped = true
		}
	}
	return res, nil
}

func (p *Publisher) send(ctx context.Context, e events.Event) Delivery {
	log := p.logger.With("event_id", e.ID, "kind", string(e.Kind))
	kind := metric.WithAttributes(attribute.String("kind", string(e.Kind)))

	attempts, err := p.policy.Do(ctx, func(ctx context.Context) error {
		err := p.sink.Send(ctx, e)
		if err != nil {
			log.Debug("event send attempt failed", "error", err)
		}
		return err
	})
	d := Delivery{EventID: e.ID, Kind: e.Kind, Attempts: attempts}
	if err != nil {
		d.Status = Dropped
		d.Error = err.Error()
		p.dropped.Add(ctx, 1, kind)
		log.Warn("event dropped after retries", "attempt", attempts, "error", err)
		return d
	}
	d.Status = Delivered
	p.delivered.Add(ctx, 1, kind)
	log.Debug("event delivered", "attempt", attempts)
	return d
}

// Recorder is an in-memory Sink that keeps every acknowledged event.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Send(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}
