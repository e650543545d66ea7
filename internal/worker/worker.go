// Package worker consumes activity tasks from the orchestrator's queue,
// evaluates each task's decision predicates, and launches build workers
// through the configured compute engine.  One daemon instance serves all
// activities; tasks compete on a single durable consumer.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/buildfleet/internal/activity"
	"github.com/terrpan/buildfleet/internal/queue"
	"github.com/terrpan/buildfleet/internal/release"
)

// Queue is the slice of internal/queue the worker needs.
type Queue interface {
	EnsureConsumer(ctx context.Context, name string, maxInFlight int) (jetstream.Consumer, error)
	PublishResult(ctx context.Context, result queue.TaskResult) error
}

// Config holds the worker's collaborators and tuning knobs.
type Config struct {
	Queue          Queue
	Deps           activity.Deps
	ActivityConfig activity.Config
	Logger         *slog.Logger

	// ConsumerName is the durable consumer identity.  All daemon
	// replicas share it.  Default "buildfleet-decider".
	ConsumerName string

	// MaxInFlight caps unacknowledged tasks.  Default 4.
	MaxInFlight int

	// DeferDelay is how long a deferred task stays invisible before
	// redelivery.  Default 30s.
	DeferDelay time.Duration
}

// disposition tells the consume loop what to do with the message after
// the decision has been made.
type disposition int

const (
	// ackTask acknowledges the message; the task is settled.
	ackTask disposition = iota
	// redeliverTask returns the message for immediate redelivery.
	redeliverTask
	// deferTask returns the message for redelivery after DeferDelay.
	deferTask
)

// Worker is the decision loop.
type Worker struct {
	queue       Queue
	deps        activity.Deps
	activityCfg activity.Config
	logger      *slog.Logger

	consumerName string
	maxInFlight  int
	deferDelay   time.Duration

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	tasksProcessed   metric.Int64Counter
	workersLaunched  metric.Int64Counter
	decisionDuration metric.Float64Histogram
}

// New creates a Worker.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "buildfleet-decider"
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = 30 * time.Second
	}

	w := &Worker{
		queue:        cfg.Queue,
		deps:         cfg.Deps,
		activityCfg:  cfg.ActivityConfig,
		logger:       cfg.Logger,
		consumerName: cfg.ConsumerName,
		maxInFlight:  cfg.MaxInFlight,
		deferDelay:   cfg.DeferDelay,
		tracer:       otel.Tracer("buildfleet/worker"),
		meter:        otel.Meter("buildfleet/worker"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	w.tasksProcessed, err = w.meter.Int64Counter(
		"buildfleet.tasks.processed",
		metric.WithDescription("Total number of tasks processed, by decision"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create tasksProcessed counter", slog.String("error", err.Error()))
	}

	w.workersLaunched, err = w.meter.Int64Counter(
		"buildfleet.workers.launched",
		metric.WithDescription("Total number of build workers launched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create workersLaunched counter", slog.String("error", err.Error()))
	}

	w.decisionDuration, err = w.meter.Float64Histogram(
		"buildfleet.decision.duration",
		metric.WithDescription("Time to evaluate and settle a task (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 60, 180),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create decisionDuration histogram", slog.String("error", err.Error()))
	}

	return w
}

// Run consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	consumer, err := w.queue.EnsureConsumer(ctx, w.consumerName, w.maxInFlight)
	if err != nil {
		return fmt.Errorf("ensuring consumer: %w", err)
	}

	w.logger.Info("decision worker started",
		slog.String("consumer", w.consumerName),
		slog.Int("maxInFlight", w.maxInFlight),
	)

	msgs, err := consumer.Consume(func(msg jetstream.Msg) {
		w.handleMessage(ctx, msg)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		w.logger.Warn("consume error", slog.String("error", err.Error()))
	}))
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	<-ctx.Done()
	msgs.Stop()
	w.logger.Info("decision worker stopped")
	return nil
}

// handleMessage decodes one queue message, runs the decision, publishes
// the result, and settles the message according to the disposition.
func (w *Worker) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var task queue.TaskMessage
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		w.logger.Error("dropping malformed task message",
			slog.String("subject", msg.Subject()),
			slog.String("error", err.Error()),
		)
		// Redelivery cannot fix a message that does not parse.
		if err := msg.Term(); err != nil {
			w.logger.Warn("terminating malformed message", slog.String("error", err.Error()))
		}
		return
	}

	result, disp := w.process(ctx, task)

	if err := w.queue.PublishResult(ctx, result); err != nil {
		w.logger.Error("publishing task result",
			slog.String("taskID", task.TaskID),
			slog.String("error", err.Error()),
		)
	}

	var err error
	switch disp {
	case ackTask:
		err = msg.Ack()
	case redeliverTask:
		err = msg.Nak()
	case deferTask:
		err = msg.NakWithDelay(w.deferDelay)
	}
	if err != nil {
		w.logger.Warn("settling task message",
			slog.String("taskID", task.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// process evaluates one task and returns the decision record plus how
// the message should be settled.
func (w *Worker) process(ctx context.Context, task queue.TaskMessage) (queue.TaskResult, disposition) {
	ctx, span := w.tracer.Start(ctx, "worker.process")
	defer span.End()

	span.SetAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("task.activity", task.Activity),
		attribute.String("task.version", task.Version),
	)

	start := time.Now()
	result, disp := w.decide(ctx, task)
	result.TaskID = task.TaskID
	result.Activity = task.Activity
	result.CompletedAt = time.Now().UTC()

	span.SetAttributes(attribute.String("task.decision", string(result.Decision)))
	if w.decisionDuration != nil {
		w.decisionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("activity", task.Activity)))
	}
	if w.tasksProcessed != nil {
		w.tasksProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("activity", task.Activity),
			attribute.String("decision", string(result.Decision)),
		))
	}

	w.logger.Info("task decided",
		slog.String("taskID", task.TaskID),
		slog.String("activity", task.Activity),
		slog.String("version", task.Version),
		slog.String("decision", string(result.Decision)),
		slog.String("workerID", result.WorkerID),
		slog.String("error", result.Error),
	)

	return result, disp
}

func (w *Worker) decide(ctx context.Context, task queue.TaskMessage) (queue.TaskResult, disposition) {
	platforms := make([]release.Platform, 0, len(task.Platforms))
	for _, p := range task.Platforms {
		platforms = append(platforms, release.Platform(p))
	}

	act, err := activity.New(task.Activity, activity.Input{
		Version:   release.Version(task.Version),
		Platform:  release.Platform(task.Platform),
		Platforms: platforms,
		DryRun:    task.DryRun,
	}, w.deps, w.activityCfg)
	if err != nil {
		// An activity name we do not know stays unknown on redelivery.
		return failed(err), ackTask
	}

	run, err := act.ShouldRun(ctx)
	if err != nil {
		return failed(err), redeliverTask
	}
	if !run {
		return queue.TaskResult{Decision: queue.DecisionSkipped}, ackTask
	}

	ok, err := act.NeedsWorker(ctx)
	if err != nil {
		return failed(err), redeliverTask
	}
	if !ok {
		return queue.TaskResult{Decision: queue.DecisionDeferred}, deferTask
	}

	spec, err := act.LaunchSpec(ctx)
	if err != nil {
		// Incomplete launch configuration does not heal on retry.
		return failed(err), ackTask
	}

	id, err := w.deps.Engine.Launch(ctx, spec)
	if err != nil {
		return failed(fmt.Errorf("launching worker: %w", err)), redeliverTask
	}

	if w.workersLaunched != nil {
		w.workersLaunched.Add(ctx, 1,
			metric.WithAttributes(attribute.String("activity", task.Activity)))
	}

	return queue.TaskResult{Decision: queue.DecisionLaunched, WorkerID: id}, ackTask
}

func failed(err error) queue.TaskResult {
	return queue.TaskResult{Decision: queue.DecisionFailed, Error: err.Error()}
}
