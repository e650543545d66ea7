// Package queue connects the pipeline to the workflow orchestrator's
// NATS JetStream task queue.  The orchestrator publishes one task
// message per pipeline step; this daemon consumes them, and publishes a
// decision result for each.  Redelivery, backoff, and retry policy all
// live in the JetStream consumer configuration -- never in this code.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds queue connection settings.
type Config struct {
	// URL is the NATS server URL.  Default: nats.DefaultURL.
	URL string

	// Stream is the JetStream stream holding task messages.
	// Default: "RELEASE_TASKS".
	Stream string

	// Subjects is the subject prefix for task messages; tasks arrive on
	// "<Subjects>.<activity>".  Default: "release.tasks".
	Subjects string

	// ResultSubject is where decision results are published.
	// Default: "release.results".
	ResultSubject string

	// ResultStream is the JetStream stream capturing decision results
	// for the orchestrator.  Default: "RELEASE_RESULTS".
	ResultStream string

	// Logger receives connection lifecycle events.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "RELEASE_TASKS"
	}
	if c.Subjects == "" {
		c.Subjects = "release.tasks"
	}
	if c.ResultSubject == "" {
		c.ResultSubject = "release.results"
	}
	if c.ResultStream == "" {
		c.ResultStream = "RELEASE_RESULTS"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TaskMessage is one activity task from the orchestrator.
type TaskMessage struct {
	TaskID    string   `json:"task_id"`
	Activity  string   `json:"activity"`
	Version   string   `json:"version"`
	Platform  string   `json:"platform,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// Decision is the outcome of evaluating one task.
type Decision string

const (
	// DecisionLaunched means a build worker was provisioned for the task.
	DecisionLaunched Decision = "launched"
	// DecisionSkipped means the step's predicate said it is a no-op.
	DecisionSkipped Decision = "skipped"
	// DecisionDeferred means a live worker already owns the step's
	// shared resource; the task will be redelivered later.
	DecisionDeferred Decision = "deferred"
	// DecisionFailed means the task could not be evaluated or launched.
	DecisionFailed Decision = "failed"
)

// TaskResult is the decision record published for each consumed task.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	Activity    string    `json:"activity"`
	Decision    Decision  `json:"decision"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Client wraps the NATS connection and JetStream context.
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  jetstream.JetStream
}

// Connect dials NATS and initializes JetStream.
func Connect(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	logger := cfg.Logger

	nc, err := nats.Connect(
		cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	return &Client{cfg: cfg, nc: nc, js: js}, nil
}

// TaskSubject returns the task subject for one activity.
func (c *Client) TaskSubject(activity string) string {
	return c.cfg.Subjects + "." + activity
}

// taskStreamConfig is the task stream shape: a work queue, each task
// delivered to exactly one consumer.
func (c *Client) taskStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.cfg.Subjects + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	}
}

// resultStreamConfig is the result stream shape.  It must cover the
// result subject, otherwise publishing a decision would fail with no
// stream to ingest it.  Results are kept a week so the orchestrator can
// catch up after an outage; unlike the task stream this is not a work
// queue.
func (c *Client) resultStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      c.cfg.ResultStream,
		Subjects:  []string{c.cfg.ResultSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}
}

// EnsureTaskStream creates or updates the task stream.
func (c *Client) EnsureTaskStream(ctx context.Context) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, c.taskStreamConfig())
	if err != nil {
		return nil, fmt.Errorf("ensuring stream %s: %w", c.cfg.Stream, err)
	}
	return stream, nil
}

// EnsureResultStream creates or updates the stream that ingests
// decision results.
func (c *Client) EnsureResultStream(ctx context.Context) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, c.resultStreamConfig())
	if err != nil {
		return nil, fmt.Errorf("ensuring stream %s: %w", c.cfg.ResultStream, err)
	}
	return stream, nil
}

// EnsureConsumer creates or updates the durable pull consumer the
// decision worker fetches tasks from.  Both streams are ensured here so
// the worker can publish results as soon as it starts consuming.
func (c *Client) EnsureConsumer(ctx context.Context, name string, maxInFlight int) (jetstream.Consumer, error) {
	stream, err := c.EnsureTaskStream(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.EnsureResultStream(ctx); err != nil {
		return nil, err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: maxInFlight,
		AckWait:       2 * time.Minute,
		FilterSubject: c.cfg.Subjects + ".>",
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer %s on stream %s: %w", name, c.cfg.Stream, err)
	}
	return consumer, nil
}

// PublishResult publishes a decision record for a consumed task.
func (c *Client) PublishResult(ctx context.Context, result TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result for task %s: %w", result.TaskID, err)
	}
	if _, err := c.js.Publish(ctx, c.cfg.ResultSubject, data); err != nil {
		return fmt.Errorf("publishing result for task %s: %w", result.TaskID, err)
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() error {
	if c.nc != nil && !c.nc.IsClosed() {
		c.nc.Close()
	}
	return nil
}
