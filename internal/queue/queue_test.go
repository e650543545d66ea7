package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "RELEASE_TASKS", cfg.Stream)
	assert.Equal(t, "release.tasks", cfg.Subjects)
	assert.Equal(t, "release.results", cfg.ResultSubject)
	assert.Equal(t, "RELEASE_RESULTS", cfg.ResultStream)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	cfg := Config{
		URL:           "nats://queue:4222",
		Stream:        "PIPELINE",
		Subjects:      "pipeline.tasks",
		ResultSubject: "pipeline.results",
	}
	cfg.applyDefaults()

	assert.Equal(t, "nats://queue:4222", cfg.URL)
	assert.Equal(t, "PIPELINE", cfg.Stream)
	assert.Equal(t, "pipeline.tasks", cfg.Subjects)
	assert.Equal(t, "pipeline.results", cfg.ResultSubject)
}

func TestTaskSubject(t *testing.T) {
	c := &Client{cfg: Config{Subjects: "release.tasks"}}
	assert.Equal(t, "release.tasks.make_source_tarball", c.TaskSubject("make_source_tarball"))
}

func TestStreamConfigs(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	c := &Client{cfg: cfg}

	task := c.taskStreamConfig()
	assert.Equal(t, "RELEASE_TASKS", task.Name)
	assert.Equal(t, []string{"release.tasks.>"}, task.Subjects)
	assert.Equal(t, jetstream.WorkQueuePolicy, task.Retention)

	// Every published decision needs a stream covering the result
	// subject, or PublishResult would get no stream response.
	result := c.resultStreamConfig()
	assert.Equal(t, "RELEASE_RESULTS", result.Name)
	assert.Equal(t, []string{cfg.ResultSubject}, result.Subjects)
	assert.Equal(t, jetstream.LimitsPolicy, result.Retention)
	assert.NotZero(t, result.MaxAge)
}

func TestTaskMessageRoundTrip(t *testing.T) {
	msg := TaskMessage{
		TaskID:   "t-123",
		Activity: "make_binary_package",
		Version:  "2026.08.27",
		Platform: "ubuntu-24.04-noble",
		DryRun:   true,
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got TaskMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, msg, got)

	// Optional fields stay off the wire when unset.
	assert.NotContains(t, string(data), "platforms")
}

func TestTaskResultOmitsEmptyFields(t *testing.T) {
	res := TaskResult{
		TaskID:      "t-123",
		Activity:    "publish_source_tarball",
		Decision:    DecisionSkipped,
		CompletedAt: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "worker_id")
	assert.NotContains(t, string(data), `"error"`)
	assert.Contains(t, string(data), `"decision":"skipped"`)
}
