// Package config handles loading, validating, and applying
// configuration for the buildfleet daemon.  Configuration is read from
// a YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/buildfleet/internal/activity"
	"github.com/terrpan/buildfleet/internal/engine"
	"github.com/terrpan/buildfleet/internal/engine/docker"
	"github.com/terrpan/buildfleet/internal/engine/gce"
	"github.com/terrpan/buildfleet/internal/queue"
	"github.com/terrpan/buildfleet/internal/registry"
	"github.com/terrpan/buildfleet/internal/release"
	"github.com/terrpan/buildfleet/internal/status"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Release Release       `yaml:"release"`
	Scripts Scripts       `yaml:"scripts"`
	Queue   QueueConfig   `yaml:"queue"`
	Engine  EngineConfig  `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Release pipeline
// ---------------------------------------------------------------------------

// Release describes the release pipeline this daemon serves.
type Release struct {
	// Project is the project name used in artifact object names
	// (e.g. "runtime" produces "runtime-<version>.tar.gz").
	Project string `yaml:"project"`

	// StatusURL is the base URL of the build-status service.
	StatusURL string `yaml:"status_url"`

	// BucketURL is the public base URL of the artifact bucket.
	BucketURL string `yaml:"bucket_url"`

	// RegistryURL overrides the container registry index endpoint.
	// Default: Docker Hub.
	RegistryURL string `yaml:"registry_url"`

	// DockerRepos are the image repositories whose tags mark container
	// image publication.
	DockerRepos []string `yaml:"docker_repos"`

	// MacOSVersions maps macOS build platforms to the build label the
	// external build trigger understands, e.g. "macos-15": "sequoia".
	MacOSVersions map[string]string `yaml:"macos_versions"`

	// Accounts are the per-role worker service accounts.  Leaving one
	// empty disables the activities that need it: their launch specs
	// fail with a missing-config error.
	Accounts AccountsConfig `yaml:"accounts"`

	// SharedRepoZone is the zone holding the shared package-repository
	// volume; repository publishers are pinned there.
	SharedRepoZone string `yaml:"shared_repo_zone"`
}

// AccountsConfig names the service account for each worker role.
type AccountsConfig struct {
	SourceBuilder  string `yaml:"source_builder"`
	PackageBuilder string `yaml:"package_builder"`
	RepoPublisher  string `yaml:"repo_publisher"`
	MacOSTrigger   string `yaml:"macos_trigger"`
}

// Scripts locates the worker bootstrap and task scripts.
type Scripts struct {
	// BaseURL is where scripts are fetched from (required).
	BaseURL string `yaml:"base_url"`

	// Worker is the bootstrap script name.  Default: "worker.sh".
	Worker string `yaml:"worker"`

	// Dummy replaces task scripts on dry runs.  Default: "dummy-task.sh".
	Dummy string `yaml:"dummy"`
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

// QueueConfig holds NATS JetStream settings.
type QueueConfig struct {
	// URL is the NATS server URL.  Default: nats://127.0.0.1:4222.
	URL string `yaml:"url"`

	// Stream is the JetStream stream name.  Default: "RELEASE_TASKS".
	Stream string `yaml:"stream"`

	// Subjects is the task subject prefix.  Default: "release.tasks".
	Subjects string `yaml:"subjects"`

	// ResultSubject receives decision results.  Default: "release.results".
	ResultSubject string `yaml:"result_subject"`

	// ResultStream is the stream capturing decision results.
	// Default: "RELEASE_RESULTS".
	ResultStream string `yaml:"result_stream"`

	// Consumer is the durable consumer name shared by daemon replicas.
	// Default: "buildfleet-decider".
	Consumer string `yaml:"consumer"`

	// MaxInFlight caps unacknowledged tasks.  Default: 4.
	MaxInFlight int `yaml:"max_in_flight"`

	// DeferDelay is how long a deferred task waits before redelivery,
	// as a Go duration string.  Default: "30s".
	DeferDelay string `yaml:"defer_delay"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "gce" or "docker".
	Type string `yaml:"type"`

	// GCE holds Compute Engine settings.  Only read when Type == "gce".
	GCE GCEEngineConfig `yaml:"gce"`

	// Docker holds Docker settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`
}

// GCEEngineConfig holds Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCEEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gce").
	Project string `yaml:"project"`

	// Zone is the default zone for build workers (required).
	Zone string `yaml:"zone"`

	// MachineType is the default machine type for workers whose
	// activity does not override it.  Default: "e2-small".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the worker base
	// image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the default boot disk size in GB.  Default: 10.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether workers get an external IP address.
	// Default: true.  A *bool distinguishes "not set" from "false".
	PublicIP *bool `yaml:"public_ip"`
}

// DockerEngineConfig holds Docker engine settings.
type DockerEngineConfig struct {
	// Image is the container image for build workers.
	// Default: "ubuntu:24.04".
	Image string `yaml:"image"`

	// Pull controls pulling the image at startup.  Default: true.
	// A *bool distinguishes "not set" from "false".
	Pull *bool `yaml:"pull"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the health/metrics HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Scripts.Worker == "" {
		c.Scripts.Worker = "worker.sh"
	}
	if c.Scripts.Dummy == "" {
		c.Scripts.Dummy = "dummy-task.sh"
	}
	if c.Queue.URL == "" {
		c.Queue.URL = "nats://127.0.0.1:4222"
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = "RELEASE_TASKS"
	}
	if c.Queue.Subjects == "" {
		c.Queue.Subjects = "release.tasks"
	}
	if c.Queue.ResultSubject == "" {
		c.Queue.ResultSubject = "release.results"
	}
	if c.Queue.ResultStream == "" {
		c.Queue.ResultStream = "RELEASE_RESULTS"
	}
	if c.Queue.Consumer == "" {
		c.Queue.Consumer = "buildfleet-decider"
	}
	if c.Queue.MaxInFlight == 0 {
		c.Queue.MaxInFlight = 4
	}
	if c.Queue.DeferDelay == "" {
		c.Queue.DeferDelay = "30s"
	}
	if c.Engine.Type == "" {
		c.Engine.Type = "docker"
	}
	if c.Engine.GCE.MachineType == "" {
		c.Engine.GCE.MachineType = "e2-small"
	}
	if c.Engine.GCE.DiskSizeGB == 0 {
		c.Engine.GCE.DiskSizeGB = 10
	}
	if c.Engine.GCE.Network == "" {
		c.Engine.GCE.Network = "default"
	}
	if c.Engine.GCE.PublicIP == nil {
		t := true
		c.Engine.GCE.PublicIP = &t
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = "ubuntu:24.04"
	}
	if c.Engine.Docker.Pull == nil {
		t := true
		c.Engine.Docker.Pull = &t
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled {
		// When enabled later via flags, default to plain HTTP locally.
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Release.Project == "" {
		return fmt.Errorf("release.project is required")
	}
	for _, field := range []struct{ name, value string }{
		{"release.status_url", c.Release.StatusURL},
		{"release.bucket_url", c.Release.BucketURL},
		{"scripts.base_url", c.Scripts.BaseURL},
	} {
		if _, err := url.ParseRequestURI(field.value); err != nil {
			return fmt.Errorf("%s: invalid URL %q: %w", field.name, field.value, err)
		}
	}

	if _, err := time.ParseDuration(c.Queue.DeferDelay); err != nil {
		return fmt.Errorf("queue.defer_delay: %w", err)
	}

	for platform := range c.Release.MacOSVersions {
		if !release.Platform(platform).IsMacOS() {
			return fmt.Errorf("release.macos_versions: %q is not a macOS platform", platform)
		}
	}

	switch c.Engine.Type {
	case "docker":
		// OK
	case "gce":
		if c.Engine.GCE.Project == "" {
			return fmt.Errorf("engine.gce.project is required when engine.type is \"gce\"")
		}
		if c.Engine.GCE.Zone == "" {
			return fmt.Errorf("engine.gce.zone is required when engine.type is \"gce\"")
		}
		if c.Engine.GCE.Image == "" {
			return fmt.Errorf("engine.gce.image is required when engine.type is \"gce\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: docker, gce)", c.Engine.Type)
	}

	return nil
}

// DeferDelay returns the parsed queue.defer_delay.  Validate must have
// accepted the config first.
func (c *Config) DeferDelay() time.Duration {
	d, err := time.ParseDuration(c.Queue.DeferDelay)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Image: c.Engine.Docker.Image,
			Pull:  *c.Engine.Docker.Pull,
		}, logger.WithGroup("engine.docker"))
	case "gce":
		return gce.New(ctx, gce.Config{
			Project:     c.Engine.GCE.Project,
			Zone:        c.Engine.GCE.Zone,
			MachineType: c.Engine.GCE.MachineType,
			Image:       c.Engine.GCE.Image,
			DiskSizeGB:  c.Engine.GCE.DiskSizeGB,
			Network:     c.Engine.GCE.Network,
			Subnet:      c.Engine.GCE.Subnet,
			PublicIP:    *c.Engine.GCE.PublicIP,
		}, logger.WithGroup("engine.gce"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// NewQueueClient connects to the configured NATS server.
func (c *Config) NewQueueClient(logger *slog.Logger) (*queue.Client, error) {
	return queue.Connect(queue.Config{
		URL:           c.Queue.URL,
		Stream:        c.Queue.Stream,
		Subjects:      c.Queue.Subjects,
		ResultSubject: c.Queue.ResultSubject,
		ResultStream:  c.Queue.ResultStream,
		Logger:        logger.WithGroup("queue"),
	})
}

// NewStatusClient creates the build-status client.
func (c *Config) NewStatusClient() (*status.Client, error) {
	return status.New(status.Config{
		StatusURL: c.Release.StatusURL,
		BucketURL: c.Release.BucketURL,
		Project:   c.Release.Project,
	})
}

// NewRegistryClient creates the container registry client.
func (c *Config) NewRegistryClient() *registry.Client {
	return registry.New(registry.Config{
		BaseURL: c.Release.RegistryURL,
	})
}

// ActivityConfig assembles the static launch configuration activities
// are evaluated against.
func (c *Config) ActivityConfig() activity.Config {
	macos := make(map[release.Platform]string, len(c.Release.MacOSVersions))
	for platform, label := range c.Release.MacOSVersions {
		macos[release.Platform(platform)] = label
	}

	return activity.Config{
		QueuePrefix:   c.Queue.Subjects,
		ScriptBaseURL: c.Scripts.BaseURL,
		WorkerScript:  c.Scripts.Worker,
		DummyScript:   c.Scripts.Dummy,
		Accounts: activity.Accounts{
			SourceBuilder:  c.Release.Accounts.SourceBuilder,
			PackageBuilder: c.Release.Accounts.PackageBuilder,
			RepoPublisher:  c.Release.Accounts.RepoPublisher,
			MacOSTrigger:   c.Release.Accounts.MacOSTrigger,
		},
		DockerRepos:    c.Release.DockerRepos,
		MacOSVersions:  macos,
		SharedRepoZone: c.Release.SharedRepoZone,
	}
}
