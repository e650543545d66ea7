// Package docker implements the engine.Engine interface using the
// Docker daemon.  It exists for local development and dry runs: the
// container receives the same bootstrap contract a production VM would,
// so decision logic and launch specs can be exercised end to end
// without touching a cloud project.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/buildfleet/internal/engine"
)

// activityLabel is the container label carrying the activity name.
const activityLabel = "buildfleet.activity"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image used for build workers.
	// Default: "ubuntu:24.04".
	Image string

	// Pull controls whether the image is pulled at engine creation.
	// Default true; disable for images built locally.
	Pull bool
}

// Engine launches release build workers as Docker containers.
type Engine struct {
	client *dockerclient.Client
	image  string
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and optionally
// pulls the worker image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = "ubuntu:24.04"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if cfg.Pull {
		logger.Info("pulling worker image", slog.String("image", cfg.Image))

		pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
		}
		// Drain and close the pull stream so the image is fully downloaded.
		if _, err := io.ReadAll(pull); err != nil {
			return nil, fmt.Errorf("reading image pull response: %w", err)
		}
		if err := pull.Close(); err != nil {
			return nil, fmt.Errorf("closing image pull stream: %w", err)
		}

		logger.Info("worker image ready", slog.String("image", cfg.Image))
	}

	return &Engine{
		client: client,
		image:  cfg.Image,
		logger: logger,
	}, nil
}

// Launch creates and starts a container that runs the worker bootstrap
// script.  Env and TaskEnv end up in the same places a VM would put
// them because the container executes the rendered startup script.
func (e *Engine) Launch(ctx context.Context, spec *engine.LaunchSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: e.image,
			Env:   env,
			Cmd:   []string{"/bin/bash", "-c", spec.StartupScript()},
			Labels: map[string]string{
				activityLabel: spec.Activity,
			},
		},
		&container.HostConfig{
			AutoRemove: false,
		},
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	e.logger.Info("build worker container started",
		slog.String("name", spec.Name),
		slog.String("activity", spec.Activity),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// ActiveWorkers lists running containers labelled with the activity.
func (e *Engine) ActiveWorkers(ctx context.Context, activity string) ([]engine.Worker, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", activityLabel, activity)),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing workers for %s: %w", activity, err)
	}

	workers := make([]engine.Worker, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		workers = append(workers, engine.Worker{
			ID:       c.ID,
			Name:     name,
			Activity: activity,
			Status:   c.State,
		})
	}
	return workers, nil
}

// Terminate force-removes the container identified by id.  A container
// that is already gone is not an error.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	e.logger.Info("removing build worker container", slog.String("containerID", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

// Close releases the daemon connection.  Running worker containers are
// left alone.
func (e *Engine) Close(context.Context) error {
	return e.client.Close()
}
