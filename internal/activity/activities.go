package activity

import (
	"context"
	"fmt"
	"strings"

	"github.com/terrpan/buildfleet/internal/engine"
	"github.com/terrpan/buildfleet/internal/release"
)

// makeSourceTarball builds the release source tarball.  It runs until
// the tarball object shows up in the artifact bucket.
type makeSourceTarball struct {
	base
}

func (a *makeSourceTarball) ShouldRun(ctx context.Context) (bool, error) {
	exists, err := a.deps.Status.SourceTarballExists(ctx, a.in.Version)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}
	return !exists, nil
}

func (a *makeSourceTarball) LaunchSpec(context.Context) (*engine.LaunchSpec, error) {
	return a.newSpec(nil, nil)
}

// makeBinaryPackage builds the binary package for a single platform.
type makeBinaryPackage struct {
	base
}

func (a *makeBinaryPackage) ShouldRun(ctx context.Context) (bool, error) {
	if a.in.Platform == "" {
		return false, fmt.Errorf("%s: task has no platform", a.name)
	}
	status, err := a.deps.Status.BuildStatus(ctx, a.in.Version, a.in.Platform)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}
	return status == release.StatusNotBuilt, nil
}

func (a *makeBinaryPackage) LaunchSpec(context.Context) (*engine.LaunchSpec, error) {
	return a.newSpec(nil, nil)
}

// publishBinaryPackages pushes built Linux packages to the public
// package repositories.  The repositories live on a shared persistent
// volume, so at most one publisher worker may run at a time and the
// worker is pinned to the volume's zone.
type publishBinaryPackages struct {
	base
}

func (a *publishBinaryPackages) ShouldRun(ctx context.Context) (bool, error) {
	statuses, err := a.deps.Status.BuildStatuses(ctx, a.in.Version)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}

	linux := make(map[release.Platform]release.Status)
	for p, s := range statuses {
		if p.IsLinux() {
			linux[p] = s
		}
	}
	ok, err := release.AnyUnpublished(linux)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}
	return ok, nil
}

func (a *publishBinaryPackages) NeedsWorker(ctx context.Context) (bool, error) {
	// The shared repository volume admits one writer.
	busy, err := a.hasWorkers(ctx)
	if err != nil {
		return false, err
	}
	return !busy, nil
}

func (a *publishBinaryPackages) LaunchSpec(context.Context) (*engine.LaunchSpec, error) {
	return a.newSpec(nil, map[string]string{"REPOS_ONLY": "1"})
}

// publishSourceTarball publishes the source tarball and its signature.
// Nightlies are never published this way.
type publishSourceTarball struct {
	base
}

func (a *publishSourceTarball) ShouldRun(ctx context.Context) (bool, error) {
	if a.in.Version.IsNightly() {
		return false, nil
	}
	statuses, err := a.deps.Status.BuildStatuses(ctx, a.in.Version)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}

	source := make(map[release.Platform]release.Status)
	for p, s := range statuses {
		if p.IsSource() {
			source[p] = s
		}
	}
	ok, err := release.AnyUnpublished(source)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}
	return ok, nil
}

func (a *publishSourceTarball) LaunchSpec(context.Context) (*engine.LaunchSpec, error) {
	return a.newSpec(nil, nil)
}

// publishDockerImages pushes container images.  A version is published
// once its tag exists in every configured repository.
type publishDockerImages struct {
	base
}

func (a *publishDockerImages) ShouldRun(ctx context.Context) (bool, error) {
	for _, repo := range a.cfg.DockerRepos {
		tags, err := a.deps.Registry.Tags(ctx, repo)
		if err != nil {
			return false, fmt.Errorf("%s: %w", a.name, err)
		}
		if !tags[a.in.Version.String()] {
			return true, nil
		}
	}
	return false, nil
}

func (a *publishDockerImages) LaunchSpec(context.Context) (*engine.LaunchSpec, error) {
	return a.newSpec(nil, map[string]string{"DOCKER_ONLY": "1"})
}

// buildAndPublishMacOS triggers the externally-hosted macOS builds,
// which build and publish in one step.  The worker only fires the
// trigger and exits; the external build reports completion to the
// orchestrator itself, so the bootstrap must not send task success.
type buildAndPublishMacOS struct {
	base
}

// platformsToBuild returns the configured macOS platforms (optionally
// narrowed by the task's platform list) that have not yet succeeded.
func (a *buildAndPublishMacOS) platformsToBuild(ctx context.Context) (map[release.Platform]bool, error) {
	requested := a.in.requestedSet()

	statuses, err := a.deps.Status.BuildStatuses(ctx, a.in.Version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}

	toBuild := make(map[release.Platform]bool)
	for p := range a.cfg.MacOSVersions {
		if requested != nil && !requested[p] {
			continue
		}
		// A platform the status service has not heard of is not built.
		if statuses[p] != release.StatusSucceeded {
			toBuild[p] = true
		}
	}
	return toBuild, nil
}

func (a *buildAndPublishMacOS) ShouldRun(ctx context.Context) (bool, error) {
	toBuild, err := a.platformsToBuild(ctx)
	if err != nil {
		return false, err
	}
	return len(toBuild) > 0, nil
}

func (a *buildAndPublishMacOS) taskEnv(ctx context.Context) (map[string]string, error) {
	toBuild, err := a.platformsToBuild(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case len(toBuild) == len(a.cfg.MacOSVersions):
		// Build everything; the trigger's default.
		return nil, nil
	case len(toBuild) == 1:
		for p := range toBuild {
			return map[string]string{"PLATFORM": a.cfg.MacOSVersions[p]}, nil
		}
	}
	return nil, fmt.Errorf(
		"%s: we can only build all platforms or a single platform, but got: %s",
		a.name, strings.Join(sortedPlatforms(toBuild), ", "),
	)
}

func (a *buildAndPublishMacOS) LaunchSpec(ctx context.Context) (*engine.LaunchSpec, error) {
	taskEnv, err := a.taskEnv(ctx)
	if err != nil {
		return nil, err
	}
	return a.newSpec(map[string]string{"SKIP_SEND_TASK_SUCCESS": "1"}, taskEnv)
}
