// Package activity implements the decision logic of the release
// pipeline.  Each activity corresponds to one step of a release: it
// decides whether the step needs to run at all (ShouldRun), whether a
// new build worker may be launched right now (NeedsWorker), and how to
// provision that worker (LaunchSpec).  The actual work happens on the
// worker; activities only decide and describe.
package activity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/terrpan/buildfleet/internal/engine"
	"github.com/terrpan/buildfleet/internal/release"
)

// Activity names, used as task names on the queue and as worker labels.
const (
	NameMakeSourceTarball     = "make-source-tarball"
	NameMakeBinaryPackage     = "make-binary-package"
	NamePublishBinaryPackages = "publish-binary-packages"
	NamePublishSourceTarball  = "publish-source-tarball"
	NamePublishDockerImages   = "publish-docker-images"
	NameBuildAndPublishMacOS  = "build-and-publish-macos"
)

// Names returns all activity names in a stable order.
func Names() []string {
	return []string{
		NameMakeSourceTarball,
		NameMakeBinaryPackage,
		NamePublishBinaryPackages,
		NamePublishSourceTarball,
		NamePublishDockerImages,
		NameBuildAndPublishMacOS,
	}
}

// Activity is one release-pipeline step's decision surface.
type Activity interface {
	// Name returns the activity name.
	Name() string

	// ShouldRun reports whether the step still needs to run for this
	// input.  Steps are idempotent at the pipeline level: a step whose
	// output already exists is a no-op.
	ShouldRun(ctx context.Context) (bool, error)

	// NeedsWorker reports whether a build worker may be launched right
	// now.  Most activities always say yes; steps that own a shared
	// resource say no while another worker for the same activity is
	// live, and the task is retried later.
	NeedsWorker(ctx context.Context) (bool, error)

	// LaunchSpec describes the build worker to provision for this
	// input.  It fails if the activity's static launch configuration is
	// incomplete.
	LaunchSpec(ctx context.Context) (*engine.LaunchSpec, error)
}

// StatusClient is the slice of internal/status an activity needs.
type StatusClient interface {
	BuildStatuses(ctx context.Context, v release.Version) (map[release.Platform]release.Status, error)
	BuildStatus(ctx context.Context, v release.Version, p release.Platform) (release.Status, error)
	SourceTarballExists(ctx context.Context, v release.Version) (bool, error)
}

// RegistryClient is the slice of internal/registry an activity needs.
type RegistryClient interface {
	Tags(ctx context.Context, repo string) (map[string]bool, error)
}

// Deps are the external clients activities consult.
type Deps struct {
	Status   StatusClient
	Registry RegistryClient
	Engine   engine.Engine
}

// Accounts names the service account attached to each kind of worker.
type Accounts struct {
	// SourceBuilder builds and publishes source tarballs.
	SourceBuilder string
	// PackageBuilder builds binary packages.
	PackageBuilder string
	// RepoPublisher updates the package repositories and image registry.
	RepoPublisher string
	// MacOSTrigger triggers the externally-hosted macOS builds.
	MacOSTrigger string
}

// Config is the static launch configuration shared by all activities.
type Config struct {
	// QueuePrefix is the task subject prefix; the worker on the
	// instance polls "<QueuePrefix>.<activity>" for its task.
	QueuePrefix string

	// ScriptBaseURL is the base URL task and bootstrap scripts are
	// fetched from.
	ScriptBaseURL string

	// WorkerScript is the bootstrap script name, relative to
	// ScriptBaseURL.  Default "worker.sh".
	WorkerScript string

	// DummyScript replaces the task script on dry runs.
	// Default "dummy-task.sh".
	DummyScript string

	// Accounts are the per-role worker service accounts.
	Accounts Accounts

	// DockerRepos are the image repositories whose tags mark container
	// image publication, e.g. ["example/runtime"].
	DockerRepos []string

	// MacOSVersions maps each macOS build platform to the build label
	// passed to the external build trigger.
	MacOSVersions map[release.Platform]string

	// SharedRepoZone pins repository-publishing workers to the zone of
	// the shared repository volume.
	SharedRepoZone string
}

func (c *Config) applyDefaults() {
	if c.WorkerScript == "" {
		c.WorkerScript = "worker.sh"
	}
	if c.DummyScript == "" {
		c.DummyScript = "dummy-task.sh"
	}
}

func (c Config) scriptURL(name string) string {
	return strings.TrimSuffix(c.ScriptBaseURL, "/") + "/" + name
}

// Input is the per-task input an activity is evaluated against.
type Input struct {
	Version release.Version

	// Platform is the single platform a per-platform step targets.
	Platform release.Platform

	// Platforms restricts multi-platform steps to a subset.  Empty
	// means all configured platforms.
	Platforms []release.Platform

	// DryRun substitutes the dummy task script on the worker.
	DryRun bool
}

func (in Input) requestedSet() map[release.Platform]bool {
	if len(in.Platforms) == 0 {
		return nil
	}
	set := make(map[release.Platform]bool, len(in.Platforms))
	for _, p := range in.Platforms {
		set[p] = true
	}
	return set
}

// launchConfig is one activity's static worker shape.  A zero field
// falls through to the engine default.
type launchConfig struct {
	serviceAccount string
	script         string
	initScript     string
	machineType    string
	diskSizeGB     int64
	zone           string
}

// base carries what every activity shares.  Concrete activities embed
// it and override ShouldRun (always) and NeedsWorker/env hooks (rarely).
type base struct {
	name   string
	cfg    Config
	in     Input
	deps   Deps
	launch launchConfig
}

func (b *base) Name() string { return b.name }

// NeedsWorker defaults to yes; only mutually-excluded steps override.
func (b *base) NeedsWorker(context.Context) (bool, error) { return true, nil }

// hasWorkers reports whether any worker for this activity is already
// pending or running, as seen by the compute backend.
func (b *base) hasWorkers(ctx context.Context) (bool, error) {
	workers, err := b.deps.Engine.ActiveWorkers(ctx, b.name)
	if err != nil {
		return false, fmt.Errorf("%s: listing workers: %w", b.name, err)
	}
	return len(workers) > 0, nil
}

// newSpec builds the launch spec from the static configuration plus
// per-activity env hooks.
func (b *base) newSpec(workerEnv, taskEnv map[string]string) (*engine.LaunchSpec, error) {
	if b.launch.serviceAccount == "" || b.launch.script == "" ||
		b.cfg.QueuePrefix == "" || b.cfg.ScriptBaseURL == "" {
		return nil, fmt.Errorf("missing launch config in %s", b.name)
	}

	script := b.launch.script
	if b.in.DryRun {
		script = b.cfg.DummyScript
	}

	env := map[string]string{
		"ACTIVITY_QUEUE": b.cfg.QueuePrefix + "." + b.name,
		"SCRIPT_URL":     b.cfg.scriptURL(script),
		"INIT_URL":       "",
	}
	if b.launch.initScript != "" {
		env["INIT_URL"] = b.cfg.scriptURL(b.launch.initScript)
	}
	for k, v := range workerEnv {
		env[k] = v
	}

	return &engine.LaunchSpec{
		Name:           fmt.Sprintf("ww-0-%s-%s", b.name, uuid.NewString()[:8]),
		Activity:       b.name,
		MachineType:    b.launch.machineType,
		DiskSizeGB:     b.launch.diskSizeGB,
		Zone:           b.launch.zone,
		ServiceAccount: b.launch.serviceAccount,
		Env:            env,
		TaskEnv:        taskEnv,
		BootstrapURL:   b.cfg.scriptURL(b.cfg.WorkerScript),
	}, nil
}

// New constructs the named activity for one task input.
func New(name string, in Input, deps Deps, cfg Config) (Activity, error) {
	cfg.applyDefaults()
	b := base{name: name, cfg: cfg, in: in, deps: deps}

	switch name {
	case NameMakeSourceTarball:
		b.launch = launchConfig{
			serviceAccount: cfg.Accounts.SourceBuilder,
			script:         "make-source-tarball.sh",
			diskSizeGB:     16,
		}
		return &makeSourceTarball{base: b}, nil

	case NameMakeBinaryPackage:
		b.launch = launchConfig{
			serviceAccount: cfg.Accounts.PackageBuilder,
			script:         "make-binary-package.sh",
			machineType:    "n2-standard-8",
			diskSizeGB:     95,
		}
		return &makeBinaryPackage{base: b}, nil

	case NamePublishBinaryPackages:
		b.launch = launchConfig{
			serviceAccount: cfg.Accounts.RepoPublisher,
			script:         "update-repos.sh",
			initScript:     "init/update-repos.sh",
			diskSizeGB:     100,
			zone:           cfg.SharedRepoZone,
		}
		return &publishBinaryPackages{base: b}, nil

	case NamePublishSourceTarball:
		b.launch = launchConfig{
			serviceAccount: cfg.Accounts.SourceBuilder,
			script:         "publish-release-source.sh",
		}
		return &publishSourceTarball{base: b}, nil

	case NamePublishDockerImages:
		b.launch = launchConfig{
			serviceAccount: cfg.Accounts.RepoPublisher,
			script:         "update-repos.sh",
		}
		return &publishDockerImages{base: b}, nil

	case NameBuildAndPublishMacOS:
		b.launch = launchConfig{
			serviceAccount: cfg.Accounts.MacOSTrigger,
			script:         "trigger-macos-builds.sh",
		}
		return &buildAndPublishMacOS{base: b}, nil
	}

	return nil, fmt.Errorf("unknown activity %q", name)
}

func sortedPlatforms(set map[release.Platform]bool) []string {
	names := make([]string, 0, len(set))
	for p := range set {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
