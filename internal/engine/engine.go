// Package engine defines the abstraction for compute backends that run
// release-pipeline build workers.  Each backend (GCE VMs for production,
// Docker containers for local development and dry runs) implements the
// Engine interface so the decision logic remains compute-agnostic.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Engine is the contract every compute backend must satisfy.
//
// Build workers are single-use: each instance bootstraps itself from the
// startup script, performs exactly one pipeline step, reports the result
// to the orchestrator, and terminates itself.  The daemon that launched
// a worker does not manage its lifetime -- unlike autoscaled CI runners,
// build workers outlive the process that created them.  Terminate exists
// for manual cleanup of stuck workers, not for normal operation.
type Engine interface {
	// Launch provisions and starts a build worker from spec.  The
	// returned id uniquely identifies the worker within the backend (an
	// instance name, a container ID) and can be passed to Terminate.
	Launch(ctx context.Context, spec *LaunchSpec) (id string, err error)

	// ActiveWorkers lists workers for an activity that are currently
	// pending or running, by querying the backend (not local state, so
	// workers launched by other processes are visible).  Backends may
	// cap the result set; callers only rely on empty vs non-empty and
	// on small counts.
	ActiveWorkers(ctx context.Context, activity string) ([]Worker, error)

	// Terminate permanently destroys the worker identified by id.  It
	// must be idempotent -- terminating an already-gone worker is not
	// an error.
	Terminate(ctx context.Context, id string) error

	// Close releases backend clients.  It does NOT terminate workers.
	Close(ctx context.Context) error
}

// Worker describes a live build worker as reported by the backend.
type Worker struct {
	// ID is the backend identifier accepted by Terminate.  It is
	// opaque to callers; zone-scoped backends encode the worker's
	// location in it so Terminate reaches the right scope.
	ID string
	// Name is the human-readable worker name.
	Name string
	// Activity is the activity label the worker carries.
	Activity string
	// Status is the backend-specific lifecycle state (e.g. "RUNNING").
	Status string
	// Zone is where the worker lives, for backends that place workers
	// in zones.  Workers pinned by their launch spec can live outside
	// the backend's default zone.
	Zone string
}

// LaunchSpec describes one build worker to provision.  Activities build
// these; backends translate them into provider API calls.
type LaunchSpec struct {
	// Name is the instance/container name.  Required.
	Name string

	// Activity is the label value identifying which pipeline step this
	// worker serves.  Backends attach it to the resource so
	// ActiveWorkers can filter on it.  Required.
	Activity string

	// MachineType overrides the backend's default machine shape.
	MachineType string

	// DiskSizeGB overrides the backend's default boot disk size.
	DiskSizeGB int64

	// Zone pins the worker to a specific zone.  Used by publish steps
	// that must attach a shared volume living in one zone.  Empty means
	// the backend default.
	Zone string

	// ServiceAccount is the identity attached to the worker.  Required
	// for VM backends so the task script can reach the bucket and the
	// orchestrator.
	ServiceAccount string

	// Env is the bootstrap environment, exported before the worker
	// script runs (activity queue, script URLs, per-activity extras).
	Env map[string]string

	// TaskEnv is written to an env file sourced by the task script
	// itself, separate from the bootstrap environment.
	TaskEnv map[string]string

	// BootstrapURL is the URL of the worker bootstrap script fetched
	// and executed by the startup script.  Required.
	BootstrapURL string
}

// taskEnvDir and taskEnvFile are where the startup script writes TaskEnv
// on the worker; the task script sources the file before running.
const (
	taskEnvDir  = "/etc/buildfleet"
	taskEnvFile = taskEnvDir + "/task.env"
)

// StartupScript renders the bash startup script embedded in instance
// metadata (or run by the container entrypoint).  Environment entries
// are emitted in sorted order so the rendering is deterministic.
func (s *LaunchSpec) StartupScript() string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -euo pipefail\n")

	for _, k := range sortedKeys(s.Env) {
		fmt.Fprintf(&b, "export %s=%q\n", k, s.Env[k])
	}

	fmt.Fprintf(&b, "mkdir -p %s\n", taskEnvDir)
	fmt.Fprintf(&b, ": > %s\n", taskEnvFile)
	for _, k := range sortedKeys(s.TaskEnv) {
		fmt.Fprintf(&b, "echo %s=%q >> %s\n", k, s.TaskEnv[k], taskEnvFile)
	}

	fmt.Fprintf(&b, "curl -fsSL %q | bash\n", s.BootstrapURL)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
