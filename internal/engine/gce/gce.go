// Package gce implements the engine.Engine interface using Google Cloud
// Compute Engine to run single-use release build workers as VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/buildfleet/internal/engine"
)

// Config holds GCE-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the default zone for build workers (required).  A
	// LaunchSpec may pin a different zone for shared-volume placement.
	Zone string

	// MachineType is the default machine type for workers whose
	// LaunchSpec does not override it.  Default: "e2-small".
	MachineType string

	// Image is the full self-link or family URL of the worker base
	// image (required).
	Image string

	// DiskSizeGB is the default boot disk size in GB.  Default: 10.
	DiskSizeGB int64

	// Network is the VPC network name.  Default: "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP controls whether workers get an external IP.  Build
	// workers fetch scripts and push artifacts over the internet, so
	// this defaults to true at the config layer.
	PublicIP bool
}

// activeWorkerCap bounds the ActiveWorkers result set.  Callers only
// need to know whether any worker exists, so a handful is plenty.
const activeWorkerCap = 5

// activityLabel is the instance label carrying the activity name.
const activityLabel = "activity"

// operationWaiter abstracts a long-running compute operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the narrow slice of the Compute Engine instances
// client the engine uses.  It exists so tests can substitute a mock.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	AggregatedList(ctx context.Context, req *computepb.AggregatedListInstancesRequest) ([]*computepb.Instance, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	client *compute.InstancesClient
}

func (r *restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.client.Insert(ctx, req, gax.WithTimeout(2*time.Minute))
}

func (r *restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.client.Delete(ctx, req, gax.WithTimeout(2*time.Minute))
}

func (r *restInstances) AggregatedList(ctx context.Context, req *computepb.AggregatedListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := r.client.AggregatedList(ctx, req)
	for {
		pair, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, pair.Value.GetInstances()...)
		if len(out) >= activeWorkerCap {
			out = out[:activeWorkerCap]
			break
		}
	}
	return out, nil
}

func (r *restInstances) Close() error { return r.client.Close() }

// Engine launches release build workers as GCE VMs.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCE engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-small"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 10
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gce instances client: %w", err)
	}

	logger.Info("gce engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newEngine(&restInstances{client: client}, cfg, logger), nil
}

// newEngine wires an Engine from an already-constructed API client.
// Tests use it to inject mocks; New applies defaults before calling it.
func newEngine(client instancesAPI, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("buildfleet/engine/gce"),
	}
}

// Launch creates a VM that bootstraps a build worker via its startup
// script.  The activity name rides along as an instance label so
// ActiveWorkers can find live workers for the same step.
func (e *Engine) Launch(ctx context.Context, spec *engine.LaunchSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gce.Launch")
	defer span.End()

	zone := spec.Zone
	if zone == "" {
		zone = e.cfg.Zone
	}
	machineType := spec.MachineType
	if machineType == "" {
		machineType = e.cfg.MachineType
	}
	diskSizeGB := spec.DiskSizeGB
	if diskSizeGB == 0 {
		diskSizeGB = e.cfg.DiskSizeGB
	}

	span.SetAttributes(
		attribute.String("worker.name", spec.Name),
		attribute.String("worker.activity", spec.Activity),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", zone),
		attribute.String("gcp.machine_type", machineType),
	)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(diskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	metadata := &computepb.Metadata{
		Items: []*computepb.Items{
			{
				Key:   proto.String("startup-script"),
				Value: proto.String(spec.StartupScript()),
			},
		},
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
		Labels: map[string]string{
			activityLabel: SanitizeLabel(spec.Activity),
		},
	}

	if spec.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(spec.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	e.logger.Info("launching build worker VM",
		slog.String("name", spec.Name),
		slog.String("activity", spec.Activity),
		slog.String("machine_type", machineType),
		slog.String("zone", zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", spec.Name, err)
	}

	span.AddEvent("waiting for GCE operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for instance %s: %w", spec.Name, err)
	}

	e.logger.Info("build worker VM launched",
		slog.String("name", spec.Name),
		slog.String("zone", zone),
	)

	// The ID carries the zone so Terminate reaches the instance even
	// when the spec pinned it outside the default zone.
	return zone + "/" + spec.Name, nil
}

// ActiveWorkers lists pending/running VMs labelled with the activity.
// The query is an aggregated (all-zones) list against the API, not
// local state: workers launched by previous daemon runs, other hosts,
// or pinned into a non-default zone by their spec are all counted.
func (e *Engine) ActiveWorkers(ctx context.Context, activity string) ([]engine.Worker, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gce.ActiveWorkers")
	defer span.End()

	span.SetAttributes(attribute.String("worker.activity", activity))

	filter := fmt.Sprintf(
		`(labels.%s = %q) AND (status = "PROVISIONING" OR status = "STAGING" OR status = "RUNNING")`,
		activityLabel, SanitizeLabel(activity),
	)

	instances, err := e.client.AggregatedList(ctx, &computepb.AggregatedListInstancesRequest{
		Project:    e.cfg.Project,
		Filter:     proto.String(filter),
		MaxResults: proto.Uint32(activeWorkerCap),
	})
	if err != nil {
		return nil, fmt.Errorf("listing workers for %s: %w", activity, err)
	}

	workers := make([]engine.Worker, 0, len(instances))
	for _, inst := range instances {
		zone := zoneFromURL(inst.GetZone())
		if zone == "" {
			zone = e.cfg.Zone
		}
		workers = append(workers, engine.Worker{
			ID:       zone + "/" + inst.GetName(),
			Name:     inst.GetName(),
			Activity: activity,
			Status:   inst.GetStatus(),
			Zone:     zone,
		})
	}

	span.SetAttributes(attribute.Int("worker.count", len(workers)))
	return workers, nil
}

// Terminate permanently deletes the VM identified by id.  IDs from
// Launch and ActiveWorkers are "<zone>/<name>"; a bare name falls back
// to the default zone.  It is idempotent -- deleting an already-deleted
// VM is not an error.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gce.Terminate")
	defer span.End()

	zone := e.cfg.Zone
	name := id
	if i := strings.LastIndex(id, "/"); i >= 0 {
		zone, name = id[:i], id[i+1:]
	}

	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", zone),
	)

	e.logger.Info("terminating build worker VM",
		slog.String("name", name),
		slog.String("zone", zone),
	)

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		// The GCP client reports an already-gone instance as a 404.
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			e.logger.Info("build worker VM already gone", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", name, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			e.logger.Info("build worker VM already gone", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", name, err)
	}

	e.logger.Info("build worker VM terminated", slog.String("name", name))
	return nil
}

// Close releases the API client.  Live workers are left running; they
// terminate themselves when their task script finishes.
func (e *Engine) Close(context.Context) error {
	return e.client.Close()
}

// SanitizeLabel lowers a value and replaces characters GCE labels do
// not allow.  Activity names are already lowercase-hyphenated, so this
// is usually the identity.
func SanitizeLabel(v string) string {
	v = strings.ToLower(v)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, v)
}

// zoneFromURL extracts the zone name from the self-link URL the API
// returns on instances (".../zones/us-central1-a").
func zoneFromURL(u string) string {
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.  The google-cloud-go compute library wraps googleapi.Error;
// string matching survives library version changes better than
// asserting through the wrapping layers.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
