package gce

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/buildfleet/internal/engine"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	listCalls   []*computepb.AggregatedListInstancesRequest
	closed      bool

	insertErr error
	insertOp  operationWaiter
	deleteErr error
	deleteOp  operationWaiter
	listErr   error
	listOut   []*computepb.Instance
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp: &mockOperation{},
		deleteOp: &mockOperation{},
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) AggregatedList(_ context.Context, req *computepb.AggregatedListInstancesRequest) ([]*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls = append(m.listCalls, req)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listOut, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCEEngineSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	logger *slog.Logger
	cfg    Config
}

func (s *GCEEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:     "test-project",
		Zone:        "us-central1-a",
		MachineType: "e2-small",
		Image:       "projects/test-project/global/images/build-worker",
		DiskSizeGB:  10,
		Network:     "default",
		PublicIP:    true,
	}
}

func (s *GCEEngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.cfg, s.logger)
}

func (s *GCEEngineSuite) spec() *engine.LaunchSpec {
	return &engine.LaunchSpec{
		Name:           "ww-0-make-source-tarball-ab12cd34",
		Activity:       "make-source-tarball",
		ServiceAccount: "source-builder@test-project.iam.gserviceaccount.com",
		Env: map[string]string{
			"ACTIVITY_QUEUE": "release.tasks.make-source-tarball",
			"SCRIPT_URL":     "https://scripts.example.org/make-source-tarball.sh",
		},
		BootstrapURL: "https://scripts.example.org/worker.sh",
	}
}

func TestGCEEngineSuite(t *testing.T) {
	suite.Run(t, new(GCEEngineSuite))
}

// ---------------------------------------------------------------------------
// Launch tests
// ---------------------------------------------------------------------------

func (s *GCEEngineSuite) TestLaunch_Success() {
	e := s.newEngine()

	id, err := e.Launch(s.ctx, s.spec())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "us-central1-a/ww-0-make-source-tarball-ab12cd34", id)

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), "ww-0-make-source-tarball-ab12cd34", inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-small")
	assert.Equal(s.T(), "make-source-tarball", inst.GetLabels()["activity"])

	// The startup script carries the bootstrap env.
	var script string
	for _, item := range inst.GetMetadata().GetItems() {
		if item.GetKey() == "startup-script" {
			script = item.GetValue()
		}
	}
	require.NotEmpty(s.T(), script, "startup script should be in instance metadata")
	assert.Contains(s.T(), script, "ACTIVITY_QUEUE")
	assert.Contains(s.T(), script, "worker.sh")
}

func (s *GCEEngineSuite) TestLaunch_SpecOverrides() {
	e := s.newEngine()

	spec := s.spec()
	spec.MachineType = "n2-standard-8"
	spec.DiskSizeGB = 95
	spec.Zone = "us-central1-b"

	id, err := e.Launch(s.ctx, spec)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "us-central1-b/ww-0-make-source-tarball-ab12cd34", id)

	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "us-central1-b", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Contains(s.T(), inst.GetMachineType(), "zones/us-central1-b/machineTypes/n2-standard-8")

	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(95), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "zones/us-central1-b/diskTypes/pd-ssd")
}

func (s *GCEEngineSuite) TestLaunch_Defaults() {
	e := s.newEngine()

	_, err := e.Launch(s.ctx, s.spec())
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	disk := inst.GetDisks()[0]
	assert.Equal(s.T(), int64(10), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
}

func (s *GCEEngineSuite) TestLaunch_PublicIP() {
	e := s.newEngine()

	_, err := e.Launch(s.ctx, s.spec())
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetNetworkInterfaces(), 1)
	assert.Len(s.T(), inst.GetNetworkInterfaces()[0].GetAccessConfigs(), 1)
}

func (s *GCEEngineSuite) TestLaunch_NoPublicIP() {
	s.cfg.PublicIP = false
	e := s.newEngine()

	_, err := e.Launch(s.ctx, s.spec())
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	assert.Empty(s.T(), inst.GetNetworkInterfaces()[0].GetAccessConfigs())
}

func (s *GCEEngineSuite) TestLaunch_CustomSubnet() {
	s.cfg.Subnet = "projects/test-project/regions/us-central1/subnetworks/builders"
	e := s.newEngine()

	_, err := e.Launch(s.ctx, s.spec())
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	assert.Equal(s.T(), s.cfg.Subnet, inst.GetNetworkInterfaces()[0].GetSubnetwork())
}

func (s *GCEEngineSuite) TestLaunch_ServiceAccount() {
	e := s.newEngine()

	_, err := e.Launch(s.ctx, s.spec())
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	sa := inst.GetServiceAccounts()[0]
	assert.Equal(s.T(), "source-builder@test-project.iam.gserviceaccount.com", sa.GetEmail())
	assert.Contains(s.T(), sa.GetScopes(), "https://www.googleapis.com/auth/cloud-platform")
}

func (s *GCEEngineSuite) TestLaunch_InsertError() {
	s.client.insertErr = fmt.Errorf("quota exceeded")
	e := s.newEngine()

	_, err := e.Launch(s.ctx, s.spec())
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "quota exceeded")
}

func (s *GCEEngineSuite) TestLaunch_OperationWaitError() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	e := s.newEngine()

	_, err := e.Launch(s.ctx, s.spec())
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")
}

// ---------------------------------------------------------------------------
// ActiveWorkers tests
// ---------------------------------------------------------------------------

func (s *GCEEngineSuite) TestActiveWorkers_FilterShape() {
	e := s.newEngine()

	_, err := e.ActiveWorkers(s.ctx, "publish-binary-packages")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.listCalls, 1)
	req := s.client.listCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), uint32(5), req.GetMaxResults())

	filter := req.GetFilter()
	assert.Contains(s.T(), filter, `labels.activity = "publish-binary-packages"`)
	assert.Contains(s.T(), filter, `status = "RUNNING"`)
	assert.Contains(s.T(), filter, `status = "PROVISIONING"`)
}

func (s *GCEEngineSuite) TestActiveWorkers_ReturnsWorkers() {
	s.client.listOut = []*computepb.Instance{
		{
			Name:   proto.String("ww-0-publish-binary-packages-1"),
			Status: proto.String("RUNNING"),
			Zone:   proto.String("https://www.googleapis.com/compute/v1/projects/test-project/zones/us-central1-a"),
		},
		{
			Name:   proto.String("ww-0-publish-binary-packages-2"),
			Status: proto.String("PROVISIONING"),
			Zone:   proto.String("https://www.googleapis.com/compute/v1/projects/test-project/zones/us-central1-a"),
		},
	}
	e := s.newEngine()

	workers, err := e.ActiveWorkers(s.ctx, "publish-binary-packages")
	require.NoError(s.T(), err)
	require.Len(s.T(), workers, 2)
	assert.Equal(s.T(), "us-central1-a/ww-0-publish-binary-packages-1", workers[0].ID)
	assert.Equal(s.T(), "ww-0-publish-binary-packages-1", workers[0].Name)
	assert.Equal(s.T(), "us-central1-a", workers[0].Zone)
	assert.Equal(s.T(), "RUNNING", workers[0].Status)
	assert.Equal(s.T(), "publish-binary-packages", workers[0].Activity)
}

func (s *GCEEngineSuite) TestActiveWorkers_SeesPinnedZoneWorkers() {
	// A publish worker pinned outside the default zone must still show
	// up, otherwise the mutual-exclusion gate would let a second
	// publisher start while one is live.
	s.cfg.Zone = "us-central1-f"
	s.client.listOut = []*computepb.Instance{
		{
			Name:   proto.String("ww-0-publish-binary-packages-ab12cd34"),
			Status: proto.String("RUNNING"),
			Zone:   proto.String("https://www.googleapis.com/compute/v1/projects/test-project/zones/us-central1-a"),
		},
	}
	e := s.newEngine()

	workers, err := e.ActiveWorkers(s.ctx, "publish-binary-packages")
	require.NoError(s.T(), err)
	require.Len(s.T(), workers, 1)
	assert.Equal(s.T(), "us-central1-a", workers[0].Zone)

	// Reaping the worker through its ID deletes in its own zone, not
	// the engine default.
	require.NoError(s.T(), e.Terminate(s.ctx, workers[0].ID))
	require.Len(s.T(), s.client.deleteCalls, 1)
	assert.Equal(s.T(), "us-central1-a", s.client.deleteCalls[0].GetZone())
	assert.Equal(s.T(), "ww-0-publish-binary-packages-ab12cd34", s.client.deleteCalls[0].GetInstance())
}

func (s *GCEEngineSuite) TestActiveWorkers_Empty() {
	e := s.newEngine()

	workers, err := e.ActiveWorkers(s.ctx, "make-binary-package")
	require.NoError(s.T(), err)
	assert.Empty(s.T(), workers)
}

func (s *GCEEngineSuite) TestActiveWorkers_ListError() {
	s.client.listErr = fmt.Errorf("permission denied")
	e := s.newEngine()

	_, err := e.ActiveWorkers(s.ctx, "make-binary-package")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

// ---------------------------------------------------------------------------
// Terminate tests
// ---------------------------------------------------------------------------

func (s *GCEEngineSuite) TestTerminate_Success() {
	e := s.newEngine()

	err := e.Terminate(s.ctx, "us-central1-b/ww-0-make-source-tarball-ab12cd34")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-b", req.GetZone())
	assert.Equal(s.T(), "ww-0-make-source-tarball-ab12cd34", req.GetInstance())
}

func (s *GCEEngineSuite) TestTerminate_BareNameUsesDefaultZone() {
	e := s.newEngine()

	err := e.Terminate(s.ctx, "ww-0-make-source-tarball-ab12cd34")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "ww-0-make-source-tarball-ab12cd34", req.GetInstance())
}

func (s *GCEEngineSuite) TestTerminate_Idempotent_DeleteReturns404() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found")
	e := s.newEngine()

	err := e.Terminate(s.ctx, "ww-0-gone")
	require.NoError(s.T(), err, "404 on Delete should be treated as success")
}

func (s *GCEEngineSuite) TestTerminate_Idempotent_WaitReturns404() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("code = NotFound")}
	e := s.newEngine()

	err := e.Terminate(s.ctx, "ww-0-race")
	require.NoError(s.T(), err, "404 during Wait should be treated as success")
}

func (s *GCEEngineSuite) TestTerminate_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	e := s.newEngine()

	err := e.Terminate(s.ctx, "ww-0-perms")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

// ---------------------------------------------------------------------------
// Close tests
// ---------------------------------------------------------------------------

func (s *GCEEngineSuite) TestClose_DoesNotTerminateWorkers() {
	e := s.newEngine()

	_, err := e.Launch(s.ctx, s.spec())
	require.NoError(s.T(), err)

	require.NoError(s.T(), e.Close(s.ctx))

	assert.True(s.T(), s.client.closed)
	assert.Empty(s.T(), s.client.deleteCalls, "Close must leave launched workers running")
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func (s *GCEEngineSuite) TestIsNotFound() {
	assert.False(s.T(), isNotFound(nil))
	assert.True(s.T(), isNotFound(fmt.Errorf("googleapi: Error 404: The resource was not found")))
	assert.True(s.T(), isNotFound(fmt.Errorf("rpc error: code = NotFound desc = instance not found")))
	assert.True(s.T(), isNotFound(fmt.Errorf("some error with notFound in the message")))
	assert.False(s.T(), isNotFound(fmt.Errorf("permission denied: insufficient IAM permissions")))
}

func (s *GCEEngineSuite) TestZoneFromURL() {
	assert.Equal(s.T(), "us-central1-a",
		zoneFromURL("https://www.googleapis.com/compute/v1/projects/p/zones/us-central1-a"))
	assert.Equal(s.T(), "us-central1-a", zoneFromURL("us-central1-a"))
	assert.Equal(s.T(), "", zoneFromURL(""))
}

func (s *GCEEngineSuite) TestSanitizeLabel() {
	assert.Equal(s.T(), "make-source-tarball", SanitizeLabel("make-source-tarball"))
	assert.Equal(s.T(), "make-source-tarball", SanitizeLabel("Make-Source-Tarball"))
	assert.Equal(s.T(), "a-b_c-d", SanitizeLabel("a.b_c d"))
	assert.False(s.T(), strings.ContainsAny(SanitizeLabel("Weird/Label:Value"), "/:"))
}
