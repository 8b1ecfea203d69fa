package domain

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// FakeProber is a HealthProber test double returning a fixed health value,
// or a fixed error when Err is set.
type FakeProber struct {
	Health types.NodeHealth
	Err    error
}

func (f *FakeProber) Probe(_ context.Context) (types.NodeHealth, error) {
	return f.Health, f.Err
}

// FakeReplicaConfigurer records every call made to it, for assertions in
// election and provisioning tests.
type FakeReplicaConfigurer struct {
	mu                     sync.Mutex
	ReplicaCalls           []ReplicaCall
	MasterCalls            int
	ConfigureAsReplica_Err error
	ConfigureAsMaster_Err  error
}

type ReplicaCall struct {
	Master       types.NodeDescriptor
	CapturedGTID string
}

func (f *FakeReplicaConfigurer) ConfigureAsReplica(_ context.Context, master types.NodeDescriptor, capturedGTID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReplicaCalls = append(f.ReplicaCalls, ReplicaCall{Master: master, CapturedGTID: capturedGTID})
	return f.ConfigureAsReplica_Err
}

func (f *FakeReplicaConfigurer) ConfigureAsMaster(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MasterCalls++
	return f.ConfigureAsMaster_Err
}

// FakeRsyncProvisioner records provisioned and destroyed sidecars, so
// tests can assert a provisioned sidecar was later destroyed. Destroyed
// records whether an id was destroyed, not how many times.
type FakeRsyncProvisioner struct {
	mu          sync.Mutex
	Provisioned map[string]string // instance id -> data path
	Destroyed   map[string]bool
	Err         error
}

func NewFakeRsyncProvisioner() *FakeRsyncProvisioner {
	return &FakeRsyncProvisioner{
		Provisioned: make(map[string]string),
		Destroyed:   make(map[string]bool),
	}
}

func (f *FakeRsyncProvisioner) Provision(_ context.Context, instanceID, dataPath string) (RsyncAccess, error) {
	if f.Err != nil {
		return RsyncAccess{}, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Provisioned[instanceID] = dataPath
	return RsyncAccess{
		InstanceID: instanceID,
		Port:       2222,
		Username:   "rsync",
		Password:   "fake-password",
		SrcPath:    dataPath,
	}, nil
}

func (f *FakeRsyncProvisioner) Destroy(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Destroyed[instanceID] = true
	return nil
}

// FakeReplicaSeeder returns a scripted captured GTID.
type FakeReplicaSeeder struct {
	mu       sync.Mutex
	GTID     string
	Err      error
	SeedCalls []RsyncAccess
}

func (f *FakeReplicaSeeder) Seed(_ context.Context, access RsyncAccess) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SeedCalls = append(f.SeedCalls, access)
	return f.GTID, f.Err
}

// FakeProxyAdmin lets tests control which nodes the simulated proxy can
// currently reach, keyed by IP.
type FakeProxyAdmin struct {
	mu          sync.Mutex
	Reachability map[string]bool
}

func NewFakeProxyAdmin() *FakeProxyAdmin {
	return &FakeProxyAdmin{Reachability: make(map[string]bool)}
}

func (f *FakeProxyAdmin) Reachable(_ context.Context, node types.NodeDescriptor) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Reachability[node.IP], nil
}

func (f *FakeProxyAdmin) Conn(_ context.Context) (*sql.DB, error) {
	return nil, fmt.Errorf("domain: FakeProxyAdmin.Conn not backed by a real database in tests")
}

// FakeController records lifecycle calls per service id and serves a
// scripted status string.
type FakeController struct {
	mu       sync.Mutex
	Calls    []string // "<verb> <id>"
	Statuses map[string]string
	Err      error
}

func NewFakeController() *FakeController {
	return &FakeController{Statuses: make(map[string]string)}
}

func (f *FakeController) record(verb, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, verb+" "+id)
	return f.Err
}

func (f *FakeController) Create(_ context.Context, rec types.LocalServiceRecord) error {
	return f.record("create", rec.ID)
}
func (f *FakeController) Start(_ context.Context, id string) error   { return f.record("start", id) }
func (f *FakeController) Stop(_ context.Context, id string) error    { return f.record("stop", id) }
func (f *FakeController) Restart(_ context.Context, id string) error { return f.record("restart", id) }
func (f *FakeController) Delete(_ context.Context, id string) error  { return f.record("delete", id) }
func (f *FakeController) Upgrade(_ context.Context, id, _, _ string) error {
	return f.record("upgrade", id)
}

func (f *FakeController) Status(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if s, ok := f.Statuses[id]; ok {
		return s, nil
	}
	return "unknown", nil
}

func (f *FakeController) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

var (
	_ HealthProber            = (*FakeProber)(nil)
	_ ReplicaConfigurer       = (*FakeReplicaConfigurer)(nil)
	_ RsyncSidecarProvisioner = (*FakeRsyncProvisioner)(nil)
	_ ProxyAdmin              = (*FakeProxyAdmin)(nil)
	_ ServiceController       = (*FakeController)(nil)
	_ ReplicaSeeder           = (*FakeReplicaSeeder)(nil)
)
