// Package domain declares the boundary between the agent's coordination
// core and the process-level machinery around it: starting and stopping
// MySQL/MariaDB/ProxySQL, provisioning rsync sidecar containers,
// generating systemd/quadlet units. Each is a narrow interface here; the
// core depends only on the interface, and tests run against the fakes in
// this package rather than a real container runtime or init system.
package domain

import (
	"context"
	"database/sql"

	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// HealthProber runs a single health check against one database instance
// and returns its current GTID/kind snapshot. Implementations dial the
// instance themselves; the core only calls Probe on a schedule.
type HealthProber interface {
	Probe(ctx context.Context) (types.NodeHealth, error)
}

// DBConnector hands back a pooled *sql.DB for one database instance.
// Separate from HealthProber because a prober may use its own lightweight
// connection while other collaborators (ReplicaConfigurer,
// ProxyAdmin) want the shared pool.
type DBConnector interface {
	Conn(ctx context.Context) (*sql.DB, error)
}

// ReplicaConfigurer reconfigures one database instance's replication role.
// ConfigureAsReplica's capturedGTID is the GTID position captured by the
// rsync sidecar's backup snapshot. A non-empty value is installed as
// gtid_slave_pos and replication starts with MASTER_USE_GTID = current_pos;
// an empty string means no captured position is available, and replication
// starts with MASTER_USE_GTID = slave_pos from the instance's own position.
type ReplicaConfigurer interface {
	ConfigureAsReplica(ctx context.Context, master types.NodeDescriptor, capturedGTID string) error
	ConfigureAsMaster(ctx context.Context) error
}

// RsyncAccess is the one-shot credential backing a replica bootstrap: a
// freshly launched sidecar container exporting the source database's data
// directory over SSH.
type RsyncAccess struct {
	InstanceID string
	Port       int
	Username   string
	Password   string
	SrcPath    string
}

// RsyncSidecarProvisioner starts and stops the short-lived rsync sidecar
// containers used to seed a new replica from an existing node's data
// directory. InstanceID naming (rsync.{cluster_id}.{node_id}.{random16})
// is decided by the caller; the provisioner only launches and destroys.
type RsyncSidecarProvisioner interface {
	Provision(ctx context.Context, instanceID, dataPath string) (RsyncAccess, error)
	Destroy(ctx context.Context, instanceID string) error
}

// ReplicaSeeder performs the two-phase rsync against a source sidecar:
// a dirty copy first, then a second pass under FLUSH TABLES WITH READ
// LOCK on the source, capturing the source's GTID before unlock. The
// returned GTID is empty when none was recorded, which selects the
// slave_pos compatibility branch in ReplicaConfigurer.
type ReplicaSeeder interface {
	Seed(ctx context.Context, access RsyncAccess) (capturedGTID string, err error)
}

// DataPather reports the on-host data directory for a local service id.
type DataPather interface {
	DataPath(id string) (string, error)
}

// ServiceController drives the host-local process lifecycle of one
// provisioned database or proxy instance. The real implementation sits on
// the container-supervision side of the boundary (quadlet/systemd unit
// generation, podman); the core only issues intents.
type ServiceController interface {
	Create(ctx context.Context, rec types.LocalServiceRecord) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Upgrade(ctx context.Context, id, image, tag string) error
	Status(ctx context.Context, id string) (string, error)
}

// ProxyAdmin reaches a cluster's ProxySQL admin interface: Reachable asks
// "can the proxy currently route to this node", Conn is used by the
// ProxySQL reconciler to issue admin-interface SQL directly. The master
// elector and the dead-node verifier do not use Reachable; they probe
// nodes through the inter-agent client.
type ProxyAdmin interface {
	Reachable(ctx context.Context, node types.NodeDescriptor) (bool, error)
	Conn(ctx context.Context) (*sql.DB, error)
}
