package interagent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/domain"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/registry"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// StoreResolver hands back a working kv.Store for a cluster.
type StoreResolver func(ctx context.Context, clusterID string) (kv.Store, error)

// DBDialer probes a database node directly; a nil error means reachable.
type DBDialer func(ctx context.Context, cfg types.ClusterConfig, node types.NodeDescriptor) error

// LocalConnector opens a SQL connection to the local database belonging
// to the given cluster on this host.
type LocalConnector func(ctx context.Context, clusterID string) (*sql.DB, error)

// Handlers serves the InterAgent methods. Every handler reads the cluster
// id from Envelope.Meta, which the authentication interceptor has already
// made authoritative -- a forged body-level cluster id is ignored.
type Handlers struct {
	stores      StoreResolver
	dial        DBDialer
	provisioner domain.RsyncSidecarProvisioner
	dataPaths   domain.DataPather
	localDB     LocalConnector
	logger      zerolog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(stores StoreResolver, dial DBDialer, provisioner domain.RsyncSidecarProvisioner, dataPaths domain.DataPather, localDB LocalConnector, logger zerolog.Logger) *Handlers {
	return &Handlers{
		stores:      stores,
		dial:        dial,
		provisioner: provisioner,
		dataPaths:   dataPaths,
		localDB:     localDB,
		logger:      logger,
	}
}

// Register installs the InterAgent methods into table. None of them are
// async-capable: peers call them inline and expect an immediate answer.
func (h *Handlers) Register(table *registry.Table) {
	table.Register(serviceName, "CheckDatabaseReachability", registry.Entry{Handler: h.checkDatabaseReachability})
	table.Register(serviceName, "RequestRsyncAccess", registry.Entry{Handler: h.requestRsyncAccess})
	table.Register(serviceName, "RevokeRsyncAccess", registry.Entry{Handler: h.revokeRsyncAccess})
	table.Register(serviceName, "SyncReplicationUser", registry.Entry{Handler: h.syncReplicationUser})
}

func (h *Handlers) clusterConfig(ctx context.Context, meta map[string]string) (types.ClusterConfig, error) {
	clusterID := meta["cluster_id"]
	if clusterID == "" {
		return types.ClusterConfig{}, status.Error(codes.InvalidArgument, "missing cluster_id")
	}
	st, err := h.stores(ctx, clusterID)
	if err != nil {
		return types.ClusterConfig{}, status.Errorf(codes.Unavailable, "cluster %s etcd unreachable: %v", clusterID, err)
	}
	snap, err := clusterconfig.Load(ctx, st, clusterID)
	if err != nil {
		return types.ClusterConfig{}, status.Errorf(codes.NotFound, "cluster %s config: %v", clusterID, err)
	}
	return snap.Config(), nil
}

func (h *Handlers) checkDatabaseReachability(ctx context.Context, meta map[string]string, payload []byte) ([]byte, error) {
	var req checkReachabilityRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.NodeID == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id is required")
	}
	cfg, err := h.clusterConfig(ctx, meta)
	if err != nil {
		return nil, err
	}
	node, ok := cfg.Nodes[req.NodeID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "node %s not in cluster %s", req.NodeID, cfg.ClusterID)
	}

	reachable := h.dial(ctx, cfg, node) == nil
	return json.Marshal(checkReachabilityResponse{Reachable: reachable})
}

func (h *Handlers) requestRsyncAccess(ctx context.Context, meta map[string]string, payload []byte) ([]byte, error) {
	var req requestRsyncAccessRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.NodeID == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id is required")
	}
	cfg, err := h.clusterConfig(ctx, meta)
	if err != nil {
		return nil, err
	}

	dataPath, err := h.dataPaths.DataPath(req.NodeID)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "node %s is not hosted here: %v", req.NodeID, err)
	}

	instanceID := SidecarInstanceID(cfg.ClusterID, req.NodeID)
	access, err := h.provisioner.Provision(ctx, instanceID, dataPath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "provision rsync sidecar: %v", err)
	}

	h.logger.Info().Str("cluster_id", cfg.ClusterID).Str("node_id", req.NodeID).Str("instance_id", instanceID).Msg("rsync sidecar provisioned")
	return json.Marshal(requestRsyncAccessResponse{
		InstanceID: access.InstanceID,
		Port:       access.Port,
		Username:   access.Username,
		Password:   access.Password,
		SrcPath:    access.SrcPath,
	})
}

func (h *Handlers) revokeRsyncAccess(ctx context.Context, meta map[string]string, payload []byte) ([]byte, error) {
	var req revokeRsyncAccessRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.InstanceID == "" {
		return nil, status.Error(codes.InvalidArgument, "instance_id is required")
	}
	clusterID := meta["cluster_id"]
	// The naming convention is the authorization boundary: a caller may
	// only destroy sidecars belonging to the cluster its token names.
	if clusterID == "" || !strings.HasPrefix(req.InstanceID, "rsync."+clusterID+".") {
		return nil, status.Errorf(codes.PermissionDenied, "instance %s does not belong to cluster %s", req.InstanceID, clusterID)
	}

	if err := h.provisioner.Destroy(ctx, req.InstanceID); err != nil {
		return nil, status.Errorf(codes.Internal, "destroy rsync sidecar: %v", err)
	}
	h.logger.Info().Str("cluster_id", clusterID).Str("instance_id", req.InstanceID).Msg("rsync sidecar destroyed")
	return json.Marshal(revokeRsyncAccessResponse{Revoked: true})
}

// syncReplicationUser (re)creates the cluster's replication user on the
// local database for that cluster, so a newly promoted master can serve
// replicas without manual grants.
func (h *Handlers) syncReplicationUser(ctx context.Context, meta map[string]string, payload []byte) ([]byte, error) {
	cfg, err := h.clusterConfig(ctx, meta)
	if err != nil {
		return nil, err
	}
	if cfg.ReplicationUser == "" {
		return nil, status.Errorf(codes.FailedPrecondition, "cluster %s has no replication user configured", cfg.ClusterID)
	}

	db, err := h.localDB(ctx, cfg.ClusterID)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "local database for cluster %s: %v", cfg.ClusterID, err)
	}

	stmts := []string{
		fmt.Sprintf("CREATE USER IF NOT EXISTS %s@'%%' IDENTIFIED BY %s", quoteIdent(cfg.ReplicationUser), quoteString(cfg.ReplicationPassword)),
		fmt.Sprintf("ALTER USER %s@'%%' IDENTIFIED BY %s", quoteIdent(cfg.ReplicationUser), quoteString(cfg.ReplicationPassword)),
		fmt.Sprintf("GRANT REPLICATION SLAVE ON *.* TO %s@'%%'", quoteIdent(cfg.ReplicationUser)),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, status.Errorf(codes.Internal, "sync replication user: %v", err)
		}
	}
	return json.Marshal(syncReplicationUserResponse{Synced: true})
}

// SidecarInstanceID renders the enforced container naming convention:
// rsync.{cluster_id}.{node_id}.{random16}.
func SidecarInstanceID(clusterID, nodeID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("rsync.%s.%s.%s", clusterID, nodeID, suffix)
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "") + "'"
}
