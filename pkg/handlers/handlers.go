// Package handlers registers the agent's operator-facing RPC methods --
// the MySQL and Proxy lifecycle services, the Job service, and the
// HealthCheck probe -- into the registry table the RPC server and the job
// engine both dispatch through. The InterAgent service lives in
// pkg/interagent; everything else is here.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/domain"
	"github.com/tanmoysrt/rdsagent/pkg/jobs"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/pubsub"
	"github.com/tanmoysrt/rdsagent/pkg/registry"
	"github.com/tanmoysrt/rdsagent/pkg/storage"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// StoreResolver hands back a working kv.Store for a cluster.
type StoreResolver func(ctx context.Context, clusterID string) (kv.Store, error)

// PeerClient is the slice of the inter-agent client the replica bootstrap
// needs; pkg/interagent.Client implements it.
type PeerClient interface {
	RequestRsyncAccess(ctx context.Context, cfg types.ClusterConfig, sourceID string) (domain.RsyncAccess, error)
	RevokeRsyncAccess(ctx context.Context, cfg types.ClusterConfig, sourceID, instanceID string) error
	SyncReplicationUser(ctx context.Context, cfg types.ClusterConfig, nodeID string) error
}

// Deps is everything the handler set touches.
type Deps struct {
	Store      storage.Store
	Controller domain.ServiceController
	Jobs       *jobs.Engine
	Stores     StoreResolver
	Peers      PeerClient

	// Seeder and Configurers drive the replica bootstrap side-channel.
	Seeder      domain.ReplicaSeeder
	Configurers func(id string, cfg types.ClusterConfig) (domain.ReplicaConfigurer, error)

	// ReconcileProxyUsers runs a user reconciliation for one local proxy
	// right now, outside the periodic timer.
	ReconcileProxyUsers func(ctx context.Context, proxyID string) error

	// SyncLocalReplicationUser (re)creates the replication user on the
	// local database of a cluster; shared with the InterAgent handler.
	SyncLocalReplicationUser func(ctx context.Context, clusterID string) error

	MySQLCommands *pubsub.Broker[string]
	EtcdCommands  *pubsub.Broker[string]

	Logger zerolog.Logger
}

type handlerSet struct {
	deps Deps
}

// Register installs every method into table.
func Register(table *registry.Table, deps Deps) {
	h := &handlerSet{deps: deps}

	table.Register("HealthCheck", "Ping", registry.Entry{Handler: h.ping})

	for _, kind := range []string{"MySQL", "Proxy"} {
		kind := kind
		table.Register(kind, "Create", registry.Entry{Async: true, SupportsMeta: true, Handler: h.create(kind)})
		table.Register(kind, "Get", registry.Entry{Handler: h.get})
		table.Register(kind, "Status", registry.Entry{Handler: h.status})
		table.Register(kind, "Start", registry.Entry{Async: true, SupportsMeta: true, Handler: h.lifecycle(deps.Controller.Start)})
		table.Register(kind, "Stop", registry.Entry{Async: true, SupportsMeta: true, Handler: h.lifecycle(deps.Controller.Stop)})
		table.Register(kind, "Restart", registry.Entry{Async: true, SupportsMeta: true, Handler: h.lifecycle(deps.Controller.Restart)})
		table.Register(kind, "Delete", registry.Entry{Async: true, SupportsMeta: true, Handler: h.delete(kind)})
		table.Register(kind, "Upgrade", registry.Entry{Async: true, SupportsMeta: true, Handler: h.upgrade})
	}
	table.Register("MySQL", "SetupReplica", registry.Entry{Async: true, SupportsMeta: true, Handler: h.setupReplica})
	table.Register("MySQL", "SyncReplicationUser", registry.Entry{Async: true, SupportsMeta: true, Handler: h.syncReplicationUser})
	table.Register("Proxy", "SyncUsers", registry.Entry{Async: true, SupportsMeta: true, Handler: h.proxySyncUsers})
	table.Register("Proxy", "GetMonitorCredential", registry.Entry{Handler: h.getMonitorCredential})

	table.Register("Job", "GetJob", registry.Entry{Handler: h.getJob})
	table.Register("Job", "GetStatus", registry.Entry{Handler: h.getJobStatus})
	table.Register("Job", "Schedule", registry.Entry{Handler: h.scheduleJob})
	table.Register("Job", "Cancel", registry.Entry{Handler: h.cancelJob})
	table.Register("Job", "Acknowledge", registry.Entry{Handler: h.acknowledgeJob})
}

func (h *handlerSet) ping(context.Context, map[string]string, []byte) ([]byte, error) {
	return json.Marshal(map[string]string{"status": "ok"})
}

// idRequest is the common single-id payload.
type idRequest struct {
	ID string `json:"id"`
}

func decodeID(payload []byte) (string, error) {
	var req idRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		return "", status.Error(codes.InvalidArgument, "id is required")
	}
	return req.ID, nil
}

func (h *handlerSet) create(kind string) registry.Handler {
	return func(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
		var rec types.LocalServiceRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, status.Error(codes.InvalidArgument, "malformed service record")
		}
		if rec.ID == "" || rec.ClusterID == "" || rec.Image == "" {
			return nil, status.Error(codes.InvalidArgument, "id, cluster_id and image are required")
		}
		if kind == "Proxy" {
			rec.ServiceKind = "proxysql"
		} else if rec.ServiceKind != "mysql" && rec.ServiceKind != "mariadb" {
			return nil, status.Error(codes.InvalidArgument, "service_kind must be mysql or mariadb")
		}
		if _, err := h.deps.Store.GetService(rec.ID); err == nil {
			return nil, status.Errorf(codes.AlreadyExists, "service %s already exists", rec.ID)
		}

		if err := h.deps.Store.CreateService(&rec); err != nil {
			return nil, status.Errorf(codes.Internal, "persist service record: %v", err)
		}
		if err := h.deps.Controller.Create(ctx, rec); err != nil {
			// Roll the record back so a retry isn't blocked on AlreadyExists.
			_ = h.deps.Store.DeleteService(rec.ID)
			return nil, status.Errorf(codes.Internal, "create service: %v", err)
		}

		if kind == "MySQL" {
			h.deps.MySQLCommands.Publish(pubsub.Command{Verb: pubsub.CommandAdd, ID: rec.ID}.String())
		}
		h.deps.EtcdCommands.Publish(pubsub.Command{Verb: pubsub.CommandAdd, ID: rec.ClusterID}.String())

		h.deps.Logger.Info().Str("id", rec.ID).Str("cluster_id", rec.ClusterID).Str("kind", rec.ServiceKind).Msg("service provisioned")
		return json.Marshal(rec)
	}
}

func (h *handlerSet) get(_ context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	rec, err := h.deps.Store.GetService(id)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "service %s: %v", id, err)
	}
	return json.Marshal(rec)
}

func (h *handlerSet) status(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	state, err := h.deps.Controller.Status(ctx, id)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status of %s: %v", id, err)
	}
	return json.Marshal(map[string]string{"id": id, "status": state})
}

func (h *handlerSet) lifecycle(op func(context.Context, string) error) registry.Handler {
	return func(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
		id, err := decodeID(payload)
		if err != nil {
			return nil, err
		}
		if _, err := h.deps.Store.GetService(id); err != nil {
			return nil, status.Errorf(codes.NotFound, "service %s: %v", id, err)
		}
		if err := op(ctx, id); err != nil {
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
		return json.Marshal(map[string]string{"id": id})
	}
}

func (h *handlerSet) delete(kind string) registry.Handler {
	return func(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
		id, err := decodeID(payload)
		if err != nil {
			return nil, err
		}
		rec, err := h.deps.Store.GetService(id)
		if err != nil {
			return nil, status.Errorf(codes.NotFound, "service %s: %v", id, err)
		}

		if kind == "MySQL" {
			h.deps.MySQLCommands.Publish(pubsub.Command{Verb: pubsub.CommandRemove, ID: id}.String())
		}
		if err := h.deps.Controller.Delete(ctx, id); err != nil {
			return nil, status.Errorf(codes.Internal, "delete service: %v", err)
		}
		if err := h.deps.Store.DeleteService(id); err != nil {
			return nil, status.Errorf(codes.Internal, "delete service record: %v", err)
		}

		// Stop watching the cluster when its last local service is gone.
		if !h.clusterStillLocal(rec.ClusterID) {
			h.deps.EtcdCommands.Publish(pubsub.Command{Verb: pubsub.CommandRemove, ID: rec.ClusterID}.String())
		}

		h.deps.Logger.Info().Str("id", id).Str("cluster_id", rec.ClusterID).Msg("service deleted")
		return json.Marshal(map[string]string{"id": id})
	}
}

func (h *handlerSet) clusterStillLocal(clusterID string) bool {
	recs, err := h.deps.Store.ListServices()
	if err != nil {
		return true // be conservative: keep watching
	}
	for _, rec := range recs {
		if rec.ClusterID == clusterID {
			return true
		}
	}
	return false
}

type upgradeRequest struct {
	ID    string `json:"id"`
	Image string `json:"image"`
	Tag   string `json:"tag"`
}

func (h *handlerSet) upgrade(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	var req upgradeRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" || req.Image == "" {
		return nil, status.Error(codes.InvalidArgument, "id and image are required")
	}
	rec, err := h.deps.Store.GetService(req.ID)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "service %s: %v", req.ID, err)
	}
	if err := h.deps.Controller.Upgrade(ctx, req.ID, req.Image, req.Tag); err != nil {
		return nil, status.Errorf(codes.Internal, "upgrade: %v", err)
	}
	rec.Image = req.Image
	rec.Tag = req.Tag
	if err := h.deps.Store.CreateService(rec); err != nil {
		return nil, status.Errorf(codes.Internal, "persist upgraded record: %v", err)
	}
	return json.Marshal(rec)
}

type setupReplicaRequest struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
}

// setupReplica runs the replica bootstrap side-channel: request rsync
// access from the source's agent, seed the data directory (dirty pass,
// then locked pass capturing the source GTID), point replication at the
// current master, and always revoke the sidecar.
func (h *handlerSet) setupReplica(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	var req setupReplicaRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" || req.SourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "id and source_id are required")
	}
	rec, err := h.deps.Store.GetService(req.ID)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "service %s: %v", req.ID, err)
	}

	st, err := h.deps.Stores(ctx, rec.ClusterID)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "cluster %s etcd: %v", rec.ClusterID, err)
	}
	snap, err := clusterconfig.Load(ctx, st, rec.ClusterID)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "cluster %s config: %v", rec.ClusterID, err)
	}
	cfg := snap.Config()
	if _, ok := cfg.Nodes[req.SourceID]; !ok {
		return nil, status.Errorf(codes.InvalidArgument, "source %s not in cluster %s", req.SourceID, rec.ClusterID)
	}
	masters := snap.OnlineMasterIDs()
	if len(masters) == 0 {
		return nil, status.Errorf(codes.FailedPrecondition, "cluster %s has no online master to replicate from", rec.ClusterID)
	}
	master := cfg.Nodes[masters[0]]

	access, err := h.deps.Peers.RequestRsyncAccess(ctx, cfg, req.SourceID)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "request rsync access: %v", err)
	}
	defer func() {
		if err := h.deps.Peers.RevokeRsyncAccess(context.Background(), cfg, req.SourceID, access.InstanceID); err != nil {
			h.deps.Logger.Warn().Err(err).Str("instance_id", access.InstanceID).Msg("revoke rsync access")
		}
	}()

	capturedGTID, err := h.deps.Seeder.Seed(ctx, access)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "seed data directory: %v", err)
	}

	configurer, err := h.deps.Configurers(req.ID, cfg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "replica configurer for %s: %v", req.ID, err)
	}
	if err := configurer.ConfigureAsReplica(ctx, master, capturedGTID); err != nil {
		return nil, status.Errorf(codes.Internal, "configure replication: %v", err)
	}

	h.deps.Logger.Info().
		Str("id", req.ID).
		Str("source_id", req.SourceID).
		Str("master_ip", master.IP).
		Bool("gtid_captured", capturedGTID != "").
		Msg("replica bootstrap finished")
	return json.Marshal(map[string]string{"id": req.ID, "gtid": capturedGTID})
}

func (h *handlerSet) syncReplicationUser(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	rec, err := h.deps.Store.GetService(id)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "service %s: %v", id, err)
	}
	if err := h.deps.SyncLocalReplicationUser(ctx, rec.ClusterID); err != nil {
		return nil, status.Errorf(codes.Internal, "sync replication user: %v", err)
	}
	return json.Marshal(map[string]string{"id": id})
}

func (h *handlerSet) proxySyncUsers(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	if _, err := h.deps.Store.GetService(id); err != nil {
		return nil, status.Errorf(codes.NotFound, "service %s: %v", id, err)
	}
	if err := h.deps.ReconcileProxyUsers(ctx, id); err != nil {
		return nil, status.Errorf(codes.Internal, "reconcile proxy users: %v", err)
	}
	return json.Marshal(map[string]string{"id": id})
}

func (h *handlerSet) getMonitorCredential(_ context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	rec, err := h.deps.Store.GetService(id)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "service %s: %v", id, err)
	}
	user, userOK := rec.Metadata["monitor_user"]
	pass, passOK := rec.Metadata["monitor_password"]
	if !userOK || !passOK {
		return nil, status.Errorf(codes.NotFound, "proxy %s has no monitor credential", id)
	}
	return json.Marshal(map[string]string{"username": user, "password": pass})
}

type jobIDRequest struct {
	JobID string `json:"job_id"`
}

func decodeJobID(payload []byte) (string, error) {
	var req jobIDRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.JobID == "" {
		return "", status.Error(codes.InvalidArgument, "job_id is required")
	}
	return req.JobID, nil
}

func (h *handlerSet) getJob(_ context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeJobID(payload)
	if err != nil {
		return nil, err
	}
	job, err := h.deps.Jobs.Get(id)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "job %s: %v", id, err)
	}
	return json.Marshal(job)
}

func (h *handlerSet) getJobStatus(_ context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeJobID(payload)
	if err != nil {
		return nil, err
	}
	job, err := h.deps.Jobs.Get(id)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "job %s: %v", id, err)
	}
	return json.Marshal(map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

type scheduleRequest struct {
	Service     string          `json:"service"`
	Method      string          `json:"method"`
	Payload     json.RawMessage `json:"payload"`
	Ref         string          `json:"ref,omitempty"`
	ScheduledAt string          `json:"scheduled_at,omitempty"`
}

func (h *handlerSet) scheduleJob(ctx context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	var req scheduleRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Service == "" || req.Method == "" {
		return nil, status.Error(codes.InvalidArgument, "service and method are required")
	}
	meta := map[string]string{"ref": req.Ref}
	if req.ScheduledAt != "" {
		meta["scheduled_at"] = req.ScheduledAt
	}
	jobID, err := h.deps.Jobs.Enqueue(ctx, req.Service, req.Method, meta, req.Payload)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return json.Marshal(map[string]string{"job_id": jobID, "status": string(types.JobStatusDraft)})
}

func (h *handlerSet) cancelJob(_ context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeJobID(payload)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Jobs.Cancel(id); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "%v", err)
	}
	return json.Marshal(map[string]string{"job_id": id, "status": string(types.JobStatusCancelled)})
}

func (h *handlerSet) acknowledgeJob(_ context.Context, _ map[string]string, payload []byte) ([]byte, error) {
	id, err := decodeJobID(payload)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Jobs.Acknowledge(id); err != nil {
		return nil, status.Errorf(codes.NotFound, "%v", err)
	}
	return json.Marshal(map[string]string{"job_id": id, "acknowledged": "true"})
}
