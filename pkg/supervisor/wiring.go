package supervisor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/deadnode"
	"github.com/tanmoysrt/rdsagent/pkg/domain"
	"github.com/tanmoysrt/rdsagent/pkg/election"
	"github.com/tanmoysrt/rdsagent/pkg/handlers"
	"github.com/tanmoysrt/rdsagent/pkg/health"
	"github.com/tanmoysrt/rdsagent/pkg/interagent"
	"github.com/tanmoysrt/rdsagent/pkg/jobs"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/log"
	"github.com/tanmoysrt/rdsagent/pkg/proxysql"
	"github.com/tanmoysrt/rdsagent/pkg/statemonitor"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

func clientTLSConfig(cert *tls.Certificate, cas *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      cas,
		MinVersion:   tls.VersionTLS13,
	}
}

// recordDataPather resolves a local service's data directory from its
// durable record.
type recordDataPather struct {
	store interface {
		GetService(id string) (*types.LocalServiceRecord, error)
	}
}

func (p recordDataPather) DataPath(id string) (string, error) {
	rec, err := p.store.GetService(id)
	if err != nil {
		return "", err
	}
	path, ok := rec.Metadata["data_path"]
	if !ok || path == "" {
		return "", fmt.Errorf("service %s has no recorded data path", id)
	}
	return path, nil
}

// credentialCandidates orders the host's known etcd credentials for a
// cluster: every record-scoped credential for that cluster first (some
// may be mid-deletion and dead), then the default set.
func (s *Supervisor) credentialCandidates(clusterID string) []kv.Credentials {
	var out []kv.Credentials
	recs, err := s.store.ListServices()
	if err == nil {
		for _, rec := range recs {
			if rec.ClusterID != clusterID || rec.EtcdCredentialID == "" {
				continue
			}
			if creds, ok := s.cfg.EtcdCredentials[rec.EtcdCredentialID]; ok {
				out = append(out, creds)
			}
		}
	}
	if len(s.cfg.DefaultEtcd.Endpoints) > 0 {
		out = append(out, s.cfg.DefaultEtcd)
	}
	return out
}

// workingClient dials the first working credential set for a cluster.
// Callers own the returned client and must Close it.
func (s *Supervisor) workingClient(ctx context.Context, clusterID string) (*kv.Client, error) {
	return kv.WorkingCredentials(ctx, s.credentialCandidates(clusterID))
}

// workingStore is workingClient narrowed to kv.Store, for components that
// never watch. The client leaks intentionally into the component's
// lifetime: each holder uses it until its own loop drops it on error.
func (s *Supervisor) workingStore(ctx context.Context, clusterID string) (kv.Store, error) {
	return s.workingClient(ctx, clusterID)
}

// lookupClusterToken resolves a cluster's shared token for the RPC
// authenticator: cache first, then a direct read.
func (s *Supervisor) lookupClusterToken(clusterID string) (string, bool) {
	if snap, ok := s.cache.Get(clusterID); ok {
		return snap.Config().SharedToken, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := s.workingStore(ctx, clusterID)
	if err != nil {
		return "", false
	}
	snap, err := clusterconfig.Load(ctx, st, clusterID)
	if err != nil {
		return "", false
	}
	s.cache.Put(snap)
	return snap.Config().SharedToken, true
}

// electionLock adapts kv.Lock to election.Locker, dialing a fresh working
// client per campaign so a stale connection can't wedge the lock.
type electionLock struct {
	sup       *Supervisor
	clusterID string
	client    *kv.Client
	lock      *kv.Lock
}

func (l *electionLock) Acquire(ctx context.Context, timeout time.Duration) error {
	client, err := l.sup.workingClient(ctx, l.clusterID)
	if err != nil {
		return fmt.Errorf("election lock: %w", err)
	}
	lock := client.NewLock(kv.ElectionLockKey(l.clusterID), 1800*time.Second)
	if err := lock.Acquire(ctx, timeout); err != nil {
		client.Close()
		return err
	}
	l.client = client
	l.lock = lock
	return nil
}

func (l *electionLock) Release(ctx context.Context) error {
	if l.lock == nil {
		return nil
	}
	err := l.lock.Release(ctx)
	l.client.Close()
	l.lock = nil
	l.client = nil
	return err
}

// buildComponents wires the engines, loops, and reconcilers together.
func (s *Supervisor) buildComponents(rootLogger zerolog.Logger, peers *interagent.Client) {
	s.engine = jobs.New(jobs.Config{}, s.store, s.table, s.pool, s.jobUpdates,
		log.WithComponent(rootLogger, "jobs"))

	s.reporter = health.New(
		health.Config{Interval: s.cfg.HealthInterval},
		s.resolveHealthTarget,
		s.mysqlCmds,
		s.pool,
		log.WithComponent(rootLogger, "health"),
	)

	verifier := deadnode.NewVerifier(peers, deadnode.StoreResolver(s.workingStore), s.cfg.VerifyTimeout,
		log.WithComponent(rootLogger, "deadnode"))
	s.detector = deadnode.NewDetector(
		deadnode.DetectorConfig{Timeout: s.cfg.DeadNodeTimeout},
		verifier,
		log.WithComponent(rootLogger, "deadnode"),
	)

	s.elector = election.New(
		election.Config{},
		election.StoreResolver(s.workingStore),
		func(clusterID string) election.Locker {
			return &electionLock{sup: s, clusterID: clusterID}
		},
		peers,
		log.WithComponent(rootLogger, "election"),
	)

	s.monitor = statemonitor.New(
		statemonitor.Config{},
		s.connectCluster,
		statemonitor.Handlers{
			OnConfig:     s.onConfigUpdate,
			OnNodeStatus: s.onNodeStatus,
		},
		s.cache,
		s.etcdCmds,
		log.WithComponent(rootLogger, "statemonitor"),
	)
}

func (s *Supervisor) registerHandlers(rootLogger zerolog.Logger, peers *interagent.Client) {
	ia := interagent.NewHandlers(
		interagent.StoreResolver(s.workingStore),
		s.collab.DialNode,
		s.collab.Provisioner,
		recordDataPather{store: s.store},
		s.localClusterDB,
		log.WithComponent(rootLogger, "interagent"),
	)
	ia.Register(s.table)

	handlers.Register(s.table, handlers.Deps{
		Store:      s.store,
		Controller: s.collab.Controller,
		Jobs:       s.engine,
		Stores:     handlers.StoreResolver(s.workingStore),
		Peers:      peers,
		Seeder:     s.collab.Seeder,
		Configurers: func(id string, cfg types.ClusterConfig) (domain.ReplicaConfigurer, error) {
			rec, err := s.store.GetService(id)
			if err != nil {
				return nil, err
			}
			return s.collab.Configurers(rec, cfg)
		},
		ReconcileProxyUsers:      s.reconcileProxyUsersByID,
		SyncLocalReplicationUser: s.syncLocalReplicationUser,
		MySQLCommands:            s.mysqlCmds,
		EtcdCommands:             s.etcdCmds,
		Logger:                   log.WithComponent(rootLogger, "rpc"),
	})
}

// resolveHealthTarget builds the probe-loop target for one local database.
func (s *Supervisor) resolveHealthTarget(ctx context.Context, dbID string) (health.Target, error) {
	rec, err := s.store.GetService(dbID)
	if err != nil {
		return health.Target{}, err
	}
	prober, err := s.collab.Probers(rec)
	if err != nil {
		return health.Target{}, fmt.Errorf("prober for %s: %w", dbID, err)
	}
	st, err := s.workingStore(ctx, rec.ClusterID)
	if err != nil {
		return health.Target{}, err
	}
	return health.Target{DBID: dbID, ClusterID: rec.ClusterID, Prober: prober, Store: st}, nil
}

// connectCluster opens a watch session for the state monitor.
func (s *Supervisor) connectCluster(ctx context.Context, clusterID string) (*statemonitor.Conn, error) {
	client, err := s.workingClient(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return &statemonitor.Conn{
		Store:   client,
		Watcher: client,
		Close:   func() { client.Close() },
	}, nil
}

// onConfigUpdate reacts to a fresh config snapshot: reconcile every local
// proxy of that cluster and, when no master is online but one is offline,
// enqueue an election. Both are handed off so the watch goroutine never
// blocks.
func (s *Supervisor) onConfigUpdate(snap *clusterconfig.Snapshot) {
	clusterID := snap.ClusterID()
	s.goSafe("proxy-reconcile-"+clusterID, func() {
		s.reconcileClusterProxies(context.Background(), snap, false)
	})
	if len(snap.OnlineMasterIDs()) == 0 && len(snap.OfflineMasterIDs()) > 0 {
		s.elector.Enqueue(clusterID)
	}
}

func (s *Supervisor) onNodeStatus(clusterID, nodeID string, _ []byte) {
	s.detector.Update(clusterID, nodeID)
}

// localProxies lists the proxysql records bound to clusterID on this host.
func (s *Supervisor) localProxies(clusterID string) []*types.LocalServiceRecord {
	recs, err := s.store.ListServices()
	if err != nil {
		return nil
	}
	var out []*types.LocalServiceRecord
	for _, rec := range recs {
		if rec.ServiceKind == "proxysql" && (clusterID == "" || rec.ClusterID == clusterID) {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Supervisor) proxyReconciler(rec *types.LocalServiceRecord) (*proxysql.Reconciler, error) {
	admin, err := s.collab.ProxyAdmins(rec)
	if err != nil {
		return nil, err
	}
	return proxysql.NewReconciler(admin, s.collab.ConnectNode, s.logger), nil
}

// reconcileClusterProxies runs the backend-server pass (and optionally the
// user pass) on every local proxy of the snapshot's cluster.
func (s *Supervisor) reconcileClusterProxies(ctx context.Context, snap *clusterconfig.Snapshot, users bool) {
	for _, rec := range s.localProxies(snap.ClusterID()) {
		rc, err := s.proxyReconciler(rec)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", rec.ID).Msg("proxy admin unavailable")
			continue
		}
		if _, err := rc.ReconcileServers(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Str("id", rec.ID).Msg("reconcile proxy servers")
		}
		if users {
			if _, err := rc.ReconcileUsers(ctx, snap); err != nil {
				s.logger.Warn().Err(err).Str("id", rec.ID).Msg("reconcile proxy users")
			}
		}
	}
}

// reconcileProxyUsersByID serves the Proxy/SyncUsers RPC.
func (s *Supervisor) reconcileProxyUsersByID(ctx context.Context, proxyID string) error {
	rec, err := s.store.GetService(proxyID)
	if err != nil {
		return err
	}
	st, err := s.workingStore(ctx, rec.ClusterID)
	if err != nil {
		return err
	}
	snap, err := clusterconfig.Load(ctx, st, rec.ClusterID)
	if err != nil {
		return err
	}
	rc, err := s.proxyReconciler(rec)
	if err != nil {
		return err
	}
	_, err = rc.ReconcileUsers(ctx, snap)
	return err
}

// localClusterDB opens a SQL connection to this host's database node for
// clusterID, used by the replication-user sync handlers.
func (s *Supervisor) localClusterDB(ctx context.Context, clusterID string) (*sql.DB, error) {
	recs, err := s.store.ListServices()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.ClusterID != clusterID || rec.ServiceKind == "proxysql" {
			continue
		}
		st, err := s.workingStore(ctx, clusterID)
		if err != nil {
			return nil, err
		}
		snap, err := clusterconfig.Load(ctx, st, clusterID)
		if err != nil {
			return nil, err
		}
		node, ok := snap.Node(rec.ID)
		if !ok {
			continue
		}
		return s.collab.ConnectNode(ctx, snap.Config(), node)
	}
	return nil, fmt.Errorf("no local database for cluster %s", clusterID)
}

func (s *Supervisor) syncLocalReplicationUser(ctx context.Context, clusterID string) error {
	st, err := s.workingStore(ctx, clusterID)
	if err != nil {
		return err
	}
	snap, err := clusterconfig.Load(ctx, st, clusterID)
	if err != nil {
		return err
	}
	cfg := snap.Config()
	if cfg.ReplicationUser == "" {
		return fmt.Errorf("cluster %s has no replication user configured", clusterID)
	}
	db, err := s.localClusterDB(ctx, clusterID)
	if err != nil {
		return err
	}
	return domainSyncReplicationUser(ctx, db, cfg.ReplicationUser, cfg.ReplicationPassword)
}

func domainSyncReplicationUser(ctx context.Context, db *sql.DB, user, password string) error {
	stmts := []string{
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'", user, password),
		fmt.Sprintf("ALTER USER '%s'@'%%' IDENTIFIED BY '%s'", user, password),
		fmt.Sprintf("GRANT REPLICATION SLAVE ON *.* TO '%s'@'%%'", user),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sync replication user: %w", err)
		}
	}
	return nil
}

// seedFromLocalRecords primes the monitored sets from durable state at
// startup, instead of waiting for the first reconciliation tick.
func (s *Supervisor) seedFromLocalRecords() {
	recs, err := s.store.ListServices()
	if err != nil {
		s.logger.Warn().Err(err).Msg("list local records at startup")
		return
	}
	clusters := make(map[string]bool)
	for _, rec := range recs {
		if rec.ServiceKind != "proxysql" {
			s.reporter.Add(rec.ID)
		}
		clusters[rec.ClusterID] = true
	}
	for clusterID := range clusters {
		s.monitor.Add(clusterID)
	}

	var ids []string
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	s.logger.Info().Strs("services", ids).Msg("local records seeded")
}
