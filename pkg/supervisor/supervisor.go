// Package supervisor is the agent's process lifecycle: it builds the
// whole dependency graph once -- no hidden module-level state -- starts
// the RPC server and every background loop, and tears everything down in
// reverse on SIGINT/SIGTERM or on a background panic.
package supervisor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/deadnode"
	"github.com/tanmoysrt/rdsagent/pkg/domain"
	"github.com/tanmoysrt/rdsagent/pkg/election"
	"github.com/tanmoysrt/rdsagent/pkg/health"
	"github.com/tanmoysrt/rdsagent/pkg/interagent"
	"github.com/tanmoysrt/rdsagent/pkg/jobs"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/log"
	"github.com/tanmoysrt/rdsagent/pkg/metrics"
	"github.com/tanmoysrt/rdsagent/pkg/pubsub"
	"github.com/tanmoysrt/rdsagent/pkg/registry"
	"github.com/tanmoysrt/rdsagent/pkg/rpcserver"
	"github.com/tanmoysrt/rdsagent/pkg/security"
	"github.com/tanmoysrt/rdsagent/pkg/statemonitor"
	"github.com/tanmoysrt/rdsagent/pkg/storage"
	"github.com/tanmoysrt/rdsagent/pkg/types"
	"github.com/tanmoysrt/rdsagent/pkg/workerpool"
)

// Config is the explicit configuration value constructed once by the CLI
// and passed down; there is no process-global configuration.
type Config struct {
	NodeID       string
	RPCAddr      string
	MetricsAddr  string
	DataDir      string
	DirectSecret string

	// DefaultEtcd is the fallback credential set tried after every
	// record-scoped credential during failover.
	DefaultEtcd kv.Credentials
	// EtcdCredentials maps a LocalServiceRecord's EtcdCredentialID to its
	// credential set.
	EtcdCredentials map[string]kv.Credentials

	// WorkerPoolSize bounds the blocking-operation pool (default 10).
	WorkerPoolSize int
	// ShutdownGrace bounds the RPC server's graceful stop.
	ShutdownGrace time.Duration
	// DeadNodeTimeout is the silence window before a node is suspected.
	DeadNodeTimeout time.Duration
	// VerifyTimeout bounds one dead-node verification.
	VerifyTimeout time.Duration
	// HealthInterval is the probe cadence.
	HealthInterval time.Duration
	// ReconcileInterval is the local-record reconciliation cadence
	// (monitored databases and watched clusters).
	ReconcileInterval time.Duration
	// ProxyServerSyncInterval / ProxyUserSyncInterval are the ProxySQL
	// drift-healing timers.
	ProxyServerSyncInterval time.Duration
	ProxyUserSyncInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 10
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	if c.DeadNodeTimeout <= 0 {
		c.DeadNodeTimeout = 30 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.ProxyServerSyncInterval <= 0 {
		c.ProxyServerSyncInterval = 30 * time.Minute
	}
	if c.ProxyUserSyncInterval <= 0 {
		c.ProxyUserSyncInterval = 5 * time.Minute
	}
}

// Collaborators are the out-of-scope domain boundary implementations the
// core is handed: process control, probers, proxy admin access, the rsync
// sidecar machinery.
type Collaborators struct {
	Controller  domain.ServiceController
	Probers     func(rec *types.LocalServiceRecord) (domain.HealthProber, error)
	ProxyAdmins func(rec *types.LocalServiceRecord) (domain.ProxyAdmin, error)
	Provisioner domain.RsyncSidecarProvisioner
	Seeder      domain.ReplicaSeeder
	Configurers func(rec *types.LocalServiceRecord, cfg types.ClusterConfig) (domain.ReplicaConfigurer, error)
	// DialNode probes a database node's port directly (reachability checks).
	DialNode interagent.DBDialer
	// ConnectNode opens a SQL connection to a cluster node (user catalog
	// reads, replication-user sync).
	ConnectNode func(ctx context.Context, cfg types.ClusterConfig, node types.NodeDescriptor) (*sql.DB, error)
}

// Supervisor owns the built graph between Run and shutdown.
type Supervisor struct {
	cfg    Config
	collab Collaborators
	logger zerolog.Logger

	store    storage.Store
	pool     *workerpool.Pool
	cache    *clusterconfig.Cache
	table    *registry.Table
	engine   *jobs.Engine
	reporter *health.Reporter
	monitor  *statemonitor.Monitor
	detector *deadnode.Detector
	elector  *election.Elector
	server   *rpcserver.Server

	mysqlCmds  *pubsub.Broker[string]
	etcdCmds   *pubsub.Broker[string]
	jobUpdates *pubsub.Broker[types.JobRecord]
	periodic   *periodicRunner

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Supervisor; nothing runs until Run.
func New(cfg Config, collab Collaborators, logger zerolog.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:        cfg,
		collab:     collab,
		logger:     log.WithComponent(logger, "supervisor"),
		cache:      clusterconfig.NewCache(),
		mysqlCmds:  pubsub.New[string](),
		etcdCmds:   pubsub.New[string](),
		jobUpdates: pubsub.New[types.JobRecord](),
		shutdownCh: make(chan struct{}),
	}
}

// Run builds and starts everything, then blocks until a termination
// signal or a fatal background failure. Returns nil on clean shutdown;
// any error means the process should exit with code 1.
func (s *Supervisor) Run(ctx context.Context, rootLogger zerolog.Logger) error {
	store, err := storage.NewBoltStore(s.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open local metadata store: %w", err)
	}
	s.store = store
	defer store.Close()

	serverCert, clientCAs, err := s.initCertificates(store)
	if err != nil {
		return fmt.Errorf("load certificates: %w", err)
	}

	s.pool = workerpool.New(s.cfg.WorkerPoolSize)
	defer s.pool.Close()
	s.table = registry.New()

	peers := interagent.NewClient(clientTLSConfig(serverCert, clientCAs), 5*time.Second)
	s.buildComponents(rootLogger, peers)
	s.registerHandlers(rootLogger, peers)

	server, err := rpcserver.New(rpcserver.Config{
		Addr:             s.cfg.RPCAddr,
		Cert:             *serverCert,
		ClientCAs:        clientCAs,
		Table:            s.table,
		Jobs:             s.engine,
		Authenticator:    rpcserver.NewAuthenticator(s.cfg.DirectSecret, s.lookupClusterToken),
		AsyncInterceptor: rpcserver.NewAsyncInterceptor(s.table, s.engine),
	})
	if err != nil {
		return fmt.Errorf("build rpc server: %w", err)
	}
	s.server = server

	// Start order: job engine and loops first, RPC surface last, so a
	// request never lands on a half-wired agent.
	s.engine.Start()
	s.reporter.Start()
	s.monitor.Start()
	s.detector.Start()
	s.elector.Start()
	s.startPeriodic()
	s.seedFromLocalRecords()

	metrics.RegisterComponent("kv", true, "")
	s.goSafe("rpcserver", func() {
		metrics.RegisterComponent("rpcserver", true, "")
		if err := server.Serve(); err != nil {
			s.logger.Error().Err(err).Msg("rpc server stopped")
			s.triggerShutdown()
		}
	})
	if s.cfg.MetricsAddr != "" {
		s.goSafe("metrics", func() { s.serveMetrics() })
	}

	s.logger.Info().
		Str("node_id", s.cfg.NodeID).
		Str("rpc_addr", server.Addr()).
		Msg("agent started")

	// Wait for a signal, a caller cancellation, or an internal failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		s.logger.Info().Msg("context cancelled, shutting down")
	case <-s.shutdownCh:
		s.shutdown()
		return errors.New("background task failed")
	}

	s.shutdown()
	return nil
}

// shutdown stops components in reverse start order, bounded by the grace
// period for the RPC server.
func (s *Supervisor) shutdown() {
	stopped := make(chan struct{})
	go func() {
		s.server.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn().Msg("rpc server did not drain within grace period")
	}

	s.stopPeriodic()
	s.elector.Stop()
	s.detector.Stop()
	s.monitor.Stop()
	s.reporter.Stop()
	s.engine.Stop()
	s.logger.Info().Msg("agent stopped")
}

// triggerShutdown flips the one-way shutdown flag.
func (s *Supervisor) triggerShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// goSafe runs fn on its own goroutine; a panic logs and flips the
// shutdown flag, leaving the restart to the host's service manager.
func (s *Supervisor) goSafe(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("task", name).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("background task panicked")
				s.triggerShutdown()
			}
		}()
		fn()
	}()
}

func (s *Supervisor) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	lis, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		s.logger.Warn().Err(err).Msg("metrics listener")
		return
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-s.shutdownCh
		srv.Close()
	}()
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn().Err(err).Msg("metrics server")
	}
}

// initCertificates loads (or bootstraps) the agent's CA and issues this
// node's serving certificate.
func (s *Supervisor) initCertificates(store storage.Store) (*tls.Certificate, *x509.CertPool, error) {
	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err != nil {
		if err := ca.Initialize(); err != nil {
			return nil, nil, fmt.Errorf("initialize CA: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return nil, nil, fmt.Errorf("persist CA: %w", err)
		}
	}

	cert, err := ca.IssueNodeCertificate(s.cfg.NodeID, "agent", []string{"localhost"}, localIPs())
	if err != nil {
		return nil, nil, fmt.Errorf("issue node certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return nil, nil, fmt.Errorf("parse root CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)
	return cert, pool, nil
}

func localIPs() []net.IP {
	ips := []net.IP{net.ParseIP("127.0.0.1")}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			ips = append(ips, ipnet.IP)
		}
	}
	return ips
}
