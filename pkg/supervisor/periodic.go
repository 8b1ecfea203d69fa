package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
)

// periodicTask is one fixed-timer reconciliation registered with the
// supervisor's ticker registry, so shutdown only has to cancel one set of
// loops instead of chasing tickers spread across packages.
type periodicTask struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

type periodicRunner struct {
	tasks  []periodicTask
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// startPeriodic launches the agent's drift-healing timers: local-record
// reconciliation for the health reporter and the state monitor (5 min),
// ProxySQL backend servers (30 min), and ProxySQL users (5 min).
func (s *Supervisor) startPeriodic() {
	s.periodic = &periodicRunner{stopCh: make(chan struct{})}
	s.periodic.tasks = []periodicTask{
		{name: "record-reconcile", interval: s.cfg.ReconcileInterval, run: s.reconcileLocalRecords},
		{name: "proxy-servers", interval: s.cfg.ProxyServerSyncInterval, run: s.periodicProxySync(false)},
		{name: "proxy-users", interval: s.cfg.ProxyUserSyncInterval, run: s.periodicProxySync(true)},
	}

	for _, task := range s.periodic.tasks {
		task := task
		s.periodic.wg.Add(1)
		s.goSafe("periodic-"+task.name, func() {
			defer s.periodic.wg.Done()
			ticker := time.NewTicker(task.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), task.interval)
					task.run(ctx)
					cancel()
				case <-s.periodic.stopCh:
					return
				}
			}
		})
	}
}

func (s *Supervisor) stopPeriodic() {
	if s.periodic == nil {
		return
	}
	close(s.periodic.stopCh)
	s.periodic.wg.Wait()
}

// reconcileLocalRecords re-derives the monitored database set and the
// watched cluster set from durable local records, healing any drift
// between RPC-driven commands and reality.
func (s *Supervisor) reconcileLocalRecords(_ context.Context) {
	recs, err := s.store.ListServices()
	if err != nil {
		s.logger.Warn().Err(err).Msg("list local records")
		return
	}
	var dbIDs []string
	clusters := make(map[string]bool)
	for _, rec := range recs {
		if rec.ServiceKind != "proxysql" {
			dbIDs = append(dbIDs, rec.ID)
		}
		clusters[rec.ClusterID] = true
	}
	clusterIDs := make([]string, 0, len(clusters))
	for id := range clusters {
		clusterIDs = append(clusterIDs, id)
	}

	s.reporter.ReconcileAgainst(dbIDs)
	s.monitor.ReconcileAgainst(clusterIDs)
}

// periodicProxySync heals ProxySQL drift even in the absence of watch
// events, per cluster with a local proxy.
func (s *Supervisor) periodicProxySync(users bool) func(ctx context.Context) {
	return func(ctx context.Context) {
		seen := make(map[string]bool)
		for _, rec := range s.localProxies("") {
			if seen[rec.ClusterID] {
				continue
			}
			seen[rec.ClusterID] = true

			snap, ok := s.cache.Get(rec.ClusterID)
			if !ok {
				st, err := s.workingStore(ctx, rec.ClusterID)
				if err != nil {
					continue
				}
				loaded, err := clusterconfig.Load(ctx, st, rec.ClusterID)
				if err != nil {
					continue
				}
				s.cache.Put(loaded)
				snap = loaded
			}
			s.reconcileClusterProxies(ctx, snap, users)
		}
	}
}
