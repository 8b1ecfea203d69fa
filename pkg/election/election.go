// Package election implements the bounded-leadership master elector.
// A campaign runs only off the elector's own queue -- the state monitor
// enqueues and returns, so a watch goroutine never blocks on an election
// -- and only under the cluster's etcd election lock, so across all agents
// at most one campaign per cluster performs the role swap.
package election

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/gtid"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/metrics"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// Locker is the distributed election lock for one cluster. The real
// implementation is kv.Lock over an etcd lease; tests use an in-memory
// substitute.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release(ctx context.Context) error
}

// LockFactory builds the Locker for a cluster's election key.
type LockFactory func(clusterID string) Locker

// StoreResolver hands back a working kv.Store for a cluster.
type StoreResolver func(ctx context.Context, clusterID string) (kv.Store, error)

// ProxyProber asks the cluster proxy's agent whether it can currently
// reach a node's database.
type ProxyProber interface {
	CheckViaProxy(ctx context.Context, cfg types.ClusterConfig, nodeID string) (bool, error)
}

// Config tunes the elector. Zero values pick the defaults.
type Config struct {
	LockTTL        time.Duration // election lock lease (default 1800s)
	AcquireTimeout time.Duration // lock acquisition bound (default 20s)
	RequeueDelay   time.Duration // wait before retrying a lost lock (default 5s)
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 1800 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 20 * time.Second
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Second
	}
}

// Elector consumes enqueued cluster ids and runs one campaign at a time.
type Elector struct {
	cfg    Config
	stores StoreResolver
	locks  LockFactory
	proxy  ProxyProber
	logger zerolog.Logger

	queue  chan string
	stopCh chan struct{}
	done   chan struct{}
}

// New builds an Elector.
func New(cfg Config, stores StoreResolver, locks LockFactory, proxy ProxyProber, logger zerolog.Logger) *Elector {
	cfg.applyDefaults()
	return &Elector{
		cfg:    cfg,
		stores: stores,
		locks:  locks,
		proxy:  proxy,
		logger: logger,
		queue:  make(chan string, 16),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Enqueue schedules an election attempt for clusterID. Never blocks: when
// the queue is full the trigger is dropped, which is safe because a
// masterless cluster keeps producing config events that re-trigger it.
func (e *Elector) Enqueue(clusterID string) {
	select {
	case e.queue <- clusterID:
	default:
		e.logger.Warn().Str("cluster_id", clusterID).Msg("election queue full, dropping trigger")
	}
}

// Start launches the campaign worker; Stop halts it.
func (e *Elector) Start() {
	go e.run()
}

func (e *Elector) Stop() {
	close(e.stopCh)
	<-e.done
}

func (e *Elector) run() {
	defer close(e.done)
	for {
		select {
		case clusterID := <-e.queue:
			e.campaign(clusterID)
		case <-e.stopCh:
			return
		}
	}
}

// campaign runs one election attempt for one cluster. Every early exit
// is logged and abandoned; the next config-change event re-triggers.
func (e *Elector) campaign(clusterID string) {
	timer := metrics.NewTimer()
	outcome := e.runCampaign(clusterID)
	timer.ObserveDuration(metrics.ElectionDuration)
	metrics.ElectionsTotal.WithLabelValues(outcome).Inc()
}

func (e *Elector) runCampaign(clusterID string) (outcome string) {
	ctx := context.Background()
	logger := e.logger.With().Str("cluster_id", clusterID).Logger()

	st, err := e.stores(ctx, clusterID)
	if err != nil {
		logger.Warn().Err(err).Msg("election: no working kv credentials")
		return "no_credentials"
	}
	snap, err := clusterconfig.Load(ctx, st, clusterID)
	if err != nil {
		logger.Warn().Err(err).Msg("election: load config")
		return "config_unreadable"
	}
	if len(snap.OnlineMasterIDs()) > 0 || len(snap.OfflineMasterIDs()) == 0 {
		return "not_needed"
	}
	oldMasterID := snap.OfflineMasterIDs()[0]

	// Step 1: last chance to abort -- if the proxy can reach the offline
	// master, it will flip itself back ONLINE shortly.
	if reachable, err := e.proxy.CheckViaProxy(ctx, snap.Config(), oldMasterID); err == nil && reachable {
		logger.Info().Str("node_id", oldMasterID).Msg("election aborted: offline master reachable again")
		return "master_reachable"
	}

	// Step 2: serialize campaigns across agents.
	lock := e.locks(clusterID)
	if err := lock.Acquire(ctx, e.cfg.AcquireTimeout); err != nil {
		logger.Info().Err(err).Msg("election lock busy, re-enqueueing")
		time.AfterFunc(e.cfg.RequeueDelay, func() { e.Enqueue(clusterID) })
		return "lock_busy"
	}
	// The lock must be released on every path out of the campaign.
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("election lock release")
		}
	}()

	// Step 3: someone may have elected while we waited on the lock.
	snap, err = clusterconfig.Load(ctx, st, clusterID)
	if err != nil {
		logger.Warn().Err(err).Msg("election: reload config under lock")
		return "config_unreadable"
	}
	if len(snap.OnlineMasterIDs()) > 0 {
		return "already_elected"
	}

	// Step 4: baseline and candidates.
	baseline, ok := e.loadHealth(ctx, st, clusterID, oldMasterID)
	if !ok {
		logger.Warn().Str("node_id", oldMasterID).Msg("election aborted: offline master has no recorded health, no safe baseline")
		return "no_baseline"
	}
	candidates := e.eligibleCandidates(ctx, st, snap, clusterID, baseline.GTID)
	if len(candidates) == 0 {
		logger.Warn().Msg("election aborted: no eligible candidates")
		return "no_candidates"
	}

	// Step 7: first reachable candidate in order wins.
	winnerID := ""
	for _, cand := range candidates {
		reachable, err := e.proxy.CheckViaProxy(ctx, snap.Config(), cand.id)
		if err == nil && reachable {
			winnerID = cand.id
			break
		}
	}
	if winnerID == "" {
		logger.Warn().Msg("election aborted: no candidate reachable through proxy")
		return "no_reachable_candidate"
	}

	// Step 8: reload once more, then swap roles via CAS.
	snap, err = clusterconfig.Load(ctx, st, clusterID)
	if err != nil {
		logger.Warn().Err(err).Msg("election: final config reload")
		return "config_unreadable"
	}
	if len(snap.OnlineMasterIDs()) > 0 {
		return "already_elected"
	}
	next, err := snap.WithRoleSwap(winnerID, oldMasterID)
	if err != nil {
		logger.Warn().Err(err).Msg("election: build role swap")
		return "swap_failed"
	}
	if err := clusterconfig.CAS(ctx, st, next); err != nil {
		if errors.Is(err, kv.ErrCASConflict) {
			logger.Info().Msg("election CAS lost, next event re-triggers")
			return "cas_lost"
		}
		logger.Warn().Err(err).Msg("election CAS")
		return "cas_error"
	}

	logger.Info().
		Str("new_master", winnerID).
		Str("old_master", oldMasterID).
		Msg("master election completed")
	return "elected"
}

type candidate struct {
	id     string
	weight int
}

// eligibleCandidates is the online replicas whose GTID is not strictly
// behind the failed master's, ordered by weight descending with node id as
// a deterministic tiebreak. Candidates with no recorded health are dropped
// -- an unknown position can never be proven caught up.
func (e *Elector) eligibleCandidates(ctx context.Context, st kv.Store, snap *clusterconfig.Snapshot, clusterID, baselineGTID string) []candidate {
	var out []candidate
	for _, id := range snap.OnlineReplicaIDs() {
		health, ok := e.loadHealth(ctx, st, clusterID, id)
		if !ok {
			continue
		}
		if gtid.LessThan(health.GTID, baselineGTID) {
			continue
		}
		desc, _ := snap.Node(id)
		out = append(out, candidate{id: id, weight: desc.Weight})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		return out[i].id < out[j].id
	})
	return out
}

func (e *Elector) loadHealth(ctx context.Context, st kv.Store, clusterID, nodeID string) (types.NodeHealth, bool) {
	value, _, found, err := st.Get(ctx, kv.NodeStatusKey(clusterID, nodeID))
	if err != nil || !found {
		return types.NodeHealth{}, false
	}
	var h types.NodeHealth
	if err := json.Unmarshal(value, &h); err != nil {
		return types.NodeHealth{}, false
	}
	return h, true
}
