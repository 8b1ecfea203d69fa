// Package health is the per-database health reporting loop. Each
// locally provisioned database gets exactly one loop that probes it on the
// blocking worker pool, publishes the resulting NodeHealth under the
// cluster's status key (the put itself is the liveness heartbeat), and --
// rate-limited to once per ten minutes -- flips the node's config status
// back to ONLINE after an outage.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/domain"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/metrics"
	"github.com/tanmoysrt/rdsagent/pkg/pubsub"
	"github.com/tanmoysrt/rdsagent/pkg/types"
	"github.com/tanmoysrt/rdsagent/pkg/workerpool"
)

// Target bundles what one probe loop needs: the database's prober, its
// cluster, and a working KV store for that cluster's credentials.
type Target struct {
	DBID      string
	ClusterID string
	Prober    domain.HealthProber
	Store     kv.Store
}

// TargetResolver builds the Target for a local database id, resolving
// working etcd credentials in the process.
type TargetResolver func(ctx context.Context, dbID string) (Target, error)

// Config tunes the reporter. Zero values pick defaults.
type Config struct {
	// Interval is the configured gap between probe starts.
	Interval time.Duration
	// MinInterval floors the sleep even when a probe overran Interval.
	MinInterval time.Duration
	// OnlineFlipInterval guards the ONLINE status CAS: at most one flip
	// attempt per this window, which caps config-key churn when a node
	// flaps. Defaults to ten minutes.
	OnlineFlipInterval time.Duration
	// ProbeTimeout bounds one blocking SQL probe.
	ProbeTimeout time.Duration
	// KVTimeout bounds each status put / config CAS.
	KVTimeout time.Duration
	// StopTimeout bounds how long Remove waits for a loop to exit.
	StopTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.OnlineFlipInterval <= 0 {
		c.OnlineFlipInterval = 10 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.KVTimeout <= 0 {
		c.KVTimeout = 2 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

type loop struct {
	stop chan struct{}
	done chan struct{}
}

// Reporter owns the set of probe loops. The monitored set changes through
// the mysql_monitor_commands pubsub channel (both RPC handlers and the
// periodic reconciliation publish there); every change is serialized under
// one mutex, so at most one loop ever exists per database id.
type Reporter struct {
	cfg      Config
	resolve  TargetResolver
	commands *pubsub.Broker[string]
	pool     *workerpool.Pool
	logger   zerolog.Logger

	mu    sync.Mutex
	loops map[string]*loop

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Reporter consuming commands from the given broker.
func New(cfg Config, resolve TargetResolver, commands *pubsub.Broker[string], pool *workerpool.Pool, logger zerolog.Logger) *Reporter {
	cfg.applyDefaults()
	return &Reporter{
		cfg:      cfg,
		resolve:  resolve,
		commands: commands,
		pool:     pool,
		logger:   logger,
		loops:    make(map[string]*loop),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the command listener.
func (r *Reporter) Start() {
	sub := r.commands.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.commands.Unsubscribe(sub)
		for {
			select {
			case line, ok := <-sub:
				if !ok {
					return
				}
				r.handleCommand(line)
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the listener and every probe loop.
func (r *Reporter) Stop() {
	close(r.stopCh)

	r.mu.Lock()
	for id, l := range r.loops {
		close(l.stop)
		delete(r.loops, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	metrics.MonitoredDatabasesTotal.Set(0)
}

func (r *Reporter) handleCommand(line string) {
	cmd, err := pubsub.ParseCommand(line)
	if err != nil {
		r.logger.Warn().Err(err).Msg("bad monitor command")
		return
	}
	switch cmd.Verb {
	case pubsub.CommandAdd:
		r.Add(cmd.ID)
	case pubsub.CommandRemove:
		r.Remove(cmd.ID)
	case pubsub.CommandReload:
		r.Remove(cmd.ID)
		r.Add(cmd.ID)
	}
}

// Add starts a probe loop for dbID. A second Add for a running id is a
// no-op.
func (r *Reporter) Add(dbID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loops[dbID]; exists {
		return
	}

	// Resolution may walk several credential sets; give it more room than
	// a single KV op.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	target, err := r.resolve(ctx, dbID)
	cancel()
	if err != nil {
		r.logger.Warn().Err(err).Str("db_id", dbID).Msg("cannot resolve health target")
		return
	}

	l := &loop{stop: make(chan struct{}), done: make(chan struct{})}
	r.loops[dbID] = l
	metrics.MonitoredDatabasesTotal.Set(float64(len(r.loops)))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runLoop(target, l)
	}()
	r.logger.Info().Str("db_id", dbID).Str("cluster_id", target.ClusterID).Msg("health reporting started")
}

// Remove stops dbID's loop and joins it, bounded by StopTimeout.
func (r *Reporter) Remove(dbID string) {
	r.mu.Lock()
	l, ok := r.loops[dbID]
	if ok {
		delete(r.loops, dbID)
		close(l.stop)
	}
	metrics.MonitoredDatabasesTotal.Set(float64(len(r.loops)))
	r.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-l.done:
	case <-time.After(r.cfg.StopTimeout):
		r.logger.Warn().Str("db_id", dbID).Msg("health loop did not stop in time")
	}
}

// MonitoredIDs lists the database ids currently being reported.
func (r *Reporter) MonitoredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}
	return ids
}

// ReconcileAgainst publishes add/remove commands bringing the monitored
// set in line with localIDs. Called from the supervisor's five-minute
// reconciliation tick; going through the pubsub channel keeps one
// serialization point for all membership changes.
func (r *Reporter) ReconcileAgainst(localIDs []string) {
	local := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		local[id] = true
	}
	monitored := make(map[string]bool)
	for _, id := range r.MonitoredIDs() {
		monitored[id] = true
	}

	for _, id := range localIDs {
		if !monitored[id] {
			r.commands.Publish(pubsub.Command{Verb: pubsub.CommandAdd, ID: id}.String())
		}
	}
	for id := range monitored {
		if !local[id] {
			r.commands.Publish(pubsub.Command{Verb: pubsub.CommandRemove, ID: id}.String())
		}
	}
}

// runLoop is one database's probe loop: probe on the worker pool, put the
// heartbeat, occasionally flip the node ONLINE, sleep, repeat.
func (r *Reporter) runLoop(t Target, l *loop) {
	defer close(l.done)
	logger := r.logger.With().Str("db_id", t.DBID).Str("cluster_id", t.ClusterID).Logger()

	var lastSuccess time.Time
	for {
		start := time.Now()

		var health types.NodeHealth
		var probeErr error
		probeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ProbeTimeout)
		poolErr := r.pool.Do(probeCtx, func() {
			timer := metrics.NewTimer()
			health, probeErr = t.Prober.Probe(probeCtx)
			timer.ObserveDuration(metrics.HealthProbeDuration)
		})
		cancel()

		if poolErr == nil && probeErr == nil {
			metrics.HealthProbesTotal.WithLabelValues(t.DBID, "success").Inc()
			if err := r.report(t, health); err != nil {
				logger.Warn().Err(err).Msg("publish health report")
			} else {
				if lastSuccess.IsZero() || time.Since(lastSuccess) >= r.cfg.OnlineFlipInterval {
					r.tryFlipOnline(t, logger)
				}
				lastSuccess = time.Now()
			}
		} else {
			// Nothing is written on failure: silence is what the remote
			// dead-node detector keys on.
			metrics.HealthProbesTotal.WithLabelValues(t.DBID, "failure").Inc()
			if probeErr != nil {
				logger.Debug().Err(probeErr).Msg("health probe failed")
			}
		}

		sleep := r.cfg.Interval - time.Since(start)
		if sleep < r.cfg.MinInterval {
			sleep = r.cfg.MinInterval
		}
		select {
		case <-time.After(sleep):
		case <-l.stop:
			return
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reporter) report(t Target, health types.NodeHealth) error {
	health.ReportedAtMs = time.Now().UnixMilli()
	data, err := json.Marshal(health)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.KVTimeout)
	defer cancel()
	return t.Store.Put(ctx, kv.NodeStatusKey(t.ClusterID, t.DBID), data)
}

// tryFlipOnline CASes the node's config status from OFFLINE to ONLINE. A
// lost CAS is dropped; the next flip window retries naturally.
func (r *Reporter) tryFlipOnline(t Target, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.KVTimeout)
	defer cancel()

	snap, err := clusterconfig.Load(ctx, t.Store, t.ClusterID)
	if err != nil {
		logger.Warn().Err(err).Msg("load config for online flip")
		return
	}
	node, ok := snap.Node(t.DBID)
	if !ok || node.Status == types.NodeStatusOnline {
		return
	}
	next, err := snap.WithStatus(t.DBID, types.NodeStatusOnline)
	if err != nil {
		return
	}
	if err := clusterconfig.CAS(ctx, t.Store, next); err != nil {
		if !errors.Is(err, kv.ErrCASConflict) {
			logger.Warn().Err(err).Msg("online flip CAS")
		}
		return
	}
	logger.Info().Msg("node flipped back ONLINE")
}
