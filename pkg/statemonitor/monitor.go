// Package statemonitor is the per-cluster etcd watcher. One worker
// per cluster opens a single prefix watch over /clusters/{cid}/ and
// classifies each event: config updates refresh the snapshot cache and fan
// out to the ProxySQL reconciler and the master elector; node status
// updates feed the dead-node detector's last-seen bookkeeping. Transport
// errors drop the connection, wait, and reacquire credentials from
// scratch.
package statemonitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/metrics"
	"github.com/tanmoysrt/rdsagent/pkg/pubsub"
)

// Conn is one cluster's live etcd session: a store for the initial config
// read, a watcher for the event stream, and a closer invoked whenever the
// monitor drops the connection (so credentials are re-resolved fresh on
// the next attempt).
type Conn struct {
	Store   kv.Store
	Watcher kv.Watcher
	Close   func()
}

// Connector dials a cluster's etcd, going through credential failover.
type Connector func(ctx context.Context, clusterID string) (*Conn, error)

// Handlers receives classified events. Both callbacks must be fast or
// hand off -- they run on the watch goroutine.
type Handlers struct {
	OnConfig     func(snap *clusterconfig.Snapshot)
	OnNodeStatus func(clusterID, nodeID string, value []byte)
}

// Config tunes the monitor.
type Config struct {
	// RetryDelay is the sleep after a transport error before credentials
	// are reacquired (spec default 5s).
	RetryDelay time.Duration
	// StopTimeout bounds how long Remove waits for a watch loop to exit.
	StopTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

type watchLoop struct {
	stop chan struct{}
	done chan struct{}
}

// Monitor owns one watch loop per cluster id. Membership changes arrive
// through the etcd_monitor_commands pubsub channel and the periodic
// reconciliation, both serialized under one mutex -- at most one watch
// worker per cluster.
type Monitor struct {
	cfg      Config
	connect  Connector
	handlers Handlers
	cache    *clusterconfig.Cache
	commands *pubsub.Broker[string]
	logger   zerolog.Logger

	mu    sync.Mutex
	loops map[string]*watchLoop

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Monitor.
func New(cfg Config, connect Connector, handlers Handlers, cache *clusterconfig.Cache, commands *pubsub.Broker[string], logger zerolog.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:      cfg,
		connect:  connect,
		handlers: handlers,
		cache:    cache,
		commands: commands,
		logger:   logger,
		loops:    make(map[string]*watchLoop),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the command listener.
func (m *Monitor) Start() {
	sub := m.commands.Subscribe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.commands.Unsubscribe(sub)
		for {
			select {
			case line, ok := <-sub:
				if !ok {
					return
				}
				m.handleCommand(line)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the listener and every watch loop.
func (m *Monitor) Stop() {
	close(m.stopCh)

	m.mu.Lock()
	for id, l := range m.loops {
		close(l.stop)
		delete(m.loops, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) handleCommand(line string) {
	cmd, err := pubsub.ParseCommand(line)
	if err != nil {
		m.logger.Warn().Err(err).Msg("bad monitor command")
		return
	}
	switch cmd.Verb {
	case pubsub.CommandAdd:
		m.Add(cmd.ID)
	case pubsub.CommandRemove:
		m.Remove(cmd.ID)
	}
}

// Add starts watching clusterID. Idempotent.
func (m *Monitor) Add(clusterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.loops[clusterID]; exists {
		return
	}
	l := &watchLoop{stop: make(chan struct{}), done: make(chan struct{})}
	m.loops[clusterID] = l

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLoop(clusterID, l)
	}()
	m.logger.Info().Str("cluster_id", clusterID).Msg("cluster watch started")
}

// Remove stops watching clusterID and drops its cached snapshot.
func (m *Monitor) Remove(clusterID string) {
	m.mu.Lock()
	l, ok := m.loops[clusterID]
	if ok {
		delete(m.loops, clusterID)
		close(l.stop)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-l.done:
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn().Str("cluster_id", clusterID).Msg("watch loop did not stop in time")
	}
	m.cache.Delete(clusterID)
}

// MonitoredIDs lists the clusters currently being watched.
func (m *Monitor) MonitoredIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	return ids
}

// ReconcileAgainst publishes add/remove commands bringing the watched set
// in line with the cluster ids referenced by local service records.
func (m *Monitor) ReconcileAgainst(localIDs []string) {
	local := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		local[id] = true
	}
	watched := make(map[string]bool)
	for _, id := range m.MonitoredIDs() {
		watched[id] = true
	}

	for _, id := range localIDs {
		if !watched[id] {
			m.commands.Publish(pubsub.Command{Verb: pubsub.CommandAdd, ID: id}.String())
		}
	}
	for id := range watched {
		if !local[id] {
			m.commands.Publish(pubsub.Command{Verb: pubsub.CommandRemove, ID: id}.String())
		}
	}
}

// runLoop is one cluster's connect/watch/reconnect cycle.
func (m *Monitor) runLoop(clusterID string, l *watchLoop) {
	defer close(l.done)
	logger := m.logger.With().Str("cluster_id", clusterID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stop:
		case <-m.stopCh:
		}
		cancel()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.connect(ctx, clusterID)
		if err != nil {
			logger.Warn().Err(err).Msg("cluster etcd unavailable, retrying")
			if !m.sleep(ctx) {
				return
			}
			continue
		}

		// Initial read: the watch only delivers changes, so the current
		// config is loaded explicitly once per (re)connect.
		if snap, err := clusterconfig.Load(ctx, conn.Store, clusterID); err == nil {
			m.cache.Put(snap)
			if m.handlers.OnConfig != nil {
				m.handlers.OnConfig(snap)
			}
		} else if err != clusterconfig.ErrNotFound {
			logger.Warn().Err(err).Msg("initial config load")
		}

		ch, cancelWatch := conn.Watcher.Watch(ctx, kv.ClusterPrefix(clusterID))
		for ev := range ch {
			m.handleEvent(clusterID, ev)
		}
		cancelWatch()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		logger.Warn().Msg("cluster watch closed, reacquiring credentials")
		if !m.sleep(ctx) {
			return
		}
	}
}

func (m *Monitor) sleep(ctx context.Context) bool {
	select {
	case <-time.After(m.cfg.RetryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// handleEvent classifies one watch event by key shape.
func (m *Monitor) handleEvent(clusterID string, ev kv.WatchEvent) {
	switch {
	case ev.Key == kv.ConfigKey(clusterID):
		if ev.Type != kv.EventPut {
			return
		}
		metrics.WatchEventsTotal.WithLabelValues(clusterID, "config").Inc()
		snap, err := clusterconfig.Decode(clusterID, ev.Value, ev.ModRevision)
		if err != nil {
			m.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("undecodable config event")
			return
		}
		m.cache.Put(snap)
		if m.handlers.OnConfig != nil {
			m.handlers.OnConfig(snap)
		}

	case strings.HasPrefix(ev.Key, kv.NodeStatusPrefix(clusterID)) && strings.HasSuffix(ev.Key, "/status"):
		if ev.Type != kv.EventPut {
			return
		}
		metrics.WatchEventsTotal.WithLabelValues(clusterID, "node_status").Inc()
		nodeID := nodeIDFromStatusKey(clusterID, ev.Key)
		if nodeID == "" {
			return
		}
		if m.handlers.OnNodeStatus != nil {
			m.handlers.OnNodeStatus(clusterID, nodeID, ev.Value)
		}
	}
}

// nodeIDFromStatusKey extracts {nid} from
// /clusters/{cid}/nodes/{nid}/status.
func nodeIDFromStatusKey(clusterID, key string) string {
	rest := strings.TrimPrefix(key, kv.NodeStatusPrefix(clusterID))
	rest = strings.TrimSuffix(rest, "/status")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
