package health

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/kv/kvfake"
	"github.com/tanmoysrt/rdsagent/pkg/pubsub"
	"github.com/tanmoysrt/rdsagent/pkg/types"
	"github.com/tanmoysrt/rdsagent/pkg/workerpool"
)

// scriptedProber cycles through a list of outcomes, then repeats the last.
type scriptedProber struct {
	mu      sync.Mutex
	outcome []error
	calls   int
	gtid    string
}

func (p *scriptedProber) Probe(context.Context) (types.NodeHealth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.outcome) {
		idx = len(p.outcome) - 1
	}
	p.calls++
	if err := p.outcome[idx]; err != nil {
		return types.NodeHealth{}, err
	}
	return types.NodeHealth{DBKind: types.DBKindMariaDB, GTID: p.gtid}, nil
}

func (p *scriptedProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	st       *kvfake.Store
	prober   *scriptedProber
	commands *pubsub.Broker[string]
	rep      *Reporter
	resolves atomic.Int64
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		st:       kvfake.New(),
		prober:   &scriptedProber{outcome: []error{nil}, gtid: "0-1-100"},
		commands: pubsub.New[string](),
	}
	pool := workerpool.New(2)
	t.Cleanup(pool.Close)
	resolve := func(_ context.Context, dbID string) (Target, error) {
		f.resolves.Add(1)
		return Target{DBID: dbID, ClusterID: "c1", Prober: f.prober, Store: f.st}, nil
	}
	f.rep = New(cfg, resolve, f.commands, pool, zerolog.Nop())
	t.Cleanup(f.rep.Stop)
	return f
}

func (f *fixture) seedConfig(t *testing.T, status types.NodeStatus) {
	t.Helper()
	cfg := types.ClusterConfig{
		ClusterID: "c1",
		Nodes: map[string]types.NodeDescriptor{
			"db1": {IP: "10.0.0.1", DBPort: 3306, Weight: 10, Role: types.NodeRoleMaster, Status: status},
		},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, f.st.Put(context.Background(), kv.ConfigKey("c1"), data))
}

func (f *fixture) nodeStatus(t *testing.T) types.NodeStatus {
	t.Helper()
	value, _, found, err := f.st.Get(context.Background(), kv.ConfigKey("c1"))
	require.NoError(t, err)
	require.True(t, found)
	var cfg types.ClusterConfig
	require.NoError(t, json.Unmarshal(value, &cfg))
	return cfg.Nodes["db1"].Status
}

func fastConfig() Config {
	return Config{
		Interval:           10 * time.Millisecond,
		MinInterval:        5 * time.Millisecond,
		OnlineFlipInterval: time.Hour,
		ProbeTimeout:       time.Second,
		KVTimeout:          time.Second,
		StopTimeout:        time.Second,
	}
}

func TestProbeWritesHeartbeatAndFlipsOnline(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.seedConfig(t, types.NodeStatusOffline)

	f.rep.Add("db1")

	statusKey := kv.NodeStatusKey("c1", "db1")
	require.Eventually(t, func() bool {
		value, _, found, _ := f.st.Get(context.Background(), statusKey)
		if !found {
			return false
		}
		var h types.NodeHealth
		if err := json.Unmarshal(value, &h); err != nil {
			return false
		}
		return h.GTID == "0-1-100" && h.ReportedAtMs > 0
	}, 2*time.Second, 10*time.Millisecond, "heartbeat never appeared")

	require.Eventually(t, func() bool {
		return f.nodeStatus(t) == types.NodeStatusOnline
	}, 2*time.Second, 10*time.Millisecond, "first successful report must flip OFFLINE node ONLINE")
}

func TestFlapSuppressionOneFlipPerWindow(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.seedConfig(t, types.NodeStatusOffline)

	// Alternate success and failure from the first probe onward.
	f.prober.mu.Lock()
	f.prober.outcome = nil
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			f.prober.outcome = append(f.prober.outcome, nil)
		} else {
			f.prober.outcome = append(f.prober.outcome, errors.New("connection refused"))
		}
	}
	f.prober.mu.Unlock()

	f.rep.Add("db1")
	require.Eventually(t, func() bool {
		return f.nodeStatus(t) == types.NodeStatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	// Force the node OFFLINE again. Within the flip window, continued
	// flapping must not flip it back.
	value, _, _, err := f.st.Get(context.Background(), kv.ConfigKey("c1"))
	require.NoError(t, err)
	var cfg types.ClusterConfig
	require.NoError(t, json.Unmarshal(value, &cfg))
	n := cfg.Nodes["db1"]
	n.Status = types.NodeStatusOffline
	cfg.Nodes["db1"] = n
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, f.st.Put(context.Background(), kv.ConfigKey("c1"), data))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, types.NodeStatusOffline, f.nodeStatus(t),
		"no second ONLINE flip inside the suppression window")
}

func TestAddIsIdempotentPerDatabase(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.seedConfig(t, types.NodeStatusOnline)

	f.rep.Add("db1")
	f.rep.Add("db1")
	f.rep.Add("db1")

	assert.Equal(t, int64(1), f.resolves.Load(), "one probe loop per database id")
	assert.Equal(t, []string{"db1"}, f.rep.MonitoredIDs())
}

func TestRemoveStopsProbing(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.seedConfig(t, types.NodeStatusOnline)

	f.rep.Add("db1")
	require.Eventually(t, func() bool { return f.prober.callCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	f.rep.Remove("db1")
	assert.Empty(t, f.rep.MonitoredIDs())

	settled := f.prober.callCount()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, f.prober.callCount(), settled+1, "probing must stop after Remove")
}

func TestCommandsDriveMembership(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.seedConfig(t, types.NodeStatusOnline)
	f.rep.Start()

	f.commands.Publish("add db1")
	require.Eventually(t, func() bool {
		ids := f.rep.MonitoredIDs()
		return len(ids) == 1 && ids[0] == "db1"
	}, 2*time.Second, 10*time.Millisecond)

	f.commands.Publish("remove db1")
	require.Eventually(t, func() bool {
		return len(f.rep.MonitoredIDs()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcileAgainstPublishesDiff(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.seedConfig(t, types.NodeStatusOnline)
	f.rep.Start()

	f.commands.Publish("add stale")
	require.Eventually(t, func() bool {
		return len(f.rep.MonitoredIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.rep.ReconcileAgainst([]string{"db1"})
	require.Eventually(t, func() bool {
		ids := f.rep.MonitoredIDs()
		return len(ids) == 1 && ids[0] == "db1"
	}, 2*time.Second, 10*time.Millisecond, "reconciliation must add db1 and remove stale")
}
