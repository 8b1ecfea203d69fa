package statemonitor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/kv/kvfake"
	"github.com/tanmoysrt/rdsagent/pkg/pubsub"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

type recorded struct {
	mu       sync.Mutex
	configs  []*clusterconfig.Snapshot
	statuses []string // "<cid>/<nid>"
}

type fixture struct {
	st       *kvfake.Store
	watcher  *kvfake.Watcher
	cache    *clusterconfig.Cache
	commands *pubsub.Broker[string]
	rec      *recorded
	mon      *Monitor
	dials    atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:       kvfake.New(),
		watcher:  kvfake.NewWatcher(),
		cache:    clusterconfig.NewCache(),
		commands: pubsub.New[string](),
		rec:      &recorded{},
	}
	connect := func(context.Context, string) (*Conn, error) {
		f.dials.Add(1)
		return &Conn{Store: f.st, Watcher: f.watcher, Close: func() {}}, nil
	}
	handlers := Handlers{
		OnConfig: func(snap *clusterconfig.Snapshot) {
			f.rec.mu.Lock()
			f.rec.configs = append(f.rec.configs, snap)
			f.rec.mu.Unlock()
		},
		OnNodeStatus: func(cid, nid string, _ []byte) {
			f.rec.mu.Lock()
			f.rec.statuses = append(f.rec.statuses, cid+"/"+nid)
			f.rec.mu.Unlock()
		},
	}
	f.mon = New(Config{RetryDelay: 10 * time.Millisecond, StopTimeout: time.Second},
		connect, handlers, f.cache, f.commands, zerolog.Nop())
	t.Cleanup(f.mon.Stop)
	return f
}

func (f *fixture) configCount() int {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return len(f.rec.configs)
}

func (f *fixture) statusEvents() []string {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return append([]string(nil), f.rec.statuses...)
}

func marshalConfig(t *testing.T, nodes map[string]types.NodeDescriptor) []byte {
	t.Helper()
	data, err := json.Marshal(types.ClusterConfig{ClusterID: "c1", Nodes: nodes})
	require.NoError(t, err)
	return data
}

func TestConfigEventUpdatesCacheAndDispatches(t *testing.T) {
	f := newFixture(t)
	f.mon.Add("c1")

	require.Eventually(t, func() bool { return f.dials.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	value := marshalConfig(t, map[string]types.NodeDescriptor{
		"n1": {Role: types.NodeRoleMaster, Status: types.NodeStatusOnline},
	})
	f.watcher.Emit(kv.WatchEvent{Type: kv.EventPut, Key: kv.ConfigKey("c1"), Value: value, ModRevision: 7})

	require.Eventually(t, func() bool { return f.configCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	snap, ok := f.cache.Get("c1")
	require.True(t, ok)
	assert.Equal(t, int64(7), snap.Version())
	assert.Equal(t, []string{"n1"}, snap.OnlineMasterIDs())
}

func TestNodeStatusEventForwardsNodeID(t *testing.T) {
	f := newFixture(t)
	f.mon.Add("c1")
	require.Eventually(t, func() bool { return f.dials.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	f.watcher.Emit(kv.WatchEvent{
		Type:  kv.EventPut,
		Key:   kv.NodeStatusKey("c1", "n2"),
		Value: []byte(`{"db_kind":"mariadb","reported_at_ms":1,"gtid":"0-1-5"}`),
	})

	require.Eventually(t, func() bool {
		evs := f.statusEvents()
		return len(evs) == 1 && evs[0] == "c1/n2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnrelatedKeysAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.mon.Add("c1")
	require.Eventually(t, func() bool { return f.dials.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	f.watcher.Emit(kv.WatchEvent{Type: kv.EventPut, Key: "/clusters/c1/master", Value: []byte("x")})
	f.watcher.Emit(kv.WatchEvent{Type: kv.EventPut, Key: "/clusters/c1/nodes/n1/state", Value: []byte("x")})
	f.watcher.Emit(kv.WatchEvent{Type: kv.EventDelete, Key: kv.ConfigKey("c1")})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.configCount())
	assert.Empty(t, f.statusEvents())
}

func TestWatchChannelCloseTriggersReconnect(t *testing.T) {
	f := newFixture(t)
	f.mon.Add("c1")
	require.Eventually(t, func() bool { return f.dials.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	// Simulate a transport error: the watch channel closes.
	f.watcher.CloseActive()
	require.Eventually(t, func() bool { return f.dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"monitor must redial after its watch channel closes")
}

func TestInitialConfigLoadOnConnect(t *testing.T) {
	f := newFixture(t)
	value := marshalConfig(t, map[string]types.NodeDescriptor{
		"n1": {Role: types.NodeRoleMaster, Status: types.NodeStatusOnline},
	})
	require.NoError(t, f.st.Put(context.Background(), kv.ConfigKey("c1"), value))

	f.mon.Add("c1")
	require.Eventually(t, func() bool { return f.configCount() >= 1 }, 2*time.Second, 5*time.Millisecond,
		"existing config must be dispatched on connect, not only on change")
}

func TestAtMostOneWatcherPerCluster(t *testing.T) {
	f := newFixture(t)
	f.mon.Add("c1")
	f.mon.Add("c1")
	f.mon.Add("c1")

	require.Eventually(t, func() bool { return f.dials.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), f.dials.Load())
	assert.Equal(t, []string{"c1"}, f.mon.MonitoredIDs())
}

func TestCommandsDriveClusterMembership(t *testing.T) {
	f := newFixture(t)
	f.mon.Start()

	f.commands.Publish("add c1")
	require.Eventually(t, func() bool {
		ids := f.mon.MonitoredIDs()
		return len(ids) == 1 && ids[0] == "c1"
	}, 2*time.Second, 10*time.Millisecond)

	f.commands.Publish("remove c1")
	require.Eventually(t, func() bool {
		return len(f.mon.MonitoredIDs()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, cached := f.cache.Get("c1")
	assert.False(t, cached, "removal must drop the cached snapshot")
}
