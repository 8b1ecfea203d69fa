package deadnode

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/kv/kvfake"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// fakeChecker scripts proxy and per-peer reachability answers.
type fakeChecker struct {
	mu         sync.Mutex
	proxySays  bool
	proxyErr   error
	peerSays   map[string]bool
	peerErr    map[string]error
	peersAsked []string
}

func (f *fakeChecker) CheckViaProxy(_ context.Context, _ types.ClusterConfig, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proxySays, f.proxyErr
}

func (f *fakeChecker) CheckViaPeer(_ context.Context, _ types.ClusterConfig, peerID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peersAsked = append(f.peersAsked, peerID)
	if err := f.peerErr[peerID]; err != nil {
		return false, err
	}
	return f.peerSays[peerID], nil
}

func seedCluster(t *testing.T, st *kvfake.Store, nodes map[string]types.NodeDescriptor) *kvfake.Store {
	t.Helper()
	cfg := types.ClusterConfig{
		ClusterID: "c1",
		Nodes:     nodes,
		Proxy:     types.ProxyDescriptor{IP: "10.0.0.100", AgentPort: 7070, AdminPort: 6032},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), kv.ConfigKey("c1"), data))
	return st
}

func node(role types.NodeRole, status types.NodeStatus, ip string) types.NodeDescriptor {
	return types.NodeDescriptor{IP: ip, AgentPort: 7070, DBPort: 3306, Weight: 10, Role: role, Status: status}
}

func resolver(st kv.Store) StoreResolver {
	return func(context.Context, string) (kv.Store, error) { return st, nil }
}

func TestVerifyProxyReachableShortCircuits(t *testing.T) {
	st := seedCluster(t, kvfake.New(), map[string]types.NodeDescriptor{
		"n1": node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1"),
		"n2": node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.2"),
	})
	checker := &fakeChecker{proxySays: true}
	v := NewVerifier(checker, resolver(st), time.Second, zerolog.Nop())

	assert.Equal(t, OutcomeAlive, v.Verify(context.Background(), "c1", "n1"))
	assert.Empty(t, checker.peersAsked, "no peer fan-out when the proxy already reaches the node")
}

func TestVerifySplitVoteMarksOffline(t *testing.T) {
	// Scenario: 5 peers; 2 reachable, 2 unreachable, 1 errors. 2/5 < 0.6,
	// so the node goes OFFLINE.
	nodes := map[string]types.NodeDescriptor{
		"victim": node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1"),
	}
	for i, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		nodes[id] = node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.1."+string(rune('1'+i)))
	}
	st := seedCluster(t, kvfake.New(), nodes)
	checker := &fakeChecker{
		peerSays: map[string]bool{"p1": true, "p2": true, "p3": false, "p4": false},
		peerErr:  map[string]error{"p5": context.DeadlineExceeded},
	}
	v := NewVerifier(checker, resolver(st), time.Second, zerolog.Nop())

	assert.Equal(t, OutcomeMarkedOffline, v.Verify(context.Background(), "c1", "victim"))

	snap, err := clusterconfig.Load(context.Background(), st, "c1")
	require.NoError(t, err)
	victim, ok := snap.Node("victim")
	require.True(t, ok)
	assert.Equal(t, types.NodeStatusOffline, victim.Status)
	assert.Equal(t, types.NodeRoleMaster, victim.Role, "status flip must not change role")
}

func TestVerifyQuorumReachableStaysAlive(t *testing.T) {
	st := seedCluster(t, kvfake.New(), map[string]types.NodeDescriptor{
		"victim": node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.1"),
		"p1":     node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.2"),
		"p2":     node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.3"),
		"p3":     node(types.NodeRoleReadOnly, types.NodeStatusOnline, "10.0.0.4"),
	})
	checker := &fakeChecker{
		peerSays: map[string]bool{"p1": true, "p2": true, "p3": false},
	}
	v := NewVerifier(checker, resolver(st), time.Second, zerolog.Nop())

	// 2/3 reachable >= 0.6*3 = 1.8.
	assert.Equal(t, OutcomeAlive, v.Verify(context.Background(), "c1", "victim"))

	snap, err := clusterconfig.Load(context.Background(), st, "c1")
	require.NoError(t, err)
	victim, _ := snap.Node("victim")
	assert.Equal(t, types.NodeStatusOnline, victim.Status)
}

func TestVerifyExcludesOfflineAndStandbyPeers(t *testing.T) {
	st := seedCluster(t, kvfake.New(), map[string]types.NodeDescriptor{
		"victim":  node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.1"),
		"offline": node(types.NodeRoleReplica, types.NodeStatusOffline, "10.0.0.2"),
		"standby": node(types.NodeRoleStandby, types.NodeStatusOnline, "10.0.0.3"),
		"p1":      node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.4"),
	})
	checker := &fakeChecker{peerSays: map[string]bool{"p1": false}}
	v := NewVerifier(checker, resolver(st), time.Second, zerolog.Nop())

	v.Verify(context.Background(), "c1", "victim")
	assert.Equal(t, []string{"p1"}, checker.peersAsked)
}

func TestVerifyNoPeersIsInconclusive(t *testing.T) {
	st := seedCluster(t, kvfake.New(), map[string]types.NodeDescriptor{
		"victim": node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1"),
	})
	v := NewVerifier(&fakeChecker{}, resolver(st), time.Second, zerolog.Nop())
	assert.Equal(t, OutcomeInconclusive, v.Verify(context.Background(), "c1", "victim"))
}

func TestVerifyRemovedNodeIsDropped(t *testing.T) {
	st := seedCluster(t, kvfake.New(), map[string]types.NodeDescriptor{
		"n1": node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1"),
	})
	v := NewVerifier(&fakeChecker{}, resolver(st), time.Second, zerolog.Nop())
	assert.Equal(t, OutcomeAlive, v.Verify(context.Background(), "c1", "gone"))
}

func TestDetectorMarksSilentNodeDead(t *testing.T) {
	st := seedCluster(t, kvfake.New(), map[string]types.NodeDescriptor{
		"n1": node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1"),
		"n2": node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.2"),
	})
	checker := &fakeChecker{peerSays: map[string]bool{"n2": false}}
	v := NewVerifier(checker, resolver(st), time.Second, zerolog.Nop())
	d := NewDetector(DetectorConfig{
		Timeout:         50 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	}, v, zerolog.Nop())
	d.Start()
	defer d.Stop()

	d.Update("c1", "n1")

	require.Eventually(t, func() bool { return d.Dead("n1") }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		snap, err := clusterconfig.Load(context.Background(), st, "c1")
		if err != nil {
			return false
		}
		n1, _ := snap.Node("n1")
		return n1.Status == types.NodeStatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDetectorFreshReportSuppressesExpiry(t *testing.T) {
	v := NewVerifier(&fakeChecker{proxySays: true}, resolver(kvfake.New()), time.Second, zerolog.Nop())
	d := NewDetector(DetectorConfig{
		Timeout:         100 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	}, v, zerolog.Nop())
	d.Start()
	defer d.Stop()

	// Keep reporting faster than the timeout; the node must never go dead.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.Update("c1", "n1")
		assert.False(t, d.Dead("n1"))
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDetectorRecoveryClearsDeadSet(t *testing.T) {
	st := seedCluster(t, kvfake.New(), map[string]types.NodeDescriptor{
		"n1": node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1"),
		"n2": node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.2"),
	})
	checker := &fakeChecker{peerSays: map[string]bool{"n2": false}}
	v := NewVerifier(checker, resolver(st), time.Second, zerolog.Nop())
	d := NewDetector(DetectorConfig{
		Timeout:         50 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	}, v, zerolog.Nop())
	d.Start()
	defer d.Stop()

	d.Update("c1", "n1")
	require.Eventually(t, func() bool { return d.Dead("n1") }, 2*time.Second, 10*time.Millisecond)

	d.Update("c1", "n1")
	assert.False(t, d.Dead("n1"))
}

func TestDetectorInconclusiveGoesToRetrySet(t *testing.T) {
	// Single-node cluster: no peers, so verification is inconclusive.
	st := seedCluster(t, kvfake.New(), map[string]types.NodeDescriptor{
		"n1": node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1"),
	})
	v := NewVerifier(&fakeChecker{}, resolver(st), time.Second, zerolog.Nop())
	d := NewDetector(DetectorConfig{
		Timeout:         50 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
		RetryInterval:   time.Hour, // keep the retry loop out of this test
	}, v, zerolog.Nop())
	d.Start()
	defer d.Stop()

	d.Update("c1", "n1")
	require.Eventually(t, func() bool { return d.Retrying("n1") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, d.Dead("n1"), "inconclusive nodes stay in the dead set")
}
