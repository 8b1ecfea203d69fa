package clusterconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoysrt/rdsagent/pkg/types"
)

func sampleConfig() types.ClusterConfig {
	return types.ClusterConfig{
		ClusterID: "c1",
		Nodes: map[string]types.NodeDescriptor{
			"m1": {IP: "10.0.0.1", Weight: 1, Role: types.NodeRoleMaster, Status: types.NodeStatusOnline},
			"r1": {IP: "10.0.0.2", Weight: 10, Role: types.NodeRoleReplica, Status: types.NodeStatusOnline},
			"r2": {IP: "10.0.0.3", Weight: 20, Role: types.NodeRoleReplica, Status: types.NodeStatusOffline},
		},
		Version: 5,
	}
}

func TestRoleStatusAccessors(t *testing.T) {
	snap := NewSnapshot(sampleConfig())

	assert.Equal(t, []string{"m1"}, snap.OnlineMasterIDs())
	assert.Empty(t, snap.OfflineMasterIDs())
	assert.Equal(t, []string{"r1"}, snap.OnlineReplicaIDs())
	assert.Equal(t, []string{"r2"}, snap.OfflineReplicaIDs())
	assert.Equal(t, int64(5), snap.Version())
}

func TestWithStatusIsCopyOnWrite(t *testing.T) {
	orig := NewSnapshot(sampleConfig())

	updated, err := orig.WithStatus("r2", types.NodeStatusOnline)
	require.NoError(t, err)

	assert.Equal(t, []string{"r2"}, orig.OfflineReplicaIDs(), "original snapshot must be untouched")
	assert.Equal(t, []string{"r1", "r2"}, updated.OnlineReplicaIDs())
	assert.Equal(t, orig.Version(), updated.Version(), "version travels with the snapshot for the CAS check")
}

func TestWithStatusUnknownNode(t *testing.T) {
	snap := NewSnapshot(sampleConfig())
	_, err := snap.WithStatus("ghost", types.NodeStatusOffline)
	assert.Error(t, err)
}

func TestWithRoleSwapPromotesAndDemotesIndependently(t *testing.T) {
	snap := NewSnapshot(sampleConfig())

	swapped, err := snap.WithRoleSwap("r2", "m1")
	require.NoError(t, err)

	m1, _ := swapped.Node("m1")
	r2, _ := swapped.Node("r2")
	assert.Equal(t, types.NodeRoleReplica, m1.Role)
	assert.Equal(t, types.NodeRoleMaster, r2.Role)

	// Original untouched.
	origM1, _ := snap.Node("m1")
	assert.Equal(t, types.NodeRoleMaster, origM1.Role)
}

func TestWithRoleSwapRejectsUnknownID(t *testing.T) {
	snap := NewSnapshot(sampleConfig())
	_, err := snap.WithRoleSwap("ghost", "m1")
	assert.Error(t, err)
	_, err = snap.WithRoleSwap("r2", "ghost")
	assert.Error(t, err)
}

func TestCachePutGetDelete(t *testing.T) {
	c := NewCache()
	snap := NewSnapshot(sampleConfig())
	c.Put(snap)

	got, ok := c.Get("c1")
	require.True(t, ok)
	assert.Equal(t, snap, got)

	c.Delete("c1")
	_, ok = c.Get("c1")
	assert.False(t, ok)
}
