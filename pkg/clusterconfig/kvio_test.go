package clusterconfig

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/kv/kvfake"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

func seed(t *testing.T, st *kvfake.Store) {
	t.Helper()
	cfg := types.ClusterConfig{
		ClusterID: "c1",
		Nodes: map[string]types.NodeDescriptor{
			"n1": {Role: types.NodeRoleMaster, Status: types.NodeStatusOnline, Weight: 10},
			"n2": {Role: types.NodeRoleReplica, Status: types.NodeStatusOnline, Weight: 5},
		},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), kv.ConfigKey("c1"), data))
}

func TestLoadAttachesVersion(t *testing.T) {
	st := kvfake.New()
	seed(t, st)

	snap, err := Load(context.Background(), st, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version())
	assert.Equal(t, []string{"n1"}, snap.OnlineMasterIDs())

	_, err = Load(context.Background(), st, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCASWritesAtExpectedVersion(t *testing.T) {
	st := kvfake.New()
	seed(t, st)

	snap, err := Load(context.Background(), st, "c1")
	require.NoError(t, err)
	next, err := snap.WithStatus("n2", types.NodeStatusOffline)
	require.NoError(t, err)
	require.NoError(t, CAS(context.Background(), st, next))

	reloaded, err := Load(context.Background(), st, "c1")
	require.NoError(t, err)
	assert.Equal(t, snap.Version()+1, reloaded.Version())
	n2, _ := reloaded.Node("n2")
	assert.Equal(t, types.NodeStatusOffline, n2.Status)
}

func TestCASConflictOnStaleVersion(t *testing.T) {
	st := kvfake.New()
	seed(t, st)

	stale, err := Load(context.Background(), st, "c1")
	require.NoError(t, err)

	// Another writer gets in first.
	fresh, err := Load(context.Background(), st, "c1")
	require.NoError(t, err)
	next, err := fresh.WithStatus("n1", types.NodeStatusOffline)
	require.NoError(t, err)
	require.NoError(t, CAS(context.Background(), st, next))

	// The stale snapshot's write must now fail, never blind-overwrite.
	loser, err := stale.WithStatus("n2", types.NodeStatusOffline)
	require.NoError(t, err)
	err = CAS(context.Background(), st, loser)
	assert.ErrorIs(t, err, kv.ErrCASConflict)

	reloaded, err := Load(context.Background(), st, "c1")
	require.NoError(t, err)
	n2, _ := reloaded.Node("n2")
	assert.Equal(t, types.NodeStatusOnline, n2.Status, "losing write must leave no trace")
}

func TestConcurrentCASNeverSkipsVersions(t *testing.T) {
	// Many agents race read-modify-write cycles against one key. Every
	// committed write must sit exactly one version above the snapshot it
	// was derived from -- interleavings surface as ErrCASConflict, never
	// as a silently merged or skipped version.
	st := kvfake.New()
	seed(t, st)

	const writers = 8
	const attempts = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			status := types.NodeStatusOffline
			if w%2 == 0 {
				status = types.NodeStatusOnline
			}
			for i := 0; i < attempts; i++ {
				snap, err := Load(context.Background(), st, "c1")
				if err != nil {
					continue
				}
				next, err := snap.WithStatus("n2", status)
				if err != nil {
					continue
				}
				err = CAS(context.Background(), st, next)
				if err == nil {
					mu.Lock()
					committed++
					mu.Unlock()
				} else if !errors.Is(err, kv.ErrCASConflict) {
					t.Errorf("unexpected CAS error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	final := st.Version(kv.ConfigKey("c1"))
	assert.Equal(t, int64(1+committed), final,
		"final version must equal the seed version plus one per committed CAS")
}
