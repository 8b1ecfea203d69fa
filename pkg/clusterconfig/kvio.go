package clusterconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// ErrNotFound is returned by Load when a cluster has no config key.
var ErrNotFound = errors.New("clusterconfig: config key not found")

// Load reads and decodes /clusters/{clusterID}/config, attaching the key's
// mod-revision as the snapshot's version.
func Load(ctx context.Context, st kv.Store, clusterID string) (*Snapshot, error) {
	value, version, found, err := st.Get(ctx, kv.ConfigKey(clusterID))
	if err != nil {
		return nil, fmt.Errorf("clusterconfig: load %s: %w", clusterID, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return Decode(clusterID, value, version)
}

// Decode turns raw config-key bytes (e.g. from a watch event) into a
// Snapshot at the given version.
func Decode(clusterID string, value []byte, version int64) (*Snapshot, error) {
	var cfg types.ClusterConfig
	if err := json.Unmarshal(value, &cfg); err != nil {
		return nil, fmt.Errorf("clusterconfig: decode %s: %w", clusterID, err)
	}
	cfg.ClusterID = clusterID
	cfg.Version = version
	return NewSnapshot(cfg), nil
}

// CAS writes snap's config back, conditioned on the key still being at
// snap's version. Returns kv.ErrCASConflict on a lost race -- callers drop
// it and let the next event re-drive convergence.
func CAS(ctx context.Context, st kv.Store, snap *Snapshot) error {
	cfg := snap.Config()
	value, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("clusterconfig: encode %s: %w", snap.ClusterID(), err)
	}
	return st.CAS(ctx, kv.ConfigKey(snap.ClusterID()), snap.Version(), value)
}
