// Package clusterconfig is the in-memory cache of decoded ClusterConfig
// snapshots. Every snapshot is immutable; derived snapshots (for a
// CAS retry) are produced by copy-on-write helpers, never by mutating a
// cached value in place.
package clusterconfig

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// Snapshot is an immutable, versioned view of a cluster's topology.
type Snapshot struct {
	cfg types.ClusterConfig
}

// NewSnapshot wraps a decoded ClusterConfig (with its KV-supplied Version
// already populated) into an immutable Snapshot.
func NewSnapshot(cfg types.ClusterConfig) *Snapshot {
	return &Snapshot{cfg: cloneConfig(cfg)}
}

// ClusterID returns the snapshot's cluster id.
func (s *Snapshot) ClusterID() string { return s.cfg.ClusterID }

// Version returns the KV modification counter this snapshot was read at.
func (s *Snapshot) Version() int64 { return s.cfg.Version }

// Config returns a defensive copy of the underlying ClusterConfig value,
// safe for the caller to encode or inspect without risk of mutating the
// cached snapshot.
func (s *Snapshot) Config() types.ClusterConfig { return cloneConfig(s.cfg) }

// Node returns the descriptor for id, if present.
func (s *Snapshot) Node(id string) (types.NodeDescriptor, bool) {
	n, ok := s.cfg.Nodes[id]
	return n, ok
}

// Proxy returns the cluster's proxy descriptor.
func (s *Snapshot) Proxy() types.ProxyDescriptor { return s.cfg.Proxy }

// idsWhere returns node ids matching pred, sorted for deterministic output.
func (s *Snapshot) idsWhere(pred func(types.NodeDescriptor) bool) []string {
	ids := make([]string, 0, len(s.cfg.Nodes))
	for id, n := range s.cfg.Nodes {
		if pred(n) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func roleStatus(role types.NodeRole, status types.NodeStatus) func(types.NodeDescriptor) bool {
	return func(n types.NodeDescriptor) bool { return n.Role == role && n.Status == status }
}

func (s *Snapshot) OnlineMasterIDs() []string {
	return s.idsWhere(roleStatus(types.NodeRoleMaster, types.NodeStatusOnline))
}

func (s *Snapshot) OfflineMasterIDs() []string {
	return s.idsWhere(roleStatus(types.NodeRoleMaster, types.NodeStatusOffline))
}

func (s *Snapshot) OnlineReplicaIDs() []string {
	return s.idsWhere(roleStatus(types.NodeRoleReplica, types.NodeStatusOnline))
}

func (s *Snapshot) OfflineReplicaIDs() []string {
	return s.idsWhere(roleStatus(types.NodeRoleReplica, types.NodeStatusOffline))
}

func (s *Snapshot) OnlineReadOnlyIDs() []string {
	return s.idsWhere(roleStatus(types.NodeRoleReadOnly, types.NodeStatusOnline))
}

func (s *Snapshot) OfflineReadOnlyIDs() []string {
	return s.idsWhere(roleStatus(types.NodeRoleReadOnly, types.NodeStatusOffline))
}

func (s *Snapshot) OnlineStandbyIDs() []string {
	return s.idsWhere(roleStatus(types.NodeRoleStandby, types.NodeStatusOnline))
}

func (s *Snapshot) OfflineStandbyIDs() []string {
	return s.idsWhere(roleStatus(types.NodeRoleStandby, types.NodeStatusOffline))
}

// WithStatus returns a new Snapshot equal to s except node id's Status is
// set to status. The returned value carries the same Version as s; callers
// CAS against s.Version() when writing it back.
func (s *Snapshot) WithStatus(id string, status types.NodeStatus) (*Snapshot, error) {
	n, ok := s.cfg.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("clusterconfig: node %q not present", id)
	}
	n.Status = status
	next := cloneConfig(s.cfg)
	next.Nodes[id] = n
	return &Snapshot{cfg: next}, nil
}

// WithRole returns a new Snapshot equal to s except node id's Role is set
// to role.
func (s *Snapshot) WithRole(id string, role types.NodeRole) (*Snapshot, error) {
	n, ok := s.cfg.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("clusterconfig: node %q not present", id)
	}
	n.Role = role
	next := cloneConfig(s.cfg)
	next.Nodes[id] = n
	return &Snapshot{cfg: next}, nil
}

// WithRoleSwap returns a new Snapshot with newMasterID promoted to MASTER
// and newReplicaID demoted to REPLICA.
//
// Each id's presence is checked independently; asking for a swap
// involving an unknown node is an error, never a partial write.
func (s *Snapshot) WithRoleSwap(newMasterID, newReplicaID string) (*Snapshot, error) {
	if _, ok := s.cfg.Nodes[newMasterID]; !ok {
		return nil, fmt.Errorf("clusterconfig: new master %q not present", newMasterID)
	}
	if _, ok := s.cfg.Nodes[newReplicaID]; !ok {
		return nil, fmt.Errorf("clusterconfig: new replica %q not present", newReplicaID)
	}
	next := cloneConfig(s.cfg)
	master := next.Nodes[newMasterID]
	master.Role = types.NodeRoleMaster
	next.Nodes[newMasterID] = master

	replica := next.Nodes[newReplicaID]
	replica.Role = types.NodeRoleReplica
	next.Nodes[newReplicaID] = replica

	return &Snapshot{cfg: next}, nil
}

func cloneConfig(cfg types.ClusterConfig) types.ClusterConfig {
	out := cfg
	out.Nodes = make(map[string]types.NodeDescriptor, len(cfg.Nodes))
	for id, n := range cfg.Nodes {
		out.Nodes[id] = n
	}
	return out
}

// Cache holds the latest known Snapshot per cluster id. It never holds
// stale data itself -- every value came from a KV read or watch event --
// but callers may race a write underneath a cached read; that's resolved
// by the KV store's CAS, not by this cache.
type Cache struct {
	mu   sync.RWMutex
	byID map[string]*Snapshot
}

func NewCache() *Cache {
	return &Cache{byID: make(map[string]*Snapshot)}
}

// Put installs snap as the cached value for its cluster, replacing
// whatever was there (even if the version regressed: a watch can race
// with a direct read, and callers should trust KV ordering, not this
// cache, for conflict detection).
func (c *Cache) Put(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[snap.ClusterID()] = snap
}

// Get returns the cached snapshot for id, if any.
func (c *Cache) Get(id string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s, ok
}

// Delete drops a cluster from the cache (used when a local record for it
// is removed).
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
}

// IDs returns the cluster ids currently cached.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
