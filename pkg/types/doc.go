/*
Package types defines the data model shared by every component of the
agent: cluster topology (ClusterConfig, NodeDescriptor, ProxyDescriptor),
the liveness heartbeat (NodeHealth), the two durable local record kinds
(LocalServiceRecord, JobRecord), and their small enumerations (NodeRole,
NodeStatus, DBKind, JobStatus).

ClusterConfig and NodeHealth are the values stored in etcd; the KV
store's own modification counter is their authoritative version, which
is why ClusterConfig.Version is excluded from JSON encoding and
populated separately by pkg/clusterconfig on every read.

LocalServiceRecord and JobRecord are durable on the local host only,
persisted through pkg/storage. A LocalServiceRecord's ID is always the
same id used as the node identifier inside a ClusterConfig's Nodes map.
*/
package types
