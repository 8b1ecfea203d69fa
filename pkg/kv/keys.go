package kv

import "fmt"

// Etcd key layout shared by every agent of a cluster.

func ClusterPrefix(clusterID string) string {
	return fmt.Sprintf("/clusters/%s/", clusterID)
}

func ConfigKey(clusterID string) string {
	return fmt.Sprintf("/clusters/%s/config", clusterID)
}

func ElectionLockKey(clusterID string) string {
	return fmt.Sprintf("/clusters/%s/election/lock", clusterID)
}

func NodeStatusKey(clusterID, nodeID string) string {
	return fmt.Sprintf("/clusters/%s/nodes/%s/status", clusterID, nodeID)
}

// NodeStatusPrefix is used by the state monitor to recognize a status-key
// event regardless of node id.
func NodeStatusPrefix(clusterID string) string {
	return fmt.Sprintf("/clusters/%s/nodes/", clusterID)
}
