package types

import "time"

// NodeRole is the logical role of a database node within a cluster.
type NodeRole string

const (
	NodeRoleMaster   NodeRole = "MASTER"
	NodeRoleReplica  NodeRole = "REPLICA"
	NodeRoleReadOnly NodeRole = "READ_ONLY"
	NodeRoleStandby  NodeRole = "STANDBY"
)

// NodeStatus is orthogonal to NodeRole: a node can be OFFLINE without its
// role changing until an election or an explicit reconfiguration happens.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "ONLINE"
	NodeStatusOffline NodeStatus = "OFFLINE"
)

// NodeDescriptor is one node's entry inside a ClusterConfig.
type NodeDescriptor struct {
	IP        string     `json:"ip"`
	AgentPort int        `json:"agent_port"`
	DBPort    int        `json:"db_port"`
	Weight    int        `json:"weight"`
	Role      NodeRole   `json:"role"`
	Status    NodeStatus `json:"status"`
}

// ProxyDescriptor identifies the ProxySQL instance fronting a cluster.
type ProxyDescriptor struct {
	IP        string `json:"ip"`
	AgentPort int    `json:"agent_port"`
	AdminPort int    `json:"admin_port"`
}

// ClusterConfig is the serialized value stored under
// /clusters/{cluster_id}/config. Version is the KV store's modification
// counter for that key, not a field encoded in the bytes themselves.
type ClusterConfig struct {
	ClusterID           string                    `json:"cluster_id"`
	Nodes               map[string]NodeDescriptor `json:"nodes"`
	Proxy               ProxyDescriptor           `json:"proxy"`
	ReplicationUser     string                    `json:"replication_user"`
	ReplicationPassword string                    `json:"replication_password"`
	SharedToken         string                    `json:"shared_token"`

	// Version is not marshaled; it is populated from the KV response's
	// mod-revision whenever a ClusterConfig is read back out of etcd.
	Version int64 `json:"-"`
}

// DBKind distinguishes the two database engines NodeHealth can describe.
type DBKind string

const (
	DBKindMySQL   DBKind = "mysql"
	DBKindMariaDB DBKind = "mariadb"
)

// NodeHealth is the value stored under
// /clusters/{cluster_id}/nodes/{node_id}/status. It is overwritten on
// every successful probe; the put itself is the liveness heartbeat.
type NodeHealth struct {
	DBKind       DBKind `json:"db_kind"`
	ReportedAtMs int64  `json:"reported_at_ms"`
	GTID         string `json:"gtid"`
}

// JobStatus is a JobRecord's lifecycle state.
type JobStatus string

const (
	JobStatusDraft     JobStatus = "DRAFT"
	JobStatusScheduled JobStatus = "SCHEDULED"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSuccess   JobStatus = "SUCCESS"
	JobStatusFailure   JobStatus = "FAILURE"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// JobRecord is a durably-queued deferred RPC invocation.
type JobRecord struct {
	ID           string    `json:"id"`
	Ref          string    `json:"ref"`
	Status       JobStatus `json:"status"`
	Service      string    `json:"service"`
	Method       string    `json:"method"`
	RequestBlob  []byte    `json:"request_blob"`
	RequestType  string    `json:"request_type"`
	ResponseBlob []byte    `json:"response_blob,omitempty"`
	ResponseType string    `json:"response_type,omitempty"`
	ScheduledAt  time.Time `json:"scheduled_at,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	Error        string    `json:"error,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
}

// Terminal reports whether the job has reached a state it will never leave.
func (j JobRecord) Terminal() bool {
	switch j.Status {
	case JobStatusSuccess, JobStatusFailure, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// LocalServiceRecord is the durable host-local record for a provisioned
// MySQL/MariaDB or ProxySQL instance. Its id is the same id used as the
// node identifier inside ClusterConfig.Nodes.
type LocalServiceRecord struct {
	ID               string            `json:"id"`
	ServiceKind      string            `json:"service_kind"` // "mysql" | "mariadb" | "proxysql"
	Image            string            `json:"image"`
	Tag              string            `json:"tag"`
	Mounts           []string          `json:"mounts"`
	PodmanArgs       []string          `json:"podman_args"`
	Metadata         map[string]string `json:"metadata"`
	ClusterID        string            `json:"cluster_id"`
	EtcdCredentialID string            `json:"etcd_credential_id"`
}
