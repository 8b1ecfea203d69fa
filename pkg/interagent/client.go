package interagent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"github.com/tanmoysrt/rdsagent/pkg/domain"
	"github.com/tanmoysrt/rdsagent/pkg/registry"
	"github.com/tanmoysrt/rdsagent/pkg/rpcserver"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// Client dials peer agents with the cluster's shared token. Channels are
// created per call and torn down immediately; peer connections are
// short-lived by design, never pooled.
type Client struct {
	tlsConfig *tls.Config
	timeout   time.Duration
}

// NewClient builds a Client. timeout bounds each individual call
// (default 5s, matching the SQL reachability bound).
func NewClient(tlsConfig *tls.Config, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{tlsConfig: tlsConfig, timeout: timeout}
}

// invoke performs one Envelope round trip against addr, authenticated as
// a member of cfg's cluster.
func (c *Client) invoke(ctx context.Context, addr string, cfg types.ClusterConfig, method string, request, response interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("interagent: marshal %s request: %w", method, err)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(c.tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcserver.CodecName)),
	)
	if err != nil {
		return fmt.Errorf("interagent: dial %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	token := fmt.Sprintf("cluster:%s:%s", cfg.SharedToken, cfg.ClusterID)
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", token)

	env := &registry.Envelope{Service: serviceName, Method: method, Payload: payload}
	var out registry.Envelope
	if err := conn.Invoke(ctx, "/"+rpcserver.ServiceName+"/Invoke", env, &out); err != nil {
		return fmt.Errorf("interagent: %s on %s: %w", method, addr, err)
	}
	if response != nil {
		if err := json.Unmarshal(out.Payload, response); err != nil {
			return fmt.Errorf("interagent: decode %s response: %w", method, err)
		}
	}
	return nil
}

// CheckViaProxy asks the agent on the cluster's proxy host whether it can
// reach nodeID's database.
func (c *Client) CheckViaProxy(ctx context.Context, cfg types.ClusterConfig, nodeID string) (bool, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Proxy.IP, cfg.Proxy.AgentPort)
	return c.check(ctx, addr, cfg, nodeID)
}

// CheckViaPeer asks the agent hosting peerID whether it can reach
// nodeID's database.
func (c *Client) CheckViaPeer(ctx context.Context, cfg types.ClusterConfig, peerID, nodeID string) (bool, error) {
	peer, ok := cfg.Nodes[peerID]
	if !ok {
		return false, fmt.Errorf("interagent: peer %q not in cluster %s", peerID, cfg.ClusterID)
	}
	addr := fmt.Sprintf("%s:%d", peer.IP, peer.AgentPort)
	return c.check(ctx, addr, cfg, nodeID)
}

func (c *Client) check(ctx context.Context, addr string, cfg types.ClusterConfig, nodeID string) (bool, error) {
	var resp checkReachabilityResponse
	if err := c.invoke(ctx, addr, cfg, "CheckDatabaseReachability", checkReachabilityRequest{NodeID: nodeID}, &resp); err != nil {
		return false, err
	}
	return resp.Reachable, nil
}

// RequestRsyncAccess asks the agent hosting sourceID to launch an rsync
// sidecar for its data directory.
func (c *Client) RequestRsyncAccess(ctx context.Context, cfg types.ClusterConfig, sourceID string) (domain.RsyncAccess, error) {
	source, ok := cfg.Nodes[sourceID]
	if !ok {
		return domain.RsyncAccess{}, fmt.Errorf("interagent: source %q not in cluster %s", sourceID, cfg.ClusterID)
	}
	addr := fmt.Sprintf("%s:%d", source.IP, source.AgentPort)
	var resp requestRsyncAccessResponse
	if err := c.invoke(ctx, addr, cfg, "RequestRsyncAccess", requestRsyncAccessRequest{NodeID: sourceID}, &resp); err != nil {
		return domain.RsyncAccess{}, err
	}
	return domain.RsyncAccess{
		InstanceID: resp.InstanceID,
		Port:       resp.Port,
		Username:   resp.Username,
		Password:   resp.Password,
		SrcPath:    resp.SrcPath,
	}, nil
}

// RevokeRsyncAccess tears down a previously requested sidecar.
func (c *Client) RevokeRsyncAccess(ctx context.Context, cfg types.ClusterConfig, sourceID, instanceID string) error {
	source, ok := cfg.Nodes[sourceID]
	if !ok {
		return fmt.Errorf("interagent: source %q not in cluster %s", sourceID, cfg.ClusterID)
	}
	addr := fmt.Sprintf("%s:%d", source.IP, source.AgentPort)
	return c.invoke(ctx, addr, cfg, "RevokeRsyncAccess", revokeRsyncAccessRequest{InstanceID: instanceID}, nil)
}

// SyncReplicationUser asks the agent hosting nodeID to (re)create the
// cluster's replication user on its database.
func (c *Client) SyncReplicationUser(ctx context.Context, cfg types.ClusterConfig, nodeID string) error {
	node, ok := cfg.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("interagent: node %q not in cluster %s", nodeID, cfg.ClusterID)
	}
	addr := fmt.Sprintf("%s:%d", node.IP, node.AgentPort)
	return c.invoke(ctx, addr, cfg, "SyncReplicationUser", syncReplicationUserRequest{NodeID: nodeID}, nil)
}
