// Package kv is the agent's typed facade over etcd: get, put, CAS
// transactions, prefix watches, a distributed lock, and the
// credential-failover helper used when several co-tenant services on a
// host hold distinct credentials for the same cluster.
package kv

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tanmoysrt/rdsagent/pkg/metrics"
)

// Credentials identifies one etcd login: a set of endpoints to round-robin
// across plus the username/password pair authorized for them.
type Credentials struct {
	Endpoints []string
	Username  string
	Password  string
}

// Client is a single authenticated connection to an etcd cluster, with
// round-robin endpoint rotation on I/O error. It is never shared across
// etcd clusters -- each cluster's watcher/elector/health-reporter path
// opens its own, since credentials can differ and can change out from
// under a long-lived connection.
type Client struct {
	mu    sync.Mutex
	creds Credentials
	idx   int
	bad   map[int]bool
	cli   *clientv3.Client
}

// Dial opens a Client against the first endpoint in creds; other
// endpoints are only tried by failover after an operation fails. It
// does not itself probe Status; callers that need "prove this connection
// actually works" should follow up with Status.
func Dial(creds Credentials) (*Client, error) {
	if len(creds.Endpoints) == 0 {
		return nil, fmt.Errorf("kv: no endpoints configured")
	}
	c := &Client{creds: creds, bad: make(map[int]bool)}
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the underlying etcd connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

func (c *Client) connectLocked() error {
	ep := c.creds.Endpoints[c.idx%len(c.creds.Endpoints)]
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{ep},
		Username:    c.creds.Username,
		Password:    c.creds.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("kv: dial %s: %w", ep, err)
	}
	if c.cli != nil {
		c.cli.Close()
	}
	c.cli = cli
	return nil
}

// rotateLocked marks the current endpoint bad and reconnects to the next
// untried one, wrapping back to a clean slate if every endpoint has been
// marked bad since the last success.
func (c *Client) rotateLocked() error {
	c.bad[c.idx] = true
	metrics.KVEndpointFailoversTotal.Inc()

	for i := 1; i <= len(c.creds.Endpoints); i++ {
		cand := (c.idx + i) % len(c.creds.Endpoints)
		if !c.bad[cand] {
			c.idx = cand
			return c.connectLocked()
		}
	}
	// Every endpoint has failed at least once; give them all another try.
	c.bad = make(map[int]bool)
	c.idx = (c.idx + 1) % len(c.creds.Endpoints)
	return c.connectLocked()
}

func (c *Client) underlying() *clientv3.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cli
}

// withFailover runs op against the current connection; on a transport
// error it rotates to the next endpoint and returns the original error.
// The caller's own loop drives the retry; this just ensures the *next*
// call lands on a different endpoint.
func (c *Client) withFailover(op func(*clientv3.Client) error) error {
	cli := c.underlying()
	err := op(cli)
	if err != nil && isTransportError(err) {
		c.mu.Lock()
		_ = c.rotateLocked()
		c.mu.Unlock()
	}
	return err
}

func isTransportError(err error) bool {
	// Anything other than a well-formed etcd response is treated as
	// transient transport trouble worth rotating away from. Application
	// errors (e.g. permission denied) still count: the heuristic does
	// not have to be precise, it has to make forward progress.
	return err != nil
}

// Get fetches key, returning its value and mod-revision. found is false
// if the key does not exist.
func (c *Client) Get(ctx context.Context, key string) (value []byte, version int64, found bool, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVOperationDuration, "get")

	err = c.withFailover(func(cli *clientv3.Client) error {
		resp, gerr := cli.Get(ctx, key)
		if gerr != nil {
			return gerr
		}
		if len(resp.Kvs) == 0 {
			found = false
			return nil
		}
		found = true
		value = resp.Kvs[0].Value
		version = resp.Kvs[0].ModRevision
		return nil
	})
	return value, version, found, err
}

// Put writes key unconditionally.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVOperationDuration, "put")

	return c.withFailover(func(cli *clientv3.Client) error {
		_, err := cli.Put(ctx, key, string(value))
		return err
	})
}

// CAS writes newValue to key only if key's current mod-revision equals
// expectedVersion (expectedVersion == 0 means "key must not exist").
// Returns ErrCASConflict, never an ambiguous bool, when the compare fails.
func (c *Client) CAS(ctx context.Context, key string, expectedVersion int64, newValue []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVOperationDuration, "cas")

	var committed bool
	err := c.withFailover(func(cli *clientv3.Client) error {
		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", expectedVersion)
		txn := cli.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(newValue)))
		resp, terr := txn.Commit()
		if terr != nil {
			return terr
		}
		committed = resp.Succeeded
		return nil
	})
	if err != nil {
		return err
	}
	if !committed {
		return ErrCASConflict
	}
	return nil
}

// WatchPrefix opens a watch over every key under prefix. The returned
// channel is closed, and the background watch cancelled, when cancel is
// invoked or ctx is done.
func (c *Client) WatchPrefix(ctx context.Context, prefix string) (<-chan clientv3.WatchResponse, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	ch := c.underlying().Watch(wctx, prefix, clientv3.WithPrefix())
	return ch, cancel
}

// Status reports the etcd member's leader id and its reported version
// string, used both for health checks and as the credential-failover
// probe in WorkingCredentials.
func (c *Client) Status(ctx context.Context) (leader uint64, version string, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVOperationDuration, "status")

	err = c.withFailover(func(cli *clientv3.Client) error {
		ep := cli.Endpoints()[0]
		resp, serr := cli.Status(ctx, ep)
		if serr != nil {
			return serr
		}
		leader = resp.Leader
		version = resp.Version
		return nil
	})
	return leader, version, err
}
