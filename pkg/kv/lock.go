package kv

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/client/v3/concurrency"
)

// Lock is a lease-backed distributed mutex under a cluster's etcd
// namespace -- the only distributed lock in the system, used exclusively
// by the master elector to serialize election campaigns. Everything else
// coordinates through CAS on versioned keys.
type Lock struct {
	client  *Client
	key     string
	ttl     time.Duration
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// NewLock prepares (but does not acquire) a lock at key with the given
// lease TTL, bound to this client's connection.
func (c *Client) NewLock(key string, ttl time.Duration) *Lock {
	return &Lock{client: c, key: key, ttl: ttl}
}

// Acquire blocks until the lock is held or timeout elapses. On success the
// caller must call Release exactly once.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := concurrency.NewSession(l.client.underlying(),
		concurrency.WithTTL(int(l.ttl.Seconds())),
		concurrency.WithContext(context.Background()), // session outlives the acquire timeout
	)
	if err != nil {
		return fmt.Errorf("kv: new election session: %w", err)
	}

	mutex := concurrency.NewMutex(session, l.key)
	if err := mutex.Lock(actx); err != nil {
		session.Close()
		return fmt.Errorf("kv: acquire lock %s: %w", l.key, err)
	}

	l.session = session
	l.mutex = mutex
	return nil
}

// Release unlocks and closes the backing session's lease. Safe to call
// even if Acquire failed (no-op in that case).
func (l *Lock) Release(ctx context.Context) error {
	if l.mutex == nil || l.session == nil {
		return nil
	}
	err := l.mutex.Unlock(ctx)
	l.session.Close()
	l.mutex = nil
	l.session = nil
	return err
}
