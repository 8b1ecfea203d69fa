package kv

import (
	"context"
)

// Store is the narrow subset of Client's API most components depend on,
// so unit tests can substitute an in-memory fake instead of a real etcd
// connection. The distributed lock (NewLock/Acquire/Release) is not part
// of this interface -- only the master elector needs it, and it takes a
// concrete *Client because concurrency.Session binds directly to one.
//
// Watch is deliberately separate (see Watcher below): most Store consumers
// never watch, and keeping Watch off this interface lets a fake satisfy
// Store with four trivial methods instead of also faking etcd's wire
// watch semantics.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, version int64, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	CAS(ctx context.Context, key string, expectedVersion int64, newValue []byte) error
	Status(ctx context.Context) (leader uint64, version string, err error)
}

// Watcher is implemented by anything that can open a prefix watch. The
// state monitor takes a Watcher alongside a Store: the Store serves the
// initial config read on each (re)connect, the Watcher the event stream
// that follows.
type Watcher interface {
	Watch(ctx context.Context, prefix string) (<-chan WatchEvent, context.CancelFunc)
}

var _ Store = (*Client)(nil)
var _ Watcher = (*Client)(nil)
