// Package kvfake is an in-memory stand-in for kv.Store, used by unit tests
// across pkg/statemonitor, pkg/health, pkg/deadnode and pkg/election so
// they don't need a live etcd server. It implements kv.Store's Get/Put/CAS
// semantics faithfully (version is a monotonically increasing counter per
// key, CAS fails with kv.ErrCASConflict on mismatch). Watching is a
// separate type, Watcher, which implements kv.Watcher: tests push events
// into it with Emit and simulate a dropped stream with CloseActive.
package kvfake

import (
	"context"
	"sync"

	"github.com/tanmoysrt/rdsagent/pkg/kv"
)

type entry struct {
	value   []byte
	version int64
}

// Store is a goroutine-safe in-memory implementation of kv.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
	// FailStatus, when true, makes Status return an error, simulating an
	// unreachable cluster for WorkingCredentials-style probing tests.
	FailStatus bool
}

func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, 0, false, nil
	}
	return append([]byte(nil), e.value...), e.version, true, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.data[key]
	e.value = append([]byte(nil), value...)
	e.version++
	s.data[key] = e
	return nil
}

func (s *Store) CAS(_ context.Context, key string, expectedVersion int64, newValue []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	cur := int64(0)
	if ok {
		cur = e.version
	}
	if cur != expectedVersion {
		return kv.ErrCASConflict
	}
	e.value = append([]byte(nil), newValue...)
	e.version = cur + 1
	s.data[key] = e
	return nil
}

func (s *Store) Status(_ context.Context) (uint64, string, error) {
	if s.FailStatus {
		return 0, "", context.DeadlineExceeded
	}
	return 1, "fake", nil
}

// Version returns a key's current version (0 if absent), for test assertions.
func (s *Store) Version(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key].version
}
