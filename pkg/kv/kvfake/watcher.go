package kvfake

import (
	"context"
	"sync"

	"github.com/tanmoysrt/rdsagent/pkg/kv"
)

// Watcher is a test double for kv.Watcher: Watch returns a channel the
// test feeds by calling Emit, and Close (via the returned CancelFunc)
// closes it. One Watcher only supports a single active Watch call at a
// time, which is all the state monitor ever needs per cluster.
type Watcher struct {
	mu   sync.Mutex
	ch   chan kv.WatchEvent
	done bool
}

func NewWatcher() *Watcher {
	return &Watcher{}
}

func (w *Watcher) Watch(ctx context.Context, _ string) (<-chan kv.WatchEvent, context.CancelFunc) {
	w.mu.Lock()
	w.ch = make(chan kv.WatchEvent, 16)
	w.done = false
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.done {
			w.done = true
			close(w.ch)
		}
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return w.ch, cancel
}

// CloseActive closes the currently open watch channel without a new Watch
// call, simulating a transport error mid-stream. No-op if nothing is open.
func (w *Watcher) CloseActive() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil || w.done {
		return
	}
	w.done = true
	close(w.ch)
}

// Emit pushes an event into the currently open watch channel. No-op if
// Watch hasn't been called yet or the channel has since been closed.
func (w *Watcher) Emit(ev kv.WatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil || w.done {
		return
	}
	w.ch <- ev
}
