package kv

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EventType distinguishes a watched key being written versus removed.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// WatchEvent is the agent's own, etcd-type-free representation of a single
// watched key change. Consumers (the state monitor, C6) depend on this
// instead of clientv3.WatchResponse/mvccpb.Event directly, which keeps
// etcd's wire types out of business logic and lets tests drive a watcher
// with a plain slice of WatchEvent instead of constructing etcd internals.
type WatchEvent struct {
	Type        EventType
	Key         string
	Value       []byte
	ModRevision int64
}

func fromClientEvents(resp clientv3.WatchResponse) []WatchEvent {
	out := make([]WatchEvent, 0, len(resp.Events))
	for _, ev := range resp.Events {
		wev := WatchEvent{Key: string(ev.Kv.Key), ModRevision: ev.Kv.ModRevision}
		if ev.Type == clientv3.EventTypeDelete {
			wev.Type = EventDelete
		} else {
			wev.Type = EventPut
			wev.Value = ev.Kv.Value
		}
		out = append(out, wev)
	}
	return out
}

// Watch opens a prefix watch and translates clientv3's wire events into
// WatchEvent on the returned channel. The channel closes when cancel is
// invoked, ctx is done, or the underlying etcd watch itself ends (e.g. on
// a connection error) -- callers should treat channel closure as a
// transport error and reconnect with fresh credentials.
func (c *Client) Watch(ctx context.Context, prefix string) (<-chan WatchEvent, context.CancelFunc) {
	raw, cancel := c.WatchPrefix(ctx, prefix)
	out := make(chan WatchEvent, 16)
	go func() {
		defer close(out)
		for resp := range raw {
			if resp.Err() != nil {
				return
			}
			for _, ev := range fromClientEvents(resp) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel
}
