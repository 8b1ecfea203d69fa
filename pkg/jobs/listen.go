package jobs

import (
	"context"
	"sort"

	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// Listen implements the replay-then-forward contract behind Job/Listen
// (rpcserver.ListenSource): on connect, every record whose acknowledged
// flag is still unset is replayed in stable order, then live pubsub
// updates follow until ctx is cancelled.
//
// The pubsub subscription is opened before the replay snapshot is listed,
// so a record mutated between the two shows up twice (once replayed, once
// live) rather than not at all -- consumers key on job id and status, and
// duplicates are harmless; gaps are not.
func (e *Engine) Listen(ctx context.Context, _ map[string]string) (<-chan []byte, error) {
	sub := e.updates.Subscribe()

	all, err := e.store.ListJobs()
	if err != nil {
		e.updates.Unsubscribe(sub)
		return nil, err
	}
	backlog := make([]types.JobRecord, 0, len(all))
	for _, job := range all {
		if !job.Acknowledged {
			backlog = append(backlog, *job)
		}
	}
	sort.Slice(backlog, func(i, j int) bool { return backlog[i].ID < backlog[j].ID })

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer e.updates.Unsubscribe(sub)

		for _, job := range backlog {
			select {
			case out <- marshalRecord(job):
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case job, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- marshalRecord(job):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
