package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoysrt/rdsagent/pkg/pubsub"
	"github.com/tanmoysrt/rdsagent/pkg/registry"
	"github.com/tanmoysrt/rdsagent/pkg/storage"
	"github.com/tanmoysrt/rdsagent/pkg/types"
	"github.com/tanmoysrt/rdsagent/pkg/workerpool"
)

func newTestEngine(t *testing.T, table *registry.Table) (*Engine, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	pool := workerpool.New(2)
	t.Cleanup(pool.Close)
	eng := New(
		Config{TickInterval: 5 * time.Millisecond},
		store, table, pool, pubsub.New[types.JobRecord](), zerolog.Nop(),
	)
	return eng, store
}

func waitForStatus(t *testing.T, eng *Engine, id string, want types.JobStatus) *types.JobRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := eng.Get(id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := eng.Get(id)
	t.Fatalf("job %s never reached %s (still %s)", id, want, job.Status)
	return nil
}

func TestJobLifecycleSuccess(t *testing.T) {
	table := registry.New()
	table.Register("MySQL", "Restart", registry.Entry{
		Async: true,
		Handler: func(_ context.Context, meta map[string]string, payload []byte) ([]byte, error) {
			assert.NotEmpty(t, meta["job_id"])
			return []byte(`{"restarted":true}`), nil
		},
	})
	eng, _ := newTestEngine(t, table)
	eng.Start()
	defer eng.Stop()

	id, err := eng.Enqueue(context.Background(), "MySQL", "Restart", map[string]string{"ref": "op-7"}, []byte(`{"id":"db-1"}`))
	require.NoError(t, err)

	job := waitForStatus(t, eng, id, types.JobStatusSuccess)
	assert.Equal(t, "op-7", job.Ref)
	assert.JSONEq(t, `{"restarted":true}`, string(job.ResponseBlob))
	assert.False(t, job.StartedAt.IsZero())
	assert.False(t, job.EndedAt.IsZero())
	assert.Empty(t, job.Error)
}

func TestJobHandlerErrorBecomesFailure(t *testing.T) {
	table := registry.New()
	table.Register("MySQL", "Stop", registry.Entry{
		Async: true,
		Handler: func(context.Context, map[string]string, []byte) ([]byte, error) {
			return nil, errors.New("instance not running")
		},
	})
	eng, _ := newTestEngine(t, table)
	eng.Start()
	defer eng.Stop()

	id, err := eng.Enqueue(context.Background(), "MySQL", "Stop", nil, nil)
	require.NoError(t, err)

	job := waitForStatus(t, eng, id, types.JobStatusFailure)
	assert.Contains(t, job.Error, "instance not running")
}

func TestJobHandlerPanicBecomesFailureWithStack(t *testing.T) {
	table := registry.New()
	table.Register("MySQL", "Upgrade", registry.Entry{
		Async: true,
		Handler: func(context.Context, map[string]string, []byte) ([]byte, error) {
			panic("boom")
		},
	})
	eng, _ := newTestEngine(t, table)
	eng.Start()
	defer eng.Stop()

	id, err := eng.Enqueue(context.Background(), "MySQL", "Upgrade", nil, nil)
	require.NoError(t, err)

	job := waitForStatus(t, eng, id, types.JobStatusFailure)
	assert.Contains(t, job.Error, "panic: boom")
	assert.Contains(t, job.Error, "goroutine")
}

func TestJobWithoutHandlerFailsInsteadOfCrashing(t *testing.T) {
	eng, _ := newTestEngine(t, registry.New())
	eng.Start()
	defer eng.Stop()

	id, err := eng.Enqueue(context.Background(), "Ghost", "Method", nil, nil)
	require.NoError(t, err)

	job := waitForStatus(t, eng, id, types.JobStatusFailure)
	assert.Contains(t, job.Error, "no registered handler")
}

func TestFutureJobStaysScheduled(t *testing.T) {
	table := registry.New()
	table.Register("MySQL", "Restart", registry.Entry{
		Async:   true,
		Handler: func(context.Context, map[string]string, []byte) ([]byte, error) { return nil, nil },
	})
	eng, _ := newTestEngine(t, table)
	eng.Start()
	defer eng.Stop()

	at := time.Now().Add(time.Hour).Format(time.RFC3339)
	id, err := eng.Enqueue(context.Background(), "MySQL", "Restart", map[string]string{"scheduled_at": at}, nil)
	require.NoError(t, err)

	waitForStatus(t, eng, id, types.JobStatusScheduled)
	time.Sleep(50 * time.Millisecond)
	job, err := eng.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusScheduled, job.Status)
}

func TestCancelDraftJob(t *testing.T) {
	// No scheduler started: the job stays DRAFT and Cancel must still work.
	eng, _ := newTestEngine(t, registry.New())

	id, err := eng.Enqueue(context.Background(), "MySQL", "Restart", nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(id))
	job, err := eng.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)

	assert.Error(t, eng.Cancel(id), "terminal jobs cannot be cancelled again")
}

func TestCancelRunningJobWinsOverHandlerResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	table := registry.New()
	table.Register("MySQL", "Restart", registry.Entry{
		Async: true,
		Handler: func(ctx context.Context, _ map[string]string, _ []byte) ([]byte, error) {
			close(started)
			<-release
			return []byte(`{"done":true}`), nil
		},
	})
	eng, _ := newTestEngine(t, table)
	eng.Start()
	defer eng.Stop()

	id, err := eng.Enqueue(context.Background(), "MySQL", "Restart", nil, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, eng.Cancel(id))
	close(release)

	time.Sleep(50 * time.Millisecond)
	job, err := eng.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status, "handler completion must not overwrite CANCELLED")
}

func TestAcknowledgeIsMonotonic(t *testing.T) {
	eng, store := newTestEngine(t, registry.New())

	id, err := eng.Enqueue(context.Background(), "MySQL", "Restart", nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Acknowledge(id))
	job, err := store.GetJob(id)
	require.NoError(t, err)
	assert.True(t, job.Acknowledged)

	// Second ack is a no-op, never a flip back.
	require.NoError(t, eng.Acknowledge(id))
	job, err = store.GetJob(id)
	require.NoError(t, err)
	assert.True(t, job.Acknowledged)
}

func TestListenReplaysUnacknowledgedBeforeLiveUpdates(t *testing.T) {
	eng, _ := newTestEngine(t, registry.New())

	var old []string
	for i := 0; i < 3; i++ {
		id, err := eng.Enqueue(context.Background(), "MySQL", "Restart", nil, nil)
		require.NoError(t, err)
		old = append(old, id)
	}
	ackedID, err := eng.Enqueue(context.Background(), "MySQL", "Restart", nil, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Acknowledge(ackedID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := eng.Listen(ctx, nil)
	require.NoError(t, err)

	newID, err := eng.Enqueue(context.Background(), "MySQL", "Restart", nil, nil)
	require.NoError(t, err)

	seen := make(map[string]bool)
	var order []string
	timeout := time.After(2 * time.Second)
	for len(order) < 4 {
		select {
		case data := <-ch:
			var job types.JobRecord
			require.NoError(t, json.Unmarshal(data, &job))
			if !seen[job.ID] {
				seen[job.ID] = true
				order = append(order, job.ID)
			}
		case <-timeout:
			t.Fatalf("timed out; saw %v", order)
		}
	}

	for _, id := range old {
		assert.Contains(t, order[:3], id, "unacknowledged record must replay before live updates")
	}
	assert.Equal(t, newID, order[3])
	assert.NotContains(t, order, ackedID)
}
