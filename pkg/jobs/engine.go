// Package jobs is the async job engine: a bbolt-durable queue that
// turns async-tagged RPC requests into deferred executions of the same
// registry handlers the RPC server dispatches to, with every lifecycle
// transition published on the job_update_stream pubsub channel.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/metrics"
	"github.com/tanmoysrt/rdsagent/pkg/pubsub"
	"github.com/tanmoysrt/rdsagent/pkg/registry"
	"github.com/tanmoysrt/rdsagent/pkg/storage"
	"github.com/tanmoysrt/rdsagent/pkg/types"
	"github.com/tanmoysrt/rdsagent/pkg/workerpool"
)

// Config tunes the engine. Zero values pick the defaults.
type Config struct {
	// TickInterval is how often the scheduler pass scans for due work.
	TickInterval time.Duration
	// ExecutionTimeout bounds a single job handler invocation.
	ExecutionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 30 * time.Minute
	}
}

// Engine owns the job lifecycle: DRAFT -> QUEUED (or SCHEDULED) ->
// RUNNING -> SUCCESS/FAILURE, or CANCELLED out of any non-terminal state.
type Engine struct {
	cfg     Config
	store   storage.Store
	table   *registry.Table
	pool    *workerpool.Pool
	updates *pubsub.Broker[types.JobRecord]
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc

	stopCh chan struct{}
	done   chan struct{}
}

// New builds an Engine. Start must be called before any job makes progress;
// Enqueue works immediately (a DRAFT record just sits until the scheduler
// runs).
func New(cfg Config, store storage.Store, table *registry.Table, pool *workerpool.Pool, updates *pubsub.Broker[types.JobRecord], logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		store:   store,
		table:   table,
		pool:    pool,
		updates: updates,
		logger:  logger,
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Updates exposes the job_update_stream broker, for Listen and for tests.
func (e *Engine) Updates() *pubsub.Broker[types.JobRecord] { return e.updates }

// Enqueue persists a new DRAFT JobRecord for (service, method) and returns
// its id without executing anything. Implements rpcserver.JobEnqueuer.
func (e *Engine) Enqueue(_ context.Context, service, method string, meta map[string]string, payload []byte) (string, error) {
	job := &types.JobRecord{
		ID:          uuid.NewString(),
		Ref:         meta["ref"],
		Status:      types.JobStatusDraft,
		Service:     service,
		Method:      method,
		RequestBlob: payload,
		RequestType: service + "/" + method + "#request",
	}
	if raw := meta["scheduled_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return "", fmt.Errorf("jobs: bad scheduled_at %q: %w", raw, err)
		}
		job.ScheduledAt = at
	}
	if err := e.store.CreateJob(job); err != nil {
		return "", fmt.Errorf("jobs: persist draft: %w", err)
	}
	e.publish(job)
	return job.ID, nil
}

// Get returns the current JobRecord for id.
func (e *Engine) Get(id string) (*types.JobRecord, error) {
	return e.store.GetJob(id)
}

// Acknowledge flips the one-way acknowledged flag. Repeat calls are no-ops;
// the flag never goes back to false.
func (e *Engine) Acknowledge(id string) error {
	job, err := e.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Acknowledged {
		return nil
	}
	job.Acknowledged = true
	if err := e.store.UpdateJob(job); err != nil {
		return err
	}
	e.publish(job)
	return nil
}

// Cancel moves a non-terminal job to CANCELLED. A RUNNING job has its
// handler context cancelled as well; the handler's eventual return will not
// overwrite the CANCELLED status.
func (e *Engine) Cancel(id string) error {
	job, err := e.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("jobs: job %s already %s", id, job.Status)
	}
	job.Status = types.JobStatusCancelled
	job.EndedAt = time.Now()
	if err := e.store.UpdateJob(job); err != nil {
		return err
	}
	metrics.JobsTotal.WithLabelValues(string(types.JobStatusCancelled)).Inc()
	e.publish(job)

	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Start launches the scheduler loop. Stop shuts it down.
func (e *Engine) Start() {
	go e.run()
}

// Stop stops the scheduler and waits for it to exit. Jobs already handed to
// the worker pool run to completion (or until the pool itself closes).
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info().Msg("job scheduler started")
	for {
		select {
		case <-ticker.C:
			e.schedulePass()
		case <-e.stopCh:
			e.logger.Info().Msg("job scheduler stopped")
			return
		}
	}
}

// schedulePass advances every non-terminal job one step: DRAFT to QUEUED
// (or SCHEDULED when its due time is in the future), SCHEDULED to QUEUED
// once due, QUEUED to RUNNING on a pool worker.
func (e *Engine) schedulePass() {
	all, err := e.store.ListJobs()
	if err != nil {
		e.logger.Error().Err(err).Msg("list jobs")
		return
	}

	now := time.Now()
	depth := 0
	for _, job := range all {
		switch job.Status {
		case types.JobStatusDraft:
			if job.ScheduledAt.After(now) {
				job.Status = types.JobStatusScheduled
			} else {
				job.Status = types.JobStatusQueued
			}
			e.persistAndPublish(job)
			depth++
		case types.JobStatusScheduled:
			if !job.ScheduledAt.After(now) {
				job.Status = types.JobStatusQueued
				e.persistAndPublish(job)
			}
			depth++
		case types.JobStatusQueued:
			e.dispatch(job)
		}
	}
	metrics.JobQueueDepth.Set(float64(depth))
}

// dispatch marks job RUNNING and hands it to the worker pool. The RUNNING
// write happens before Submit so the next schedulePass never double-sends.
func (e *Engine) dispatch(job *types.JobRecord) {
	job.Status = types.JobStatusRunning
	job.StartedAt = time.Now()
	e.persistAndPublish(job)

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.running[job.ID] = cancel
	e.mu.Unlock()

	jobID := job.ID
	if err := e.pool.Submit(context.Background(), func() { e.execute(ctx, jobID) }); err != nil {
		e.logger.Error().Err(err).Str("job_id", jobID).Msg("submit job to pool")
		e.finish(jobID, types.JobStatusFailure, nil, fmt.Sprintf("submit to worker pool: %v", err))
	}
}

// execute runs one RUNNING job to a terminal state. A missing handler
// (e.g. a record persisted by an older binary whose method no longer
// exists) fails the job rather than crashing the agent.
func (e *Engine) execute(ctx context.Context, jobID string) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobExecutionDuration)
	defer func() {
		e.mu.Lock()
		delete(e.running, jobID)
		e.mu.Unlock()
	}()

	job, err := e.store.GetJob(jobID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", jobID).Msg("reload job for execution")
		return
	}

	entry, ok := e.table.Lookup(job.Service, job.Method)
	if !ok {
		e.finish(jobID, types.JobStatusFailure, nil, fmt.Sprintf("no registered handler for %s/%s", job.Service, job.Method))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	meta := map[string]string{"job_id": jobID}
	response, err := func() (resp []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return entry.Handler(hctx, meta, job.RequestBlob)
	}()

	if err != nil {
		e.finish(jobID, types.JobStatusFailure, nil, err.Error())
		return
	}
	e.finish(jobID, types.JobStatusSuccess, response, "")
}

// finish writes a terminal state, unless the job already reached one (a
// concurrent Cancel wins over the handler's own outcome).
func (e *Engine) finish(jobID string, status types.JobStatus, response []byte, errMsg string) {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", jobID).Msg("reload job to finish")
		return
	}
	if job.Terminal() {
		return
	}
	job.Status = status
	job.ResponseBlob = response
	if response != nil {
		job.ResponseType = job.Service + "/" + job.Method + "#response"
	}
	job.Error = errMsg
	job.EndedAt = time.Now()
	e.persistAndPublish(job)
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
}

func (e *Engine) persistAndPublish(job *types.JobRecord) {
	if err := e.store.UpdateJob(job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("persist job")
		return
	}
	e.publish(job)
}

func (e *Engine) publish(job *types.JobRecord) {
	e.updates.Publish(*job)
}

var _ interface {
	Enqueue(ctx context.Context, service, method string, meta map[string]string, payload []byte) (string, error)
} = (*Engine)(nil)

// marshalRecord is the wire form Listen streams: the full JobRecord as JSON.
func marshalRecord(job types.JobRecord) []byte {
	data, err := json.Marshal(job)
	if err != nil {
		// JobRecord contains only marshalable fields; this cannot happen
		// for records the engine itself produced.
		return []byte(fmt.Sprintf(`{"id":%q,"error":"marshal: %s"}`, job.ID, err))
	}
	return data
}
