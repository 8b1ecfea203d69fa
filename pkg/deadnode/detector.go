// Package deadnode holds the timeout-based liveness judge and the
// quorum verifier it triggers. The detector watches health-report
// arrivals forwarded by the state monitor; a node whose reports stop for
// longer than the configured timeout is suspected dead and handed to the
// verifier, which consults the cluster's proxy and peers before anything
// is marked OFFLINE.
package deadnode

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/metrics"
)

// DetectorConfig tunes the detector's loops. Zero values pick defaults.
type DetectorConfig struct {
	// Timeout is how long a node may stay silent before it is suspected.
	Timeout time.Duration
	// MonitorInterval is the expiry-scan cadence (default 1s).
	MonitorInterval time.Duration
	// RetryInterval is the inconclusive-verification retry cadence
	// (default 30s).
	RetryInterval time.Duration
}

func (c *DetectorConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
}

// Detector tracks last-seen timestamps per node and spawns verifications
// when a deadline lapses. One mutex orders Update against the monitor
// loop, which is the only cross-goroutine ordering the dead set needs.
type Detector struct {
	cfg      DetectorConfig
	verifier *Verifier
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	expiry   expiryHeap
	dead     map[string]struct{}
	retrySet map[string]struct{}
	cluster  map[string]string
	inflight map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDetector builds a Detector over verifier.
func NewDetector(cfg DetectorConfig, verifier *Verifier, logger zerolog.Logger) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
		dead:     make(map[string]struct{}),
		retrySet: make(map[string]struct{}),
		cluster:  make(map[string]string),
		inflight: make(map[string]struct{}),
	}
}

// Update records a fresh health report for nodeID. A node in the dead or
// retry set that reports again has recovered and is cleared from both.
func (d *Detector) Update(clusterID, nodeID string) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastSeen[nodeID] = now
	d.cluster[nodeID] = clusterID
	heap.Push(&d.expiry, expiryEntry{deadline: now.Add(d.cfg.Timeout), nodeID: nodeID})

	if _, wasDead := d.dead[nodeID]; wasDead {
		delete(d.dead, nodeID)
		d.logger.Info().Str("cluster_id", clusterID).Str("node_id", nodeID).Msg("node recovered")
	}
	if _, retrying := d.retrySet[nodeID]; retrying {
		delete(d.retrySet, nodeID)
		metrics.NodesInRetrySet.Set(float64(len(d.retrySet)))
	}
}

// Forget drops all bookkeeping for nodeID (its cluster was removed
// locally). Heap entries for it become stale and are discarded on expiry.
func (d *Detector) Forget(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastSeen, nodeID)
	delete(d.dead, nodeID)
	delete(d.retrySet, nodeID)
	delete(d.cluster, nodeID)
	metrics.NodesInRetrySet.Set(float64(len(d.retrySet)))
}

// Start launches the monitor and retry loops.
func (d *Detector) Start() {
	d.stopCh = make(chan struct{})
	d.wg.Add(2)
	go d.monitorLoop()
	go d.retryLoop()
}

// Stop halts both loops and waits for them and for any in-flight
// verification, each of which is bounded by the verifier's own timeout.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Detector) monitorLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.expirePass(time.Now())
		case <-d.stopCh:
			return
		}
	}
}

// expirePass pops every lapsed heap entry. Entries whose node reported
// again since the entry was pushed are stale and dropped; the rest move
// the node into the dead set and trigger a verification.
func (d *Detector) expirePass(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.expiry.Len() > 0 && !d.expiry[0].deadline.After(now) {
		entry := heap.Pop(&d.expiry).(expiryEntry)

		last, tracked := d.lastSeen[entry.nodeID]
		if !tracked {
			continue
		}
		if last.After(now.Add(-d.cfg.Timeout)) {
			continue // a fresher report re-armed the deadline
		}
		if _, already := d.dead[entry.nodeID]; already {
			continue
		}

		d.dead[entry.nodeID] = struct{}{}
		d.logger.Warn().
			Str("cluster_id", d.cluster[entry.nodeID]).
			Str("node_id", entry.nodeID).
			Time("last_seen", last).
			Msg("node silent past timeout, verifying")
		d.spawnVerifyLocked(entry.nodeID)
	}
}

func (d *Detector) retryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.retryPass()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Detector) retryPass() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for nodeID := range d.retrySet {
		delete(d.retrySet, nodeID)
		d.spawnVerifyLocked(nodeID)
	}
	metrics.NodesInRetrySet.Set(float64(len(d.retrySet)))
}

// spawnVerifyLocked starts an asynchronous verification for nodeID unless
// one is already in flight -- the at-most-one-per-node invariant.
func (d *Detector) spawnVerifyLocked(nodeID string) {
	if _, busy := d.inflight[nodeID]; busy {
		return
	}
	d.inflight[nodeID] = struct{}{}
	clusterID := d.cluster[nodeID]

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		outcome := d.verifier.Verify(context.Background(), clusterID, nodeID)

		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.inflight, nodeID)

		switch outcome {
		case OutcomeAlive:
			delete(d.dead, nodeID)
		case OutcomeInconclusive:
			if _, stillDead := d.dead[nodeID]; stillDead {
				d.retrySet[nodeID] = struct{}{}
				metrics.NodesInRetrySet.Set(float64(len(d.retrySet)))
			}
		}
		// OutcomeMarkedOffline and OutcomeCASLost leave the node in the
		// dead set; a future health report clears it via Update.
	}()
}

// Dead reports whether nodeID is currently in the dead set, for tests and
// diagnostics.
func (d *Detector) Dead(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.dead[nodeID]
	return ok
}

// Retrying reports whether nodeID is queued for a retried verification.
func (d *Detector) Retrying(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.retrySet[nodeID]
	return ok
}
