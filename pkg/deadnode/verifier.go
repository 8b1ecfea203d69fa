package deadnode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/metrics"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// Outcome is the result of one dead-node verification.
type Outcome int

const (
	// OutcomeAlive: the node answered through the proxy or enough peers;
	// it is dropped from the dead set.
	OutcomeAlive Outcome = iota
	// OutcomeMarkedOffline: quorum agreed the node is unreachable and the
	// config CAS flipped it OFFLINE.
	OutcomeMarkedOffline
	// OutcomeCASLost: quorum agreed but another agent changed the config
	// first. Not retried in place; the next config event re-drives it.
	OutcomeCASLost
	// OutcomeInconclusive: no decision could be made (config unreadable,
	// no eligible peers). The node goes to the retry set.
	OutcomeInconclusive
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlive:
		return "alive"
	case OutcomeMarkedOffline:
		return "marked_offline"
	case OutcomeCASLost:
		return "cas_lost"
	default:
		return "inconclusive"
	}
}

// ReachabilityChecker is the RPC fan-out surface the verifier probes
// through: the InterAgent CheckDatabaseReachability call, aimed either at
// the cluster's proxy host or at a peer database's agent. Implemented by
// pkg/interagent; faked in tests.
type ReachabilityChecker interface {
	CheckViaProxy(ctx context.Context, cfg types.ClusterConfig, nodeID string) (bool, error)
	CheckViaPeer(ctx context.Context, cfg types.ClusterConfig, peerID, nodeID string) (bool, error)
}

// StoreResolver hands back a working kv.Store for a cluster, going through
// credential failover when needed.
type StoreResolver func(ctx context.Context, clusterID string) (kv.Store, error)

// winRatio is the quorum bar: a node stays alive only while at least 60%
// of its online role-eligible peers can still reach it.
const winRatio = 0.6

// Verifier runs the three-step quorum probe: proxy re-check, peer
// fan-out, CAS-to-OFFLINE.
type Verifier struct {
	checker ReachabilityChecker
	stores  StoreResolver
	timeout time.Duration
	logger  zerolog.Logger
}

// NewVerifier builds a Verifier. timeout bounds one whole verification
// (default 30s when zero).
func NewVerifier(checker ReachabilityChecker, stores StoreResolver, timeout time.Duration, logger zerolog.Logger) *Verifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Verifier{checker: checker, stores: stores, timeout: timeout, logger: logger}
}

// Verify decides one node's fate, bailing out on the first positive signal.
func (v *Verifier) Verify(ctx context.Context, clusterID, nodeID string) Outcome {
	timer := metrics.NewTimer()
	outcome := v.verify(ctx, clusterID, nodeID)
	timer.ObserveDuration(metrics.DeadNodeVerificationDuration)
	metrics.DeadNodeVerificationsTotal.WithLabelValues(outcome.String()).Inc()

	v.logger.Info().
		Str("cluster_id", clusterID).
		Str("node_id", nodeID).
		Str("outcome", outcome.String()).
		Msg("dead-node verification finished")
	return outcome
}

func (v *Verifier) verify(ctx context.Context, clusterID, nodeID string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	st, err := v.stores(ctx, clusterID)
	if err != nil {
		v.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("no working kv credentials for verification")
		return OutcomeInconclusive
	}
	snap, err := clusterconfig.Load(ctx, st, clusterID)
	if err != nil {
		v.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("load cluster config for verification")
		return OutcomeInconclusive
	}
	if _, ok := snap.Node(nodeID); !ok {
		// Node was removed from the cluster while we suspected it dead;
		// nothing left to mark.
		return OutcomeAlive
	}
	cfg := snap.Config()

	// Step 1: ask the proxy's agent. Cheap, and the common flap case.
	reachable, err := v.checker.CheckViaProxy(ctx, cfg, nodeID)
	if err == nil && reachable {
		return OutcomeAlive
	}

	// Step 2: quorum fan-out over online role-eligible peers.
	peers := peerSet(snap, nodeID)
	n := len(peers)
	if n == 0 {
		return OutcomeInconclusive
	}
	threshold := winRatio * float64(n)

	results := make(chan bool, n)
	var wg sync.WaitGroup
	for _, peerID := range peers {
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			ok, err := v.checker.CheckViaPeer(ctx, cfg, peerID, nodeID)
			// A peer that errors out counts as "not reachable from there".
			results <- err == nil && ok
		}(peerID)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	reachableCount := 0
	for ok := range results {
		if ok {
			reachableCount++
			if float64(reachableCount) >= threshold {
				return OutcomeAlive
			}
		}
	}

	// Step 3: quorum says unreachable; flip the node OFFLINE via CAS.
	next, err := snap.WithStatus(nodeID, types.NodeStatusOffline)
	if err != nil {
		return OutcomeInconclusive
	}
	if err := clusterconfig.CAS(ctx, st, next); err != nil {
		if errors.Is(err, kv.ErrCASConflict) {
			return OutcomeCASLost
		}
		v.logger.Warn().Err(err).Str("node_id", nodeID).Msg("offline CAS failed")
		return OutcomeInconclusive
	}
	return OutcomeMarkedOffline
}

// peerSet is online masters, replicas, and read-only nodes, minus the
// subject, in deterministic order.
func peerSet(snap *clusterconfig.Snapshot, subject string) []string {
	var peers []string
	for _, ids := range [][]string{snap.OnlineMasterIDs(), snap.OnlineReplicaIDs(), snap.OnlineReadOnlyIDs()} {
		for _, id := range ids {
			if id != subject {
				peers = append(peers, id)
			}
		}
	}
	return peers
}
