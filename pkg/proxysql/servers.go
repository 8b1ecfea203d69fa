// Package proxysql converts desired cluster topology and the master's
// MySQL user catalog into ProxySQL admin-interface mutations. The
// admin interface speaks the MySQL wire protocol, so the same
// database/sql + go-sql-driver pair used for health probes drives it.
//
// Both reconciliations are idempotent: desired state is diffed against the
// proxy's current tables first, and a matching proxy gets no statements at
// all -- no spurious LOAD, no duplicate INSERTs.
package proxysql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/domain"
	"github.com/tanmoysrt/rdsagent/pkg/metrics"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// ProxySQL hostgroups: writers (the master) and readers (replicas and
// read-only nodes).
const (
	HostgroupWriter = 1
	HostgroupReader = 2
)

// ServerRow is one row of ProxySQL's mysql_servers table, in the subset of
// columns the agent manages.
type ServerRow struct {
	Hostgroup int
	Hostname  string
	Port      int
	Weight    int
	Status    string
}

// DesiredServers derives the backend-server rows a cluster's config calls
// for: online MASTER nodes in the writer hostgroup, online REPLICA and
// READ_ONLY nodes in the reader hostgroup. STANDBY and OFFLINE nodes get
// no row. Output ordering is deterministic in node id.
func DesiredServers(snap *clusterconfig.Snapshot) []ServerRow {
	var rows []ServerRow
	add := func(ids []string, hostgroup int) {
		for _, id := range ids {
			n, _ := snap.Node(id)
			rows = append(rows, ServerRow{
				Hostgroup: hostgroup,
				Hostname:  n.IP,
				Port:      n.DBPort,
				Weight:    n.Weight,
				Status:    "ONLINE",
			})
		}
	}
	add(snap.OnlineMasterIDs(), HostgroupWriter)
	add(snap.OnlineReplicaIDs(), HostgroupReader)
	add(snap.OnlineReadOnlyIDs(), HostgroupReader)
	return rows
}

// ServersEqual compares two row slices as sets.
func ServersEqual(a, b []ServerRow) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[ServerRow]int, len(a))
	for _, row := range a {
		seen[row]++
	}
	for _, row := range b {
		seen[row]--
		if seen[row] < 0 {
			return false
		}
	}
	return true
}

// Reconciler applies desired state to one locally-owned ProxySQL instance.
type Reconciler struct {
	admin  domain.ProxyAdmin
	nodes  NodeConnector
	logger zerolog.Logger
}

// NodeConnector opens a SQL connection to a cluster database node, used to
// read the master's mysql.user catalog during user reconciliation.
type NodeConnector func(ctx context.Context, cfg types.ClusterConfig, node types.NodeDescriptor) (*sql.DB, error)

// NewReconciler builds a Reconciler for one proxy.
func NewReconciler(admin domain.ProxyAdmin, nodes NodeConnector, logger zerolog.Logger) *Reconciler {
	return &Reconciler{admin: admin, nodes: nodes, logger: logger}
}

// ReconcileServers makes the proxy's mysql_servers match snap. Returns
// whether anything changed.
func (r *Reconciler) ReconcileServers(ctx context.Context, snap *clusterconfig.Snapshot) (bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProxyReconcileDuration, "servers")

	db, err := r.admin.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("proxysql: admin connection: %w", err)
	}

	current, err := readServers(ctx, db)
	if err != nil {
		return false, err
	}
	desired := DesiredServers(snap)
	if ServersEqual(current, desired) {
		return false, nil
	}

	// Delete-then-insert is safe: mutations are invisible until LOAD ...
	// TO RUNTIME applies them atomically.
	stmts := []string{"DELETE FROM mysql_servers"}
	if len(desired) > 0 {
		stmts = append(stmts, insertServersStatement(desired))
	}
	stmts = append(stmts,
		"LOAD MYSQL SERVERS TO RUNTIME",
		"SAVE MYSQL SERVERS TO DISK",
	)
	if err := execAll(ctx, db, stmts); err != nil {
		return false, err
	}

	metrics.ProxyReconcileChangesTotal.WithLabelValues("servers").Inc()
	r.logger.Info().
		Str("cluster_id", snap.ClusterID()).
		Int("backends", len(desired)).
		Msg("proxysql backend servers reconciled")
	return true, nil
}

func readServers(ctx context.Context, db *sql.DB) ([]ServerRow, error) {
	rows, err := db.QueryContext(ctx, "SELECT hostgroup_id, hostname, port, weight, status FROM mysql_servers")
	if err != nil {
		return nil, fmt.Errorf("proxysql: read mysql_servers: %w", err)
	}
	defer rows.Close()

	var out []ServerRow
	for rows.Next() {
		var row ServerRow
		if err := rows.Scan(&row.Hostgroup, &row.Hostname, &row.Port, &row.Weight, &row.Status); err != nil {
			return nil, fmt.Errorf("proxysql: scan mysql_servers: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// insertServersStatement builds a single batched INSERT for every desired
// row -- one round trip, not one per backend.
func insertServersStatement(rows []ServerRow) string {
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		values = append(values, fmt.Sprintf("(%d, %s, %d, %d, %s)",
			row.Hostgroup, quote(row.Hostname), row.Port, row.Weight, quote(row.Status)))
	}
	sort.Strings(values)
	return "INSERT INTO mysql_servers (hostgroup_id, hostname, port, weight, status) VALUES " +
		strings.Join(values, ", ")
}

func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	// The admin interface has no transactions: a mid-sequence failure is
	// surfaced as-is, never partially retried.
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("proxysql: %q: %w", stmt, err)
		}
	}
	return nil
}

// quote renders a single-quoted SQL string literal for the admin
// interface, which does not support placeholders on every statement kind.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
