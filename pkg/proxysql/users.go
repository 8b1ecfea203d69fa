package proxysql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/metrics"
)

// systemUsers are database accounts that never belong in ProxySQL's user
// table, regardless of what the master's mysql.user holds.
var systemUsers = map[string]bool{
	"root":             true,
	"mysql.sys":        true,
	"mysql.session":    true,
	"mysql.infoschema": true,
	"mariadb.sys":      true,
	"proxysql":         true,
	"monitor":          true,
}

// UserRow is one managed row of ProxySQL's mysql_users table. Password is
// the authentication hash as stored by the database, never a plaintext.
type UserRow struct {
	Username string
	Password string
}

// UserDiff is the three-way difference between the proxy's current users
// and the master's catalog.
type UserDiff struct {
	ToAdd    []UserRow
	ToUpdate []UserRow
	ToRemove []string
}

// Empty reports whether the diff calls for no statements at all.
func (d UserDiff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToUpdate) == 0 && len(d.ToRemove) == 0
}

// DiffUsers computes what must change on the proxy for it to match
// desired. Output ordering is deterministic in username.
func DiffUsers(current, desired []UserRow) UserDiff {
	curByName := make(map[string]string, len(current))
	for _, u := range current {
		curByName[u.Username] = u.Password
	}
	desByName := make(map[string]string, len(desired))
	for _, u := range desired {
		desByName[u.Username] = u.Password
	}

	var diff UserDiff
	for _, u := range desired {
		cur, exists := curByName[u.Username]
		switch {
		case !exists:
			diff.ToAdd = append(diff.ToAdd, u)
		case cur != u.Password:
			diff.ToUpdate = append(diff.ToUpdate, u)
		}
	}
	for _, u := range current {
		if _, wanted := desByName[u.Username]; !wanted {
			diff.ToRemove = append(diff.ToRemove, u.Username)
		}
	}

	sort.Slice(diff.ToAdd, func(i, j int) bool { return diff.ToAdd[i].Username < diff.ToAdd[j].Username })
	sort.Slice(diff.ToUpdate, func(i, j int) bool { return diff.ToUpdate[i].Username < diff.ToUpdate[j].Username })
	sort.Strings(diff.ToRemove)
	return diff
}

// ReconcileUsers mirrors the master's application users into the proxy.
// Any reachable online master serves as the catalog source; system
// accounts and the cluster's replication user are excluded. Returns
// whether anything changed.
func (r *Reconciler) ReconcileUsers(ctx context.Context, snap *clusterconfig.Snapshot) (bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProxyReconcileDuration, "users")

	cfg := snap.Config()

	desired, err := r.readMasterUsers(ctx, snap)
	if err != nil {
		return false, err
	}
	// Strip the replication user here rather than in SQL so the exclusion
	// list lives in one place.
	filtered := desired[:0]
	for _, u := range desired {
		if u.Username != cfg.ReplicationUser {
			filtered = append(filtered, u)
		}
	}
	desired = filtered

	adminDB, err := r.admin.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("proxysql: admin connection: %w", err)
	}
	current, err := readProxyUsers(ctx, adminDB)
	if err != nil {
		return false, err
	}

	diff := DiffUsers(current, desired)
	if diff.Empty() {
		return false, nil
	}

	var stmts []string
	if len(diff.ToAdd) > 0 {
		stmts = append(stmts, insertUsersStatement(diff.ToAdd))
	}
	if len(diff.ToRemove) > 0 {
		stmts = append(stmts, deleteUsersStatement(diff.ToRemove))
	}
	if len(diff.ToUpdate) > 0 {
		stmts = append(stmts, updateUsersStatement(diff.ToUpdate))
	}
	stmts = append(stmts,
		"LOAD MYSQL USERS TO RUNTIME",
		"SAVE MYSQL USERS TO DISK",
	)
	if err := execAll(ctx, adminDB, stmts); err != nil {
		return false, err
	}

	metrics.ProxyReconcileChangesTotal.WithLabelValues("users").Inc()
	r.logger.Info().
		Str("cluster_id", snap.ClusterID()).
		Int("added", len(diff.ToAdd)).
		Int("updated", len(diff.ToUpdate)).
		Int("removed", len(diff.ToRemove)).
		Msg("proxysql users reconciled")
	return true, nil
}

// readMasterUsers loads the application-user catalog from the first
// reachable online master.
func (r *Reconciler) readMasterUsers(ctx context.Context, snap *clusterconfig.Snapshot) ([]UserRow, error) {
	cfg := snap.Config()
	masters := snap.OnlineMasterIDs()
	if len(masters) == 0 {
		return nil, fmt.Errorf("proxysql: cluster %s has no online master to read users from", snap.ClusterID())
	}

	var lastErr error
	for _, id := range masters {
		node, _ := snap.Node(id)
		db, err := r.nodes(ctx, cfg, node)
		if err != nil {
			lastErr = err
			continue
		}
		users, err := readMySQLUsers(ctx, db)
		if err != nil {
			lastErr = err
			continue
		}
		return users, nil
	}
	return nil, fmt.Errorf("proxysql: no master reachable for user catalog: %w", lastErr)
}

func readMySQLUsers(ctx context.Context, db *sql.DB) ([]UserRow, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT User, authentication_string FROM mysql.user WHERE Host = '%' AND authentication_string <> ''")
	if err != nil {
		return nil, fmt.Errorf("proxysql: read mysql.user: %w", err)
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		var u UserRow
		if err := rows.Scan(&u.Username, &u.Password); err != nil {
			return nil, fmt.Errorf("proxysql: scan mysql.user: %w", err)
		}
		if systemUsers[u.Username] {
			continue
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func readProxyUsers(ctx context.Context, db *sql.DB) ([]UserRow, error) {
	rows, err := db.QueryContext(ctx, "SELECT username, password FROM mysql_users")
	if err != nil {
		return nil, fmt.Errorf("proxysql: read mysql_users: %w", err)
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		var u UserRow
		if err := rows.Scan(&u.Username, &u.Password); err != nil {
			return nil, fmt.Errorf("proxysql: scan mysql_users: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func insertUsersStatement(users []UserRow) string {
	values := make([]string, 0, len(users))
	for _, u := range users {
		values = append(values, fmt.Sprintf("(%s, %s, 1, %d)",
			quote(u.Username), quote(u.Password), HostgroupWriter))
	}
	return "INSERT INTO mysql_users (username, password, active, default_hostgroup) VALUES " +
		strings.Join(values, ", ")
}

func deleteUsersStatement(usernames []string) string {
	quoted := make([]string, 0, len(usernames))
	for _, name := range usernames {
		quoted = append(quoted, quote(name))
	}
	return "DELETE FROM mysql_users WHERE username IN (" + strings.Join(quoted, ", ") + ")"
}

// updateUsersStatement batches every password change into one CASE-based
// UPDATE instead of a round trip per user.
func updateUsersStatement(users []UserRow) string {
	var b strings.Builder
	b.WriteString("UPDATE mysql_users SET password = CASE username")
	names := make([]string, 0, len(users))
	for _, u := range users {
		fmt.Fprintf(&b, " WHEN %s THEN %s", quote(u.Username), quote(u.Password))
		names = append(names, quote(u.Username))
	}
	b.WriteString(" END WHERE username IN (")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(")")
	return b.String()
}
