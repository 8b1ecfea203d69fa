package proxysql

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tanmoysrt/rdsagent/pkg/clusterconfig"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

func snapshot(nodes map[string]types.NodeDescriptor) *clusterconfig.Snapshot {
	return clusterconfig.NewSnapshot(types.ClusterConfig{ClusterID: "c1", Nodes: nodes})
}

func node(role types.NodeRole, status types.NodeStatus, ip string, weight int) types.NodeDescriptor {
	return types.NodeDescriptor{IP: ip, DBPort: 3306, Weight: weight, Role: role, Status: status}
}

func TestDesiredServersHostgroupMapping(t *testing.T) {
	snap := snapshot(map[string]types.NodeDescriptor{
		"m":   node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1", 100),
		"r1":  node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.2", 50),
		"ro1": node(types.NodeRoleReadOnly, types.NodeStatusOnline, "10.0.0.3", 10),
		"sb":  node(types.NodeRoleStandby, types.NodeStatusOnline, "10.0.0.4", 10),
		"off": node(types.NodeRoleReplica, types.NodeStatusOffline, "10.0.0.5", 50),
	})

	rows := DesiredServers(snap)
	assert.Equal(t, []ServerRow{
		{Hostgroup: HostgroupWriter, Hostname: "10.0.0.1", Port: 3306, Weight: 100, Status: "ONLINE"},
		{Hostgroup: HostgroupReader, Hostname: "10.0.0.2", Port: 3306, Weight: 50, Status: "ONLINE"},
		{Hostgroup: HostgroupReader, Hostname: "10.0.0.3", Port: 3306, Weight: 10, Status: "ONLINE"},
	}, rows, "standby and offline nodes must not get backend rows")
}

func TestDesiredServersIsDeterministic(t *testing.T) {
	nodes := map[string]types.NodeDescriptor{
		"b": node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.2", 1),
		"a": node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.1", 1),
		"c": node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.3", 1),
	}
	first := DesiredServers(snapshot(nodes))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, DesiredServers(snapshot(nodes)))
	}
}

func TestServersEqualIsSetComparison(t *testing.T) {
	a := []ServerRow{
		{Hostgroup: 1, Hostname: "10.0.0.1", Port: 3306, Weight: 1, Status: "ONLINE"},
		{Hostgroup: 2, Hostname: "10.0.0.2", Port: 3306, Weight: 1, Status: "ONLINE"},
	}
	b := []ServerRow{a[1], a[0]}
	assert.True(t, ServersEqual(a, b))

	b[0].Weight = 7
	assert.False(t, ServersEqual(a, b))
	assert.False(t, ServersEqual(a, a[:1]))
}

func TestReconcileServersIdempotentByDiff(t *testing.T) {
	// The idempotence contract rests on the set compare: a second pass over
	// an unchanged config produces rows equal to what the first pass wrote,
	// so no statements are issued.
	snap := snapshot(map[string]types.NodeDescriptor{
		"m":  node(types.NodeRoleMaster, types.NodeStatusOnline, "10.0.0.1", 100),
		"r1": node(types.NodeRoleReplica, types.NodeStatusOnline, "10.0.0.2", 50),
	})
	applied := DesiredServers(snap)
	assert.True(t, ServersEqual(applied, DesiredServers(snap)))
}

func TestDiffUsersThreeWay(t *testing.T) {
	current := []UserRow{
		{Username: "app", Password: "*HASH1"},
		{Username: "stale", Password: "*OLD"},
		{Username: "rotated", Password: "*BEFORE"},
	}
	desired := []UserRow{
		{Username: "app", Password: "*HASH1"},
		{Username: "rotated", Password: "*AFTER"},
		{Username: "fresh", Password: "*NEW"},
	}

	diff := DiffUsers(current, desired)
	assert.Equal(t, []UserRow{{Username: "fresh", Password: "*NEW"}}, diff.ToAdd)
	assert.Equal(t, []UserRow{{Username: "rotated", Password: "*AFTER"}}, diff.ToUpdate)
	assert.Equal(t, []string{"stale"}, diff.ToRemove)
}

func TestDiffUsersNoChangeIsEmpty(t *testing.T) {
	users := []UserRow{
		{Username: "app", Password: "*HASH1"},
		{Username: "reporting", Password: "*HASH2"},
	}
	diff := DiffUsers(users, users)
	assert.True(t, diff.Empty(), "matching proxy must yield an empty diff")
}

func TestInsertServersStatementBatchesAllRows(t *testing.T) {
	stmt := insertServersStatement([]ServerRow{
		{Hostgroup: 1, Hostname: "10.0.0.1", Port: 3306, Weight: 100, Status: "ONLINE"},
		{Hostgroup: 2, Hostname: "10.0.0.2", Port: 3307, Weight: 50, Status: "ONLINE"},
	})
	assert.Contains(t, stmt, "(1, '10.0.0.1', 3306, 100, 'ONLINE')")
	assert.Contains(t, stmt, "(2, '10.0.0.2', 3307, 50, 'ONLINE')")
	assert.Equal(t, 1, countOccurrences(stmt, "INSERT INTO"), "one batched INSERT, not one per row")
}

func TestUpdateUsersStatementUsesCase(t *testing.T) {
	stmt := updateUsersStatement([]UserRow{
		{Username: "a", Password: "*X"},
		{Username: "b", Password: "*Y"},
	})
	assert.Contains(t, stmt, "WHEN 'a' THEN '*X'")
	assert.Contains(t, stmt, "WHEN 'b' THEN '*Y'")
	assert.Contains(t, stmt, "WHERE username IN ('a', 'b')")
}

func TestQuoteEscapesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, "'o''brien'", quote("o'brien"))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}
