package domain

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// DSN renders a go-sql-driver config for addr with sane agent defaults:
// short timeouts everywhere, no connection reuse surprises.
func DSN(user, password, addr, dbName string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = dbName
	cfg.Timeout = 5 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	return cfg.FormatDSN()
}

// OpenDB opens a pooled handle for dsn with a single idle connection --
// the agent's SQL use is one connection per probed database, not a pool.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(10 * time.Minute)
	return db, nil
}

// SQLProber is the driver-backed HealthProber: one reusable connection,
// one round trip per probe reading the engine's GTID position.
type SQLProber struct {
	db   *sql.DB
	kind types.DBKind
}

// NewSQLProber builds a prober for one database instance.
func NewSQLProber(dsn string, kind types.DBKind) (*SQLProber, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("domain: open prober connection: %w", err)
	}
	return &SQLProber{db: db, kind: kind}, nil
}

func (p *SQLProber) Close() error { return p.db.Close() }

func (p *SQLProber) Probe(ctx context.Context) (types.NodeHealth, error) {
	var gtid sql.NullString
	query := "SELECT @@gtid_current_pos"
	if p.kind == types.DBKindMySQL {
		query = "SELECT @@gtid_executed"
	}
	if err := p.db.QueryRowContext(ctx, query).Scan(&gtid); err != nil {
		return types.NodeHealth{}, fmt.Errorf("domain: gtid query: %w", err)
	}
	return types.NodeHealth{DBKind: p.kind, GTID: gtid.String}, nil
}

// SQLReplicaConfigurer drives replication setup over the local instance's
// SQL connection.
type SQLReplicaConfigurer struct {
	db                  *sql.DB
	replicationUser     string
	replicationPassword string
}

func NewSQLReplicaConfigurer(db *sql.DB, replicationUser, replicationPassword string) *SQLReplicaConfigurer {
	return &SQLReplicaConfigurer{db: db, replicationUser: replicationUser, replicationPassword: replicationPassword}
}

// ConfigureAsReplica points this instance at master. The branch on
// capturedGTID is a compatibility mode: when the rsync phase recorded a
// position, that position is installed as gtid_slave_pos and replication
// starts from current_pos; when none was recorded, the instance continues
// from its own slave_pos.
func (c *SQLReplicaConfigurer) ConfigureAsReplica(ctx context.Context, master types.NodeDescriptor, capturedGTID string) error {
	stmts := []string{"STOP SLAVE"}
	useGTID := "slave_pos"
	if capturedGTID != "" {
		stmts = append(stmts, fmt.Sprintf("SET GLOBAL gtid_slave_pos = '%s'", capturedGTID))
		useGTID = "current_pos"
	}
	stmts = append(stmts,
		fmt.Sprintf(
			"CHANGE MASTER TO MASTER_HOST = '%s', MASTER_PORT = %d, MASTER_USER = '%s', MASTER_PASSWORD = '%s', MASTER_USE_GTID = %s",
			master.IP, master.DBPort, c.replicationUser, c.replicationPassword, useGTID,
		),
		"START SLAVE",
		"SET GLOBAL read_only = 1",
	)
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("domain: configure replica: %w", err)
		}
	}
	return nil
}

func (c *SQLReplicaConfigurer) ConfigureAsMaster(ctx context.Context) error {
	for _, stmt := range []string{"STOP SLAVE", "RESET SLAVE ALL", "SET GLOBAL read_only = 0"} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("domain: configure master: %w", err)
		}
	}
	return nil
}

// SQLProxyAdmin talks to a local ProxySQL admin interface.
type SQLProxyAdmin struct {
	db *sql.DB
}

func NewSQLProxyAdmin(dsn string) (*SQLProxyAdmin, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("domain: open proxy admin connection: %w", err)
	}
	return &SQLProxyAdmin{db: db}, nil
}

func (a *SQLProxyAdmin) Conn(context.Context) (*sql.DB, error) { return a.db, nil }

// Reachable consults ProxySQL's monitor ping log for the node's most
// recent probe result; a node the proxy has never pinged counts as
// unreachable.
func (a *SQLProxyAdmin) Reachable(ctx context.Context, node types.NodeDescriptor) (bool, error) {
	var pingError sql.NullString
	err := a.db.QueryRowContext(ctx,
		"SELECT ping_error FROM monitor.mysql_server_ping_log WHERE hostname = ? AND port = ? ORDER BY time_start_us DESC LIMIT 1",
		node.IP, node.DBPort,
	).Scan(&pingError)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("domain: proxy ping log: %w", err)
	}
	return !pingError.Valid || pingError.String == "", nil
}

// TCPDial is the reachability probe used by CheckDatabaseReachability: a
// bounded TCP connect to the node's database port. Cheaper than a full
// SQL handshake and sufficient for "is the port answering".
func TCPDial(ctx context.Context, _ types.ClusterConfig, node types.NodeDescriptor) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", node.IP, node.DBPort))
	if err != nil {
		return err
	}
	return conn.Close()
}

// ConnectClusterNode opens a SQL connection to a cluster node using the
// cluster's replication credential, the one credential every agent in a
// cluster shares.
func ConnectClusterNode(_ context.Context, cfg types.ClusterConfig, node types.NodeDescriptor) (*sql.DB, error) {
	dsn := DSN(cfg.ReplicationUser, cfg.ReplicationPassword, fmt.Sprintf("%s:%d", node.IP, node.DBPort), "")
	return OpenDB(dsn)
}

var (
	_ HealthProber      = (*SQLProber)(nil)
	_ ReplicaConfigurer = (*SQLReplicaConfigurer)(nil)
	_ ProxyAdmin        = (*SQLProxyAdmin)(nil)
)
