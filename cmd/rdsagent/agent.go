package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tanmoysrt/rdsagent/pkg/domain"
	"github.com/tanmoysrt/rdsagent/pkg/kv"
	"github.com/tanmoysrt/rdsagent/pkg/log"
	"github.com/tanmoysrt/rdsagent/pkg/supervisor"
	"github.com/tanmoysrt/rdsagent/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent lifecycle commands",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	RunE:  runAgent,
}

func init() {
	agentCmd.AddCommand(agentRunCmd)

	flags := agentRunCmd.Flags()
	flags.String("node-id", "", "Stable identifier of this agent host (required)")
	flags.String("rpc-addr", ":7070", "Address the RPC server binds to")
	flags.String("metrics-addr", ":9090", "Address the metrics/health endpoint binds to (empty disables)")
	flags.String("data-dir", "/var/lib/rdsagent", "Directory for the local metadata database")
	flags.String("secret-file", "", "File holding the direct RPC shared secret (required)")
	flags.StringSlice("etcd-endpoints", nil, "Default etcd endpoints")
	flags.String("etcd-username", "", "Default etcd username")
	flags.String("etcd-password-file", "", "File holding the default etcd password")
	flags.String("service-hook", "/usr/libexec/rdsagent/service-hook", "Executable driving container lifecycle operations")
	flags.String("rsync-hook", "/usr/libexec/rdsagent/rsync-hook", "Executable driving rsync sidecar operations")

	_ = agentRunCmd.MarkFlagRequired("node-id")
	_ = agentRunCmd.MarkFlagRequired("secret-file")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logger := log.New(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	flags := cmd.Flags()
	nodeID, _ := flags.GetString("node-id")
	rpcAddr, _ := flags.GetString("rpc-addr")
	metricsAddr, _ := flags.GetString("metrics-addr")
	dataDir, _ := flags.GetString("data-dir")
	secretFile, _ := flags.GetString("secret-file")
	endpoints, _ := flags.GetStringSlice("etcd-endpoints")
	etcdUser, _ := flags.GetString("etcd-username")
	etcdPasswordFile, _ := flags.GetString("etcd-password-file")
	serviceHook, _ := flags.GetString("service-hook")
	rsyncHook, _ := flags.GetString("rsync-hook")

	secret, err := readSecretFile(secretFile)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	etcdPassword := ""
	if etcdPasswordFile != "" {
		etcdPassword, err = readSecretFile(etcdPasswordFile)
		if err != nil {
			return fmt.Errorf("read etcd password file: %w", err)
		}
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfg := supervisor.Config{
		NodeID:       nodeID,
		RPCAddr:      rpcAddr,
		MetricsAddr:  metricsAddr,
		DataDir:      dataDir,
		DirectSecret: secret,
		DefaultEtcd: kv.Credentials{
			Endpoints: endpoints,
			Username:  etcdUser,
			Password:  etcdPassword,
		},
	}

	collab := buildCollaborators(serviceHook, rsyncHook)
	sup := supervisor.New(cfg, collab, logger)
	if err := sup.Run(context.Background(), logger); err != nil {
		logger.Error().Err(err).Msg("agent exited")
		os.Exit(1)
	}
	return nil
}

func buildCollaborators(serviceHook, rsyncHook string) supervisor.Collaborators {
	return supervisor.Collaborators{
		Controller:  domain.NewHookController(serviceHook),
		Provisioner: domain.NewHookProvisioner(rsyncHook),
		Seeder:      domain.NewHookSeeder(rsyncHook),
		DialNode:    domain.TCPDial,
		ConnectNode: domain.ConnectClusterNode,
		Probers: func(rec *types.LocalServiceRecord) (domain.HealthProber, error) {
			kind := types.DBKind(rec.ServiceKind)
			dsn := domain.DSN(
				rec.Metadata["db_user"], rec.Metadata["db_password"],
				"127.0.0.1:"+rec.Metadata["db_port"], "",
			)
			return domain.NewSQLProber(dsn, kind)
		},
		ProxyAdmins: func(rec *types.LocalServiceRecord) (domain.ProxyAdmin, error) {
			dsn := domain.DSN(
				rec.Metadata["admin_user"], rec.Metadata["admin_password"],
				"127.0.0.1:"+rec.Metadata["admin_port"], "",
			)
			return domain.NewSQLProxyAdmin(dsn)
		},
		Configurers: func(rec *types.LocalServiceRecord, cfg types.ClusterConfig) (domain.ReplicaConfigurer, error) {
			dsn := domain.DSN(
				rec.Metadata["db_user"], rec.Metadata["db_password"],
				"127.0.0.1:"+rec.Metadata["db_port"], "",
			)
			db, err := domain.OpenDB(dsn)
			if err != nil {
				return nil, err
			}
			return domain.NewSQLReplicaConfigurer(db, cfg.ReplicationUser, cfg.ReplicationPassword), nil
		},
	}
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}
