// Command slotproxyd runs one slot-migration-aware RESP proxy instance:
// it accepts client connections, routes commands by slot, polls the
// broker for topology, and drives migration tasks as slot ranges move
// in and out of this shard.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvrelay/slotproxy/backend"
	"github.com/kvrelay/slotproxy/broker"
	"github.com/kvrelay/slotproxy/cluster"
	"github.com/kvrelay/slotproxy/config"
	"github.com/kvrelay/slotproxy/lib/logger"
	"github.com/kvrelay/slotproxy/migration"
	"github.com/kvrelay/slotproxy/proxy"
	"github.com/kvrelay/slotproxy/redis/client"
	"github.com/kvrelay/slotproxy/redis/connection"
)

var (
	cfg        = config.DefaultProperties()
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "slotproxyd",
	Short: "Slot-migration-aware RESP cluster proxy",
	Long: `slotproxyd sits in front of a sharded key-value database, routing each
command by slot, forwarding to peer shards it does not own, and
carrying a slot range's in-flight traffic across a migration's handoff
without dropping client requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			*cfg = *loaded
		}
		logger.Setup(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "path to a slotproxyd config file")
	f.StringVar(&cfg.Address, "address", cfg.Address, "address to listen on for client connections")
	f.StringVar(&cfg.BrokerAddress, "broker-address", cfg.BrokerAddress, "broker HTTP address")
	f.Uint64Var(&cfg.LagThreshold, "lag-threshold", cfg.LagThreshold, "max replica lag (bytes) before a migration proceeds")
	f.IntVar(&cfg.SessionBatchBuf, "session-batch-buf", cfg.SessionBatchBuf, "max commands batched per write burst")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console, json)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ServerProperties) error {
	log := logger.With("slotproxyd")

	localNodeID := cfg.AnnounceAddress()
	router := cluster.NewRouter(localNodeID)

	migCfg := migration.NewConfig(cfg.LagThreshold, cfg.MinBlockingTimeMs, cfg.MaxBlockingTimeMs, cfg.MaxRedirectionMs)
	clientFactory := client.DefaultClientFactory{}
	forwardFactory := backend.NewFactory()
	localSender := forwardFactory.Create(localDatabaseAddr(cfg))

	supervisor := migration.NewSupervisor(migCfg, migration.RealClock, "0", clientFactory, forwardFactory)
	defer supervisor.Close()

	handler := proxy.NewCmdHandler(router, supervisor, localSender, forwardFactory, localNodeID)

	if cfg.BrokerAddress != "" {
		brokerClient := broker.NewClient(cfg.BrokerAddress, localNodeID, handler)
		go brokerClient.Run(ctx, 2*time.Second)
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	defer ln.Close()
	log.Info().Str("address", cfg.Address).Msg("slotproxyd listening")

	sessionCfg := proxy.SessionConfig{
		BatchBuf:     cfg.SessionBatchBuf,
		MinBatchTime: time.Duration(cfg.SessionBatchMinTime),
		MaxBatchTime: time.Duration(cfg.SessionBatchMaxTime),
	}
	slowlog := proxy.NewSlowlog(128, 10*time.Millisecond)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go serveConn(ctx, conn, handler, slowlog, sessionCfg)
	}
}

func serveConn(ctx context.Context, netConn net.Conn, handler proxy.Dispatcher, slowlog *proxy.Slowlog, sessionCfg proxy.SessionConfig) {
	defer netConn.Close()
	conn := connection.NewNetConnection(netConn)
	session := proxy.NewSession(conn, "0", handler, slowlog, sessionCfg)
	if err := session.Handle(ctx, netConn); err != nil {
		logger.With("slotproxyd").Debug().Str("remote", conn.RemoteAddr()).Err(err).Msg("session ended")
	}
}

// localDatabaseAddr resolves where this proxy forwards locally-owned
// slot traffic. The original deployment colocates the database on a
// fixed port next to the proxy; a future config key could make this
// independently configurable.
func localDatabaseAddr(cfg *config.ServerProperties) string {
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return "127.0.0.1:6379"
	}
	return net.JoinHostPort(host, "6379")
}
