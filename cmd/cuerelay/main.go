package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/cuerelay/internal/auth"
	"github.com/mistakeknot/cuerelay/internal/cli"
	"github.com/mistakeknot/cuerelay/internal/config"
	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/engine"
	"github.com/mistakeknot/cuerelay/internal/logger"
	"github.com/mistakeknot/cuerelay/internal/storage"
	"github.com/mistakeknot/cuerelay/pkg/embedded"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "cuerelay",
		Short:        "Driver alert cue engine and document relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CUERELAY_CONFIG or cuerelay.yaml)")
	load := func() (*config.Config, error) { return loadConfig(configPath) }

	root.AddCommand(runCmd(load), serveCmd(load), initCmd(), simulateCmd(load), unlinkCmd(load))
	return root
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.ResolvePath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Install(logger.New(cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		deviceID      string
		embeddedRelay bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if deviceID != "" {
				cfg.Device.ID = deviceID
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var opts []engine.Option
			if embeddedRelay {
				opts = append(opts, engine.WithEmbeddedRelay())
			}
			e, err := engine.New(ctx, cfg, opts...)
			if err != nil {
				return fmt.Errorf("engine init: %w", err)
			}
			return e.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device id (overrides device.id)")
	cmd.Flags().BoolVar(&embeddedRelay, "embedded-relay", false, "host the relay in-process on relay.addr")
	return cmd
}

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		addr      string
		socket    string
		dbPath    string
		keysFile  string
		retention time.Duration
		sweep     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay document store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rc := cfg.Relay
			if cmd.Flags().Changed("addr") {
				rc.Addr = addr
			}
			if cmd.Flags().Changed("socket") {
				rc.SocketPath = socket
			}
			if cmd.Flags().Changed("db") {
				rc.DBPath = dbPath
			}
			if cmd.Flags().Changed("keys-file") {
				rc.KeysFile = keysFile
			} else if v := os.Getenv("CUERELAY_KEYS_FILE"); v != "" {
				rc.KeysFile = v
			}
			if cmd.Flags().Changed("history-retention") {
				rc.HistoryRetention = retention
			}
			if cmd.Flags().Changed("sweep-interval") {
				rc.SweepInterval = sweep
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serve(ctx, rc)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default relay.addr)")
	cmd.Flags().StringVar(&socket, "socket", "", "also listen on this unix socket")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default relay.db_path)")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "API keys file (default $CUERELAY_KEYS_FILE or relay.keys_file)")
	cmd.Flags().DurationVar(&retention, "history-retention", 0, "delete history older than this (0 keeps everything)")
	cmd.Flags().DurationVar(&sweep, "sweep-interval", 0, "how often the retention sweeper runs")
	return cmd
}

func serve(ctx context.Context, rc config.RelayConfig) error {
	log := logger.For(logger.ComponentRelay)
	ring, err := auth.LoadKeyring(rc.KeysFile)
	if err != nil {
		return fmt.Errorf("auth init failed: %w", err)
	}
	host, port, err := engine.SplitAddr(rc.Addr)
	if err != nil {
		return err
	}
	srv, err := embedded.New(embedded.Config{
		DBPath:           rc.DBPath,
		Host:             host,
		Port:             port,
		SocketPath:       rc.SocketPath,
		Keyring:          ring,
		HistoryRetention: rc.HistoryRetention,
		SweepInterval:    rc.SweepInterval,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("relay init failed: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}
	log.Infow("relay serving", "url", srv.URL(), "db", rc.DBPath, "keys", rc.KeysFile)

	waitErr := srv.Wait(ctx)
	if err := srv.Stop(); err != nil {
		log.Warnw("relay shutdown", "error", err)
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

var errMemoryStore = errors.New("command needs a shared store; set store.backend or CUERELAY_STORE_URL")

// openShared opens the configured store for producer-side commands, which
// are pointless against a private in-memory store.
func openShared(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Store.Backend == config.StoreMemory {
		return nil, errMemoryStore
	}
	return engine.OpenStore(ctx, cfg.Store)
}

func initCmd() *cobra.Command {
	var (
		role     string
		keysFile string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Add an API key for a role to the keys file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := keysFile
			if path == "" {
				path = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(path, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s key to %s\n%s\n", role, path, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleDevice), "key role: device or producer")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file (default $CUERELAY_KEYS_FILE or ./cuerelay.keys.yaml)")
	return cmd
}

func simulateCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		deviceID string
		userID   string
		settle   time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Link a device to a user and push a scripted behavior sequence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if deviceID == "" {
				deviceID = cfg.Device.ID
			}
			if deviceID == "" {
				return engine.ErrNoDeviceID
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			store, err := openShared(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := engine.Simulation{
				Store:    store,
				DeviceID: deviceID,
				UserID:   userID,
				Settle:   settle,
				Interval: interval,
				Log:      logger.For(logger.ComponentEngine),
			}.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d history events for %s\n", len(ids), userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device to link (default device.id)")
	cmd.Flags().StringVar(&userID, "user", "test_user_sim", "user to link and write history for")
	cmd.Flags().DurationVar(&settle, "settle", 15*time.Second, "wait after linking before the first event")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "wait between events")
	return cmd
}

func unlinkCmd(load func() (*config.Config, error)) *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "unlink",
		Short: "Clear a device's user link",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if deviceID == "" {
				deviceID = cfg.Device.ID
			}
			if deviceID == "" {
				return engine.ErrNoDeviceID
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			store, err := openShared(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := engine.Unlink(ctx, store, deviceID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlinked %s\n", core.DevicePath(deviceID))
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device to unlink (default device.id)")
	return cmd
}
