package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/eventbus"
	"github.com/steveyegge/mend/internal/fix"
	"github.com/steveyegge/mend/internal/flow"
	"github.com/steveyegge/mend/internal/issues"
	"github.com/steveyegge/mend/internal/lockfile"
	"github.com/steveyegge/mend/internal/rpc"
	"github.com/steveyegge/mend/internal/selfcheck"
	"github.com/steveyegge/mend/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the mend server",
	Long: `Run the issue registry, fix flow engine and command gateway in the
foreground.

The server accepts commands over WebSocket at /api/websocket and, unless
--socket="" is given, over a unix socket with newline-delimited JSON.
/health and /metrics report server state as JSON.

Config keys (flags override env, env overrides the config file):
  listen                     HTTP listen address
  socket                     unix socket path
  host-version               version stamped on dismissed issues
  flows.idle-timeout         drop fix flows idle this long
  flows.finished-retention   keep finished flows this long
  flows.sweep-interval       how often to sweep flows
  server.max-conns           connection limit per transport
  server.read-timeout        idle read deadline per connection
  server.max-message-bytes   per-message read limit
  log.level, log.format      debug|info|warn|error, text|json`,
}

func init() {
	// Assigned here rather than in the literal: runServe refers to serveCmd.
	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	}
	serveCmd.Flags().String("listen", "", "HTTP listen address (config: listen)")
	serveCmd.Flags().String("socket", "", "Unix socket path, empty to disable (config: socket)")
	serveCmd.Flags().String("host-version", "", "Host application version (config: host-version)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (config: log.level)")
	serveCmd.Flags().String("log-format", "", "Log format: text or json (config: log.format)")
	rootCmd.AddCommand(serveCmd)
}

func bindServeFlags(cmd *cobra.Command) error {
	for key, flag := range map[string]string{
		config.KeyListen:      "listen",
		config.KeySocket:      "socket",
		config.KeyHostVersion: "host-version",
		config.KeyLogLevel:    "log-level",
		config.KeyLogFormat:   "log-format",
	} {
		if err := config.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func runServe(parent context.Context) error {
	if err := bindServeFlags(serveCmd); err != nil {
		return err
	}
	cfg := config.Load()

	level := parseLogLevel(cfg.LogLevel)
	if verboseFlag {
		level = slog.LevelDebug
	}
	log := newLogger(os.Stderr, cfg.LogFormat, level)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:    "mend",
		ServiceVersion: Version,
		Enabled:        cfg.Telemetry,
		Stdout:         cfg.TelemetryStdout,
		Endpoint:       cfg.TelemetryEndpoint,
		ExportInterval: cfg.TelemetryInterval,
	})
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	bus := eventbus.New(log.With("component", "eventbus"))
	registry := issues.New(cfg.HostVersion,
		issues.WithBus(bus),
		issues.WithLogger(log.With("component", "issues")))
	coord := fix.New(registry,
		fix.WithBus(bus),
		fix.WithLogger(log.With("component", "fix")),
		fix.WithEngineOptions(
			flow.WithIdleTimeout(cfg.IdleTimeout),
			flow.WithFinishedRetention(cfg.FinishedRetention),
		))

	checker := selfcheck.New(registry, selfCheckPath(), selfcheck.WithLogger(log.With("component", "selfcheck")))
	if err := checker.Register(coord); err != nil {
		return fmt.Errorf("register self-check: %w", err)
	}

	metrics := rpc.NewMetrics()
	metrics.SetSlowCallback(func(command string, latency time.Duration) {
		log.Warn("slow command", "command", command, "latency", latency)
	})
	gw := rpc.NewGateway(registry, coord, bus,
		rpc.WithGatewayLogger(log.With("component", "gateway")),
		rpc.WithMetrics(metrics))

	serverCfg := rpc.ServerConfig{
		MaxConns:        cfg.MaxConns,
		ReadTimeout:     cfg.ReadTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		Version:         Version,
	}

	lock, err := lockfile.Acquire(lockPath(cfg), lockfile.LockInfo{
		Version: Version,
		Listen:  cfg.Listen,
		Socket:  cfg.Socket,
	})
	if err != nil {
		return fmt.Errorf("cannot start server: %w", err)
	}
	defer func() { _ = lock.Release() }()

	log.Info("starting mend", "version", Version, "host_version", cfg.HostVersion, "config", checker.Path())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rpc.NewServer(gw, serverCfg).ListenAndServe(gctx, cfg.Listen)
	})
	if cfg.Socket != "" {
		g.Go(func() error {
			return rpc.NewSocketServer(gw, cfg.Socket, serverCfg).Start(gctx)
		})
	}
	g.Go(func() error {
		return coord.Engine().Run(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		if err := checker.Watch(gctx); err != nil {
			// The server is still useful without the self-check.
			log.Warn("config watcher stopped", "error", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("mend stopped")
	return err
}

// lockPath places the instance lock next to the socket, or in the temp dir
// when the socket is disabled.
func lockPath(cfg config.Config) string {
	if cfg.Socket != "" {
		return filepath.Join(filepath.Dir(cfg.Socket), "mend.lock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("mend-%d", os.Getuid()), "mend.lock")
}

// selfCheckPath is the config file the self-check module watches: the one
// that was loaded, or where one would be picked up.
func selfCheckPath() string {
	if used := config.ConfigFileUsed(); used != "" {
		return used
	}
	if configFile != "" {
		return configFile
	}
	abs, err := filepath.Abs("mend.yaml")
	if err != nil {
		return "mend.yaml"
	}
	return abs
}
