package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/server"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

const shutdownTimeout = 10 * time.Second

// serverFlags holds the command line overrides of the config file.
type serverFlags struct {
	configPath string

	addr     string
	path     string
	logLevel string

	connectTimeoutMs     int64
	sendPacingMs         int64
	maxCloseReasonLength int
	connectHoldMs        int64
	sessionMaxIdleMs     int64
	writeTimeoutMs       int64
}

func newRootCmd() *cobra.Command {
	cmd, _ := newServerCmd()
	return cmd
}

func newServerCmd() (*cobra.Command, *serverFlags) {
	f := &serverFlags{}
	defaults := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "cometd-server",
		Short: "Run a Bayeux server over WebSocket and long-polling",
		Example: `  # Defaults, listening on :8080/cometd
  cometd-server

  # Config file with a throttled send path
  cometd-server --config cometd.yaml --send-pacing-ms 100`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	fs.StringVar(&f.addr, "addr", defaults.Addr, "Listen address")
	fs.StringVar(&f.path, "path", defaults.Path, "Bayeux endpoint path")
	fs.StringVar(&f.logLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	fs.Int64Var(&f.connectTimeoutMs, "connect-timeout-ms", defaults.ConnectTimeoutMs, "Connect timeout without deliveries, 0 disables it")
	fs.Int64Var(&f.sendPacingMs, "send-pacing-ms", defaults.SendPacingMs, "Minimum delay between sends on one session")
	fs.IntVar(&f.maxCloseReasonLength, "max-close-reason-length", defaults.MaxCloseReasonLength, "Close reasons are truncated to this many characters")
	fs.Int64Var(&f.connectHoldMs, "connect-hold-ms", defaults.ConnectHoldMs, "How long a connect is held with nothing to deliver")
	fs.Int64Var(&f.sessionMaxIdleMs, "session-max-idle-ms", defaults.SessionMaxIdleMs, "Detached sessions idle longer than this are expired")
	fs.Int64Var(&f.writeTimeoutMs, "write-timeout-ms", defaults.WriteTimeoutMs, "WebSocket write timeout")

	return cmd, f
}

// buildConfig loads the config file, if any, and applies the flags set on the command line over it.
func buildConfig(cmd *cobra.Command, f *serverFlags) (*server.Config, error) {
	cfg := server.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = server.LoadConfig(f.configPath); err != nil {
			return nil, err
		}
	}

	fs := cmd.Flags()
	if fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if fs.Changed("path") {
		cfg.Path = f.path
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("connect-timeout-ms") {
		cfg.ConnectTimeoutMs = f.connectTimeoutMs
	}
	if fs.Changed("send-pacing-ms") {
		cfg.SendPacingMs = f.sendPacingMs
	}
	if fs.Changed("max-close-reason-length") {
		cfg.MaxCloseReasonLength = f.maxCloseReasonLength
	}
	if fs.Changed("connect-hold-ms") {
		cfg.ConnectHoldMs = f.connectHoldMs
	}
	if fs.Changed("session-max-idle-ms") {
		cfg.SessionMaxIdleMs = f.sessionMaxIdleMs
	}
	if fs.Changed("write-timeout-ms") {
		cfg.WriteTimeoutMs = f.writeTimeoutMs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *server.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := pkg.NewZapLogger(pkg.ParseLogLevel(cfg.LogLevel))

	serverTransport, err := transport.NewCometDServerTransport(cfg.Addr,
		transport.WithCometDServerTransportOptionLogger(logger),
		transport.WithCometDServerTransportOptionEndpoint(cfg.Path),
		transport.WithCometDServerTransportOptionWriteTimeout(cfg.WriteTimeout()),
	)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	srv, err := server.NewServer(serverTransport, append(cfg.Options(), server.WithLogger(logger))...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("cometd server listening on %s%s", cfg.Addr, cfg.Path)
		return srv.Run()
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infof("cometd server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
