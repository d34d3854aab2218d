package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"walkie/internal/config"
	"walkie/internal/daemon"
	"walkie/internal/debuglog"
	"walkie/internal/metrics"
	"walkie/internal/network"
	"walkie/internal/paths"
	"walkie/internal/pprofutil"
)

type nodeFlags struct {
	config     string
	debug      bool
	foreground bool
}

func newRootCmd() *cobra.Command {
	var f nodeFlags
	cmd := &cobra.Command{
		Use:           "walkie-node",
		Short:         "Run the walkie daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, paths.FromEnv(), f)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "Config file (default <root>/config.yaml)")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&f.foreground, "foreground", false, "Also log to stderr")
	return cmd
}

func runNode(ctx context.Context, p paths.Paths, f nodeFlags) (err error) {
	if err := os.MkdirAll(p.Root, 0700); err != nil {
		return err
	}
	cfgPath := f.config
	if cfgPath == "" {
		cfgPath = p.Config
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := debuglog.New(debuglog.Options{
		Path:   p.Log,
		Level:  cfg.LogLevel,
		Debug:  f.debug,
		Stderr: f.foreground,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeLog()) }()

	if cfg.PprofAddr != "" {
		prof, perr := pprofutil.Start(cfg.PprofAddr, logger)
		if perr != nil {
			logger.Warn("pprof disabled", zap.Error(perr))
		} else {
			defer func() { err = multierr.Append(err, prof.Close()) }()
		}
	}

	tr, err := newTransport(cfg, p, logger)
	if err != nil {
		return err
	}
	m := metrics.New()
	d, err := daemon.New(daemon.Options{
		Transport:     tr,
		Scope:         p.Scope,
		Logger:        logger,
		Metrics:       m,
		FlushTimeout:  cfg.FlushTimeout,
		PeerRate:      cfg.PeerRate,
		PeerBurst:     cfg.PeerBurst,
		OutboundQueue: cfg.OutboundQueue,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}

	ln, err := daemon.Listen(p.Socket)
	if err != nil {
		_ = d.Close()
		return err
	}
	if err := os.WriteFile(p.PID, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		_ = ln.Close()
		_ = d.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srv := daemon.NewServer(d, daemon.ServerOptions{
		Logger: logger,
		OnStop: cancel,
		Stats:  func() any { return m.Snapshot() },
	})
	if err := d.Start(ctx); err != nil {
		_ = ln.Close()
		return multierr.Combine(err, d.Close(), cleanupFiles(p))
	}
	logger.Info("daemon ready",
		zap.String("id", d.ID()),
		zap.Int("pid", os.Getpid()),
		zap.String("transport", cfg.Transport),
		zap.String("socket", p.Socket),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	go m.RunSnapshotWriter(ctx, p.Metrics, cfg.MetricsInterval, func(err error) {
		logger.Debug("metrics snapshot failed", zap.Error(err))
	})

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			logger.Error("control server failed", zap.Error(err))
		}
	}
	logger.Info("shutting down")
	return multierr.Combine(err, srv.Close(), d.Close(), cleanupFiles(p))
}

func newTransport(cfg *config.Config, p paths.Paths, logger *zap.Logger) (network.Transport, error) {
	switch cfg.Transport {
	case config.TransportQUIC:
		return network.NewQUICTransport(network.QUICOptions{
			ListenAddr:    cfg.QUIC.Listen,
			Peers:         cfg.QUIC.Peers,
			MaxConnsPerIP: cfg.QUIC.MaxConnsPerIP,
			Logger:        logger,
		})
	case config.TransportLibp2p:
		return network.NewP2PTransport(network.P2POptions{
			ListenAddrs:  cfg.Libp2p.Listen,
			Bootstrap:    cfg.Libp2p.Bootstrap,
			MDNS:         cfg.Libp2p.MDNSEnabled(),
			IdentityPath: p.Identity,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func cleanupFiles(p paths.Paths) error {
	var err error
	for _, path := range []string{p.Socket, p.PID} {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}
