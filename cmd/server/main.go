package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/busybox42/floodnet/pkg/network"
	"github.com/busybox42/floodnet/pkg/protocol"
	"github.com/busybox42/floodnet/pkg/tor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	id       uint64
	host     string
	port     int
	connect  []string
	ttl      uint16
	maxFrame uint32
	socks5   string
	useTor   bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "floodnode",
		Short: "Run a single flood-routed overlay node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.Uint64Var(&opts.id, "id", 0, "Node id")
	f.StringVar(&opts.host, "host", "", "Interface to listen on (all if empty)")
	f.IntVar(&opts.port, "port", 8080, "Port to listen on")
	f.StringSliceVar(&opts.connect, "connect", nil, "Neighbors to dial, host:port (repeatable)")
	f.Uint16Var(&opts.ttl, "ttl", network.DefaultTTL, "Initial hop budget for sent messages")
	f.Uint32Var(&opts.maxFrame, "max-frame", protocol.DefaultMaxFrameSize, "Largest accepted payload in bytes")
	f.StringVar(&opts.socks5, "socks5", "", "Dial neighbors through this SOCKS5 proxy")
	f.BoolVar(&opts.useTor, "tor", false, "Start embedded Tor, listen on an onion service and dial through it")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.MarkFlagsMutuallyExclusive("socks5", "tor")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := &network.Config{
		ID:           opts.id,
		Host:         opts.host,
		Port:         opts.port,
		InitialTTL:   opts.ttl,
		MaxFrameSize: opts.maxFrame,
		Logger:       logger,
	}

	if opts.socks5 != "" {
		cfg.Dialer, err = network.SOCKS5Dialer(opts.socks5, nil)
		if err != nil {
			return err
		}
	}

	if opts.useTor {
		tm, err := tor.StartTor(ctx, &tor.Config{Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to start Tor: %w", err)
		}
		defer tm.StopTor()

		if cfg.Dialer, err = tm.Dialer(); err != nil {
			return err
		}
		ln, onion, err := tm.Listen(ctx, opts.port)
		if err != nil {
			return err
		}
		cfg.Listener = ln
		logger.Infof("Reachable at %s:%d", onion, opts.port)
	}

	n, err := network.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()

	for _, addr := range opts.connect {
		n.Connect(addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case <-ctx.Done():
	}
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
