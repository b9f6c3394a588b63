package tor

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/busybox42/floodnet/pkg/network"
	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Config controls how the embedded Tor process is started.
type Config struct {
	// Retries is the number of start attempts, each on a fresh SOCKS port.
	Retries int

	// BootstrapTimeout bounds the wait for the SOCKS5 proxy to come up.
	BootstrapTimeout time.Duration

	Logger logrus.FieldLogger
}

// TorManager manages an embedded Tor instance. Overlay links are dialed
// through its SOCKS5 proxy and a node can listen on an onion service.
type TorManager struct {
	TorInstance *tor.Tor
	SocksPort   int
	DataDir     string

	log logrus.FieldLogger
}

// StartTor starts Tor with networking enabled and waits for its SOCKS5
// proxy. Each attempt uses a fresh data directory and SOCKS port.
func StartTor(ctx context.Context, cfg *Config) (*TorManager, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	log := c.Logger.WithField("component", "tor")

	log.Info("Starting embedded Tor")
	for attempt := 1; attempt <= c.Retries; attempt++ {
		socksPort, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("failed to pick SOCKS port: %w", err)
		}

		dataDir, err := os.MkdirTemp("", "tor-data-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary Tor data directory: %w", err)
		}

		t, err := tor.Start(ctx, &tor.StartConf{
			DataDir:         dataDir,
			NoAutoSocksPort: true,
			ExtraArgs:       []string{"--SocksPort", strconv.Itoa(socksPort)},
		})
		if err != nil {
			os.RemoveAll(dataDir)
			log.WithError(err).Warnf("Attempt %d failed to start Tor on port %d", attempt, socksPort)
			continue
		}

		if err := t.EnableNetwork(ctx, true); err != nil {
			t.Close()
			os.RemoveAll(dataDir)
			log.WithError(err).Warnf("Attempt %d could not enable network", attempt)
			continue
		}

		socksAddress := net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))
		if !waitForSocks5Proxy(ctx, socksAddress, c.BootstrapTimeout) {
			t.Close()
			os.RemoveAll(dataDir)
			log.Warnf("Attempt %d: SOCKS5 proxy did not start on %s", attempt, socksAddress)
			continue
		}

		log.Infof("Tor ready, SOCKS5 on %s", socksAddress)
		return &TorManager{
			TorInstance: t,
			SocksPort:   socksPort,
			DataDir:     dataDir,
			log:         log,
		}, nil
	}

	return nil, fmt.Errorf("failed to start Tor after %d attempts", c.Retries)
}

// Listen publishes a v3 onion service on port and returns it as a listener
// suitable for network.Config.Listener, together with its .onion address.
func (tm *TorManager) Listen(ctx context.Context, port int) (net.Listener, string, error) {
	hs, err := tm.TorInstance.Listen(ctx, &tor.ListenConf{
		RemotePorts: []int{port},
		Version3:    true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create hidden service: %w", err)
	}
	onion := hs.ID + ".onion"
	tm.log.Infof("Hidden service address: %s:%d", onion, port)
	return hs, onion, nil
}

// Dialer returns a dialer that routes outbound links through Tor.
func (tm *TorManager) Dialer() (proxy.ContextDialer, error) {
	return network.SOCKS5Dialer(tm.SocksAddress(), nil)
}

func (tm *TorManager) SocksAddress() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(tm.SocksPort))
}

// StopTor shuts down the embedded Tor instance and removes its data directory.
func (tm *TorManager) StopTor() error {
	tm.log.Info("Stopping Tor")
	if tm.TorInstance != nil {
		if err := tm.TorInstance.Close(); err != nil {
			return err
		}
	}
	if tm.DataDir != "" {
		os.RemoveAll(tm.DataDir)
	}
	return nil
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// waitForSocks5Proxy checks if the SOCKS5 proxy is ready before proceeding.
func waitForSocks5Proxy(ctx context.Context, address string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}
