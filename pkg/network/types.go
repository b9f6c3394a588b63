package network

import (
	"errors"
	"net"
	"time"

	"github.com/busybox42/floodnet/pkg/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

var (
	// ErrBind wraps listener setup failures returned by New.
	ErrBind = errors.New("bind failed")

	// ErrLinkClosed is returned by Enqueue once a link is closed.
	ErrLinkClosed = errors.New("link closed")

	// ErrLinkRead and ErrLinkWrite tag the transport failure that closed a link.
	ErrLinkRead  = errors.New("link read failed")
	ErrLinkWrite = errors.New("link write failed")

	// ErrNodeStopped is returned by queries against a stopped node.
	ErrNodeStopped = errors.New("node stopped")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("node already started")
)

// ReceiveHandler is invoked on the node's worker for every message whose
// destination is the node itself.
type ReceiveHandler func(self, src uint64, payload []byte)

// Config configures a Node.
type Config struct {
	ID   uint64
	Host string // empty listens on all interfaces
	Port int

	// InitialTTL is the hop budget for messages sent from this node.
	InitialTTL uint16

	// MaxFrameSize caps the payload size accepted from a peer.
	MaxFrameSize uint32

	DialTimeout time.Duration

	// Dialer opens outbound links. Defaults to a plain net.Dialer; use
	// SOCKS5Dialer or a Tor manager to route connects through a proxy.
	Dialer proxy.ContextDialer

	// Listener, when set, is used instead of binding Host:Port.
	Listener net.Listener

	Logger logrus.FieldLogger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.InitialTTL == 0 {
		out.InitialTTL = DefaultTTL
	}
	if out.MaxFrameSize == 0 {
		out.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if out.DialTimeout == 0 {
		out.DialTimeout = connTimeout
	}
	if out.Dialer == nil {
		out.Dialer = &net.Dialer{Timeout: out.DialTimeout}
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}
