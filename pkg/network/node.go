package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/floodnet/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Node is one overlay participant: a listener, the registry of live links,
// a router and the single loop all of them are driven from.
//
// Connect and Send may be called from any goroutine; they marshal their
// work onto the loop. Stop is abrupt: pending tasks are abandoned, queued
// frames are not flushed and links are simply closed.
type Node struct {
	id     uint64
	cfg    Config
	log    logrus.FieldLogger
	ln     net.Listener
	loop   *loop
	links  *Registry
	router *Router
	stats  counters

	handler atomic.Pointer[ReceiveHandler]

	// mu orders Connect's wg.Add before Stop's cancel.
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// New binds the listener immediately; an unavailable port fails with ErrBind.
func New(cfg *Config) (*Node, error) {
	c := cfg.withDefaults()
	log := c.Logger.WithField("node", c.ID)

	ln := c.Listener
	if ln == nil {
		addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:     c.ID,
		cfg:    c,
		log:    log,
		ln:     ln,
		loop:   newLoop(),
		links:  NewRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
	n.router = NewRouter(c.ID, n.links, n.deliver, log)
	n.router.stats = &n.stats
	n.SetReceiveHandler(nil)

	log.Infof("Listening on %s", ln.Addr())
	return n, nil
}

func (n *Node) ID() uint64 {
	return n.id
}

// Addr is the bound listener address, useful when Port was 0.
func (n *Node) Addr() net.Addr {
	return n.ln.Addr()
}

func (n *Node) Stats() Stats {
	return n.stats.snapshot()
}

// SetReceiveHandler replaces the delivery callback. nil restores the
// default, which only logs.
func (n *Node) SetReceiveHandler(h ReceiveHandler) {
	if h == nil {
		h = n.logDelivery
	}
	n.handler.Store(&h)
}

func (n *Node) logDelivery(self, src uint64, payload []byte) {
	n.log.WithFields(logrus.Fields{
		"src":   src,
		"bytes": len(payload),
	}).Info("delivered")
}

func (n *Node) deliver(src uint64, payload []byte) {
	(*n.handler.Load())(n.id, src, payload)
}

// Start begins accepting and starts the worker.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	n.loop.start()
	n.wg.Add(1)
	go n.acceptLoop()
	return nil
}

// Stop stops the loop, joins the worker and closes every link without
// flushing. It is safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.cancel()
		n.mu.Unlock()
		n.ln.Close()
		n.loop.stop()

		// The worker has exited, so the registry has no other user now.
		n.links.ForEach(func(nb Neighbor) {
			if l, ok := nb.(*Link); ok {
				l.abandon()
			}
		})
		n.wg.Wait()
		n.log.Info("Stopped")
	})
}

// Connect dials addr in the background. On success the link is registered
// exactly like an inbound one; failures are logged and dropped.
func (n *Node) Connect(addr string) {
	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		n.log.Warnf("Connect to %s after stop ignored", addr)
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DialTimeout)
		defer cancel()

		conn, err := n.cfg.Dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			n.log.WithError(err).Warnf("Connect to %s failed", addr)
			return
		}
		if !n.loop.post(func() { n.attach(conn, true) }) {
			conn.Close()
		}
	}()
}

// Send floods payload towards dst with the configured initial ttl. The
// payload is copied, so the caller may reuse it. Payloads above
// MaxFrameSize are dropped, since every neighbor would close the link.
func (n *Node) Send(dst uint64, payload []byte) {
	if uint64(len(payload)) > uint64(n.cfg.MaxFrameSize) {
		n.log.WithFields(logrus.Fields{
			"dst":   dst,
			"bytes": len(payload),
			"max":   n.cfg.MaxFrameSize,
		}).Warn("send dropped: payload exceeds max frame size")
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	msg := protocol.NewMessage(protocol.Data, n.id, dst, n.cfg.InitialTTL, buf)

	if !n.loop.post(func() {
		n.stats.sent.Add(1)
		n.router.Flood(msg, nil)
	}) {
		n.log.Debug("send after stop dropped")
	}
}

// NeighborCount returns the number of registered links, as seen from the loop.
func (n *Node) NeighborCount(ctx context.Context) (int, error) {
	var count int
	if err := n.loop.call(ctx, func() { count = n.links.Len() }); err != nil {
		return 0, err
	}
	return count, nil
}

// NeighborInfo describes one registered link.
type NeighborInfo struct {
	Addr     net.Addr
	Outbound bool
}

// Neighbors lists the registered links, as seen from the loop.
func (n *Node) Neighbors(ctx context.Context) ([]NeighborInfo, error) {
	var out []NeighborInfo
	err := n.loop.call(ctx, func() {
		n.links.ForEach(func(nb Neighbor) {
			if l, ok := nb.(*Link); ok {
				out = append(out, NeighborInfo{Addr: l.RemoteAddr(), Outbound: l.Outbound()})
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	var backoff time.Duration
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || n.ctx.Err() != nil {
				return
			}
			backoff = max(backoff*2, acceptBackoffMin)
			backoff = min(backoff, acceptBackoffMax)
			n.log.WithError(err).Warnf("Failed to accept connection; retrying in %v", backoff)
			select {
			case <-time.After(backoff):
			case <-n.ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		if !n.loop.post(func() { n.attach(conn, false) }) {
			conn.Close()
			return
		}
	}
}

// attach runs on the loop.
func (n *Node) attach(conn net.Conn, outbound bool) {
	l := newLink(conn, outbound, n.loop, n.cfg.MaxFrameSize, n.log, linkHandlers{
		onMessage: n.onMessage,
		onClose:   n.onClose,
	}, &n.wg)
	n.links.Add(l)
	n.stats.linksOpened.Add(1)
	l.start()
	if outbound {
		n.log.Infof("Connected to %s", l.RemoteAddr())
	}
	l.log.Debug("link registered")
}

func (n *Node) onMessage(l *Link, msg *protocol.Message) {
	n.router.OnMessage(msg, l)
}

func (n *Node) onClose(l *Link, _ error) {
	n.links.Remove(l)
	n.stats.linksClosed.Add(1)
}
