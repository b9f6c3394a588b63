package network

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/busybox42/floodnet/pkg/protocol"
	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

// ReadState is the position of a link's read pipeline.
type ReadState int32

const (
	ReadIdle ReadState = iota
	ReadingHeader
	ReadingBody
	Dispatching
	ReadClosed
)

func (s ReadState) String() string {
	switch s {
	case ReadIdle:
		return "idle"
	case ReadingHeader:
		return "reading-header"
	case ReadingBody:
		return "reading-body"
	case Dispatching:
		return "dispatching"
	case ReadClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type linkHandlers struct {
	onMessage func(*Link, *protocol.Message)
	onClose   func(*Link, error)
}

// Link is one live connection to a neighbor. Reading and writing each run
// on their own goroutine; every completion is posted back to the owning
// loop, so the queue, the writing flag and closed are loop-owned.
//
// A Link stays reachable while its registry entry or either goroutine
// holds it; the conn is closed when the link transitions to closed.
type Link struct {
	conn     net.Conn
	outbound bool
	loop     *loop
	log      logrus.FieldLogger
	maxFrame uint32
	handlers linkHandlers
	wg       *sync.WaitGroup

	readState atomic.Int32

	// loop-owned
	queue   *deque.Deque[[]byte]
	writing bool
	closed  bool

	frames chan []byte
	quit   chan struct{}
}

func newLink(conn net.Conn, outbound bool, lp *loop, maxFrame uint32, log logrus.FieldLogger, h linkHandlers, wg *sync.WaitGroup) *Link {
	return &Link{
		conn:     conn,
		outbound: outbound,
		loop:     lp,
		log:      log.WithField("link", conn.RemoteAddr().String()),
		maxFrame: maxFrame,
		handlers: h,
		wg:       wg,
		queue:    deque.New[[]byte](),
		frames:   make(chan []byte, 1),
		quit:     make(chan struct{}),
	}
}

// RemoteAddr is the address of the neighbor.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Outbound reports whether this side dialed the link.
func (l *Link) Outbound() bool {
	return l.outbound
}

// ReadState is safe to call from any goroutine.
func (l *Link) ReadState() ReadState {
	return ReadState(l.readState.Load())
}

// setReadState never leaves ReadClosed.
func (l *Link) setReadState(s ReadState) {
	for {
		cur := l.readState.Load()
		if ReadState(cur) == ReadClosed || l.readState.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (l *Link) String() string {
	dir := "in"
	if l.outbound {
		dir = "out"
	}
	return fmt.Sprintf("link(%s %s)", dir, l.conn.RemoteAddr())
}

func (l *Link) start() {
	l.wg.Add(2)
	go l.readLoop()
	go l.writeLoop()
}

// Enqueue encodes msg and appends it to the write queue, starting a write
// if none is in flight. Must run on the owning loop.
func (l *Link) Enqueue(msg *protocol.Message) error {
	if l.closed {
		return ErrLinkClosed
	}
	l.queue.PushBack(msg.Encode())
	if !l.writing {
		l.writeNext()
	}
	return nil
}

// Pending is the number of queued frames, including the one in flight.
// Must run on the owning loop.
func (l *Link) Pending() int {
	return l.queue.Len()
}

func (l *Link) writeNext() {
	l.writing = true
	l.frames <- l.queue.Front()
}

func (l *Link) writeDone(err error) {
	if l.closed {
		return
	}
	if err != nil {
		l.close(fmt.Errorf("%w: %v", ErrLinkWrite, err))
		return
	}
	l.queue.PopFront()
	if l.queue.Len() > 0 {
		l.writeNext()
		return
	}
	l.writing = false
}

// close is terminal: queued frames are discarded and the handlers learn
// about it exactly once. Must run on the owning loop.
func (l *Link) close(err error) {
	if l.closed {
		return
	}
	l.closed = true
	l.writing = false
	l.readState.Store(int32(ReadClosed))
	l.queue.Clear()
	close(l.quit)
	l.conn.Close()
	l.log.WithError(err).Debug("link closed")
	if l.handlers.onClose != nil {
		l.handlers.onClose(l, err)
	}
}

// abandon tears the link down without callbacks, for use after the loop
// has stopped.
func (l *Link) abandon() {
	if l.closed {
		return
	}
	l.closed = true
	l.readState.Store(int32(ReadClosed))
	close(l.quit)
	l.conn.Close()
}

func (l *Link) fail(err error) {
	l.loop.post(func() {
		l.close(err)
	})
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	hdr := make([]byte, protocol.HeaderSize)
	for {
		l.setReadState(ReadingHeader)
		if _, err := io.ReadFull(l.conn, hdr); err != nil {
			l.fail(fmt.Errorf("%w: %v", ErrLinkRead, err))
			return
		}
		h, err := protocol.DecodeHeader(hdr)
		if err != nil {
			l.fail(err)
			return
		}
		if err := h.CheckSize(l.maxFrame); err != nil {
			l.fail(err)
			return
		}

		l.setReadState(ReadingBody)
		body := make([]byte, h.PayloadSize)
		if _, err := io.ReadFull(l.conn, body); err != nil {
			l.fail(fmt.Errorf("%w: %v", ErrLinkRead, err))
			return
		}
		payload, err := protocol.DecodeBody(h, body, l.maxFrame)
		if err != nil {
			l.fail(err)
			return
		}

		l.setReadState(Dispatching)
		msg := &protocol.Message{Header: h, Payload: payload}
		if !l.loop.post(func() {
			if !l.closed && l.handlers.onMessage != nil {
				l.handlers.onMessage(l, msg)
			}
		}) {
			return
		}
	}
}

func (l *Link) writeLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.quit:
			return
		case frame := <-l.frames:
			_, err := l.conn.Write(frame)
			if !l.loop.post(func() { l.writeDone(err) }) {
				return
			}
		}
	}
}
