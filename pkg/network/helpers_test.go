package network

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/busybox42/floodnet/pkg/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startTestNode(t *testing.T, id uint64, mutate ...func(*Config)) *Node {
	t.Helper()
	cfg := &Config{
		ID:     id,
		Host:   "127.0.0.1",
		Logger: testLogger(),
	}
	for _, m := range mutate {
		m(cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n
}

func waitForNeighbors(t *testing.T, n *Node, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, err := n.NeighborCount(ctx)
		return err == nil && got == want
	}, 5*time.Second, 10*time.Millisecond, "node %d never reached %d neighbors", n.ID(), want)
}

// dialRaw opens a plain TCP connection to n, standing in for a neighbor.
func dialRaw(t *testing.T, n *Node) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", n.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, msg *protocol.Message) {
	t.Helper()
	_, err := conn.Write(msg.Encode())
	require.NoError(t, err)
}

func readFrame(conn net.Conn, timeout time.Duration) (*protocol.Message, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	hdr := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	h, err := protocol.DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	payload, err := protocol.DecodeBody(h, body, protocol.DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	return &protocol.Message{Header: h, Payload: payload}, nil
}

func requireSilent(t *testing.T, conn net.Conn) {
	t.Helper()
	msg, err := readFrame(conn, 200*time.Millisecond)
	require.Error(t, err, "unexpected frame %v", msg)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Timeout(), "expected a read timeout, got %v", err)
}

func (l *loop) stopped() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}
