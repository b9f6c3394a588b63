package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is safe to read while node workers write to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestCLI(t *testing.T) (*FloodCLI, *lockedBuffer) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	out := &lockedBuffer{}
	cli := newFloodCLI(out, logger, 4)
	t.Cleanup(cli.stopAll)
	return cli, out
}

func nodePort(t *testing.T, cli *FloodCLI, id uint64) string {
	t.Helper()
	n, err := cli.nodes.Retrieve(id)
	require.NoError(t, err)
	addr := n.Addr().String()
	return addr[strings.LastIndex(addr, ":")+1:]
}

func received(cli *FloodCLI) []MessageRecord {
	var out []MessageRecord
	for _, r := range cli.history() {
		if r.Status == "received" {
			out = append(out, r)
		}
	}
	return out
}

func TestNewFloodCLI(t *testing.T) {
	cli, _ := newTestCLI(t)

	require.NotNil(t, cli)
	assert.Empty(t, cli.history())
	assert.Zero(t, cli.nodes.Len())
}

func TestAddToHistory(t *testing.T) {
	cli, _ := newTestCLI(t)

	cli.addToHistory(MessageRecord{
		Timestamp: time.Now(),
		Sender:    1,
		Recipient: 2,
		Content:   "Hello",
		Status:    "sent",
	})

	records := cli.history()
	require.Len(t, records, 1)
	assert.Equal(t, "Hello", records[0].Content)
}

func TestAddAndList(t *testing.T) {
	cli, out := newTestCLI(t)

	assert.False(t, cli.process("add 1 0"))
	assert.False(t, cli.process("add 1 0"))
	assert.Contains(t, out.String(), "Node 1 started")
	assert.Contains(t, out.String(), "already exists")

	cli.process("list")
	assert.Contains(t, out.String(), "ID: 1, Address: 127.0.0.1:")
}

func TestSendBetweenNodes(t *testing.T) {
	cli, out := newTestCLI(t)

	cli.process("add 1 0")
	cli.process("add 2 0")
	cli.process("add 3 0")
	cli.process("connect 1 127.0.0.1 " + nodePort(t, cli, 2))
	cli.process("connect 2 127.0.0.1 " + nodePort(t, cli, 3))

	// Links come up asynchronously; resend until the message crosses.
	require.Eventually(t, func() bool {
		cli.process("send 1 3 hello over two hops")
		return len(received(cli)) > 0
	}, 5*time.Second, 50*time.Millisecond)

	got := received(cli)[0]
	assert.Equal(t, uint64(1), got.Sender)
	assert.Equal(t, uint64(3), got.Recipient)
	assert.Equal(t, "hello over two hops", got.Content)
	assert.Contains(t, out.String(), "Node 3 received from 1: hello over two hops")
}

func TestStatusAndStop(t *testing.T) {
	cli, out := newTestCLI(t)

	cli.process("add 7 0")
	cli.process("status 7")
	assert.Contains(t, out.String(), "Neighbors: 0")

	cli.process("add 8 0")
	cli.process("connect 7 127.0.0.1 " + nodePort(t, cli, 8))
	require.Eventually(t, func() bool {
		cli.process("status 7")
		return strings.Contains(out.String(), "out 127.0.0.1:"+nodePort(t, cli, 8))
	}, 5*time.Second, 20*time.Millisecond)

	cli.process("stop 7")
	assert.Contains(t, out.String(), "Node 7 stopped.")
	assert.Equal(t, 1, cli.nodes.Len())

	cli.process("stop 7")
	assert.Contains(t, out.String(), "Error: node 7 not found")
}

func TestLoadTopology(t *testing.T) {
	cli, out := newTestCLI(t)

	path := filepath.Join(t.TempDir(), "line.yaml")
	doc := `
nodes:
  - {id: 10, port: 0}
  - {id: 11, port: 0}
  - {id: 12, port: 0}
links:
  - {from: 10, to: 11}
  - {from: 11, to: 12}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cli.process("load " + path)
	require.Contains(t, out.String(), "Loaded 3 nodes and 2 links")
	assert.Equal(t, 3, cli.nodes.Len())

	require.Eventually(t, func() bool {
		cli.process("send 10 12 via topology")
		return len(received(cli)) > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, uint64(12), received(cli)[0].Recipient)
}

func TestUsageAndErrors(t *testing.T) {
	cli, out := newTestCLI(t)

	tests := []struct {
		line string
		want string
	}{
		{"add 1", "Usage: add <id> <port>"},
		{"add x 0", "invalid node id"},
		{"add 1 99999", "invalid port"},
		{"connect 1 host", "Usage: connect"},
		{"connect 5 127.0.0.1 1", "node 5 not found"},
		{"send 1 2", "Usage: send"},
		{"send 5 2 hi", "node 5 not found"},
		{"status", "Usage: status <id>"},
		{"load", "Usage: load <file>"},
		{"bogus", "Unknown command: bogus"},
		{"help", "Available commands:"},
		{"history", "No message history"},
		{"list", "No nodes running."},
	}
	for _, tt := range tests {
		assert.False(t, cli.process(tt.line), tt.line)
		assert.Contains(t, out.String(), tt.want, tt.line)
	}
	assert.False(t, cli.process("   "))
}

func TestExitStopsNodes(t *testing.T) {
	for _, word := range []string{"exit", "QUIT"} {
		cli, _ := newTestCLI(t)
		cli.process("add 1 0")
		assert.True(t, cli.process(word))
		assert.Zero(t, cli.nodes.Len())
	}
}

func TestRunReadsUntilExit(t *testing.T) {
	cli, out := newTestCLI(t)

	in := strings.NewReader("add 1 0\nlist\nexit\nadd 2 0\n")
	require.NoError(t, cli.run(in))
	assert.Contains(t, out.String(), "ID: 1")
	assert.NotContains(t, out.String(), "Node 2 started")
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	out := &lockedBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader("help\nquit\n"))
	cmd.SetArgs([]string{"--log-level", "error"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Available commands:")

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--log-level", "loud"})
	assert.Error(t, cmd.Execute())
}

func TestBenchCommand(t *testing.T) {
	cmd := newRootCmd()
	out := &lockedBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"bench", "--nodes", "3", "--topology", "line",
		"--duration", "100ms", "--interval", "1ms", "--log-level", "error"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "p99=")

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"bench", "--nodes", "1"})
	assert.Error(t, cmd.Execute())
}
