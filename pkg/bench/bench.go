// Package bench drives traffic through a set of in-process nodes and
// reports delivery counts, throughput and latency percentiles.
package bench

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/busybox42/floodnet/pkg/network"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Topology selects how the generated nodes are linked. Node 0 is always
// the sink every message is addressed to.
type Topology string

const (
	// Star links every other node to node 0.
	Star Topology = "star"
	// Line links node i to node i+1.
	Line Topology = "line"
)

// stampSize is the payload length: sequence number then send offset.
const stampSize = 16

var ErrConfig = errors.New("invalid benchmark config")

type Config struct {
	Nodes    int
	Topology Topology
	Duration time.Duration
	// Interval between sends; one message per tick, senders taken in turn.
	Interval time.Duration
	// Settle is how long to keep collecting after the last send.
	Settle time.Duration
	// TTL defaults to the number of nodes, enough for a line.
	TTL       uint16
	Host      string
	Reservoir int
	Logger    logrus.FieldLogger
}

func (c *Config) withDefaults() (Config, error) {
	out := *c
	if out.Nodes == 0 {
		out.Nodes = 3
	}
	if out.Nodes < 2 {
		return out, fmt.Errorf("%w: need at least 2 nodes, got %d", ErrConfig, out.Nodes)
	}
	switch out.Topology {
	case "":
		out.Topology = Star
	case Star, Line:
	default:
		return out, fmt.Errorf("%w: unknown topology %q", ErrConfig, out.Topology)
	}
	if out.Duration == 0 {
		out.Duration = 5 * time.Second
	}
	if out.Interval == 0 {
		out.Interval = 200 * time.Microsecond
	}
	if out.Settle == 0 {
		out.Settle = 250 * time.Millisecond
	}
	if out.TTL == 0 {
		out.TTL = uint16(out.Nodes)
	}
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.Reservoir == 0 {
		out.Reservoir = 100000
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out, nil
}

type Result struct {
	Sent      uint64
	Received  uint64
	Dropped   uint64 // payloads too short to carry a stamp
	Elapsed   time.Duration
	MsgPerSec float64
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("sent=%d received=%d dropped=%d elapsed=%v rate=%.0f msg/s p50=%v p95=%v p99=%v",
		r.Sent, r.Received, r.Dropped, r.Elapsed.Round(time.Millisecond), r.MsgPerSec, r.P50, r.P95, r.P99)
}

// Benchmark owns the generated nodes until Stop.
type Benchmark struct {
	cfg   Config
	log   logrus.FieldLogger
	nodes []*network.Node

	start     time.Time
	sent      atomic.Uint64
	received  atomic.Uint64
	dropped   atomic.Uint64
	latencies metrics.Histogram
}

// New creates and starts cfg.Nodes nodes with ids 0..n-1 on ephemeral ports.
func New(cfg *Config) (*Benchmark, error) {
	c, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	b := &Benchmark{
		cfg:       c,
		log:       c.Logger.WithField("component", "bench"),
		latencies: metrics.NewHistogram(metrics.NewUniformSample(c.Reservoir)),
	}
	for i := 0; i < c.Nodes; i++ {
		n, err := network.New(&network.Config{
			ID:         uint64(i),
			Host:       c.Host,
			InitialTTL: c.TTL,
			Logger:     c.Logger,
		})
		if err != nil {
			b.Stop()
			return nil, err
		}
		b.nodes = append(b.nodes, n)
		if err := n.Start(); err != nil {
			b.Stop()
			return nil, err
		}
	}
	return b, nil
}

func (b *Benchmark) Nodes() []*network.Node {
	return b.nodes
}

func (b *Benchmark) Stop() {
	for _, n := range b.nodes {
		n.Stop()
	}
}

// connect links the nodes and waits until every link is registered on
// both ends.
func (b *Benchmark) connect(ctx context.Context) error {
	want := make([]int, len(b.nodes))
	for i := 1; i < len(b.nodes); i++ {
		switch b.cfg.Topology {
		case Star:
			b.nodes[i].Connect(b.nodes[0].Addr().String())
			want[0]++
			want[i]++
		case Line:
			b.nodes[i-1].Connect(b.nodes[i].Addr().String())
			want[i-1]++
			want[i]++
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		ready := true
		for i, n := range b.nodes {
			count, err := n.NeighborCount(ctx)
			if err != nil {
				return err
			}
			if count != want[i] {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for links: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *Benchmark) stamp(seq uint64) []byte {
	buf := make([]byte, stampSize)
	binary.BigEndian.PutUint64(buf[:8], seq)
	binary.BigEndian.PutUint64(buf[8:], uint64(time.Since(b.start)))
	return buf
}

func (b *Benchmark) onReceive(_, _ uint64, payload []byte) {
	if len(payload) < stampSize {
		b.dropped.Add(1)
		return
	}
	sentAt := time.Duration(binary.BigEndian.Uint64(payload[8:stampSize]))
	b.latencies.Update(int64(time.Since(b.start) - sentAt))
	b.received.Add(1)
}

// Run links the nodes, sends to node 0 from the others in turn for
// cfg.Duration and collects the result.
func (b *Benchmark) Run(ctx context.Context) (*Result, error) {
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	b.log.Infof("Starting %s benchmark over %d nodes for %v", b.cfg.Topology, len(b.nodes), b.cfg.Duration)

	// start must be set before the handler is published to the sink's worker.
	b.start = time.Now()
	sink := b.nodes[0]
	sink.SetReceiveHandler(b.onReceive)
	defer sink.SetReceiveHandler(nil)

	ticker := time.NewTicker(b.cfg.Interval)
	deadline := time.NewTimer(b.cfg.Duration)
	defer deadline.Stop()

	var seq uint64
	index := 1
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			break loop
		case <-ticker.C:
			b.nodes[index].Send(sink.ID(), b.stamp(seq))
			b.sent.Add(1)
			seq++
			index++
			if index == len(b.nodes) {
				index = 1
			}
		}
	}
	ticker.Stop()
	elapsed := time.Since(b.start)

	select {
	case <-ctx.Done():
	case <-time.After(b.cfg.Settle):
	}

	return b.collect(elapsed), nil
}

func (b *Benchmark) collect(elapsed time.Duration) *Result {
	r := &Result{
		Sent:     b.sent.Load(),
		Received: b.received.Load(),
		Dropped:  b.dropped.Load(),
		Elapsed:  elapsed,
	}
	if elapsed > 0 {
		r.MsgPerSec = float64(r.Sent) / elapsed.Seconds()
	}
	r.P50, r.P95, r.P99 = percentiles(b.latencies)
	return r
}

func percentiles(h metrics.Histogram) (p50, p95, p99 time.Duration) {
	ps := h.Percentiles([]float64{0.50, 0.95, 0.99})
	return time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2])
}

// Run is New, Run and Stop in one call.
func Run(ctx context.Context, cfg *Config) (*Result, error) {
	b, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defer b.Stop()
	return b.Run(ctx)
}
