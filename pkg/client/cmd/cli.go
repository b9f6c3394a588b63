package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/floodnet/internal/store"
	"github.com/busybox42/floodnet/pkg/bench"
	"github.com/busybox42/floodnet/pkg/network"
	"github.com/busybox42/floodnet/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type MessageRecord struct {
	Timestamp time.Time
	Sender    uint64
	Recipient uint64
	Content   string
	Status    string
}

// syncWriter serializes output from the prompt and from node workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

// FloodCLI hosts any number of nodes in one process and drives them from
// a line-oriented prompt.
type FloodCLI struct {
	nodes          *store.Local[*network.Node]
	out            *syncWriter
	log            logrus.FieldLogger
	ttl            uint16
	messageHistory []MessageRecord
	historyMu      sync.RWMutex
}

func newFloodCLI(out io.Writer, log logrus.FieldLogger, ttl uint16) *FloodCLI {
	return &FloodCLI{
		nodes:          store.NewLocal[*network.Node](),
		out:            &syncWriter{w: out},
		log:            log,
		ttl:            ttl,
		messageHistory: make([]MessageRecord, 0),
	}
}

func (cli *FloodCLI) addToHistory(record MessageRecord) {
	cli.historyMu.Lock()
	defer cli.historyMu.Unlock()
	cli.messageHistory = append(cli.messageHistory, record)
}

func (cli *FloodCLI) history() []MessageRecord {
	cli.historyMu.RLock()
	defer cli.historyMu.RUnlock()
	return append([]MessageRecord(nil), cli.messageHistory...)
}

func (cli *FloodCLI) addNode(id uint64, host string, port int) error {
	if _, err := cli.nodes.Retrieve(id); err == nil {
		return fmt.Errorf("node %d already exists", id)
	}

	n, err := network.New(&network.Config{
		ID:         id,
		Host:       host,
		Port:       port,
		InitialTTL: cli.ttl,
		Logger:     cli.log,
	})
	if err != nil {
		return err
	}
	n.SetReceiveHandler(func(self, src uint64, payload []byte) {
		timestamp := time.Now()
		cli.out.Printf("\r\n[%s] Node %d received from %d: %s\nflood> ",
			timestamp.Format("2006-01-02 15:04:05"), self, src, payload)
		cli.addToHistory(MessageRecord{
			Timestamp: timestamp,
			Sender:    src,
			Recipient: self,
			Content:   string(payload),
			Status:    "received",
		})
	})

	if err := cli.nodes.Store(id, n); err != nil {
		n.Stop()
		return fmt.Errorf("node %d already exists", id)
	}
	return n.Start()
}

func (cli *FloodCLI) connectNode(id uint64, addr string) error {
	n, err := cli.nodes.Retrieve(id)
	if err != nil {
		return fmt.Errorf("node %d not found", id)
	}
	n.Connect(addr)
	return nil
}

func (cli *FloodCLI) sendMessage(from, to uint64, message string) error {
	n, err := cli.nodes.Retrieve(from)
	if err != nil {
		return fmt.Errorf("node %d not found", from)
	}
	n.Send(to, []byte(message))
	cli.addToHistory(MessageRecord{
		Timestamp: time.Now(),
		Sender:    from,
		Recipient: to,
		Content:   message,
		Status:    "sent",
	})
	return nil
}

func (cli *FloodCLI) stopNode(id uint64) error {
	n, err := cli.nodes.Delete(id)
	if err != nil {
		return fmt.Errorf("node %d not found", id)
	}
	n.Stop()
	return nil
}

func (cli *FloodCLI) stopAll() {
	cli.nodes.Range(func(id uint64, _ *network.Node) bool {
		cli.stopNode(id)
		return true
	})
}

// loadTopology starts every node of the file and then opens its links.
// Link targets hosted here are dialed at their bound address, so port 0
// works in topology files too.
func (cli *FloodCLI) loadTopology(path string) error {
	topo, err := types.LoadTopology(path)
	if err != nil {
		return err
	}
	for _, spec := range topo.Nodes {
		if err := cli.addNode(spec.ID, spec.Host, spec.Port); err != nil {
			return fmt.Errorf("%s: %w", spec, err)
		}
	}
	for _, l := range topo.Links {
		addr := cli.addressOf(topo, l.To)
		if err := cli.connectNode(l.From, addr); err != nil {
			return err
		}
	}
	cli.out.Printf("Loaded %d nodes and %d links from %s\n", len(topo.Nodes), len(topo.Links), path)
	return nil
}

func (cli *FloodCLI) addressOf(topo *types.Topology, id uint64) string {
	if n, err := cli.nodes.Retrieve(id); err == nil {
		return n.Addr().String()
	}
	spec, _ := topo.Node(id)
	return spec.Address()
}

func (cli *FloodCLI) printStatus(id uint64) error {
	n, err := cli.nodes.Retrieve(id)
	if err != nil {
		return fmt.Errorf("node %d not found", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	neighbors, err := n.Neighbors(ctx)
	if err != nil {
		return err
	}
	s := n.Stats()
	cli.out.Printf("Node %d @ %s\n", id, n.Addr())
	cli.out.Printf("  Neighbors: %d\n", len(neighbors))
	for _, nb := range neighbors {
		dir := "in"
		if nb.Outbound {
			dir = "out"
		}
		cli.out.Printf("    %s %s\n", dir, nb.Addr)
	}
	cli.out.Printf("  Sent: %d  Delivered: %d  Forwarded: %d  Dropped: %d\n",
		s.Sent, s.Delivered, s.Forwarded, s.Dropped)
	cli.out.Printf("  Links opened: %d  closed: %d\n", s.LinksOpened, s.LinksClosed)
	return nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return id, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return int(port), nil
}

func (cli *FloodCLI) printHelp() {
	cli.out.Printf("Available commands:\n")
	cli.out.Printf("  add <id> <port>                 - Add and start a new node\n")
	cli.out.Printf("  connect <id> <host> <port>      - Connect a node to another node\n")
	cli.out.Printf("  send <from_id> <to_id> <msg>    - Flood a message from one node to another\n")
	cli.out.Printf("  list                            - List all running nodes\n")
	cli.out.Printf("  status <id>                     - Show a node's neighbors and counters\n")
	cli.out.Printf("  stop <id>                       - Stop a node\n")
	cli.out.Printf("  stopall                         - Stop all nodes\n")
	cli.out.Printf("  load <file>                     - Start nodes and links from a YAML topology\n")
	cli.out.Printf("  history                         - Show message history\n")
	cli.out.Printf("  help                            - Show this help message\n")
	cli.out.Printf("  exit / quit                     - Stop all nodes and exit\n")
}

// process runs one command line and reports whether the shell should exit.
func (cli *FloodCLI) process(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch command {
	case "add":
		if len(args) != 2 {
			cli.out.Printf("Usage: add <id> <port>\n")
			return false
		}
		var id uint64
		var port int
		if id, err = parseID(args[0]); err == nil {
			if port, err = parsePort(args[1]); err == nil {
				if err = cli.addNode(id, "127.0.0.1", port); err == nil {
					cli.out.Printf("Node %d started on %s\n", id, cli.mustAddr(id))
				}
			}
		}

	case "connect":
		if len(args) != 3 {
			cli.out.Printf("Usage: connect <id> <host> <port>\n")
			return false
		}
		var id uint64
		var port int
		if id, err = parseID(args[0]); err == nil {
			if port, err = parsePort(args[2]); err == nil {
				addr := net.JoinHostPort(args[1], strconv.Itoa(port))
				if err = cli.connectNode(id, addr); err == nil {
					cli.out.Printf("Node %d connecting to %s\n", id, addr)
				}
			}
		}

	case "send":
		if len(args) < 3 {
			cli.out.Printf("Usage: send <from_id> <to_id> <message>\n")
			return false
		}
		var from, to uint64
		if from, err = parseID(args[0]); err == nil {
			if to, err = parseID(args[1]); err == nil {
				message := strings.Join(args[2:], " ")
				if err = cli.sendMessage(from, to, message); err == nil {
					cli.out.Printf("Message sent from %d to %d\n", from, to)
				}
			}
		}

	case "list":
		if cli.nodes.Len() == 0 {
			cli.out.Printf("No nodes running.\n")
			return false
		}
		cli.out.Printf("Running nodes:\n")
		cli.nodes.Range(func(id uint64, n *network.Node) bool {
			cli.out.Printf("  ID: %d, Address: %s\n", id, n.Addr())
			return true
		})

	case "status":
		if len(args) != 1 {
			cli.out.Printf("Usage: status <id>\n")
			return false
		}
		var id uint64
		if id, err = parseID(args[0]); err == nil {
			err = cli.printStatus(id)
		}

	case "stop":
		if len(args) != 1 {
			cli.out.Printf("Usage: stop <id>\n")
			return false
		}
		var id uint64
		if id, err = parseID(args[0]); err == nil {
			if err = cli.stopNode(id); err == nil {
				cli.out.Printf("Node %d stopped.\n", id)
			}
		}

	case "stopall":
		cli.stopAll()
		cli.out.Printf("All nodes stopped.\n")

	case "load":
		if len(args) != 1 {
			cli.out.Printf("Usage: load <file>\n")
			return false
		}
		err = cli.loadTopology(args[0])

	case "history":
		records := cli.history()
		if len(records) == 0 {
			cli.out.Printf("No message history\n")
		}
		for _, record := range records {
			cli.out.Printf("[%s] %d -> %d: %s (%s)\n",
				record.Timestamp.Format("15:04:05"),
				record.Sender,
				record.Recipient,
				record.Content,
				record.Status)
		}

	case "help":
		cli.printHelp()

	case "exit", "quit":
		cli.stopAll()
		return true

	default:
		cli.out.Printf("Unknown command: %s. Type 'help' for usage.\n", command)
	}

	if err != nil {
		cli.out.Printf("Error: %v\n", err)
	}
	return false
}

func (cli *FloodCLI) mustAddr(id uint64) net.Addr {
	n, _ := cli.nodes.Retrieve(id)
	return n.Addr()
}

func (cli *FloodCLI) run(in io.Reader) error {
	cli.out.Printf("Flood overlay shell. Type 'help' for available commands.\n")
	scanner := bufio.NewScanner(in)
	for {
		cli.out.Printf("flood> ")
		if !scanner.Scan() {
			cli.stopAll()
			return scanner.Err()
		}
		if cli.process(scanner.Text()) {
			return nil
		}
	}
}

func newLogger(cmd *cobra.Command, logLevel string) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}

func newRootCmd() *cobra.Command {
	var (
		topology string
		ttl      uint16
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "floodctl",
		Short: "Interactive shell hosting many overlay nodes in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd, logLevel)
			if err != nil {
				return err
			}

			cli := newFloodCLI(cmd.OutOrStdout(), logger, ttl)
			if topology != "" {
				if err := cli.loadTopology(topology); err != nil {
					cli.stopAll()
					return err
				}
			}
			return cli.run(cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&topology, "topology", "", "YAML topology to load on start")
	cmd.Flags().Uint16Var(&ttl, "ttl", network.DefaultTTL, "Initial hop budget for sent messages")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.AddCommand(newBenchCmd(&logLevel))
	return cmd
}

func newBenchCmd(logLevel *string) *cobra.Command {
	cfg := &bench.Config{}
	var topology string
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Flood traffic through generated nodes and report latency percentiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd, *logLevel)
			if err != nil {
				return err
			}
			cfg.Logger = logger
			cfg.Topology = bench.Topology(topology)

			res, err := bench.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.Nodes, "nodes", 3, "Number of nodes to generate")
	f.StringVar(&topology, "topology", string(bench.Star), "Topology: star or line")
	f.DurationVar(&cfg.Duration, "duration", 5*time.Second, "How long to send")
	f.DurationVar(&cfg.Interval, "interval", 200*time.Microsecond, "Delay between sends")
	f.Uint16Var(&cfg.TTL, "ttl", 0, "Initial hop budget (0 uses the node count)")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
