// pkg/types/node.go
package types

import (
	"fmt"
	"net"
	"strconv"
)

// NodeSpec describes one node of a topology: its id and where it listens.
type NodeSpec struct {
	ID   uint64 `yaml:"id"`
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port"`
}

// Address is host:port, with an empty host meaning loopback.
func (n NodeSpec) Address() string {
	host := n.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(n.Port))
}

func (n NodeSpec) String() string {
	return fmt.Sprintf("node %d @ %s", n.ID, n.Address())
}

// LinkSpec asks node From to dial node To.
type LinkSpec struct {
	From uint64 `yaml:"from"`
	To   uint64 `yaml:"to"`
}
