// pkg/types/topology.go
package types

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidTopology = errors.New("invalid topology")

// Topology is a set of nodes and the links to open between them, as read
// from a YAML file:
//
//	nodes:
//	  - {id: 0, port: 9000}
//	  - {id: 1, port: 9001}
//	links:
//	  - {from: 0, to: 1}
type Topology struct {
	Nodes []NodeSpec `yaml:"nodes"`
	Links []LinkSpec `yaml:"links"`
}

func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	return ParseTopology(data)
}

// Validate checks that ids are unique, ports are in range and every link
// joins two distinct declared nodes.
func (t *Topology) Validate() error {
	seen := make(map[uint64]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %d", ErrInvalidTopology, n.ID)
		}
		seen[n.ID] = true
		if n.Port < 0 || n.Port > 65535 {
			return fmt.Errorf("%w: node %d has port %d out of range", ErrInvalidTopology, n.ID, n.Port)
		}
	}
	for _, l := range t.Links {
		if l.From == l.To {
			return fmt.Errorf("%w: node %d linked to itself", ErrInvalidTopology, l.From)
		}
		if !seen[l.From] || !seen[l.To] {
			return fmt.Errorf("%w: link %d->%d names an unknown node", ErrInvalidTopology, l.From, l.To)
		}
	}
	return nil
}

// Node returns the NodeSpec for id.
func (t *Topology) Node(id uint64) (NodeSpec, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}
