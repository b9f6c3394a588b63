package network

import (
	"github.com/busybox42/floodnet/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Decision is what the router did with an inbound message.
type Decision int

const (
	Deliver Decision = iota
	Forward
	Drop
)

func (d Decision) String() string {
	switch d {
	case Deliver:
		return "deliver"
	case Forward:
		return "forward"
	default:
		return "drop"
	}
}

// Router decides between local delivery and flooding. There is no
// duplicate suppression: in a cyclic topology a message keeps circulating
// until its ttl runs out and may be delivered more than once.
type Router struct {
	self      uint64
	neighbors *Registry
	deliver   func(src uint64, payload []byte)
	stats     *counters
	log       logrus.FieldLogger
}

// NewRouter wires a router to the registry it floods over. deliver is
// called for messages addressed to self.
func NewRouter(self uint64, neighbors *Registry, deliver func(src uint64, payload []byte), log logrus.FieldLogger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{
		self:      self,
		neighbors: neighbors,
		deliver:   deliver,
		stats:     &counters{},
		log:       log,
	}
}

// OnMessage handles a message that arrived over from. A message for self
// is delivered and never forwarded; otherwise a ttl of zero drops it and
// anything else is decremented and flooded to every neighbor but from.
func (r *Router) OnMessage(msg *protocol.Message, from Neighbor) Decision {
	h := &msg.Header
	if h.Dst == r.self {
		r.stats.delivered.Add(1)
		r.deliver(h.Src, msg.Payload)
		return Deliver
	}

	r.log.WithFields(logrus.Fields{
		"src": h.Src,
		"dst": h.Dst,
		"ttl": h.TTL,
	}).Debug("transit")

	if h.TTL == 0 {
		r.stats.dropped.Add(1)
		return Drop
	}
	h.TTL--
	r.Flood(msg, from)
	return Forward
}

// Flood enqueues msg on every registered neighbor except from, which may
// be nil for locally originated messages. It returns the number of
// neighbors that accepted the frame.
func (r *Router) Flood(msg *protocol.Message, from Neighbor) int {
	sent := 0
	r.neighbors.ForEach(func(n Neighbor) {
		if from != nil && n == from {
			return
		}
		if err := n.Enqueue(msg); err != nil {
			r.log.WithError(err).Debug("flood: neighbor rejected frame")
			return
		}
		sent++
	})
	r.stats.forwarded.Add(uint64(sent))
	return sent
}
