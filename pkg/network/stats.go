package network

import "sync/atomic"

// Stats is a point-in-time copy of a node's counters.
type Stats struct {
	Sent        uint64 // messages originated by Send
	Delivered   uint64 // messages handed to the receive handler
	Forwarded   uint64 // frames enqueued while flooding, origin included
	Dropped     uint64 // transit messages discarded with ttl 0
	LinksOpened uint64
	LinksClosed uint64
}

type counters struct {
	sent        atomic.Uint64
	delivered   atomic.Uint64
	forwarded   atomic.Uint64
	dropped     atomic.Uint64
	linksOpened atomic.Uint64
	linksClosed atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sent:        c.sent.Load(),
		Delivered:   c.delivered.Load(),
		Forwarded:   c.forwarded.Load(),
		Dropped:     c.dropped.Load(),
		LinksOpened: c.linksOpened.Load(),
		LinksClosed: c.linksClosed.Load(),
	}
}
