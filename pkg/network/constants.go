package network

import "time"

const (
	// DefaultTTL is the hop budget stamped on locally originated messages
	// when Config.InitialTTL is zero.
	DefaultTTL uint16 = 8

	connTimeout = 30 * time.Second

	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)
