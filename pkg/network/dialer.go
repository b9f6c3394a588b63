package network

import (
	"fmt"

	"golang.org/x/net/proxy"
)

// SOCKS5Dialer returns a dialer that opens outbound links through the
// SOCKS5 proxy at addr.
func SOCKS5Dialer(addr string, auth *proxy.Auth) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", addr)
	}
	return cd, nil
}
