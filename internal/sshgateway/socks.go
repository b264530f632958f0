package sshgateway

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/moorgate-io/moorgate/internal/sshcreds"
)

// dialThroughProxies opens a raw TCP stream to addr through an ordered
// SOCKS5 chain. Each hop's CONNECT is tunneled through the previous hop, so
// only the first proxy sees the gateway's address and only the last one sees
// the destination.
func dialThroughProxies(ctx context.Context, proxies []sshcreds.SocksProxy, addr string, timeout time.Duration) (net.Conn, error) {
	var dialer proxy.Dialer = &net.Dialer{Timeout: timeout}
	for _, p := range proxies {
		var auth *proxy.Auth
		if p.Username != "" || p.Password != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		proxyAddr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
		next, err := proxy.SOCKS5("tcp", proxyAddr, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", proxyAddr, err)
		}
		dialer = next
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(dctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}
