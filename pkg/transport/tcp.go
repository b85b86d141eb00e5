package transport

import (
	"context"
	"fmt"
	"net"
)

// DialTCP connects to a robot bridge that exposes the serial stream over TCP.
func DialTCP(ctx context.Context, addr string, opts ...Option) (*Link, error) {
	l := newLink(opts)
	dialer := net.Dialer{Timeout: l.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	l.start(conn)
	return l, nil
}
