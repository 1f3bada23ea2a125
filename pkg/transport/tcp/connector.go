package tcp

import (
    "context"
    "net"
    "net/netip"
    "time"

    "pvnet/pkg/transport"
)

// Connector opens the byte stream a client circuit runs over.
type Connector interface {
    Kind() transport.Kind
    Connect(ctx context.Context, ep netip.AddrPort) (net.Conn, error)
}

// Dialer connects circuits over plain TCP.
type Dialer struct {
    Timeout   time.Duration
    KeepAlive time.Duration
}

func (d Dialer) Kind() transport.Kind { return transport.KindTCP }

func (d Dialer) Connect(ctx context.Context, ep netip.AddrPort) (net.Conn, error) {
    nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
    c, err := nd.DialContext(ctx, "tcp", ep.String())
    if err != nil { return nil, err }
    if tc, ok := c.(*net.TCPConn); ok { _ = tc.SetNoDelay(true) }
    return c, nil
}

// Listener accepts server-side circuit streams.
type Listener interface {
    Accept(ctx context.Context) (net.Conn, error)
    Addr() net.Addr
    Close() error
}

type tcpListener struct{ l net.Listener }

// Listen opens a TCP listener for circuits.
func Listen(address string) (Listener, error) {
    l, err := net.Listen("tcp", address)
    if err != nil { return nil, err }
    return &tcpListener{l: l}, nil
}

func (l *tcpListener) Addr() net.Addr { return l.l.Addr() }
func (l *tcpListener) Close() error   { return l.l.Close() }

func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
    type result struct {
        c   net.Conn
        err error
    }
    ch := make(chan result, 1)
    go func() {
        c, err := l.l.Accept()
        ch <- result{c, err}
    }()
    select {
    case r := <-ch:
        return r.c, r.err
    case <-ctx.Done():
        _ = l.l.Close()
        return nil, ctx.Err()
    }
}
