// Package mem is an in-process stream network built on net.Pipe. It stands
// in for TCP when a client and a server live in the same process.
package mem

import (
    "context"
    "errors"
    "net"
    "net/netip"
    "sync"

    "pvnet/pkg/transport"
)

var (
    ErrAddrInUse      = errors.New("mem: address already in use")
    ErrConnRefused    = errors.New("mem: connection refused")
    ErrListenerClosed = errors.New("mem: listener closed")
)

// Network routes Connect calls to the listener bound at the endpoint. It
// implements the circuit Connector contract.
type Network struct {
    mu        sync.Mutex
    listeners map[netip.AddrPort]*Listener
    nextPort  uint16
}

func NewNetwork() *Network {
    return &Network{listeners: make(map[netip.AddrPort]*Listener), nextPort: 40000}
}

func (n *Network) Kind() transport.Kind { return transport.KindMem }

// Listen binds ep. A zero port picks a free one.
func (n *Network) Listen(ep netip.AddrPort) (*Listener, error) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if ep.Port() == 0 {
        ep = netip.AddrPortFrom(ep.Addr(), n.allocPortLocked())
    }
    if _, ok := n.listeners[ep]; ok {
        return nil, ErrAddrInUse
    }
    l := &Listener{net: n, ep: ep, newCh: make(chan net.Conn), closeCh: make(chan struct{})}
    n.listeners[ep] = l
    return l, nil
}

func (n *Network) allocPortLocked() uint16 {
    n.nextPort++
    return n.nextPort
}

// Connect hands the server end of a new pipe to the listener at ep and
// returns the client end.
func (n *Network) Connect(ctx context.Context, ep netip.AddrPort) (net.Conn, error) {
    n.mu.Lock()
    l := n.listeners[ep]
    local := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), n.allocPortLocked())
    n.mu.Unlock()
    if l == nil { return nil, ErrConnRefused }

    c1, c2 := net.Pipe()
    srv := &pipeConn{Conn: c1, local: ep, remote: local}
    cli := &pipeConn{Conn: c2, local: local, remote: ep}
    select {
    case l.newCh <- srv:
        return cli, nil
    case <-l.closeCh:
    case <-ctx.Done():
    }
    _ = c1.Close()
    _ = c2.Close()
    if ctx.Err() != nil { return nil, ctx.Err() }
    return nil, ErrConnRefused
}

// Listener accepts in-process connections on one endpoint.
type Listener struct {
    net       *Network
    ep        netip.AddrPort
    newCh     chan net.Conn
    closeCh   chan struct{}
    closeOnce sync.Once
}

func (l *Listener) Addr() net.Addr { return net.TCPAddrFromAddrPort(l.ep) }

func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, ErrListenerClosed
    case c := <-l.newCh:
        return c, nil
    }
}

func (l *Listener) Close() error {
    l.closeOnce.Do(func() {
        close(l.closeCh)
        l.net.mu.Lock()
        if l.net.listeners[l.ep] == l { delete(l.net.listeners, l.ep) }
        l.net.mu.Unlock()
    })
    return nil
}

// pipeConn reports endpoint addresses instead of the anonymous pipe ones.
type pipeConn struct {
    net.Conn
    local, remote netip.AddrPort
}

func (c *pipeConn) LocalAddr() net.Addr  { return net.TCPAddrFromAddrPort(c.local) }
func (c *pipeConn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.remote) }
