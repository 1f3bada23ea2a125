package client

import (
    "context"
    "errors"
    "net"
    "net/netip"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "pvnet/pkg/config"
    "pvnet/pkg/protocol"
    "pvnet/pkg/responder"
    "pvnet/pkg/transport"
    "pvnet/pkg/transport/mem"
    "pvnet/pkg/transport/tcp"
)

func startResponder(t *testing.T, names ...string) *responder.Server {
    t.Helper()
    l, err := tcp.Listen("127.0.0.1:0")
    require.NoError(t, err)
    s, err := responder.Start(context.Background(), responder.Options{
        Names:      names,
        Variant:    protocol.VariantRich,
        SearchBind: netip.MustParseAddrPort("127.0.0.1:0"),
        Listener:   l,
        Logger:     zap.NewNop(),
    })
    require.NoError(t, err)
    t.Cleanup(func() { _ = s.Close() })
    return s
}

func newContext(t *testing.T, srv *responder.Server) *Context {
    t.Helper()
    cfg := config.Default()
    cfg.Search.Bind = "127.0.0.1:0"
    cfg.Search.AutoAddrList = false
    cfg.Search.AddrList = []string{srv.SearchAddr().String()}
    c, err := New(cfg, WithLogger(zap.NewNop()))
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })
    return c
}

type holder struct {
    connected chan transport.Transport
    gone      chan error
}

func newHolder() *holder {
    return &holder{connected: make(chan transport.Transport, 4), gone: make(chan error, 4)}
}

func (h *holder) OnConnected(t transport.Transport)                                 { h.connected <- t }
func (h *holder) OnMessage(transport.Transport, protocol.Message, netip.AddrPort) {}
func (h *holder) OnDisconnected(_ transport.Transport, err error)                 { h.gone <- err }

func waitFor[T any](t *testing.T, ch chan T) T {
    t.Helper()
    select {
    case v := <-ch:
        return v
    case <-time.After(3 * time.Second):
        t.Fatal("timeout")
    }
    var zero T
    return zero
}

func TestLocate(t *testing.T) {
    srv := startResponder(t, "pv:temperature")
    c := newContext(t, srv)

    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    f, err := c.Locate(ctx, "pv:temperature")
    require.NoError(t, err)
    require.Equal(t, srv.Advertised(), f.Server)
    require.Equal(t, srv.GUID(), f.GUID)
    require.False(t, f.Duplicate)

    short, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
    defer cancel2()
    _, err = c.Locate(short, "pv:missing")
    require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireTransportIdentity(t *testing.T) {
    srv := startResponder(t)
    c := newContext(t, srv)
    ctx := context.Background()
    ep := srv.Advertised()

    h1, h2, h3 := newHolder(), newHolder(), newHolder()
    a1, err := c.AcquireTransport(ctx, ep, 1, h1)
    require.NoError(t, err)
    a2, err := c.AcquireTransport(ctx, ep, 1, h2)
    require.NoError(t, err)
    require.Same(t, a1, a2)
    waitFor(t, h1.connected)
    waitFor(t, h2.connected)

    b, err := c.AcquireTransport(ctx, ep, 2, h3)
    require.NoError(t, err)
    require.NotSame(t, a1, b)
    require.Equal(t, 2, c.Registry().NumActive())

    c.Release(a1, h1)
    got, ok := c.Registry().Get(ep, 1)
    require.True(t, ok)
    require.Same(t, a1, got)

    c.Release(a1, h2)
    _, ok = c.Registry().Get(ep, 1)
    require.False(t, ok)
    require.Equal(t, 1, c.Registry().NumActive())

    a3, err := c.AcquireTransport(ctx, ep, 1, h1)
    require.NoError(t, err)
    require.NotSame(t, a1, a3)
    require.Equal(t, int16(1), a3.Priority())
}

func TestAcquireTransportRequiresHandler(t *testing.T) {
    srv := startResponder(t)
    c := newContext(t, srv)
    _, err := c.AcquireTransport(context.Background(), srv.Advertised(), 0, nil)
    require.ErrorIs(t, err, ErrNoHandler)
}

func TestServerRestartClosesCircuits(t *testing.T) {
    srv := startResponder(t)
    c := newContext(t, srv)
    ep := srv.Advertised()
    h := newHolder()
    tr, err := c.AcquireTransport(context.Background(), ep, 0, h)
    require.NoError(t, err)
    waitFor(t, h.connected)

    from := netip.AddrPortFrom(ep.Addr(), 40000)
    c.beacons.Handle(from, protocol.Beacon{GUID: srv.GUID(), Server: ep, Protocol: "tcp"})
    c.beacons.Handle(from, protocol.Beacon{GUID: protocol.GUID{0xEE}, Server: ep, Protocol: "tcp"})

    waitFor(t, h.gone)
    require.Equal(t, 0, c.Registry().NumActive())
    require.Error(t, tr.Enqueue(transport.SenderFunc(func(*protocol.Buffer, transport.Control) error { return nil })))
}

func TestPeerDisconnectRemovesCircuit(t *testing.T) {
    srv := startResponder(t)
    c := newContext(t, srv)
    h := newHolder()
    _, err := c.AcquireTransport(context.Background(), srv.Advertised(), 0, h)
    require.NoError(t, err)
    waitFor(t, h.connected)

    ep := srv.Advertised()
    c.beacons.Handle(netip.AddrPortFrom(ep.Addr(), 40000), protocol.Beacon{GUID: srv.GUID(), Server: ep, Protocol: "tcp"})
    require.Len(t, c.Servers(), 1)

    require.NoError(t, srv.Close())
    require.ErrorIs(t, waitFor(t, h.gone), tcp.ErrPeerShutdown)
    require.Equal(t, 0, c.Registry().NumActive())
    // A failed server is forgotten so its return is noticed at once.
    require.Empty(t, c.Servers())
    require.Equal(t, uint64(1), c.BeaconStats().Dels)
}

func TestCloseIsFinal(t *testing.T) {
    srv := startResponder(t)
    c := newContext(t, srv)
    h := newHolder()
    _, err := c.AcquireTransport(context.Background(), srv.Advertised(), 0, h)
    require.NoError(t, err)
    waitFor(t, h.connected)

    require.NoError(t, c.Close())
    waitFor(t, h.gone)
    _, err = c.AcquireTransport(context.Background(), srv.Advertised(), 0, h)
    require.ErrorIs(t, err, transport.ErrClosed)
    require.Error(t, c.Search(&locateChannel{id: 1, name: "x"}, false))
}

func TestAcquireOverMemNetwork(t *testing.T) {
    network := mem.NewNetwork()
    l, err := network.Listen(netip.MustParseAddrPort("10.9.0.1:5075"))
    require.NoError(t, err)
    srv, err := responder.Start(context.Background(), responder.Options{
        Names:      []string{"pv:mem"},
        Variant:    protocol.VariantRich,
        SearchBind: netip.MustParseAddrPort("127.0.0.1:0"),
        Listener:   l,
        Kind:       transport.KindMem,
        Logger:     zap.NewNop(),
    })
    require.NoError(t, err)
    t.Cleanup(func() { _ = srv.Close() })

    cfg := config.Default()
    cfg.Search.Bind = "127.0.0.1:0"
    cfg.Search.AutoAddrList = false
    cfg.Search.AddrList = []string{srv.SearchAddr().String()}
    c, err := New(cfg, WithLogger(zap.NewNop()), WithConnector(network))
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })

    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    f, err := c.Locate(ctx, "pv:mem")
    require.NoError(t, err)
    require.Equal(t, netip.MustParseAddrPort("10.9.0.1:5075"), f.Server)

    h := newHolder()
    tr, err := c.AcquireTransport(ctx, f.Server, 0, h)
    require.NoError(t, err)
    require.Equal(t, transport.KindMem, tr.Kind())
    waitFor(t, h.connected)
    require.Eventually(t, func() bool { return srv.NumCircuits() == 1 }, 3*time.Second, 5*time.Millisecond)

    c.Release(tr, h)
    require.Equal(t, 0, c.Registry().NumActive())
    require.ErrorIs(t, tr.Enqueue(transport.SenderFunc(func(*protocol.Buffer, transport.Control) error { return nil })), transport.ErrClosed)
}

// gatedConnector blocks connects to one endpoint until the gate opens.
type gatedConnector struct {
    tcp.Dialer
    blocked netip.AddrPort
    entered chan struct{}
    gate    chan struct{}
}

func (g *gatedConnector) Connect(ctx context.Context, ep netip.AddrPort) (net.Conn, error) {
    if ep == g.blocked {
        g.entered <- struct{}{}
        select {
        case <-g.gate:
            return nil, errors.New("connection refused")
        case <-ctx.Done():
            return nil, ctx.Err()
        }
    }
    return g.Dialer.Connect(ctx, ep)
}

func TestSlowConnectDoesNotBlockOtherEndpoints(t *testing.T) {
    srv := startResponder(t)
    cn := &gatedConnector{
        Dialer:  tcp.Dialer{Timeout: time.Second},
        blocked: netip.MustParseAddrPort("127.0.0.1:1"),
        entered: make(chan struct{}, 1),
        gate:    make(chan struct{}),
    }
    cfg := config.Default()
    cfg.Search.Bind = "127.0.0.1:0"
    cfg.Search.AutoAddrList = false
    c, err := New(cfg, WithLogger(zap.NewNop()), WithConnector(cn))
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })

    slow := make(chan error, 1)
    go func() {
        _, err := c.AcquireTransport(context.Background(), cn.blocked, 0, newHolder())
        slow <- err
    }()
    waitFor(t, cn.entered)

    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    h := newHolder()
    _, err = c.AcquireTransport(ctx, srv.Advertised(), 0, h)
    require.NoError(t, err)
    waitFor(t, h.connected)

    // A second caller for the blocked key waits its turn and honours its context.
    short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
    defer cancelShort()
    _, err = c.AcquireTransport(short, cn.blocked, 0, newHolder())
    require.ErrorIs(t, err, context.DeadlineExceeded)

    close(cn.gate)
    require.Error(t, waitFor(t, slow))
    c.mu.Lock()
    require.Empty(t, c.creating)
    c.mu.Unlock()
}
