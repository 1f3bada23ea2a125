// Package client is one client session: a discovery socket with its search
// manager and beacon tracker, plus the registry of virtual circuits shared
// by every channel of the session.
package client

import (
    "context"
    "errors"
    "fmt"
    "net/netip"
    "strings"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "pvnet/pkg/beacon"
    "pvnet/pkg/config"
    "pvnet/pkg/memkv"
    "pvnet/pkg/protocol"
    "pvnet/pkg/search"
    "pvnet/pkg/transport"
    "pvnet/pkg/transport/quic"
    "pvnet/pkg/transport/tcp"
    "pvnet/pkg/transport/udp"
)

// ErrNoHandler is returned by AcquireTransport for a nil handler.
var ErrNoHandler = errors.New("client: handler required")

// Option customizes New.
type Option func(*Context)

// WithLogger sets the session logger; zap.L() otherwise.
func WithLogger(l *zap.Logger) Option { return func(c *Context) { c.log = l } }

// WithConnector replaces the connector chosen from transport.kind.
func WithConnector(cn tcp.Connector) Option { return func(c *Context) { c.connector = cn } }

type entry struct {
    fan  *transport.Fanout
    refs map[transport.Handler]struct{}
}

type circuitKey struct {
    ep       netip.AddrPort
    priority int16
}

// keyLock serializes circuit creation for one circuitKey. It is a channel so
// waiters can give up when their context ends.
type keyLock struct {
    ch      chan struct{}
    waiters int // c.mu
}

// Context owns every component of a session. Create it with New and release
// it with Close.
type Context struct {
    cfg       *config.Config
    log       *zap.Logger
    variant   protocol.Variant
    connector tcp.Connector
    circuit   tcp.Options

    disc     *udp.Transport
    searcher atomic.Pointer[search.Manager]
    beacons  *beacon.Tracker
    registry *transport.Registry

    mu       sync.Mutex
    entries  map[transport.Transport]*entry
    creating map[circuitKey]*keyLock

    nextID atomic.Uint32
    closed atomic.Bool
    cancel context.CancelFunc
}

// New starts a session configured by cfg.
func New(cfg *config.Config, opts ...Option) (*Context, error) {
    if cfg == nil { cfg = config.Default() }
    c := &Context{
        cfg:      cfg,
        entries:  make(map[transport.Transport]*entry),
        creating: make(map[circuitKey]*keyLock),
    }
    for _, o := range opts { o(c) }
    if c.log == nil { c.log = zap.L() }

    v, err := protocol.ParseVariant(cfg.Search.Variant)
    if err != nil { return nil, err }
    c.variant = v
    dests, err := transport.ParseEndpoints(strings.Join(cfg.Search.Destinations(), " "), uint16(cfg.Search.BroadcastPort))
    if err != nil { return nil, fmt.Errorf("client: search address list: %w", err) }
    bind, err := transport.ParseEndpoint(cfg.Search.Bind, 0)
    if err != nil { return nil, fmt.Errorf("client: search bind: %w", err) }

    if c.connector == nil {
        kind, err := transport.ParseKind(cfg.Transport.Kind)
        if err != nil { return nil, err }
        if kind == transport.KindQUIC {
            c.connector = quic.NewConnector()
        } else {
            c.connector = tcp.Dialer{Timeout: cfg.Transport.ConnectTimeout, KeepAlive: cfg.Transport.KeepAlive}
        }
    }
    c.circuit = tcp.Options{
        ReceiveBufferSize: uint32(cfg.Transport.ReceiveBufferSize),
        SendBufferSize:    cfg.Transport.SendBufferSize,
        ValidationTimeout: cfg.Transport.ValidationTimeout,
        KeepAlive:         cfg.Transport.KeepAlive,
        Logger:            c.log,
    }

    c.registry = transport.NewRegistry(c.log)
    c.beacons = beacon.New(beacon.Options{
        Expiry:          cfg.Beacon.Expiry,
        OnNewServer:     c.onNewServer,
        OnServerRestart: c.onServerRestart,
        Logger:          c.log,
    })

    ctx, cancel := context.WithCancel(context.Background())
    c.cancel = cancel
    c.disc, err = udp.Listen(ctx, udp.Options{
        Bind:         bind,
        Broadcast:    true,
        ReuseAddr:    true,
        Destinations: dests,
        Logger:       c.log,
    }, transport.HandlerFuncs{Message: c.onDiscovery})
    if err != nil {
        cancel()
        c.beacons.Close()
        return nil, fmt.Errorf("client: discovery socket: %w", err)
    }

    c.searcher.Store(search.New(c.disc, search.Options{
        Variant:        v,
        Period:         cfg.Search.Period,
        Jitter:         cfg.Search.Jitter,
        Coalesce:       cfg.Search.Coalesce,
        MaxEntries:     cfg.Search.MaxEntries,
        FramesPerPause: cfg.Search.FramesPerPause,
        Pause:          cfg.Search.Pause,
        AnomalyWindow:  cfg.Search.AnomalyWindow,
        Logger:         c.log,
    }))
    c.log.Info("client context started",
        zap.Stringer("discovery", c.disc.LocalAddr()),
        zap.Int("destinations", len(dests)),
        zap.Stringer("variant", v),
        zap.Stringer("connector", c.connector.Kind()))
    return c, nil
}

// DiscoveryAddr is the local address of the discovery socket.
func (c *Context) DiscoveryAddr() netip.AddrPort { return c.disc.LocalAddr() }

// Registry exposes the circuit registry.
func (c *Context) Registry() *transport.Registry { return c.registry }

// Servers lists the servers currently known from beacons.
func (c *Context) Servers() []beacon.Server { return c.beacons.Servers() }

// BeaconStats returns the counters of the beacon tracker's store.
func (c *Context) BeaconStats() memkv.Stats { return c.beacons.Stats() }

func (c *Context) onDiscovery(_ transport.Transport, msg protocol.Message, from netip.AddrPort) {
    if msg.Header.IsControl() { return }
    switch msg.Header.Command {
    case protocol.CmdSearchResponse:
        resp, err := protocol.DecodeSearchResponse(msg.Reader(), c.variant)
        if err != nil {
            c.log.Debug("bad search response", zap.Stringer("from", from), zap.Error(err))
            return
        }
        if m := c.searcher.Load(); m != nil { m.HandleResponse(resp, from) }
    case protocol.CmdBeacon:
        bc, err := protocol.DecodeBeacon(msg.Reader())
        if err != nil {
            c.log.Debug("bad beacon", zap.Stringer("from", from), zap.Error(err))
            return
        }
        c.beacons.Handle(from, bc)
    }
}

func (c *Context) onNewServer(netip.AddrPort, protocol.Beacon) {
    if m := c.searcher.Load(); m != nil {
        // the sweep sends; keep the receive loop free
        go m.NotifyAnomaly()
    }
}

func (c *Context) onServerRestart(ep netip.AddrPort) {
    if n := c.registry.CloseEndpoint(ep); n > 0 {
        c.log.Info("closed circuits to restarted server", zap.Stringer("server", ep), zap.Int("circuits", n))
    }
}

// Search registers ch with the search manager.
func (c *Context) Search(ch search.Channel, penalize bool) error {
    if c.closed.Load() { return search.ErrCancelled }
    return c.searcher.Load().Register(ch, penalize)
}

// CancelSearch stops searching for the channel.
func (c *Context) CancelSearch(id uint32) { c.searcher.Load().Unregister(id) }

// NextChannelID returns a session unique channel id.
func (c *Context) NextChannelID() uint32 { return c.nextID.Add(1) }

type locateChannel struct {
    id    uint32
    name  string
    found chan search.Found
}

func (l *locateChannel) ChannelID() uint32   { return l.id }
func (l *locateChannel) ChannelName() string { return l.name }
func (l *locateChannel) OnChannelFound(f search.Found) {
    select {
    case l.found <- f:
    default:
    }
}

// Locate searches for one channel name and waits for the first answer.
func (c *Context) Locate(ctx context.Context, name string) (search.Found, error) {
    ch := &locateChannel{id: c.NextChannelID(), name: name, found: make(chan search.Found, 1)}
    if err := c.Search(ch, false); err != nil { return search.Found{}, err }
    defer c.CancelSearch(ch.id)
    select {
    case f := <-ch.found:
        return f, nil
    case <-ctx.Done():
        return search.Found{}, fmt.Errorf("locate %s: %w", name, ctx.Err())
    }
}

// AcquireTransport returns the circuit to ep at the given priority, opening
// one if none exists. h becomes a holder of the circuit and receives its
// events until Release. Holders are compared by identity, so h must be
// comparable; pass a pointer. Concurrent calls for the same endpoint and
// priority share one connect attempt; other keys are not held up by it.
func (c *Context) AcquireTransport(ctx context.Context, ep netip.AddrPort, priority int16, h transport.Handler) (transport.Transport, error) {
    if h == nil { return nil, ErrNoHandler }
    if c.closed.Load() { return nil, transport.ErrClosed }
    if t, ok := c.hold(ep, priority, h); ok { return t, nil }

    unlock, err := c.lockKey(ctx, circuitKey{ep: ep, priority: priority})
    if err != nil { return nil, fmt.Errorf("acquire %s: %w", ep, err) }
    defer unlock()
    if t, ok := c.hold(ep, priority, h); ok { return t, nil }

    e := &entry{fan: &transport.Fanout{}, refs: map[transport.Handler]struct{}{h: {}}}
    opts := c.circuit
    opts.Priority = priority
    ci, err := tcp.Connect(ctx, c.connector, ep, opts, &circuitEvents{c: c, fan: e.fan})
    if err != nil { return nil, err }
    e.fan.Add(h)

    c.mu.Lock()
    c.entries[ci] = e
    c.mu.Unlock()
    c.registry.Put(ci)
    select {
    case <-ci.Done():
        c.drop(ci)
    default:
    }
    return ci, nil
}

// lockKey waits for exclusive creation rights on k.
func (c *Context) lockKey(ctx context.Context, k circuitKey) (func(), error) {
    c.mu.Lock()
    l := c.creating[k]
    if l == nil {
        l = &keyLock{ch: make(chan struct{}, 1)}
        c.creating[k] = l
    }
    l.waiters++
    c.mu.Unlock()

    leave := func() {
        c.mu.Lock()
        if l.waiters--; l.waiters == 0 { delete(c.creating, k) }
        c.mu.Unlock()
    }
    select {
    case l.ch <- struct{}{}:
        return func() {
            <-l.ch
            leave()
        }, nil
    case <-ctx.Done():
        leave()
        return nil, ctx.Err()
    }
}

// hold adds h to an existing live circuit.
func (c *Context) hold(ep netip.AddrPort, priority int16, h transport.Handler) (transport.Transport, bool) {
    t, ok := c.registry.Get(ep, priority)
    if !ok { return nil, false }
    c.mu.Lock()
    e := c.entries[t]
    if e != nil { e.refs[h] = struct{}{} }
    c.mu.Unlock()
    if e == nil { return nil, false }
    e.fan.Add(h)
    return t, true
}

// Release drops h as a holder of t. The circuit is closed and removed from
// the registry when its last holder leaves.
func (c *Context) Release(t transport.Transport, h transport.Handler) {
    c.mu.Lock()
    e := c.entries[t]
    last := false
    if e != nil {
        delete(e.refs, h)
        if len(e.refs) == 0 {
            delete(c.entries, t)
            last = true
        }
    }
    c.mu.Unlock()
    if e == nil { return }
    e.fan.Remove(h)
    if last {
        c.registry.Remove(t)
        _ = t.Close()
    }
}

func (c *Context) drop(t transport.Transport) {
    c.registry.Remove(t)
    c.mu.Lock()
    delete(c.entries, t)
    c.mu.Unlock()
}

// circuitEvents keeps the registry in sync with circuit lifetime and fans
// events out to the holders.
type circuitEvents struct {
    c   *Context
    fan *transport.Fanout
}

func (e *circuitEvents) OnConnected(t transport.Transport) { e.fan.OnConnected(t) }

func (e *circuitEvents) OnMessage(t transport.Transport, msg protocol.Message, from netip.AddrPort) {
    e.fan.OnMessage(t, msg, from)
}

func (e *circuitEvents) OnDisconnected(t transport.Transport, err error) {
    e.c.drop(t)
    if err != nil && !errors.Is(err, transport.ErrClosed) {
        // the server went away; its next beacon should count as new
        if _, ok := e.c.beacons.Forget(t.Remote()); ok {
            e.c.log.Debug("forgot failed server", zap.Stringer("server", t.Remote()), zap.Error(err))
        }
    }
    e.fan.OnDisconnected(t, err)
}

// Close cancels every search and closes the discovery socket and every
// circuit.
func (c *Context) Close() error {
    if !c.closed.CompareAndSwap(false, true) { return nil }
    c.searcher.Load().Cancel()
    c.cancel()
    err := c.disc.Close()
    c.beacons.Close()
    c.registry.CloseAll()
    c.registry.Clear()
    c.log.Info("client context closed")
    return err
}
