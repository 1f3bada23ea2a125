// Package responder is a minimal server side: it answers searches for a
// fixed set of channel names, announces itself with beacons and accepts
// virtual circuits.
package responder

import (
    "context"
    "errors"
    "fmt"
    "net/netip"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "pvnet/pkg/protocol"
    "pvnet/pkg/transport"
    "pvnet/pkg/transport/tcp"
    "pvnet/pkg/transport/udp"
)

// DefaultBeaconPeriod is the interval between beacons.
const DefaultBeaconPeriod = 15 * time.Second

// Options configure a Server.
type Options struct {
    Names   []string
    Variant protocol.Variant
    // SearchBind is the UDP address searches arrive on.
    SearchBind netip.AddrPort
    ReuseAddr  bool
    // Listener accepts circuits; its address is announced unless
    // Advertise is set.
    Listener  tcp.Listener
    Kind      transport.Kind
    Advertise netip.AddrPort
    // BeaconDestinations receive beacons; empty disables them.
    BeaconDestinations []netip.AddrPort
    BeaconPeriod       time.Duration
    Circuit            tcp.Options
    // Handler sees application messages of accepted circuits.
    Handler transport.Handler
    Logger  *zap.Logger
}

// Server answers searches and serves circuits until closed.
type Server struct {
    opts      Options
    log       *zap.Logger
    guid      protocol.GUID
    advertise netip.AddrPort

    namesMu sync.RWMutex
    names   map[string]struct{}
    changes atomic.Uint32

    udp      *udp.Transport
    listener tcp.Listener

    mu       sync.Mutex
    circuits map[*tcp.Circuit]struct{}

    beaconSeq uint8
    cancel    context.CancelFunc
    wg        sync.WaitGroup
    closeOnce sync.Once
}

// NewGUID returns a fresh server instance identifier.
func NewGUID() protocol.GUID {
    var g protocol.GUID
    u := uuid.New()
    copy(g[:], u[:])
    return g
}

// Start binds the search socket and starts serving. Listener ownership
// passes to the server.
func Start(ctx context.Context, opts Options) (*Server, error) {
    if opts.Listener == nil { return nil, errors.New("responder: listener required") }
    if opts.Logger == nil { opts.Logger = zap.L() }
    if opts.Kind == transport.KindUnknown { opts.Kind = transport.KindTCP }
    if opts.BeaconPeriod <= 0 { opts.BeaconPeriod = DefaultBeaconPeriod }
    if opts.Circuit.Logger == nil { opts.Circuit.Logger = opts.Logger }

    s := &Server{
        opts:     opts,
        log:      opts.Logger.Named("responder"),
        guid:     NewGUID(),
        names:    make(map[string]struct{}, len(opts.Names)),
        listener: opts.Listener,
        circuits: make(map[*tcp.Circuit]struct{}),
    }
    for _, n := range opts.Names { s.names[n] = struct{}{} }
    s.advertise = opts.Advertise
    if !s.advertise.IsValid() {
        s.advertise = transport.AddrPortOf(opts.Listener.Addr())
    }
    if s.advertise.Addr().IsUnspecified() {
        s.advertise = netip.AddrPortFrom(netip.IPv4Unspecified(), s.advertise.Port())
    }

    ctx, s.cancel = context.WithCancel(ctx)
    u, err := udp.Listen(ctx, udp.Options{
        Bind:         opts.SearchBind,
        Broadcast:    len(opts.BeaconDestinations) > 0,
        ReuseAddr:    opts.ReuseAddr,
        Destinations: opts.BeaconDestinations,
        FromServer:   true,
        Logger:       opts.Logger,
    }, transport.HandlerFuncs{Message: s.onSearchMessage})
    if err != nil {
        s.cancel()
        _ = opts.Listener.Close()
        return nil, fmt.Errorf("responder: %w", err)
    }
    s.udp = u

    s.wg.Add(1)
    go s.acceptLoop(ctx)
    if len(opts.BeaconDestinations) > 0 {
        s.wg.Add(1)
        go s.beaconLoop(ctx)
    }
    s.log.Info("responder started",
        zap.Stringer("search", u.LocalAddr()),
        zap.Stringer("circuits", s.advertise),
        zap.Stringer("kind", opts.Kind),
        zap.Stringer("guid", s.guid),
        zap.Int("names", len(s.names)))
    return s, nil
}

// GUID identifies this server instance.
func (s *Server) GUID() protocol.GUID { return s.guid }

// SearchAddr is the bound search socket address.
func (s *Server) SearchAddr() netip.AddrPort { return s.udp.LocalAddr() }

// Advertised is the circuit endpoint put into responses and beacons.
func (s *Server) Advertised() netip.AddrPort { return s.advertise }

// Names returns the served channel names, sorted.
func (s *Server) Names() []string {
    s.namesMu.RLock()
    out := make([]string, 0, len(s.names))
    for n := range s.names { out = append(out, n) }
    s.namesMu.RUnlock()
    sort.Strings(out)
    return out
}

// AddName starts serving name. The beacon change count moves so clients
// retry their pending searches.
func (s *Server) AddName(name string) {
    s.namesMu.Lock()
    _, ok := s.names[name]
    s.names[name] = struct{}{}
    s.namesMu.Unlock()
    if !ok { s.changes.Add(1) }
}

func (s *Server) serves(name string) bool {
    s.namesMu.RLock()
    defer s.namesMu.RUnlock()
    _, ok := s.names[name]
    return ok
}

// NumCircuits returns the number of open circuits.
func (s *Server) NumCircuits() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.circuits)
}

func (s *Server) onSearchMessage(_ transport.Transport, msg protocol.Message, from netip.AddrPort) {
    if msg.Header.IsControl() || msg.Header.Command != protocol.CmdSearch { return }
    req, err := protocol.DecodeSearchRequest(msg.Reader(), s.opts.Variant)
    if err != nil {
        s.log.Debug("bad search request", zap.Stringer("from", from), zap.Error(err))
        return
    }
    var hits []protocol.SearchEntry
    for _, e := range req.Entries {
        if s.serves(e.Name) { hits = append(hits, e) }
    }
    if len(hits) == 0 { return }

    to := replyAddress(req.ReplyTo, from)
    err = s.udp.Enqueue(transport.SenderFunc(func(b *protocol.Buffer, c transport.Control) error {
        c.SetRecipient(to)
        for _, e := range hits {
            if err := c.StartMessage(protocol.CmdSearchResponse, 9+s.opts.Variant.AddressSize()+protocol.GUIDSize); err != nil { return err }
            err := protocol.EncodeSearchResponse(b, s.opts.Variant, protocol.SearchResponse{
                ChannelID:     e.ChannelID,
                Sequence:      req.Sequence,
                MinorRevision: protocol.MinorRevision,
                Server:        s.advertise,
                GUID:          s.guid,
            })
            if err != nil { return err }
        }
        return nil
    }))
    if err != nil {
        s.log.Debug("search response failed", zap.Stringer("to", to), zap.Error(err))
        return
    }
    s.log.Debug("answered search", zap.Stringer("to", to), zap.Uint32("seq", req.Sequence), zap.Int("hits", len(hits)))
}

// replyAddress picks the response destination: the announced reply
// address, with an unspecified host or port taken from the datagram source.
func replyAddress(replyTo, from netip.AddrPort) netip.AddrPort {
    if !replyTo.IsValid() { return from }
    addr, port := replyTo.Addr(), replyTo.Port()
    if !addr.IsValid() || addr.IsUnspecified() { addr = from.Addr() }
    if port == 0 { port = from.Port() }
    return netip.AddrPortFrom(addr, port)
}

func (s *Server) beaconLoop(ctx context.Context) {
    defer s.wg.Done()
    tk := time.NewTicker(s.opts.BeaconPeriod)
    defer tk.Stop()
    for {
        s.sendBeacon()
        select {
        case <-ctx.Done():
            return
        case <-tk.C:
        }
    }
}

func (s *Server) sendBeacon() {
    bc := protocol.Beacon{
        GUID:        s.guid,
        Sequence:    s.beaconSeq,
        ChangeCount: uint16(s.changes.Load()),
        Server:      s.advertise,
        Protocol:    s.opts.Kind.String(),
    }
    s.beaconSeq++
    err := s.udp.Enqueue(transport.SenderFunc(func(b *protocol.Buffer, c transport.Control) error {
        if err := c.StartMessage(protocol.CmdBeacon, 64); err != nil { return err }
        return protocol.EncodeBeacon(b, bc)
    }))
    if err != nil {
        s.log.Debug("beacon send failed", zap.Error(err))
    }
}

func (s *Server) acceptLoop(ctx context.Context) {
    defer s.wg.Done()
    for {
        conn, err := s.listener.Accept(ctx)
        if err != nil {
            if ctx.Err() == nil {
                s.log.Warn("accept failed", zap.Error(err))
            }
            return
        }
        h := &circuitHandler{s: s}
        c := tcp.Accept(conn, s.opts.Kind, s.opts.Circuit, h)
        s.mu.Lock()
        s.circuits[c] = struct{}{}
        s.mu.Unlock()
        // closed before the handler could observe it
        select {
        case <-c.Done():
            s.forget(c)
        default:
        }
    }
}

func (s *Server) forget(c *tcp.Circuit) {
    s.mu.Lock()
    delete(s.circuits, c)
    s.mu.Unlock()
}

type circuitHandler struct{ s *Server }

func (h *circuitHandler) OnConnected(t transport.Transport) {
    h.s.log.Debug("circuit connected", zap.Stringer("remote", t.Remote()))
    if h.s.opts.Handler != nil { h.s.opts.Handler.OnConnected(t) }
}

func (h *circuitHandler) OnMessage(t transport.Transport, msg protocol.Message, from netip.AddrPort) {
    if h.s.opts.Handler != nil { h.s.opts.Handler.OnMessage(t, msg, from) }
}

func (h *circuitHandler) OnDisconnected(t transport.Transport, err error) {
    if c, ok := t.(*tcp.Circuit); ok { h.s.forget(c) }
    h.s.log.Debug("circuit disconnected", zap.Stringer("remote", t.Remote()), zap.Error(err))
    if h.s.opts.Handler != nil { h.s.opts.Handler.OnDisconnected(t, err) }
}

// Close stops serving and shuts every open circuit down.
func (s *Server) Close() error {
    s.closeOnce.Do(func() {
        s.cancel()
        _ = s.listener.Close()
        _ = s.udp.Close()
        s.mu.Lock()
        open := make([]*tcp.Circuit, 0, len(s.circuits))
        for c := range s.circuits { open = append(open, c) }
        s.mu.Unlock()
        for _, c := range open { _ = c.Shutdown() }
        s.wg.Wait()
        s.log.Info("responder stopped")
    })
    return nil
}
