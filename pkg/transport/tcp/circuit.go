// Package tcp implements the virtual circuit: a connection-oriented
// transport carrying many channels' traffic to one (endpoint, priority).
// The stream itself comes from a Connector, so the same circuit runs over
// TCP or over a QUIC stream.
package tcp

import (
    "context"
    "errors"
    "fmt"
    "net"
    "net/netip"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "pvnet/pkg/introspect"
    "pvnet/pkg/protocol"
    "pvnet/pkg/transport"
)

var (
    ErrValidationTimeout = errors.New("tcp: connection validation timed out")
    ErrValidationFailed  = errors.New("tcp: connection validation rejected")
    ErrPeerShutdown      = errors.New("tcp: peer shut down")
)

// Defaults for Options.
const (
    DefaultReceiveBufferSize = 0x4000
    DefaultSendBufferSize    = 0x4000
    DefaultValidationTimeout = 5 * time.Second
)

// Options configure a Circuit.
type Options struct {
    Priority          int16
    ReceiveBufferSize uint32
    SendBufferSize    int
    // RegistrySize is the number of introspection ids this side accepts.
    RegistrySize      uint16
    ValidationTimeout time.Duration
    // KeepAlive sends an echo request at this interval; zero disables it.
    KeepAlive time.Duration
    // Order is the byte order a server announces. Clients adopt whatever the
    // server announced.
    Order  protocol.ByteOrder
    Logger *zap.Logger
}

func (o *Options) defaults() {
    if o.ReceiveBufferSize == 0 { o.ReceiveBufferSize = DefaultReceiveBufferSize }
    if o.SendBufferSize <= 0 { o.SendBufferSize = DefaultSendBufferSize }
    if o.RegistrySize == 0 { o.RegistrySize = introspect.DefaultMaxSize }
    if o.ValidationTimeout <= 0 { o.ValidationTimeout = DefaultValidationTimeout }
    if o.Logger == nil { o.Logger = zap.L() }
}

// Circuit is a validated byte-stream Transport. No application message is
// written until the connection-validation handshake completed; Enqueue
// blocks until then. Each circuit owns one introspection registry per
// direction, so ids never leak from one circuit incarnation to the next.
type Circuit struct {
    conn    net.Conn
    kind    transport.Kind
    remote  netip.AddrPort
    server  bool
    opts    Options
    handler transport.Handler
    log     *zap.Logger

    sendMu sync.Mutex
    framer *transport.Framer
    out    *introspect.Registry // sendMu

    in *introspect.Registry // receive goroutine only

    revision  atomic.Uint32
    order     atomic.Uint32
    validated chan struct{}
    validOnce sync.Once

    done      chan struct{}
    closeOnce sync.Once
    closeErr  error
}

// Connect opens a client circuit to ep through c. It returns as soon as the
// stream is open; OnConnected fires after validation.
func Connect(ctx context.Context, c Connector, ep netip.AddrPort, opts Options, h transport.Handler) (*Circuit, error) {
    conn, err := c.Connect(ctx, ep)
    if err != nil { return nil, fmt.Errorf("%s connect %s: %w", c.Kind(), ep, err) }
    ci := newCircuit(conn, c.Kind(), ep, false, opts, h)
    ci.start()
    return ci, nil
}

// Accept runs the server half of the handshake on an accepted stream.
func Accept(conn net.Conn, kind transport.Kind, opts Options, h transport.Handler) *Circuit {
    ci := newCircuit(conn, kind, transport.AddrPortOf(conn.RemoteAddr()), true, opts, h)
    ci.start()
    return ci
}

func newCircuit(conn net.Conn, kind transport.Kind, ep netip.AddrPort, server bool, opts Options, h transport.Handler) *Circuit {
    opts.defaults()
    if h == nil { h = transport.HandlerFuncs{} }
    c := &Circuit{
        conn:      conn,
        kind:      kind,
        remote:    ep,
        server:    server,
        opts:      opts,
        handler:   h,
        in:        introspect.NewRegistry(int(opts.RegistrySize)),
        out:       introspect.NewRegistry(0),
        validated: make(chan struct{}),
        done:      make(chan struct{}),
    }
    role := "client"
    if server { role = "server" }
    c.log = opts.Logger.Named("tcp").With(zap.Stringer("remote", ep), zap.String("role", role), zap.Stringer("kind", kind))
    c.revision.Store(protocol.MinorRevision)
    c.order.Store(uint32(opts.Order))
    c.framer = transport.NewFramer(opts.SendBufferSize, opts.Order, server, c.write)
    return c
}

func (c *Circuit) start() {
    go c.readLoop()
    if c.server {
        err := c.send(transport.SenderFunc(func(b *protocol.Buffer, ctl transport.Control) error {
            c.framer.PutControl(protocol.CtrlSetByteOrder, 0)
            if err := ctl.StartMessage(protocol.CmdConnectionValidation, 7); err != nil { return err }
            protocol.EncodeConnectionValidation(b, protocol.ConnectionValidation{
                ReceiveBufferSize: c.opts.ReceiveBufferSize,
                RegistrySize:      c.opts.RegistrySize,
                Revision:          protocol.MinorRevision,
            }, false)
            return nil
        }))
        if err != nil {
            c.closeWith(err)
            return
        }
    }
    timer := time.AfterFunc(c.opts.ValidationTimeout, func() { c.closeWith(ErrValidationTimeout) })
    go func() {
        select {
        case <-c.validated:
        case <-c.done:
        }
        timer.Stop()
    }()
    if c.opts.KeepAlive > 0 { go c.keepAlive() }
}

func (c *Circuit) Kind() transport.Kind          { return c.kind }
func (c *Circuit) Remote() netip.AddrPort        { return c.remote }
func (c *Circuit) Priority() int16               { return c.opts.Priority }
func (c *Circuit) Revision() uint8               { return uint8(c.revision.Load()) }
func (c *Circuit) ByteOrder() protocol.ByteOrder { return protocol.ByteOrder(c.order.Load()) }

// IsServer reports whether this is the accepting side.
func (c *Circuit) IsServer() bool { return c.server }

// Validated is closed when the handshake completed.
func (c *Circuit) Validated() <-chan struct{} { return c.validated }

// Done is closed when the circuit is closed.
func (c *Circuit) Done() <-chan struct{} { return c.done }

// Err returns the reason the circuit closed, or nil while it is open.
func (c *Circuit) Err() error {
    select {
    case <-c.done:
        return c.closeErr
    default:
        return nil
    }
}

// WaitValidated blocks until the handshake completed, the circuit closed or
// ctx ended.
func (c *Circuit) WaitValidated(ctx context.Context) error {
    select {
    case <-c.validated:
        return nil
    case <-c.done:
        return c.closedError()
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Enqueue waits for validation and then runs s under the send lock.
func (c *Circuit) Enqueue(s transport.Sender) error {
    select {
    case <-c.validated:
    case <-c.done:
        return c.closedError()
    }
    return c.send(s)
}

// SerializeField writes f through the outgoing introspection registry. It
// must be called from a Sender running on this circuit.
func (c *Circuit) SerializeField(b *protocol.Buffer, f *introspect.Field) error {
    return c.out.Serialize(b, f)
}

// DeserializeField reads a descriptor through the incoming registry. It must
// be called from OnMessage. An unknown id leaves the peers out of sync, so
// the circuit is closed.
func (c *Circuit) DeserializeField(r *protocol.Reader) (*introspect.Field, error) {
    f, err := c.in.Deserialize(r)
    if errors.Is(err, introspect.ErrUnknownID) {
        c.closeWith(err)
    }
    return f, err
}

func (c *Circuit) closed() bool {
    select {
    case <-c.done:
        return true
    default:
        return false
    }
}

func (c *Circuit) closedError() error {
    if c.closeErr != nil && !errors.Is(c.closeErr, transport.ErrClosed) {
        return fmt.Errorf("%w: %v", transport.ErrClosed, c.closeErr)
    }
    return transport.ErrClosed
}

func (c *Circuit) send(s transport.Sender) error {
    c.sendMu.Lock()
    defer c.sendMu.Unlock()
    select {
    case <-c.done:
        return c.closedError()
    default:
    }
    // Ids assigned by a failed sender never reached the peer.
    cp := c.out.Checkpoint()
    if err := c.framer.Run(s); err != nil {
        c.out.Rollback(cp)
        return err
    }
    return nil
}

func (c *Circuit) write(p []byte, _ netip.AddrPort) error {
    if _, err := c.conn.Write(p); err != nil {
        c.closeWith(err)
        return fmt.Errorf("%w: %v", transport.ErrClosed, err)
    }
    return nil
}

func (c *Circuit) sendControl(cmd uint8, value uint32) error {
    return c.send(transport.SenderFunc(func(*protocol.Buffer, transport.Control) error {
        c.framer.PutControl(cmd, value)
        return nil
    }))
}

func (c *Circuit) keepAlive() {
    tk := time.NewTicker(c.opts.KeepAlive)
    defer tk.Stop()
    for {
        select {
        case <-c.done:
            return
        case <-tk.C:
            select {
            case <-c.validated:
                if err := c.sendControl(protocol.CtrlEchoRequest, 0); err != nil { return }
            default:
            }
        }
    }
}

func (c *Circuit) readLoop() {
    defer func() {
        c.in.Reset()
        c.sendMu.Lock()
        c.out.Reset()
        c.sendMu.Unlock()
        c.handler.OnDisconnected(c, c.closeErr)
    }()
    buf := make([]byte, c.opts.ReceiveBufferSize)
    var d protocol.Deframer
    for {
        n, err := c.conn.Read(buf)
        if n > 0 {
            _, _ = d.Write(buf[:n])
            for {
                msg, ok, derr := d.Next()
                if derr != nil {
                    c.log.Warn("unparseable stream, closing", zap.Error(derr))
                    c.closeWith(derr)
                    return
                }
                if !ok { break }
                if c.closed() { return }
                if err := c.dispatch(msg); err != nil {
                    c.closeWith(err)
                    return
                }
            }
        }
        if err != nil {
            c.closeWith(err)
            return
        }
    }
}

func (c *Circuit) dispatch(msg protocol.Message) error {
    h := msg.Header
    if h.IsControl() {
        switch h.Command {
        case protocol.CtrlSetByteOrder:
            if !c.server {
                o := h.ByteOrder()
                c.order.Store(uint32(o))
                c.sendMu.Lock()
                c.framer.SetOrder(o)
                c.sendMu.Unlock()
            }
        case protocol.CtrlEchoRequest:
            return c.sendControl(protocol.CtrlEchoResponse, h.PayloadSize)
        case protocol.CtrlShutdown:
            return ErrPeerShutdown
        }
        return nil
    }

    switch h.Command {
    case protocol.CmdConnectionValidation:
        return c.onValidation(msg)
    case protocol.CmdConnectionValidated:
        if c.server { return nil }
        v, err := protocol.DecodeConnectionValidated(msg.Reader())
        if err != nil { return err }
        if v.Status != protocol.ValidationStatusOK {
            return fmt.Errorf("%w: status %d %s", ErrValidationFailed, v.Status, v.Message)
        }
        c.markValidated()
        return nil
    case protocol.CmdEcho:
        if c.server {
            payload := msg.Payload
            return c.send(transport.SenderFunc(func(b *protocol.Buffer, ctl transport.Control) error {
                if err := ctl.StartMessage(protocol.CmdEcho, len(payload)); err != nil { return err }
                b.PutRaw(payload)
                return nil
            }))
        }
    }

    select {
    case <-c.validated:
    default:
        c.log.Debug("message before validation dropped", zap.String("command", protocol.CommandName(h.Command, false)))
        return nil
    }
    c.handler.OnMessage(c, msg, c.remote)
    return nil
}

func (c *Circuit) onValidation(msg protocol.Message) error {
    v, err := protocol.DecodeConnectionValidation(msg.Reader(), c.server)
    if err != nil { return err }
    c.sendMu.Lock()
    c.out.SetMaxSize(int(v.RegistrySize))
    c.sendMu.Unlock()
    if rev := uint32(v.Revision); rev < c.revision.Load() { c.revision.Store(rev) }

    if c.server {
        err := c.send(transport.SenderFunc(func(b *protocol.Buffer, ctl transport.Control) error {
            if err := ctl.StartMessage(protocol.CmdConnectionValidated, 1); err != nil { return err }
            protocol.EncodeConnectionValidated(b, protocol.ConnectionValidated{Status: protocol.ValidationStatusOK})
            return nil
        }))
        if err != nil { return err }
        c.markValidated()
        return nil
    }
    return c.send(transport.SenderFunc(func(b *protocol.Buffer, ctl transport.Control) error {
        if err := ctl.StartMessage(protocol.CmdConnectionValidation, 9); err != nil { return err }
        protocol.EncodeConnectionValidation(b, protocol.ConnectionValidation{
            ReceiveBufferSize: c.opts.ReceiveBufferSize,
            RegistrySize:      c.opts.RegistrySize,
            Revision:          protocol.MinorRevision,
            QoS:               uint16(c.opts.Priority),
        }, true)
        return nil
    }))
}

func (c *Circuit) markValidated() {
    c.validOnce.Do(func() {
        close(c.validated)
        c.log.Debug("circuit validated", zap.Uint8("revision", c.Revision()), zap.Stringer("order", c.ByteOrder()))
        c.handler.OnConnected(c)
    })
}

// Shutdown tells the peer the circuit is going away, then closes it.
func (c *Circuit) Shutdown() error {
    _ = c.sendControl(protocol.CtrlShutdown, 0)
    return c.Close()
}

// Close closes the circuit. Blocked and later senders get ErrClosed and the
// handler sees OnDisconnected once.
func (c *Circuit) Close() error {
    c.closeWith(transport.ErrClosed)
    return nil
}

func (c *Circuit) closeWith(err error) {
    c.closeOnce.Do(func() {
        c.closeErr = err
        close(c.done)
        _ = c.conn.Close()
        if err != nil && !errors.Is(err, transport.ErrClosed) {
            c.log.Debug("circuit closed", zap.Error(err))
        }
    })
}
