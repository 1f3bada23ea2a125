// Package udp implements the connectionless transport used for discovery:
// search requests and responses and server beacons.
package udp

import (
    "context"
    "errors"
    "fmt"
    "net"
    "net/netip"
    "sync"
    "sync/atomic"
    "syscall"
    "time"

    "go.uber.org/zap"

    "pvnet/pkg/protocol"
    "pvnet/pkg/transport"
)

// MaxDatagramSize is the default send buffer size; it keeps datagrams below
// a typical Ethernet MTU so they are not fragmented.
const MaxDatagramSize = 1440

// Receive error back-off bounds.
const (
    minReadRetry = 5 * time.Millisecond
    maxReadRetry = time.Second
)

// retryDelay doubles from minReadRetry up to maxReadRetry across consecutive
// receive failures.
type retryDelay struct{ d time.Duration }

func (r *retryDelay) next() time.Duration {
    if r.d == 0 {
        r.d = minReadRetry
    } else {
        r.d *= 2
    }
    if r.d > maxReadRetry { r.d = maxReadRetry }
    return r.d
}

func (r *retryDelay) reset() { r.d = 0 }

// Options configure a Transport.
type Options struct {
    // Bind is the local address; the zero value binds an ephemeral port on
    // every interface.
    Bind netip.AddrPort
    // Broadcast allows sending to broadcast addresses.
    Broadcast bool
    // ReuseAddr lets several processes share a well-known port.
    ReuseAddr bool
    // Destinations receive every flush without an explicit recipient.
    Destinations []netip.AddrPort
    Order        protocol.ByteOrder
    FromServer   bool
    // SendBufferSize bounds one outgoing datagram.
    SendBufferSize int
    Logger         *zap.Logger
}

// Transport is a datagram Transport. Each received datagram is split into
// its messages and handed to the Handler; a malformed datagram is dropped as
// a whole and the receive loop carries on with the next one.
type Transport struct {
    conn    *net.UDPConn
    local   netip.AddrPort
    handler transport.Handler
    log     *zap.Logger

    sendMu sync.Mutex
    framer *transport.Framer

    destMu sync.RWMutex
    dests  []netip.AddrPort

    closed atomic.Bool
    done   chan struct{}
}

// Listen binds the socket and starts the receive loop. The transport closes
// when ctx is done.
func Listen(ctx context.Context, opts Options, h transport.Handler) (*Transport, error) {
    if h == nil { h = transport.HandlerFuncs{} }
    if opts.Logger == nil { opts.Logger = zap.L() }
    if opts.SendBufferSize <= 0 { opts.SendBufferSize = MaxDatagramSize }
    bind := opts.Bind
    if !bind.IsValid() { bind = netip.AddrPortFrom(netip.IPv4Unspecified(), 0) }

    lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
        return setSockopts(c, opts.Broadcast, opts.ReuseAddr)
    }}
    network := "udp4"
    if !bind.Addr().Is4() { network = "udp" }
    pc, err := lc.ListenPacket(ctx, network, bind.String())
    if err != nil { return nil, fmt.Errorf("udp listen %s: %w", bind, err) }
    conn := pc.(*net.UDPConn)

    t := &Transport{
        conn:    conn,
        local:   transport.AddrPortOf(conn.LocalAddr()),
        handler: h,
        dests:   append([]netip.AddrPort(nil), opts.Destinations...),
        done:    make(chan struct{}),
    }
    t.log = opts.Logger.Named("udp").With(zap.Stringer("local", t.local))
    t.framer = transport.NewFramer(opts.SendBufferSize, opts.Order, opts.FromServer, t.write)
    go t.readLoop()
    if ctx.Done() != nil {
        go func() {
            select {
            case <-ctx.Done():
                _ = t.Close()
            case <-t.done:
            }
        }()
    }
    return t, nil
}

func (t *Transport) Kind() transport.Kind           { return transport.KindUDP }
func (t *Transport) Remote() netip.AddrPort         { return t.local }
func (t *Transport) Priority() int16                { return 0 }
func (t *Transport) Revision() uint8                { return protocol.MinorRevision }
func (t *Transport) ByteOrder() protocol.ByteOrder  { return t.framer.Buffer().Order() }

// LocalAddr is the bound socket address.
func (t *Transport) LocalAddr() netip.AddrPort { return t.local }

// SetDestinations replaces the default recipients.
func (t *Transport) SetDestinations(eps []netip.AddrPort) {
    t.destMu.Lock()
    t.dests = append([]netip.AddrPort(nil), eps...)
    t.destMu.Unlock()
}

// Destinations returns a copy of the default recipients.
func (t *Transport) Destinations() []netip.AddrPort {
    t.destMu.RLock()
    defer t.destMu.RUnlock()
    return append([]netip.AddrPort(nil), t.dests...)
}

// Enqueue runs s and sends what it produced, either to the recipient it
// selected or to every destination.
func (t *Transport) Enqueue(s transport.Sender) error {
    t.sendMu.Lock()
    defer t.sendMu.Unlock()
    if t.closed.Load() { return transport.ErrClosed }
    t.framer.SetRecipient(netip.AddrPort{})
    return t.framer.Run(s)
}

func (t *Transport) write(p []byte, to netip.AddrPort) error {
    if to.IsValid() {
        _, err := t.conn.WriteToUDPAddrPort(p, to)
        return err
    }
    var errs []error
    for _, d := range t.Destinations() {
        if _, err := t.conn.WriteToUDPAddrPort(p, d); err != nil {
            t.log.Debug("send failed", zap.Stringer("to", d), zap.Error(err))
            errs = append(errs, fmt.Errorf("%s: %w", d, err))
        }
    }
    return errors.Join(errs...)
}

func (t *Transport) readLoop() {
    defer func() {
        t.closed.Store(true)
        close(t.done)
        t.handler.OnDisconnected(t, nil)
    }()
    buf := make([]byte, 64*1024)
    var delay retryDelay
    for {
        n, from, err := t.conn.ReadFromUDPAddrPort(buf)
        if err != nil {
            if t.closed.Load() || errors.Is(err, net.ErrClosed) {
                return
            }
            d := delay.next()
            t.log.Debug("receive failed", zap.Duration("retry_in", d), zap.Error(err))
            time.Sleep(d)
            continue
        }
        delay.reset()
        from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        msgs, err := protocol.SplitDatagram(pkt)
        if err != nil {
            t.log.Debug("dropping datagram", zap.Stringer("from", from), zap.Int("bytes", n), zap.Error(err))
            continue
        }
        for _, m := range msgs {
            t.handler.OnMessage(t, m, from)
        }
    }
}

// Close closes the socket; the receive loop ends quietly and reports the
// disconnect.
func (t *Transport) Close() error {
    if !t.closed.CompareAndSwap(false, true) { return nil }
    return t.conn.Close()
}

// Done is closed once the receive loop has exited.
func (t *Transport) Done() <-chan struct{} { return t.done }
