package transport

import (
    "errors"
    "net/netip"

    "pvnet/pkg/protocol"
)

// ErrClosed is returned to senders once a transport has been closed.
var ErrClosed = errors.New("transport: closed")

// Kind identifies the transport implementation.
type Kind int

const (
    KindUnknown Kind = iota
    KindUDP
    KindTCP
    KindQUIC
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindUDP:
        return "udp"
    case KindTCP:
        return "tcp"
    case KindQUIC:
        return "quic"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// ParseKind maps a config string to a circuit Kind.
func ParseKind(s string) (Kind, error) {
    switch s {
    case "", "tcp":
        return KindTCP, nil
    case "quic":
        return KindQUIC, nil
    case "udp":
        return KindUDP, nil
    case "mem":
        return KindMem, nil
    default:
        return KindUnknown, errors.New("transport: unknown kind " + s)
    }
}

// Control is the framing surface a Sender drives.
type Control interface {
    // StartMessage ends any open message and begins a new one. sizeHint is
    // the expected payload size; if it does not fit, completed messages are
    // flushed first.
    StartMessage(cmd uint8, sizeHint int) error
    // EndMessage patches the payload size of the open message.
    EndMessage()
    // Flush writes buffered messages. With last=false an open message is
    // kept in the buffer and only the completed ones go out.
    Flush(last bool) error
    // SetRecipient directs the next flush to one endpoint. Circuits ignore it.
    SetRecipient(to netip.AddrPort)
}

// Sender produces one or more messages. It runs with the transport send
// lock held, so its messages are never interleaved with another sender's.
type Sender interface {
    Send(b *protocol.Buffer, c Control) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(b *protocol.Buffer, c Control) error

func (f SenderFunc) Send(b *protocol.Buffer, c Control) error { return f(b, c) }

// Handler receives transport events. Callbacks run on the transport's
// receive goroutine and must not block for long.
type Handler interface {
    OnConnected(t Transport)
    OnMessage(t Transport, msg protocol.Message, from netip.AddrPort)
    OnDisconnected(t Transport, err error)
}

// Transport is a framed message channel to one remote endpoint (circuits)
// or to a set of discovery destinations (datagrams).
type Transport interface {
    Kind() Kind
    // Remote is the peer endpoint of a circuit or the bound address of a
    // datagram transport.
    Remote() netip.AddrPort
    Priority() int16
    // Revision is the minor protocol revision agreed with the peer.
    Revision() uint8
    ByteOrder() protocol.ByteOrder
    // Enqueue runs s with exclusive access to the send buffer and flushes
    // what it produced. Messages from sequential calls keep their order.
    Enqueue(s Sender) error
    Close() error
}

// HandlerFuncs is a Handler built from optional functions.
type HandlerFuncs struct {
    Connected    func(t Transport)
    Message      func(t Transport, msg protocol.Message, from netip.AddrPort)
    Disconnected func(t Transport, err error)
}

func (h HandlerFuncs) OnConnected(t Transport) {
    if h.Connected != nil { h.Connected(t) }
}

func (h HandlerFuncs) OnMessage(t Transport, msg protocol.Message, from netip.AddrPort) {
    if h.Message != nil { h.Message(t, msg, from) }
}

func (h HandlerFuncs) OnDisconnected(t Transport, err error) {
    if h.Disconnected != nil { h.Disconnected(t, err) }
}
