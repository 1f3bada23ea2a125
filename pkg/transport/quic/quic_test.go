package quic

import (
    "context"
    "net/netip"
    "testing"
    "time"

    "pvnet/pkg/protocol"
    "pvnet/pkg/transport"
    "pvnet/pkg/transport/tcp"
)

var _ tcp.Connector = (*Connector)(nil)
var _ tcp.Listener = (*Listener)(nil)

func TestCircuitOverQUIC(t *testing.T) {
    l, err := Listen("127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer l.Close()

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    go func() {
        conn, err := l.Accept(ctx)
        if err != nil { return }
        tcp.Accept(conn, transport.KindQUIC, tcp.Options{}, nil)
    }()

    connected := make(chan struct{}, 1)
    echoed := make(chan protocol.Message, 1)
    h := &transport.HandlerFuncs{
        Connected: func(transport.Transport) { connected <- struct{}{} },
        Message:   func(_ transport.Transport, m protocol.Message, _ netip.AddrPort) { echoed <- m },
    }
    ep := transport.AddrPortOf(l.Addr())
    ci, err := tcp.Connect(ctx, NewConnector(), ep, tcp.Options{}, h)
    if err != nil { t.Fatalf("connect: %v", err) }
    defer ci.Close()
    if ci.Kind() != transport.KindQUIC { t.Fatalf("kind %v", ci.Kind()) }

    select {
    case <-connected:
    case <-ctx.Done():
        t.Fatalf("handshake did not complete")
    }
    err = ci.Enqueue(transport.SenderFunc(func(b *protocol.Buffer, c transport.Control) error {
        if err := c.StartMessage(protocol.CmdEcho, 0); err != nil { return err }
        b.PutString("over quic")
        return nil
    }))
    if err != nil { t.Fatalf("enqueue: %v", err) }
    select {
    case m := <-echoed:
        if s, _ := m.Reader().ReadString(); s != "over quic" { t.Fatalf("echo %q", s) }
    case <-ctx.Done():
        t.Fatalf("no echo")
    }
}
