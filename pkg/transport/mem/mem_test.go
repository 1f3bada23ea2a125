package mem

import (
    "context"
    "errors"
    "net/netip"
    "testing"
    "time"

    "pvnet/pkg/protocol"
    "pvnet/pkg/transport"
    "pvnet/pkg/transport/tcp"
)

var (
    _ tcp.Connector = (*Network)(nil)
    _ tcp.Listener  = (*Listener)(nil)
)

var home = netip.MustParseAddrPort("10.9.0.1:5075")

func TestConnectRefusedWithoutListener(t *testing.T) {
    n := NewNetwork()
    if _, err := n.Connect(context.Background(), home); !errors.Is(err, ErrConnRefused) {
        t.Fatalf("got %v", err)
    }
}

func TestListenTwice(t *testing.T) {
    n := NewNetwork()
    l, err := n.Listen(home)
    if err != nil { t.Fatalf("listen: %v", err) }
    if _, err := n.Listen(home); !errors.Is(err, ErrAddrInUse) { t.Fatalf("got %v", err) }
    _ = l.Close()
    if _, err := n.Listen(home); err != nil { t.Fatalf("relisten: %v", err) }
}

func TestPipeAddresses(t *testing.T) {
    n := NewNetwork()
    l, err := n.Listen(netip.MustParseAddrPort("10.9.0.1:0"))
    if err != nil { t.Fatalf("listen: %v", err) }
    defer l.Close()
    ep := transport.AddrPortOf(l.Addr())
    if ep.Port() == 0 { t.Fatal("no port allocated") }

    accepted := make(chan error, 1)
    go func() {
        c, err := l.Accept(context.Background())
        if err == nil {
            if transport.AddrPortOf(c.LocalAddr()) != ep { err = errors.New("server local address") }
            _ = c.Close()
        }
        accepted <- err
    }()
    c, err := n.Connect(context.Background(), ep)
    if err != nil { t.Fatalf("connect: %v", err) }
    defer c.Close()
    if got := transport.AddrPortOf(c.RemoteAddr()); got != ep { t.Fatalf("remote %s", got) }
    if err := <-accepted; err != nil { t.Fatalf("accept: %v", err) }
}

func TestCircuitOverMem(t *testing.T) {
    n := NewNetwork()
    l, err := n.Listen(home)
    if err != nil { t.Fatalf("listen: %v", err) }
    defer l.Close()

    go func() {
        conn, err := l.Accept(context.Background())
        if err != nil { return }
        tcp.Accept(conn, transport.KindMem, tcp.Options{}, nil)
    }()

    validated := make(chan struct{}, 1)
    echo := make(chan string, 1)
    c, err := tcp.Connect(context.Background(), n, home, tcp.Options{}, transport.HandlerFuncs{
        Connected: func(transport.Transport) { validated <- struct{}{} },
        Message: func(_ transport.Transport, m protocol.Message, _ netip.AddrPort) {
            echo <- string(m.Payload)
        },
    })
    if err != nil { t.Fatalf("connect: %v", err) }
    defer c.Close()
    if c.Kind() != transport.KindMem { t.Fatalf("kind %s", c.Kind()) }

    select {
    case <-validated:
    case <-time.After(3 * time.Second):
        t.Fatal("not validated")
    }
    err = c.Enqueue(transport.SenderFunc(func(b *protocol.Buffer, ctl transport.Control) error {
        if err := ctl.StartMessage(protocol.CmdEcho, 4); err != nil { return err }
        b.PutRaw([]byte("ping"))
        return nil
    }))
    if err != nil { t.Fatalf("enqueue: %v", err) }
    select {
    case got := <-echo:
        if got != "ping" { t.Fatalf("echo %q", got) }
    case <-time.After(3 * time.Second):
        t.Fatal("no echo")
    }
}
