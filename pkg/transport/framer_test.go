package transport

import (
    "errors"
    "net/netip"
    "testing"

    "pvnet/pkg/protocol"
)

type capture struct {
    writes [][]byte
    to     []netip.AddrPort
}

func (c *capture) write(p []byte, to netip.AddrPort) error {
    c.writes = append(c.writes, append([]byte(nil), p...))
    c.to = append(c.to, to)
    return nil
}

func TestFramerPatchesLengthAndCoalesces(t *testing.T) {
    var c capture
    f := NewFramer(1024, protocol.BigEndian, false, c.write)
    err := f.Run(SenderFunc(func(b *protocol.Buffer, ctl Control) error {
        if err := ctl.StartMessage(protocol.CmdEcho, 0); err != nil { return err }
        b.PutUint32(7)
        ctl.EndMessage()
        if err := ctl.StartMessage(protocol.CmdEcho, 0); err != nil { return err }
        b.PutString("hello")
        return nil
    }))
    if err != nil { t.Fatalf("run: %v", err) }
    if len(c.writes) != 1 { t.Fatalf("writes=%d", len(c.writes)) }
    msgs, err := protocol.SplitDatagram(c.writes[0])
    if err != nil { t.Fatalf("split: %v", err) }
    if len(msgs) != 2 { t.Fatalf("messages=%d", len(msgs)) }
    if msgs[0].Header.PayloadSize != 4 || msgs[1].Header.PayloadSize != 6 {
        t.Fatalf("sizes %d %d", msgs[0].Header.PayloadSize, msgs[1].Header.PayloadSize)
    }
    if msgs[0].Header.ByteOrder() != protocol.BigEndian || msgs[0].Header.FromServer() {
        t.Fatalf("flags 0x%02x", msgs[0].Header.Flags)
    }
}

func TestFramerPartialFlushKeepsOpenMessage(t *testing.T) {
    var c capture
    f := NewFramer(64, protocol.LittleEndian, true, c.write)
    b := f.Buffer()
    _ = f.StartMessage(protocol.CmdEcho, 0)
    b.PutUint8(1)
    _ = f.StartMessage(protocol.CmdEcho, 0)
    b.PutUint8(2)
    if err := f.Flush(false); err != nil { t.Fatalf("flush: %v", err) }
    if len(c.writes) != 1 || len(c.writes[0]) != protocol.HeaderSize+1 { t.Fatalf("partial flush wrote %v", c.writes) }
    b.PutUint8(3)
    if err := f.Flush(true); err != nil { t.Fatalf("flush: %v", err) }
    msgs, err := protocol.SplitDatagram(c.writes[1])
    if err != nil || len(msgs) != 1 { t.Fatalf("second write: %v %d", err, len(msgs)) }
    if string(msgs[0].Payload) != "\x02\x03" || !msgs[0].Header.FromServer() { t.Fatalf("payload %x", msgs[0].Payload) }
}

func TestFramerFlushesWhenHintDoesNotFit(t *testing.T) {
    var c capture
    f := NewFramer(32, protocol.LittleEndian, false, c.write)
    _ = f.StartMessage(protocol.CmdEcho, 0)
    f.Buffer().PutRaw(make([]byte, 16))
    _ = f.StartMessage(protocol.CmdEcho, 16)
    if len(c.writes) != 1 { t.Fatalf("expected early flush, writes=%d", len(c.writes)) }
    if f.Buffer().Len() != protocol.HeaderSize { t.Fatalf("buffer holds %d", f.Buffer().Len()) }
}

func TestFramerRecipientAndControl(t *testing.T) {
    var c capture
    to := netip.MustParseAddrPort("192.168.1.255:5076")
    f := NewFramer(64, protocol.LittleEndian, false, c.write)
    f.SetRecipient(to)
    f.PutControl(protocol.CtrlEchoRequest, 42)
    if err := f.Flush(true); err != nil { t.Fatalf("flush: %v", err) }
    if c.to[0] != to { t.Fatalf("recipient %v", c.to[0]) }
    msgs, _ := protocol.SplitDatagram(c.writes[0])
    if len(msgs) != 1 || !msgs[0].Header.IsControl() || msgs[0].Header.PayloadSize != 42 {
        t.Fatalf("control message %+v", msgs)
    }
}

func TestFramerAbortOnSenderError(t *testing.T) {
    var c capture
    f := NewFramer(64, protocol.LittleEndian, false, c.write)
    boom := errors.New("boom")
    err := f.Run(SenderFunc(func(b *protocol.Buffer, ctl Control) error {
        _ = ctl.StartMessage(protocol.CmdEcho, 0)
        b.PutUint32(1)
        return boom
    }))
    if !errors.Is(err, boom) { t.Fatalf("err=%v", err) }
    if len(c.writes) != 0 || f.Buffer().Len() != 0 { t.Fatalf("aborted sender leaked bytes") }
}

func TestFanout(t *testing.T) {
    var got []string
    h1 := &HandlerFuncs{Connected: func(Transport) { got = append(got, "c1") }, Disconnected: func(Transport, error) { got = append(got, "d1") }}
    h2 := &HandlerFuncs{Connected: func(Transport) { got = append(got, "c2") }}
    var f Fanout
    if f.Add(h1) != 1 || f.Add(h1) != 1 { t.Fatalf("duplicate add counted") }
    tr := &fakeTransport{ep: epA}
    f.OnConnected(tr)
    // late holder learns about the connection on Add
    if f.Add(h2) != 2 { t.Fatalf("add h2") }
    if f.Remove(h2) != 1 { t.Fatalf("remove h2") }
    f.OnDisconnected(tr, nil)
    want := []string{"c1", "c2", "d1"}
    if len(got) != len(want) { t.Fatalf("events %v", got) }
    for i := range want {
        if got[i] != want[i] { t.Fatalf("events %v", got) }
    }
}

func TestParseEndpoints(t *testing.T) {
    eps, err := ParseEndpoints("10.0.0.1 10.0.0.2:6000,[::1]:7000", 5076)
    if err != nil { t.Fatalf("parse: %v", err) }
    want := []string{"10.0.0.1:5076", "10.0.0.2:6000", "[::1]:7000"}
    if len(eps) != len(want) { t.Fatalf("got %v", eps) }
    for i := range want {
        if eps[i].String() != want[i] { t.Fatalf("ep %d = %v", i, eps[i]) }
    }
    if _, err := ParseEndpoint("", 1); err == nil { t.Fatalf("empty endpoint accepted") }
}
