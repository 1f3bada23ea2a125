package transport

import (
    "net/netip"

    "pvnet/pkg/protocol"
)

// WriteFunc performs the physical write of one flushed chunk. It must not
// retain p.
type WriteFunc func(p []byte, to netip.AddrPort) error

// Framer implements Control over a single send buffer. It is not safe for
// concurrent use; a transport holds its send lock while a Sender runs.
type Framer struct {
    buf   *protocol.Buffer
    flags uint8
    open  int // header offset of the open message, -1 when none
    to    netip.AddrPort
    write WriteFunc
}

// NewFramer returns a Framer whose buffer starts with the given capacity.
// fromServer marks every header it writes.
func NewFramer(capacity int, order protocol.ByteOrder, fromServer bool, write WriteFunc) *Framer {
    var flags uint8
    if fromServer { flags = protocol.FlagFromServer }
    return &Framer{buf: protocol.NewBuffer(capacity, order), flags: flags, open: -1, write: write}
}

// Buffer is the buffer handed to senders.
func (f *Framer) Buffer() *protocol.Buffer { return f.buf }

// SetOrder switches the byte order of subsequent messages.
func (f *Framer) SetOrder(o protocol.ByteOrder) { f.buf.SetOrder(o) }

func (f *Framer) StartMessage(cmd uint8, sizeHint int) error {
    f.EndMessage()
    if f.buf.Len() > 0 && f.buf.Free() < protocol.HeaderSize+sizeHint {
        if err := f.Flush(true); err != nil { return err }
    }
    f.open = f.buf.Len()
    var hdr [protocol.HeaderSize]byte
    protocol.NewHeader(cmd, f.flags, f.buf.Order()).MarshalTo(hdr[:])
    f.buf.PutRaw(hdr[:])
    return nil
}

func (f *Framer) EndMessage() {
    if f.open < 0 { return }
    n := f.buf.Len() - f.open - protocol.HeaderSize
    f.buf.PutUint32At(f.open+4, uint32(n))
    f.open = -1
}

// PutControl appends a control message carrying value.
func (f *Framer) PutControl(cmd uint8, value uint32) {
    f.EndMessage()
    var hdr [protocol.HeaderSize]byte
    protocol.ControlHeader(cmd, value, f.buf.Order(), f.flags&protocol.FlagFromServer != 0).MarshalTo(hdr[:])
    f.buf.PutRaw(hdr[:])
}

func (f *Framer) Flush(last bool) error {
    if last { f.EndMessage() }
    end := f.buf.Len()
    if f.open >= 0 { end = f.open }
    if end == 0 { return nil }
    err := f.write(f.buf.Bytes()[:end], f.to)
    if end == f.buf.Len() {
        f.buf.Reset()
        return err
    }
    rest := append([]byte(nil), f.buf.Bytes()[end:]...)
    f.buf.Reset()
    f.buf.PutRaw(rest)
    f.open = 0
    return err
}

func (f *Framer) SetRecipient(to netip.AddrPort) { f.to = to }

// Recipient returns the endpoint set by SetRecipient.
func (f *Framer) Recipient() netip.AddrPort { return f.to }

// Abort drops everything buffered, including an open message. Used after a
// sender failed half way.
func (f *Framer) Abort() {
    f.buf.Reset()
    f.open = -1
}

// Run invokes s and flushes whatever it left behind.
func (f *Framer) Run(s Sender) error {
    if err := s.Send(f.buf, f); err != nil {
        f.Abort()
        return err
    }
    return f.Flush(true)
}
