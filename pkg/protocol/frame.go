package protocol

import (
    "errors"
    "fmt"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 16 << 20

var (
    // ErrPartialMessage marks a datagram whose last message is truncated.
    ErrPartialMessage  = errors.New("protocol: partial message in datagram")
    ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum size")
)

// Message is one decoded frame. Payload aliases the buffer it was parsed from.
type Message struct {
    Header  Header
    Payload []byte
}

// Reader returns a payload reader in the message byte order.
func (m Message) Reader() *Reader { return NewReader(m.Payload, m.Header.ByteOrder()) }

// ControlHeader builds the header of a control message carrying value.
func ControlHeader(cmd uint8, value uint32, order ByteOrder, fromServer bool) Header {
    flags := FlagControl
    if fromServer { flags |= FlagFromServer }
    h := NewHeader(cmd, flags, order)
    h.PayloadSize = value
    return h
}

// SplitDatagram decodes every message packed into one datagram. Datagrams
// are all-or-nothing: a bad header or a truncated trailing message rejects
// the whole datagram and no messages are returned.
func SplitDatagram(b []byte) ([]Message, error) {
    var out []Message
    for off := 0; off < len(b); {
        var h Header
        if err := h.UnmarshalBinary(b[off:]); err != nil {
            return nil, fmt.Errorf("datagram offset %d: %w", off, err)
        }
        off += HeaderSize
        n := h.BodySize()
        if n > len(b)-off {
            return nil, fmt.Errorf("datagram offset %d: need %d bytes, have %d: %w", off, n, len(b)-off, ErrPartialMessage)
        }
        out = append(out, Message{Header: h, Payload: b[off : off+n]})
        off += n
    }
    return out, nil
}

// Deframer reassembles messages from a byte stream. Partial messages are
// kept until the rest of their bytes arrive.
type Deframer struct {
    buf []byte
}

// Write appends stream bytes.
func (d *Deframer) Write(p []byte) (int, error) {
    d.buf = append(d.buf, p...)
    return len(p), nil
}

// Buffered returns the number of bytes not yet consumed.
func (d *Deframer) Buffered() int { return len(d.buf) }

// Next returns the next complete message. ok is false when more bytes are
// needed. A header error means the stream can no longer be trusted.
func (d *Deframer) Next() (msg Message, ok bool, err error) {
    if len(d.buf) < HeaderSize {
        d.compact()
        return Message{}, false, nil
    }
    var h Header
    if err := h.UnmarshalBinary(d.buf); err != nil {
        return Message{}, false, err
    }
    n := h.BodySize()
    if n > MaxPayloadSize {
        return Message{}, false, fmt.Errorf("%w: %d", ErrPayloadTooLarge, n)
    }
    if len(d.buf) < HeaderSize+n {
        return Message{}, false, nil
    }
    payload := make([]byte, n)
    copy(payload, d.buf[HeaderSize:HeaderSize+n])
    d.buf = d.buf[HeaderSize+n:]
    return Message{Header: h, Payload: payload}, true, nil
}

func (d *Deframer) compact() {
    if len(d.buf) == 0 {
        d.buf = d.buf[:0:0]
        return
    }
    if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 64*1024 {
        tmp := make([]byte, len(d.buf))
        copy(tmp, d.buf)
        d.buf = tmp
    }
}

// Reset drops any buffered bytes.
func (d *Deframer) Reset() { d.buf = nil }
