package protocol

import (
    "encoding/binary"
    "errors"
    "fmt"
)

// Fixed header layout (8 bytes). The payload size is written in the byte
// order selected by FlagBigEndian; the first four bytes are order-free.
//
//  0       Magic   0xCA
//  1       Version u8 (major<<4 | minor)
//  2       Flags   u8
//  3       Command u8
//  4 ..7   PayloadSize u32
const (
    HeaderSize = 8
    Magic      = byte(0xCA)

    MajorRevision = 1
    MinorRevision = 2
    Version       = byte(MajorRevision<<4 | MinorRevision)
)

var (
    ErrShortHeader        = errors.New("protocol: short header")
    ErrBadMagic           = errors.New("protocol: bad magic")
    ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Header describes one framed message.
type Header struct {
    Version     uint8
    Flags       uint8
    Command     uint8
    PayloadSize uint32
}

// NewHeader returns a header for the current protocol version.
func NewHeader(cmd uint8, flags uint8, order ByteOrder) Header {
    h := Header{Version: Version, Flags: flags &^ FlagBigEndian, Command: cmd}
    if order == BigEndian {
        h.Flags |= FlagBigEndian
    }
    return h
}

// ByteOrder returns the byte order announced by the flags.
func (h Header) ByteOrder() ByteOrder {
    if h.Flags&FlagBigEndian != 0 {
        return BigEndian
    }
    return LittleEndian
}

// IsControl reports whether the message is a control message. Control
// messages carry their value in PayloadSize and have no payload.
func (h Header) IsControl() bool { return h.Flags&FlagControl != 0 }

// FromServer reports whether the sender marked itself as a server.
func (h Header) FromServer() bool { return h.Flags&FlagFromServer != 0 }

// Major returns the major protocol revision.
func (h Header) Major() uint8 { return h.Version >> 4 }

// Minor returns the minor protocol revision.
func (h Header) Minor() uint8 { return h.Version & 0x0f }

// BodySize is the number of payload bytes that follow the header.
func (h Header) BodySize() int {
    if h.IsControl() { return 0 }
    return int(h.PayloadSize)
}

func (h Header) String() string {
    kind := "app"
    if h.IsControl() { kind = "ctrl" }
    return fmt.Sprintf("%s cmd=%d v=0x%02x flags=0x%02x size=%d", kind, h.Command, h.Version, h.Flags, h.PayloadSize)
}

// MarshalTo encodes h into the first HeaderSize bytes of buf.
func (h Header) MarshalTo(buf []byte) {
    buf[0] = Magic
    buf[1] = h.Version
    buf[2] = h.Flags
    buf[3] = h.Command
    h.ByteOrder().binary().PutUint32(buf[4:8], h.PayloadSize)
}

// MarshalBinary encodes header to an 8-byte buffer.
func (h Header) MarshalBinary() ([]byte, error) {
    buf := make([]byte, HeaderSize)
    h.MarshalTo(buf)
    return buf, nil
}

// UnmarshalBinary decodes and validates a header. A wrong magic byte or an
// incompatible major revision leaves h untouched.
func (h *Header) UnmarshalBinary(buf []byte) error {
    if len(buf) < HeaderSize {
        return ErrShortHeader
    }
    if buf[0] != Magic {
        return fmt.Errorf("%w: 0x%02x", ErrBadMagic, buf[0])
    }
    if buf[1]>>4 != MajorRevision {
        return fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, buf[1])
    }
    h.Version = buf[1]
    h.Flags = buf[2]
    h.Command = buf[3]
    var bo binary.ByteOrder = binary.LittleEndian
    if h.Flags&FlagBigEndian != 0 { bo = binary.BigEndian }
    h.PayloadSize = bo.Uint32(buf[4:8])
    return nil
}
