package protocol

import (
    "encoding/binary"
    "errors"
    "fmt"
)

var (
    // ErrShortBuffer is returned when a Reader has fewer bytes than required.
    ErrShortBuffer = errors.New("protocol: insufficient data in buffer")
    // ErrInvalidSize is returned for a negative or oversized size prefix.
    ErrInvalidSize = errors.New("protocol: invalid size")
)

// ByteOrder selects the payload byte order of one message or connection.
type ByteOrder uint8

const (
    LittleEndian ByteOrder = iota
    BigEndian
)

func (o ByteOrder) binary() binary.ByteOrder {
    if o == BigEndian {
        return binary.BigEndian
    }
    return binary.LittleEndian
}

func (o ByteOrder) String() string {
    if o == BigEndian {
        return "big-endian"
    }
    return "little-endian"
}

// Size prefix markers.
const (
    sizeNull     = 0xFF
    sizeExtended = 0xFE
)

// Buffer is a growable write buffer. The byte order is resolved once, when
// the buffer is created or re-targeted, not per field.
type Buffer struct {
    data  []byte
    order ByteOrder
    bo    binary.ByteOrder
}

// NewBuffer returns a Buffer with the given capacity.
func NewBuffer(capacity int, order ByteOrder) *Buffer {
    return &Buffer{data: make([]byte, 0, capacity), order: order, bo: order.binary()}
}

func (b *Buffer) Bytes() []byte      { return b.data }
func (b *Buffer) Len() int           { return len(b.data) }
func (b *Buffer) Cap() int           { return cap(b.data) }
func (b *Buffer) Order() ByteOrder   { return b.order }
func (b *Buffer) Reset()             { b.data = b.data[:0] }

// Free returns how many bytes can still be written without growing.
func (b *Buffer) Free() int { return cap(b.data) - len(b.data) }

// SetOrder changes the order used for subsequent writes.
func (b *Buffer) SetOrder(o ByteOrder) {
    b.order = o
    b.bo = o.binary()
}

// Truncate discards everything written after n bytes.
func (b *Buffer) Truncate(n int) {
    if n >= 0 && n <= len(b.data) {
        b.data = b.data[:n]
    }
}

func (b *Buffer) grow(n int) int {
    off := len(b.data)
    need := off + n
    if need <= cap(b.data) {
        b.data = b.data[:need]
        return off
    }
    newCap := cap(b.data) * 2
    if newCap < need { newCap = need }
    tmp := make([]byte, need, newCap)
    copy(tmp, b.data)
    b.data = tmp
    return off
}

func (b *Buffer) PutUint8(v uint8) {
    off := b.grow(1)
    b.data[off] = v
}

func (b *Buffer) PutUint16(v uint16) {
    off := b.grow(2)
    b.bo.PutUint16(b.data[off:], v)
}

func (b *Buffer) PutUint32(v uint32) {
    off := b.grow(4)
    b.bo.PutUint32(b.data[off:], v)
}

func (b *Buffer) PutUint64(v uint64) {
    off := b.grow(8)
    b.bo.PutUint64(b.data[off:], v)
}

// PutUint32At overwrites four already-written bytes at off.
func (b *Buffer) PutUint32At(off int, v uint32) {
    b.bo.PutUint32(b.data[off:off+4], v)
}

// PutUint16At overwrites two already-written bytes at off.
func (b *Buffer) PutUint16At(off int, v uint16) {
    b.bo.PutUint16(b.data[off:off+2], v)
}

// PutRaw appends bytes verbatim.
func (b *Buffer) PutRaw(p []byte) {
    off := b.grow(len(p))
    copy(b.data[off:], p)
}

// PutSize appends a compact size: one byte below 254, otherwise 0xFE and a
// u32. A negative size encodes null.
func (b *Buffer) PutSize(n int) {
    switch {
    case n < 0:
        b.PutUint8(sizeNull)
    case n < sizeExtended:
        b.PutUint8(uint8(n))
    default:
        b.PutUint8(sizeExtended)
        b.PutUint32(uint32(n))
    }
}

// PutString appends a size-prefixed UTF-8 string.
func (b *Buffer) PutString(s string) {
    b.PutSize(len(s))
    off := b.grow(len(s))
    copy(b.data[off:], s)
}

// SizeOfSize returns the encoded length of a size prefix.
func SizeOfSize(n int) int {
    if n >= sizeExtended {
        return 5
    }
    return 1
}

// SizeOfString returns the encoded length of s.
func SizeOfString(s string) int { return SizeOfSize(len(s)) + len(s) }

// Reader decodes a payload sequentially.
type Reader struct {
    data  []byte
    off   int
    order ByteOrder
    bo    binary.ByteOrder
}

// NewReader wraps data for decoding in the given order.
func NewReader(data []byte, order ByteOrder) *Reader {
    return &Reader{data: data, order: order, bo: order.binary()}
}

func (r *Reader) Remaining() int    { return len(r.data) - r.off }
func (r *Reader) Offset() int       { return r.off }
func (r *Reader) Order() ByteOrder  { return r.order }

// SetOffset moves the read position, e.g. to un-read a peeked byte.
func (r *Reader) SetOffset(off int) error {
    if off < 0 || off > len(r.data) {
        return fmt.Errorf("protocol: offset %d out of range [0,%d]", off, len(r.data))
    }
    r.off = off
    return nil
}

func (r *Reader) need(n int) (int, error) {
    if n < 0 || r.off+n > len(r.data) {
        return 0, ErrShortBuffer
    }
    off := r.off
    r.off += n
    return off, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
    off, err := r.need(1)
    if err != nil { return 0, err }
    return r.data[off], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
    off, err := r.need(2)
    if err != nil { return 0, err }
    return r.bo.Uint16(r.data[off:]), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
    off, err := r.need(4)
    if err != nil { return 0, err }
    return r.bo.Uint32(r.data[off:]), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
    off, err := r.need(8)
    if err != nil { return 0, err }
    return r.bo.Uint64(r.data[off:]), nil
}

// ReadRaw returns the next n bytes without copying.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
    off, err := r.need(n)
    if err != nil { return nil, err }
    return r.data[off : off+n], nil
}

// ReadSize decodes a compact size; -1 means null.
func (r *Reader) ReadSize() (int, error) {
    b, err := r.ReadUint8()
    if err != nil { return 0, err }
    switch b {
    case sizeNull:
        return -1, nil
    case sizeExtended:
        v, err := r.ReadUint32()
        if err != nil { return 0, err }
        if v > 1<<30 {
            return 0, fmt.Errorf("%w: %d", ErrInvalidSize, v)
        }
        return int(v), nil
    default:
        return int(b), nil
    }
}

// ReadString decodes a size-prefixed string; null decodes as "".
func (r *Reader) ReadString() (string, error) {
    n, err := r.ReadSize()
    if err != nil { return "", err }
    if n <= 0 { return "", nil }
    p, err := r.ReadRaw(n)
    if err != nil { return "", err }
    return string(p), nil
}
