package protocol

import (
    "errors"
    "net/netip"
    "strings"
    "testing"
)

func TestBufferReaderRoundtrip(t *testing.T) {
    for _, order := range []ByteOrder{LittleEndian, BigEndian} {
        b := NewBuffer(8, order)
        b.PutUint8(7)
        b.PutUint16(0x0102)
        b.PutUint32(0x01020304)
        b.PutUint64(0x0102030405060708)
        b.PutString("pv:temperature")
        long := strings.Repeat("x", 300)
        b.PutString(long)
        b.PutSize(-1)

        r := NewReader(b.Bytes(), order)
        if v, _ := r.ReadUint8(); v != 7 { t.Fatalf("u8 = %d", v) }
        if v, _ := r.ReadUint16(); v != 0x0102 { t.Fatalf("u16 = %x", v) }
        if v, _ := r.ReadUint32(); v != 0x01020304 { t.Fatalf("u32 = %x", v) }
        if v, _ := r.ReadUint64(); v != 0x0102030405060708 { t.Fatalf("u64 = %x", v) }
        if s, _ := r.ReadString(); s != "pv:temperature" { t.Fatalf("string = %q", s) }
        if s, _ := r.ReadString(); s != long { t.Fatalf("long string length = %d", len(s)) }
        if n, _ := r.ReadSize(); n != -1 { t.Fatalf("null size = %d", n) }
        if r.Remaining() != 0 { t.Fatalf("remaining = %d", r.Remaining()) }
        if _, err := r.ReadUint8(); !errors.Is(err, ErrShortBuffer) {
            t.Fatalf("read past end err = %v", err)
        }
    }
}

func TestSizeEncodingLengths(t *testing.T) {
    for _, n := range []int{0, 1, 253, 254, 1000} {
        b := NewBuffer(0, LittleEndian)
        b.PutSize(n)
        if b.Len() != SizeOfSize(n) {
            t.Fatalf("size %d encoded in %d bytes, SizeOfSize says %d", n, b.Len(), SizeOfSize(n))
        }
    }
}

func TestPatchAfterWrite(t *testing.T) {
    b := NewBuffer(0, BigEndian)
    b.PutUint32(0)
    b.PutUint16(0)
    b.PutUint32At(0, 42)
    b.PutUint16At(4, 7)
    r := NewReader(b.Bytes(), BigEndian)
    if v, _ := r.ReadUint32(); v != 42 { t.Fatalf("patched u32 = %d", v) }
    if v, _ := r.ReadUint16(); v != 7 { t.Fatalf("patched u16 = %d", v) }
}

func TestReaderRewind(t *testing.T) {
    r := NewReader([]byte{1, 2, 3}, LittleEndian)
    start := r.Offset()
    _, _ = r.ReadUint8()
    if err := r.SetOffset(start); err != nil { t.Fatalf("rewind: %v", err) }
    if v, _ := r.ReadUint8(); v != 1 { t.Fatalf("after rewind = %d", v) }
    if err := r.SetOffset(9); err == nil { t.Fatalf("expected out of range error") }
}

func TestEndpointEncoding(t *testing.T) {
    ep := netip.MustParseAddrPort("10.1.2.3:5075")
    for _, v := range []Variant{VariantSimple, VariantRich} {
        b := NewBuffer(0, LittleEndian)
        if err := PutEndpoint(b, v, ep); err != nil { t.Fatalf("%s: put: %v", v, err) }
        if b.Len() != v.AddressSize() { t.Fatalf("%s: size = %d", v, b.Len()) }
        got, err := ReadEndpoint(NewReader(b.Bytes(), LittleEndian), v)
        if err != nil { t.Fatalf("%s: read: %v", v, err) }
        if got != ep { t.Fatalf("%s: got %s want %s", v, got, ep) }
    }

    v6 := netip.MustParseAddrPort("[fe80::1]:5075")
    if err := PutEndpoint(NewBuffer(0, LittleEndian), VariantSimple, v6); err == nil {
        t.Fatalf("simple variant accepted an IPv6 address")
    }
}
