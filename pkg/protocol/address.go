package protocol

import (
    "fmt"
    "net/netip"
)

// Variant selects between the two search/discovery wire schemes.
type Variant uint8

const (
    // VariantSimple carries plain IPv4 endpoints and no server identifier.
    VariantSimple Variant = iota
    // VariantRich carries IPv6 (or IPv4-mapped) endpoints and a server GUID.
    VariantRich
)

func (v Variant) String() string {
    if v == VariantRich {
        return "rich"
    }
    return "simple"
}

// ParseVariant maps a config string to a Variant.
func ParseVariant(s string) (Variant, error) {
    switch s {
    case "", "rich", "v2":
        return VariantRich, nil
    case "simple", "v1":
        return VariantSimple, nil
    default:
        return VariantSimple, fmt.Errorf("protocol: unknown variant %q", s)
    }
}

// GUIDSize is the length of a server instance identifier.
const GUIDSize = 12

// GUID identifies one server process incarnation.
type GUID [GUIDSize]byte

func (g GUID) String() string { return fmt.Sprintf("%x", g[:]) }

// IsZero reports whether g is unset.
func (g GUID) IsZero() bool { return g == GUID{} }

// AddressSize returns the encoded endpoint length for the variant.
func (v Variant) AddressSize() int {
    if v == VariantRich {
        return 16 + 2
    }
    return 4 + 2
}

// PutEndpoint appends an endpoint in the variant's encoding. The simple
// variant can only carry IPv4 addresses.
func PutEndpoint(b *Buffer, v Variant, ep netip.AddrPort) error {
    addr := ep.Addr()
    if v == VariantRich {
        a16 := addr.As16()
        if !addr.IsValid() { a16 = [16]byte{} }
        b.PutRaw(a16[:])
        b.PutUint16(ep.Port())
        return nil
    }
    addr = addr.Unmap()
    if addr.IsValid() && !addr.Is4() {
        return fmt.Errorf("protocol: %s is not an IPv4 address", addr)
    }
    var a4 [4]byte
    if addr.IsValid() { a4 = addr.As4() }
    b.PutRaw(a4[:])
    b.PutUint16(ep.Port())
    return nil
}

// ReadEndpoint decodes an endpoint. IPv4-mapped addresses are unmapped.
func ReadEndpoint(r *Reader, v Variant) (netip.AddrPort, error) {
    var addr netip.Addr
    if v == VariantRich {
        p, err := r.ReadRaw(16)
        if err != nil { return netip.AddrPort{}, err }
        addr = netip.AddrFrom16([16]byte(p)).Unmap()
    } else {
        p, err := r.ReadRaw(4)
        if err != nil { return netip.AddrPort{}, err }
        addr = netip.AddrFrom4([4]byte(p))
    }
    port, err := r.ReadUint16()
    if err != nil { return netip.AddrPort{}, err }
    return netip.AddrPortFrom(addr, port), nil
}
