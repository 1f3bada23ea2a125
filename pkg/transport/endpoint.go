package transport

import (
    "fmt"
    "net"
    "net/netip"
    "strconv"
    "strings"
)

// ParseEndpoint parses "host[:port]" into an endpoint, applying defPort
// when no port is given. Host names are resolved and the first IPv4 address
// wins.
func ParseEndpoint(s string, defPort uint16) (netip.AddrPort, error) {
    s = strings.TrimSpace(s)
    if s == "" { return netip.AddrPort{}, fmt.Errorf("transport: empty endpoint") }
    if ap, err := netip.ParseAddrPort(s); err == nil {
        return ap, nil
    }
    if a, err := netip.ParseAddr(s); err == nil {
        return netip.AddrPortFrom(a, defPort), nil
    }
    host, port := s, defPort
    if h, p, err := net.SplitHostPort(s); err == nil {
        n, err := strconv.ParseUint(p, 10, 16)
        if err != nil { return netip.AddrPort{}, fmt.Errorf("transport: endpoint %q: bad port", s) }
        host, port = h, uint16(n)
    }
    if a, err := netip.ParseAddr(host); err == nil {
        return netip.AddrPortFrom(a, port), nil
    }
    ips, err := net.LookupIP(host)
    if err != nil { return netip.AddrPort{}, fmt.Errorf("transport: endpoint %q: %w", s, err) }
    for _, ip := range ips {
        if v4 := ip.To4(); v4 != nil {
            a, _ := netip.AddrFromSlice(v4)
            return netip.AddrPortFrom(a, port), nil
        }
    }
    a, ok := netip.AddrFromSlice(ips[0])
    if !ok { return netip.AddrPort{}, fmt.Errorf("transport: endpoint %q: no usable address", s) }
    return netip.AddrPortFrom(a.Unmap(), port), nil
}

// ParseEndpoints parses a whitespace or comma separated address list.
func ParseEndpoints(list string, defPort uint16) ([]netip.AddrPort, error) {
    fields := strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
    out := make([]netip.AddrPort, 0, len(fields))
    for _, f := range fields {
        ep, err := ParseEndpoint(f, defPort)
        if err != nil { return nil, err }
        out = append(out, ep)
    }
    return out, nil
}

// AddrPortOf converts a net.Addr from a UDP or TCP socket.
func AddrPortOf(a net.Addr) netip.AddrPort {
    switch v := a.(type) {
    case *net.UDPAddr:
        return unmapped(v.AddrPort())
    case *net.TCPAddr:
        return unmapped(v.AddrPort())
    }
    if a == nil { return netip.AddrPort{} }
    ap, _ := netip.ParseAddrPort(a.String())
    return unmapped(ap)
}

func unmapped(ap netip.AddrPort) netip.AddrPort {
    return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
