package protocol

import (
    "fmt"
    "net/netip"
)

// Beacon is a periodic server presence announcement. Beacons always use the
// rich endpoint encoding.
type Beacon struct {
    GUID        GUID
    Flags       uint8
    Sequence    uint8
    ChangeCount uint16
    Server      netip.AddrPort
    Protocol    string
}

// EncodeBeacon writes a beacon payload.
func EncodeBeacon(b *Buffer, bc Beacon) error {
    b.PutRaw(bc.GUID[:])
    b.PutUint8(bc.Flags)
    b.PutUint8(bc.Sequence)
    b.PutUint16(bc.ChangeCount)
    if err := PutEndpoint(b, VariantRich, bc.Server); err != nil {
        return err
    }
    b.PutString(bc.Protocol)
    return nil
}

// DecodeBeacon parses a beacon payload.
func DecodeBeacon(r *Reader) (Beacon, error) {
    var bc Beacon
    p, err := r.ReadRaw(GUIDSize)
    if err != nil { return bc, fmt.Errorf("beacon: guid: %w", err) }
    copy(bc.GUID[:], p)
    if bc.Flags, err = r.ReadUint8(); err != nil {
        return bc, fmt.Errorf("beacon: flags: %w", err)
    }
    if bc.Sequence, err = r.ReadUint8(); err != nil {
        return bc, fmt.Errorf("beacon: sequence: %w", err)
    }
    if bc.ChangeCount, err = r.ReadUint16(); err != nil {
        return bc, fmt.Errorf("beacon: change count: %w", err)
    }
    if bc.Server, err = ReadEndpoint(r, VariantRich); err != nil {
        return bc, fmt.Errorf("beacon: server: %w", err)
    }
    if bc.Protocol, err = r.ReadString(); err != nil {
        return bc, fmt.Errorf("beacon: protocol: %w", err)
    }
    return bc, nil
}
