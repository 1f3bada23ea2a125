package protocol

import (
    "fmt"
    "net/netip"
)

// Search request flags (rich variant).
const (
    SearchFlagReplyRequired uint8 = 0x01
    SearchFlagUnicast       uint8 = 0x80
)

// SearchEntry is one channel in a search request.
type SearchEntry struct {
    ChannelID uint32
    Name      string
}

// EncodedSize is the number of payload bytes the entry occupies.
func (e SearchEntry) EncodedSize() int { return 4 + SizeOfString(e.Name) }

// SearchRequest is the decoded payload of CmdSearch.
type SearchRequest struct {
    Sequence uint32
    Flags    uint8          // rich only
    ReplyTo  netip.AddrPort // rich only
    Entries  []SearchEntry
}

// SearchPrefixSize returns the payload bytes written before the first entry.
func SearchPrefixSize(v Variant) int {
    if v == VariantRich {
        return 4 + 1 + 3 + v.AddressSize() + 2
    }
    return 4
}

// PutSearchPrefix writes everything that precedes the entries and returns
// the offset of the entry count field, or -1 for the simple variant which
// has no count.
func PutSearchPrefix(b *Buffer, v Variant, seq uint32, flags uint8, replyTo netip.AddrPort) (int, error) {
    b.PutUint32(seq)
    if v != VariantRich {
        return -1, nil
    }
    b.PutUint8(flags)
    b.PutRaw([]byte{0, 0, 0})
    if err := PutEndpoint(b, v, replyTo); err != nil {
        return -1, err
    }
    off := b.Len()
    b.PutUint16(0)
    return off, nil
}

// PutSearchEntry appends one (channel id, name) pair.
func PutSearchEntry(b *Buffer, e SearchEntry) {
    b.PutUint32(e.ChannelID)
    b.PutString(e.Name)
}

// EncodeSearchRequest writes a complete search payload.
func EncodeSearchRequest(b *Buffer, v Variant, req SearchRequest) error {
    countOff, err := PutSearchPrefix(b, v, req.Sequence, req.Flags, req.ReplyTo)
    if err != nil { return err }
    for _, e := range req.Entries {
        PutSearchEntry(b, e)
    }
    if countOff >= 0 {
        b.PutUint16At(countOff, uint16(len(req.Entries)))
    }
    return nil
}

// DecodeSearchRequest parses a search payload.
func DecodeSearchRequest(r *Reader, v Variant) (SearchRequest, error) {
    var req SearchRequest
    var err error
    if req.Sequence, err = r.ReadUint32(); err != nil {
        return req, fmt.Errorf("search request: sequence: %w", err)
    }
    count := -1
    if v == VariantRich {
        if req.Flags, err = r.ReadUint8(); err != nil {
            return req, fmt.Errorf("search request: flags: %w", err)
        }
        if _, err = r.ReadRaw(3); err != nil {
            return req, fmt.Errorf("search request: reserved: %w", err)
        }
        if req.ReplyTo, err = ReadEndpoint(r, v); err != nil {
            return req, fmt.Errorf("search request: reply address: %w", err)
        }
        n, err := r.ReadUint16()
        if err != nil {
            return req, fmt.Errorf("search request: count: %w", err)
        }
        count = int(n)
    }
    for count != 0 && r.Remaining() > 0 {
        var e SearchEntry
        if e.ChannelID, err = r.ReadUint32(); err != nil {
            return req, fmt.Errorf("search request: channel id: %w", err)
        }
        if e.Name, err = r.ReadString(); err != nil {
            return req, fmt.Errorf("search request: channel name: %w", err)
        }
        req.Entries = append(req.Entries, e)
        if count > 0 { count-- }
    }
    if count > 0 {
        return req, fmt.Errorf("search request: %d entries missing: %w", count, ErrShortBuffer)
    }
    return req, nil
}

// SearchResponse is the decoded payload of CmdSearchResponse.
type SearchResponse struct {
    ChannelID     uint32
    Sequence      uint32
    MinorRevision uint8
    Server        netip.AddrPort
    GUID          GUID // rich only
}

// EncodeSearchResponse writes a search response payload.
func EncodeSearchResponse(b *Buffer, v Variant, resp SearchResponse) error {
    b.PutUint32(resp.ChannelID)
    b.PutUint32(resp.Sequence)
    b.PutUint8(resp.MinorRevision)
    if err := PutEndpoint(b, v, resp.Server); err != nil {
        return err
    }
    if v == VariantRich {
        b.PutRaw(resp.GUID[:])
    }
    return nil
}

// DecodeSearchResponse parses a search response payload.
func DecodeSearchResponse(r *Reader, v Variant) (SearchResponse, error) {
    var resp SearchResponse
    var err error
    if resp.ChannelID, err = r.ReadUint32(); err != nil {
        return resp, fmt.Errorf("search response: channel id: %w", err)
    }
    if resp.Sequence, err = r.ReadUint32(); err != nil {
        return resp, fmt.Errorf("search response: sequence: %w", err)
    }
    if resp.MinorRevision, err = r.ReadUint8(); err != nil {
        return resp, fmt.Errorf("search response: revision: %w", err)
    }
    if resp.Server, err = ReadEndpoint(r, v); err != nil {
        return resp, fmt.Errorf("search response: server: %w", err)
    }
    if v == VariantRich {
        p, err := r.ReadRaw(GUIDSize)
        if err != nil {
            return resp, fmt.Errorf("search response: guid: %w", err)
        }
        copy(resp.GUID[:], p)
    }
    return resp, nil
}
