package protocol

import (
    "net/netip"
    "testing"
)

func TestSearchRequestRoundtrip(t *testing.T) {
    entries := []SearchEntry{{ChannelID: 1, Name: "a"}, {ChannelID: 77, Name: "ring:current"}}
    for _, v := range []Variant{VariantSimple, VariantRich} {
        req := SearchRequest{Sequence: 9, Entries: entries}
        if v == VariantRich {
            req.Flags = SearchFlagReplyRequired
            req.ReplyTo = netip.MustParseAddrPort("192.168.1.5:40000")
        }
        b := NewBuffer(0, BigEndian)
        if err := EncodeSearchRequest(b, v, req); err != nil { t.Fatalf("%s: encode: %v", v, err) }
        want := SearchPrefixSize(v)
        for _, e := range entries { want += e.EncodedSize() }
        if b.Len() != want { t.Fatalf("%s: encoded %d bytes, want %d", v, b.Len(), want) }

        got, err := DecodeSearchRequest(NewReader(b.Bytes(), BigEndian), v)
        if err != nil { t.Fatalf("%s: decode: %v", v, err) }
        if got.Sequence != 9 || len(got.Entries) != 2 || got.Entries[1] != entries[1] {
            t.Fatalf("%s: got %#v", v, got)
        }
        if v == VariantRich && (got.ReplyTo != req.ReplyTo || got.Flags != req.Flags) {
            t.Fatalf("rich fields lost: %#v", got)
        }
    }
}

func TestSearchResponseRoundtrip(t *testing.T) {
    resp := SearchResponse{
        ChannelID:     5,
        Sequence:      3,
        MinorRevision: MinorRevision,
        Server:        netip.MustParseAddrPort("10.0.0.8:5075"),
        GUID:          GUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
    }
    for _, v := range []Variant{VariantSimple, VariantRich} {
        b := NewBuffer(0, LittleEndian)
        if err := EncodeSearchResponse(b, v, resp); err != nil { t.Fatalf("encode: %v", err) }
        got, err := DecodeSearchResponse(NewReader(b.Bytes(), LittleEndian), v)
        if err != nil { t.Fatalf("decode: %v", err) }
        want := resp
        if v == VariantSimple { want.GUID = GUID{} }
        if got != want { t.Fatalf("%s: got %#v want %#v", v, got, want) }
    }
}

func TestBeaconAndValidationRoundtrip(t *testing.T) {
    bc := Beacon{GUID: GUID{9}, Sequence: 4, ChangeCount: 2, Server: netip.MustParseAddrPort("10.0.0.8:5075"), Protocol: "tcp"}
    b := NewBuffer(0, LittleEndian)
    if err := EncodeBeacon(b, bc); err != nil { t.Fatalf("encode beacon: %v", err) }
    got, err := DecodeBeacon(NewReader(b.Bytes(), LittleEndian))
    if err != nil || got != bc { t.Fatalf("beacon: %#v %v", got, err) }

    cv := ConnectionValidation{ReceiveBufferSize: 16384, RegistrySize: 0x7fff, Revision: MinorRevision, QoS: 3}
    b = NewBuffer(0, BigEndian)
    EncodeConnectionValidation(b, cv, true)
    gotCV, err := DecodeConnectionValidation(NewReader(b.Bytes(), BigEndian), true)
    if err != nil || gotCV != cv { t.Fatalf("validation: %#v %v", gotCV, err) }

    b = NewBuffer(0, BigEndian)
    EncodeConnectionValidated(b, ConnectionValidated{Status: ValidationStatusOK})
    ok, err := DecodeConnectionValidated(NewReader(b.Bytes(), BigEndian))
    if err != nil || ok.Status != ValidationStatusOK { t.Fatalf("validated: %#v %v", ok, err) }
}
