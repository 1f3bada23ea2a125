package codec

import (
    "testing"

    "google.golang.org/protobuf/types/known/structpb"
)

type report struct {
    Name   string `json:"name" cbor:"name"`
    Server string `json:"server" cbor:"server"`
    Port   int    `json:"port" cbor:"port"`
}

func TestLookup(t *testing.T) {
    r := NewRegistry()
    for _, f := range []string{"json", "CBOR", "proto", "application/x-protobuf"} {
        if _, err := r.Lookup(f); err != nil { t.Fatalf("%s: %v", f, err) }
    }
    if _, err := r.Lookup("xml"); err == nil { t.Fatal("expected error for xml") }
    if got := r.Names(); len(got) != 3 || got[0] != "cbor" { t.Fatalf("names: %v", got) }
    if r.Get("application/json") == nil { t.Fatal("json by content type") }
}

func TestJSONCodec(t *testing.T) {
    c := JSON()
    in := []report{{Name: "pv:a", Server: "10.0.0.1", Port: 5075}}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out []report
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if len(out) != 1 || out[0] != in[0] { t.Fatalf("roundtrip mismatch: %#v", out) }
}

func TestCBORCodecIsDeterministic(t *testing.T) {
    c := CBOR()
    a, err := c.Marshal(map[string]any{"b": 1, "a": 2})
    if err != nil { t.Fatalf("marshal: %v", err) }
    b, err := c.Marshal(map[string]any{"a": 2, "b": 1})
    if err != nil { t.Fatalf("marshal: %v", err) }
    if string(a) != string(b) { t.Fatalf("encodings differ: %x vs %x", a, b) }

    var out report
    raw, _ := c.Marshal(report{Name: "pv:a", Port: 5075})
    if err := c.Unmarshal(raw, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.Name != "pv:a" || out.Port != 5075 { t.Fatalf("roundtrip mismatch: %#v", out) }
}

func TestProtoCodecMessage(t *testing.T) {
    c := Proto()
    s, err := structpb.NewStruct(map[string]any{"k": "v"})
    if err != nil { t.Fatalf("struct: %v", err) }
    b, err := c.Marshal(s)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out structpb.Struct
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.Fields["k"].GetStringValue() != "v" { t.Fatalf("roundtrip mismatch") }
}

func TestProtoCodecPlainValue(t *testing.T) {
    c := Proto()
    in := []report{{Name: "pv:a", Server: "10.0.0.1", Port: 5075}}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out []report
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if len(out) != 1 || out[0] != in[0] { t.Fatalf("roundtrip mismatch: %#v", out) }
}
