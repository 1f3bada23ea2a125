package introspect

import (
    "testing"

    "github.com/stretchr/testify/require"

    "pvnet/pkg/protocol"
)

func timeStamp() *Field {
    return NewStructure("time_t",
        Member{"secondsPastEpoch", NewScalar(Long)},
        Member{"nanoseconds", NewScalar(Int)},
        Member{"userTag", NewScalar(Int)},
    )
}

func scalarDouble() *Field {
    return NewStructure("epics:nt/NTScalar:1.0",
        Member{"value", NewScalar(Double)},
        Member{"timeStamp", timeStamp()},
        Member{"labels", NewScalarArray(String)},
    )
}

func serialize(t *testing.T, r *Registry, f *Field) []byte {
    t.Helper()
    b := protocol.NewBuffer(64, protocol.LittleEndian)
    require.NoError(t, r.Serialize(b, f))
    return append([]byte(nil), b.Bytes()...)
}

func deserialize(t *testing.T, r *Registry, p []byte) *Field {
    t.Helper()
    rd := protocol.NewReader(p, protocol.LittleEndian)
    f, err := r.Deserialize(rd)
    require.NoError(t, err)
    require.Zero(t, rd.Remaining())
    return f
}

func TestRegistrySecondSerializationIsShorter(t *testing.T) {
    out, in := NewRegistry(0), NewRegistry(0)
    f := scalarDouble()

    first := serialize(t, out, f)
    second := serialize(t, out, f)
    require.Equal(t, byte(FullWithIDTypeCode), first[0])
    require.Equal(t, []byte{OnlyIDTypeCode, 1, 0}, second)
    require.Less(t, len(second), len(first))

    require.Equal(t, f, deserialize(t, in, first))
    require.Equal(t, f, deserialize(t, in, second))
}

func TestRegistryEqualContentSharesID(t *testing.T) {
    out := NewRegistry(0)
    serialize(t, out, scalarDouble())
    // A separately built but identical descriptor hits the cache.
    require.Equal(t, []byte{OnlyIDTypeCode, 1, 0}, serialize(t, out, scalarDouble()))
    // The nested structure got its own id as well.
    require.Equal(t, []byte{OnlyIDTypeCode, 2, 0}, serialize(t, out, timeStamp()))
    require.Equal(t, 2, out.Len())
}

func TestRegistryResetStartsOver(t *testing.T) {
    out, in := NewRegistry(0), NewRegistry(0)
    f := scalarDouble()
    first := serialize(t, out, f)
    serialize(t, out, f)

    out.Reset()
    in.Reset()
    require.Zero(t, out.Len())
    again := serialize(t, out, f)
    require.Equal(t, first, again)
    require.Equal(t, f, deserialize(t, in, again))
}

func TestRegistryScalarsAreNotCached(t *testing.T) {
    out, in := NewRegistry(0), NewRegistry(0)
    for _, f := range []*Field{NewScalar(Double), NewScalarArray(UShort), NewScalar(Boolean)} {
        p := serialize(t, out, f)
        require.Len(t, p, 1)
        require.Equal(t, p, serialize(t, out, f))
        require.Equal(t, f, deserialize(t, in, p))
    }
    require.Zero(t, out.Len())
    require.Zero(t, in.Len())
}

func TestRegistryNull(t *testing.T) {
    r := NewRegistry(0)
    p := serialize(t, r, nil)
    require.Equal(t, []byte{NullTypeCode}, p)
    require.Nil(t, deserialize(t, r, p))
}

func TestRegistryUnknownID(t *testing.T) {
    r := NewRegistry(0)
    _, err := r.Deserialize(protocol.NewReader([]byte{OnlyIDTypeCode, 7, 0}, protocol.LittleEndian))
    require.ErrorIs(t, err, ErrUnknownID)
}

func TestRegistryReadsPlainDescriptors(t *testing.T) {
    f := NewStructureArray(timeStamp())
    b := protocol.NewBuffer(64, protocol.BigEndian)
    require.NoError(t, Plain{}.Encode(b, f))

    r := NewRegistry(0)
    got, err := r.Deserialize(protocol.NewReader(b.Bytes(), protocol.BigEndian))
    require.NoError(t, err)
    require.Equal(t, f, got)
    require.Zero(t, r.Len())
}

func TestRegistryFullFallsBackToPlain(t *testing.T) {
    out, in := NewRegistry(1), NewRegistry(1)
    a := serialize(t, out, timeStamp())
    require.Equal(t, byte(FullWithIDTypeCode), a[0])

    u := NewUnion("choice", Member{"i", NewScalar(Int)}, Member{"s", NewScalar(String)})
    p := serialize(t, out, u)
    require.NotEqual(t, byte(FullWithIDTypeCode), p[0])
    require.Equal(t, 1, out.Len())

    require.Equal(t, timeStamp(), deserialize(t, in, a))
    require.Equal(t, u, deserialize(t, in, p))
}

func TestPlainRoundTripAllKinds(t *testing.T) {
    f := NewStructure("all",
        Member{"b", NewScalar(Boolean)},
        Member{"i8", NewScalar(Byte)},
        Member{"u64", NewScalarArray(ULong)},
        Member{"f", NewScalar(Float)},
        Member{"any", NewVariantUnion()},
        Member{"u", NewUnion("", Member{"x", NewScalar(Short)})},
        Member{"ua", NewUnionArray(NewUnion("", Member{"y", NewScalar(UInt)}))},
    )
    b := protocol.NewBuffer(64, protocol.LittleEndian)
    require.NoError(t, Plain{}.Encode(b, f))
    got, err := Plain{}.Decode(protocol.NewReader(b.Bytes(), protocol.LittleEndian))
    require.NoError(t, err)
    require.Equal(t, f, got)
    require.Contains(t, got.String(), "any")
}

func TestPlainRejectsRegistrySentinels(t *testing.T) {
    _, err := Plain{}.Decode(protocol.NewReader([]byte{OnlyIDTypeCode, 1, 0}, protocol.LittleEndian))
    require.ErrorIs(t, err, ErrUnknownTypeCode)
}

func TestRegistryFailedSerializeAssignsNoID(t *testing.T) {
    out, in := NewRegistry(0), NewRegistry(0)
    bad := NewStructure("bad",
        Member{"ts", timeStamp()},
        Member{"a", &Field{Kind: KindScalar, Scalar: ScalarType(99)}},
    )
    b := protocol.NewBuffer(64, protocol.LittleEndian)
    b.PutUint8(0x42)
    for i := 0; i < 2; i++ {
        require.ErrorIs(t, out.Serialize(b, bad), ErrInvalidField)
        require.Equal(t, []byte{0x42}, b.Bytes())
        require.Zero(t, out.Len())
    }

    // The nested structure encoded before the failure is not cached either.
    p := serialize(t, out, timeStamp())
    require.Equal(t, []byte{FullWithIDTypeCode, 1, 0}, p[:3])
    require.Equal(t, timeStamp(), deserialize(t, in, p))
}

func TestRegistryRollback(t *testing.T) {
    out, in := NewRegistry(0), NewRegistry(0)
    serialize(t, out, NewUnion("u", Member{"i", NewScalar(Int)}))

    cp := out.Checkpoint()
    lost := serialize(t, out, scalarDouble())
    require.Equal(t, 3, out.Len())
    out.Rollback(cp)
    require.Equal(t, 1, out.Len())

    // Sent in full again, reusing the rolled back ids.
    again := serialize(t, out, scalarDouble())
    require.Equal(t, lost, again)
    require.Equal(t, scalarDouble(), deserialize(t, in, again))

    out.Reset()
    serialize(t, out, timeStamp())
    serialize(t, out, scalarDouble())
    out.Rollback(cp)
    require.Equal(t, 2, out.Len())
}

func nested(levels int) []byte {
    p := make([]byte, 0, levels+3)
    for i := 0; i < levels; i++ {
        p = append(p, codeStructArray)
    }
    return append(p, codeStructure, 0, 0)
}

func TestDecodeNestingLimit(t *testing.T) {
    f, err := Plain{}.Decode(protocol.NewReader(nested(MaxDepth), protocol.LittleEndian))
    require.NoError(t, err)
    require.Equal(t, KindStructureArray, f.Kind)

    _, err = Plain{}.Decode(protocol.NewReader(nested(MaxDepth+1), protocol.LittleEndian))
    require.ErrorIs(t, err, ErrInvalidField)

    huge := make([]byte, 16<<20)
    for i := range huge {
        huge[i] = codeStructArray
    }
    _, err = NewRegistry(0).Deserialize(protocol.NewReader(huge, protocol.LittleEndian))
    require.ErrorIs(t, err, ErrInvalidField)

    p := append([]byte{FullWithIDTypeCode, 1, 0}, huge[:1024]...)
    _, err = NewRegistry(0).Deserialize(protocol.NewReader(p, protocol.LittleEndian))
    require.ErrorIs(t, err, ErrInvalidField)
}
