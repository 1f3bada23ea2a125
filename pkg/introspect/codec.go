package introspect

import (
    "errors"
    "fmt"

    "pvnet/pkg/protocol"
)

// Wire type codes.
const (
    codeBoolean      = 0x00
    codeInteger      = 0x20 // | size bits | unsigned bit
    codeUnsignedBit  = 0x04
    codeFloat        = 0x42
    codeDouble       = 0x43
    codeString       = 0x60
    codeArrayBit     = 0x08
    codeStructure    = 0x80
    codeUnion        = 0x81
    codeVariantUnion = 0x82
    codeStructArray  = 0x88
    codeUnionArray   = 0x89
)

// Sentinels that select a Registry encoding.
const (
    NullTypeCode       = 0xFF
    OnlyIDTypeCode     = 0xFE
    FullWithIDTypeCode = 0xFD
)

// MaxDepth bounds how deeply descriptors may nest when decoded.
const MaxDepth = 64

var (
    ErrUnknownTypeCode = errors.New("introspect: unknown type code")
    ErrInvalidField    = errors.New("introspect: invalid field")
)

// Encoder writes descriptors; Decoder reads them. Both are used for the
// members of compound fields, so a caching Registry recurses into itself.
type Encoder interface {
    Encode(b *protocol.Buffer, f *Field) error
}

type Decoder interface {
    Decode(r *protocol.Reader) (*Field, error)
}

// nestedDecoder decodes a member at a known nesting depth.
type nestedDecoder interface {
    decodeAt(r *protocol.Reader, depth int) (*Field, error)
}

// Plain is the uncached descriptor codec.
type Plain struct{}

func (Plain) Encode(b *protocol.Buffer, f *Field) error {
    if f == nil {
        b.PutUint8(NullTypeCode)
        return nil
    }
    return encodeFull(b, f, Plain{})
}

func (Plain) Decode(r *protocol.Reader) (*Field, error) { return decodeFull(r, Plain{}, 0) }

func (Plain) decodeAt(r *protocol.Reader, depth int) (*Field, error) {
    return decodeFull(r, Plain{}, depth)
}

func scalarCode(t ScalarType) (uint8, error) {
    switch t {
    case Boolean:
        return codeBoolean, nil
    case Byte, Short, Int, Long:
        return codeInteger | uint8(t-Byte), nil
    case UByte, UShort, UInt, ULong:
        return codeInteger | codeUnsignedBit | uint8(t-UByte), nil
    case Float:
        return codeFloat, nil
    case Double:
        return codeDouble, nil
    case String:
        return codeString, nil
    default:
        return 0, fmt.Errorf("%w: scalar type %d", ErrInvalidField, t)
    }
}

func scalarFromCode(c uint8) (ScalarType, error) {
    switch {
    case c == codeBoolean:
        return Boolean, nil
    case c&0xF0 == codeInteger:
        size := ScalarType(c & 0x03)
        if c&codeUnsignedBit != 0 { return UByte + size, nil }
        return Byte + size, nil
    case c == codeFloat:
        return Float, nil
    case c == codeDouble:
        return Double, nil
    case c == codeString:
        return String, nil
    default:
        return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownTypeCode, c)
    }
}

// encodeFull writes f's own encoding; nested fields go through nested.
func encodeFull(b *protocol.Buffer, f *Field, nested Encoder) error {
    switch f.Kind {
    case KindScalar, KindScalarArray:
        c, err := scalarCode(f.Scalar)
        if err != nil { return err }
        if f.Kind == KindScalarArray { c |= codeArrayBit }
        b.PutUint8(c)
    case KindStructure, KindUnion:
        if len(f.Names) != len(f.Fields) {
            return fmt.Errorf("%w: %d names for %d fields", ErrInvalidField, len(f.Names), len(f.Fields))
        }
        c := uint8(codeStructure)
        if f.Kind == KindUnion { c = codeUnion }
        b.PutUint8(c)
        b.PutString(f.ID)
        b.PutSize(len(f.Fields))
        for i, m := range f.Fields {
            b.PutString(f.Names[i])
            if err := nested.Encode(b, m); err != nil {
                return fmt.Errorf("member %q: %w", f.Names[i], err)
            }
        }
    case KindStructureArray, KindUnionArray:
        c := uint8(codeStructArray)
        want := KindStructure
        if f.Kind == KindUnionArray {
            c = codeUnionArray
            want = KindUnion
        }
        if f.Element == nil || f.Element.Kind != want {
            return fmt.Errorf("%w: %s element must be a %s", ErrInvalidField, f.Kind, want)
        }
        b.PutUint8(c)
        if err := nested.Encode(b, f.Element); err != nil { return err }
    case KindVariantUnion:
        b.PutUint8(codeVariantUnion)
    default:
        return fmt.Errorf("%w: kind %d", ErrInvalidField, f.Kind)
    }
    return nil
}

// decodeFull reads one descriptor starting at its type code. depth counts
// the compound fields enclosing it.
func decodeFull(r *protocol.Reader, nested nestedDecoder, depth int) (*Field, error) {
    if depth > MaxDepth {
        return nil, fmt.Errorf("%w: nested deeper than %d", ErrInvalidField, MaxDepth)
    }
    c, err := r.ReadUint8()
    if err != nil { return nil, err }
    switch c {
    case NullTypeCode:
        return nil, nil
    case codeStructure, codeUnion:
        f := &Field{Kind: KindStructure}
        if c == codeUnion { f.Kind = KindUnion }
        if f.ID, err = r.ReadString(); err != nil { return nil, err }
        n, err := r.ReadSize()
        if err != nil { return nil, err }
        if n < 0 || n > r.Remaining() {
            return nil, fmt.Errorf("%w: member count %d", ErrInvalidField, n)
        }
        f.Names = make([]string, n)
        f.Fields = make([]*Field, n)
        for i := 0; i < n; i++ {
            if f.Names[i], err = r.ReadString(); err != nil { return nil, err }
            if f.Fields[i], err = nested.decodeAt(r, depth+1); err != nil {
                return nil, fmt.Errorf("member %q: %w", f.Names[i], err)
            }
        }
        return f, nil
    case codeStructArray, codeUnionArray:
        f := &Field{Kind: KindStructureArray}
        if c == codeUnionArray { f.Kind = KindUnionArray }
        if f.Element, err = nested.decodeAt(r, depth+1); err != nil { return nil, err }
        return f, nil
    case codeVariantUnion:
        return NewVariantUnion(), nil
    }
    kind := KindScalar
    if c&codeArrayBit != 0 && c < codeStructure {
        kind = KindScalarArray
        c &^= codeArrayBit
    }
    t, err := scalarFromCode(c)
    if err != nil { return nil, err }
    return &Field{Kind: kind, Scalar: t}, nil
}
