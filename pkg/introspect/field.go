// Package introspect describes structured value types and caches their
// wire descriptors per connection.
package introspect

import (
    "fmt"
    "strings"
)

// Kind is the shape of a field.
type Kind uint8

const (
    KindScalar Kind = iota
    KindScalarArray
    KindStructure
    KindStructureArray
    KindUnion
    KindUnionArray
    KindVariantUnion
)

func (k Kind) String() string {
    switch k {
    case KindScalar:
        return "scalar"
    case KindScalarArray:
        return "scalarArray"
    case KindStructure:
        return "structure"
    case KindStructureArray:
        return "structureArray"
    case KindUnion:
        return "union"
    case KindUnionArray:
        return "unionArray"
    case KindVariantUnion:
        return "any"
    default:
        return "unknown"
    }
}

// Cacheable reports whether descriptors of this kind go through a Registry.
// Scalars are cheaper to resend than to look up.
func (k Kind) Cacheable() bool { return k != KindScalar && k != KindScalarArray }

// ScalarType is the element type of scalar and scalar-array fields.
type ScalarType uint8

const (
    Boolean ScalarType = iota
    Byte
    Short
    Int
    Long
    UByte
    UShort
    UInt
    ULong
    Float
    Double
    String
)

var scalarNames = [...]string{"boolean", "byte", "short", "int", "long", "ubyte", "ushort", "uint", "ulong", "float", "double", "string"}

func (t ScalarType) String() string {
    if int(t) < len(scalarNames) { return scalarNames[t] }
    return fmt.Sprintf("scalar(%d)", uint8(t))
}

// Field is an introspection descriptor. Members of structures and unions are
// kept as parallel Names/Fields slices in declaration order.
type Field struct {
    Kind    Kind       `cbor:"1,keyasint"`
    Scalar  ScalarType `cbor:"2,keyasint,omitempty"`
    ID      string     `cbor:"3,keyasint,omitempty"`
    Names   []string   `cbor:"4,keyasint,omitempty"`
    Fields  []*Field   `cbor:"5,keyasint,omitempty"`
    Element *Field     `cbor:"6,keyasint,omitempty"`
}

// Member pairs a name with a field when building structures and unions.
type Member struct {
    Name  string
    Field *Field
}

func NewScalar(t ScalarType) *Field      { return &Field{Kind: KindScalar, Scalar: t} }
func NewScalarArray(t ScalarType) *Field { return &Field{Kind: KindScalarArray, Scalar: t} }
func NewVariantUnion() *Field            { return &Field{Kind: KindVariantUnion} }

// NewStructure builds a structure with the given type id.
func NewStructure(id string, members ...Member) *Field {
    return withMembers(&Field{Kind: KindStructure, ID: id}, members)
}

// NewUnion builds a discriminated union with the given type id.
func NewUnion(id string, members ...Member) *Field {
    return withMembers(&Field{Kind: KindUnion, ID: id}, members)
}

// NewStructureArray builds an array of the given structure.
func NewStructureArray(elem *Field) *Field { return &Field{Kind: KindStructureArray, Element: elem} }

// NewUnionArray builds an array of the given union.
func NewUnionArray(elem *Field) *Field { return &Field{Kind: KindUnionArray, Element: elem} }

func withMembers(f *Field, members []Member) *Field {
    f.Names = make([]string, len(members))
    f.Fields = make([]*Field, len(members))
    for i, m := range members {
        f.Names[i] = m.Name
        f.Fields[i] = m.Field
    }
    return f
}

// Lookup returns the member with the given name.
func (f *Field) Lookup(name string) (*Field, bool) {
    for i, n := range f.Names {
        if n == name { return f.Fields[i], true }
    }
    return nil, false
}

func (f *Field) String() string {
    var sb strings.Builder
    f.format(&sb, 0)
    return sb.String()
}

func (f *Field) format(sb *strings.Builder, depth int) {
    if f == nil {
        sb.WriteString("null")
        return
    }
    switch f.Kind {
    case KindScalar:
        sb.WriteString(f.Scalar.String())
    case KindScalarArray:
        sb.WriteString(f.Scalar.String())
        sb.WriteString("[]")
    case KindStructureArray, KindUnionArray:
        f.Element.format(sb, depth)
        sb.WriteString("[]")
    case KindVariantUnion:
        sb.WriteString("any")
    default:
        id := f.ID
        if id == "" { id = f.Kind.String() }
        sb.WriteString(id)
        for i, n := range f.Names {
            sb.WriteString("\n")
            sb.WriteString(strings.Repeat("    ", depth+1))
            f.Fields[i].format(sb, depth+1)
            sb.WriteString(" ")
            sb.WriteString(n)
        }
    }
}
