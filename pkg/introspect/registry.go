package introspect

import (
    "errors"
    "fmt"

    cbor "github.com/fxamacker/cbor/v2"

    "pvnet/pkg/protocol"
)

// DefaultMaxSize is the number of descriptors a registry will assign ids to.
const DefaultMaxSize = 0x7fff

// ErrUnknownID is returned when a peer refers to an id it never defined.
// The connection state is corrupt at that point; callers must drop the
// connection together with its registries.
var ErrUnknownID = errors.New("introspect: unknown introspection id")

var fingerprintMode = func() cbor.EncMode {
    em, err := cbor.CoreDetEncOptions().EncMode()
    if err != nil { panic(err) }
    return em
}()

// Registry caches descriptors exchanged over one connection in one
// direction. Ids start at 1 and are meaningful only for the lifetime of the
// connection that assigned them. A Registry is not safe for concurrent use;
// the owning connection serializes access per direction.
type Registry struct {
    byID     map[uint16]*Field
    byPrint  map[string]uint16
    assigned []assignment
    gen      uint64 // bumped by Reset
    next     uint16
    max      int
}

type assignment struct {
    id  uint16
    key string
}

// Checkpoint marks the ids a Registry had assigned at one point in time.
type Checkpoint struct {
    gen  uint64
    next uint16
    n    int
}

// NewRegistry returns an empty registry holding at most maxSize ids
// (DefaultMaxSize when maxSize <= 0).
func NewRegistry(maxSize int) *Registry {
    if maxSize <= 0 || maxSize > 0xffff { maxSize = DefaultMaxSize }
    r := &Registry{max: maxSize}
    r.Reset()
    return r
}

// Reset forgets every id and restarts numbering at 1.
func (r *Registry) Reset() {
    r.byID = make(map[uint16]*Field)
    r.byPrint = make(map[string]uint16)
    r.assigned = nil
    r.gen++
    r.next = 1
}

// Checkpoint returns a mark to Rollback to.
func (r *Registry) Checkpoint() Checkpoint {
    return Checkpoint{gen: r.gen, next: r.next, n: len(r.assigned)}
}

// Rollback forgets every id assigned since cp, so descriptors whose encoding
// never reached the peer are sent in full again. A checkpoint taken before a
// Reset is ignored.
func (r *Registry) Rollback(cp Checkpoint) {
    if cp.gen != r.gen || cp.n > len(r.assigned) { return }
    for _, a := range r.assigned[cp.n:] {
        delete(r.byID, a.id)
        delete(r.byPrint, a.key)
    }
    r.assigned = r.assigned[:cp.n]
    r.next = cp.next
}

// Len returns the number of cached descriptors.
func (r *Registry) Len() int { return len(r.byID) }

// SetMaxSize applies the limit negotiated with the peer.
func (r *Registry) SetMaxSize(n int) {
    if n > 0 && n <= 0xffff { r.max = n }
}

// Lookup returns the descriptor registered under id.
func (r *Registry) Lookup(id uint16) (*Field, bool) {
    f, ok := r.byID[id]
    return f, ok
}

func fingerprint(f *Field) (string, error) {
    b, err := fingerprintMode.Marshal(f)
    if err != nil { return "", err }
    return string(b), nil
}

// Encode implements Encoder; it is Serialize.
func (r *Registry) Encode(b *protocol.Buffer, f *Field) error { return r.Serialize(b, f) }

// Decode implements Decoder; it is Deserialize.
func (r *Registry) Decode(rd *protocol.Reader) (*Field, error) { return r.Deserialize(rd) }

func (r *Registry) decodeAt(rd *protocol.Reader, depth int) (*Field, error) {
    return r.deserialize(rd, depth)
}

// Serialize writes f using the cache: null as a single sentinel byte,
// scalars verbatim, and compound fields as either a bare id or, the first
// time, as id plus full encoding. On error nothing is written to b and no
// id stays assigned.
func (r *Registry) Serialize(b *protocol.Buffer, f *Field) error {
    start, cp := b.Len(), r.Checkpoint()
    if err := r.serialize(b, f); err != nil {
        b.Truncate(start)
        r.Rollback(cp)
        return err
    }
    return nil
}

func (r *Registry) serialize(b *protocol.Buffer, f *Field) error {
    if f == nil {
        b.PutUint8(NullTypeCode)
        return nil
    }
    if !f.Kind.Cacheable() {
        return encodeFull(b, f, r)
    }
    key, err := fingerprint(f)
    if err != nil { return fmt.Errorf("introspect: fingerprint: %w", err) }
    if id, ok := r.byPrint[key]; ok {
        b.PutUint8(OnlyIDTypeCode)
        b.PutUint16(id)
        return nil
    }
    if len(r.byID) >= r.max {
        return encodeFull(b, f, r)
    }
    id := r.next
    r.next++
    b.PutUint8(FullWithIDTypeCode)
    b.PutUint16(id)
    if err := encodeFull(b, f, r); err != nil { return err }
    r.byID[id] = f
    r.byPrint[key] = id
    r.assigned = append(r.assigned, assignment{id: id, key: key})
    return nil
}

// Deserialize mirrors Serialize. Leading bytes other than the registry
// sentinels are left in place and decoded as a plain descriptor, so peers
// that never cache stay readable.
func (r *Registry) Deserialize(rd *protocol.Reader) (*Field, error) {
    return r.deserialize(rd, 0)
}

func (r *Registry) deserialize(rd *protocol.Reader, depth int) (*Field, error) {
    start := rd.Offset()
    c, err := rd.ReadUint8()
    if err != nil { return nil, err }
    switch c {
    case NullTypeCode:
        return nil, nil
    case OnlyIDTypeCode:
        id, err := rd.ReadUint16()
        if err != nil { return nil, err }
        f, ok := r.byID[id]
        if !ok {
            return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
        }
        return f, nil
    case FullWithIDTypeCode:
        id, err := rd.ReadUint16()
        if err != nil { return nil, err }
        f, err := decodeFull(rd, r, depth)
        if err != nil { return nil, err }
        r.byID[id] = f
        return f, nil
    default:
        if err := rd.SetOffset(start); err != nil { return nil, err }
        return decodeFull(rd, r, depth)
    }
}
