// Package codec renders discovery results in interchange formats for the
// command line tools.
package codec

import (
    "fmt"
    "sort"
    "strings"
)

// Codec marshals values in one content type.
type Codec interface {
    // Name is the short format name used on the command line.
    Name() string
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps format names and content types to codecs.
type Registry struct {
    byName map[string]Codec
    byType map[string]Codec
}

// NewRegistry returns a registry with the JSON, CBOR and Protobuf codecs.
func NewRegistry() *Registry {
    r := &Registry{byName: make(map[string]Codec), byType: make(map[string]Codec)}
    r.Register(JSON())
    r.Register(CBOR())
    r.Register(Proto())
    return r
}

// Register adds a codec, replacing one with the same name or content type.
func (r *Registry) Register(c Codec) {
    r.byName[c.Name()] = c
    r.byType[c.ContentType()] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Lookup finds a codec by format name or content type.
func (r *Registry) Lookup(format string) (Codec, error) {
    f := strings.ToLower(strings.TrimSpace(format))
    if c, ok := r.byName[f]; ok { return c, nil }
    if c, ok := r.byType[f]; ok { return c, nil }
    return nil, fmt.Errorf("codec: unknown format %q (have %s)", format, strings.Join(r.Names(), ", "))
}

// Names returns the registered format names, sorted.
func (r *Registry) Names() []string {
    out := make([]string, 0, len(r.byName))
    for n := range r.byName { out = append(out, n) }
    sort.Strings(out)
    return out
}
