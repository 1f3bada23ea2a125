package transport

import (
    "net/netip"
    "sort"
    "sync"

    "go.uber.org/zap"
)

// Registry keeps at most one Transport per (endpoint, priority). Put is
// last-writer-wins; callers look up before creating so a live circuit is
// never orphaned.
type Registry struct {
    mu    sync.RWMutex
    peers map[netip.AddrPort]map[int16]Transport
    count int
    log   *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
    if log == nil { log = zap.L() }
    return &Registry{peers: make(map[netip.AddrPort]map[int16]Transport), log: log.Named("registry")}
}

// Put stores t under its endpoint and priority and returns the transport it
// replaced, if any.
func (r *Registry) Put(t Transport) (old Transport) {
    ep := t.Remote()
    r.mu.Lock()
    defer r.mu.Unlock()
    pe := r.peers[ep]
    if pe == nil {
        pe = make(map[int16]Transport)
        r.peers[ep] = pe
    }
    old = pe[t.Priority()]
    if old == nil { r.count++ }
    pe[t.Priority()] = t
    if old != nil && old != t {
        r.log.Debug("transport replaced", zap.Stringer("endpoint", ep), zap.Int16("priority", t.Priority()))
    }
    return old
}

// Get returns the transport for endpoint and priority.
func (r *Registry) Get(ep netip.AddrPort, priority int16) (Transport, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    t, ok := r.peers[ep][priority]
    return t, ok
}

// GetAll returns every transport to ep ordered by priority.
func (r *Registry) GetAll(ep netip.AddrPort) []Transport {
    r.mu.RLock()
    defer r.mu.RUnlock()
    pe := r.peers[ep]
    if len(pe) == 0 { return nil }
    prios := make([]int, 0, len(pe))
    for p := range pe { prios = append(prios, int(p)) }
    sort.Ints(prios)
    out := make([]Transport, 0, len(pe))
    for _, p := range prios { out = append(out, pe[int16(p)]) }
    return out
}

// Remove deletes t if it is the transport currently stored under its key.
// Removing an absent transport reports false.
func (r *Registry) Remove(t Transport) bool {
    ep := t.Remote()
    r.mu.Lock()
    defer r.mu.Unlock()
    pe := r.peers[ep]
    if cur, ok := pe[t.Priority()]; !ok || cur != t {
        return false
    }
    delete(pe, t.Priority())
    if len(pe) == 0 { delete(r.peers, ep) }
    r.count--
    return true
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []Transport {
    r.mu.Lock()
    defer r.mu.Unlock()
    out := r.toArrayLocked()
    r.peers = make(map[netip.AddrPort]map[int16]Transport)
    r.count = 0
    return out
}

// NumActive returns the number of stored transports.
func (r *Registry) NumActive() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return r.count
}

// ToArray returns a snapshot of every stored transport.
func (r *Registry) ToArray() []Transport {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return r.toArrayLocked()
}

func (r *Registry) toArrayLocked() []Transport {
    out := make([]Transport, 0, r.count)
    for _, pe := range r.peers {
        for _, t := range pe { out = append(out, t) }
    }
    return out
}

// CloseAll closes every transport in a snapshot. Entries may disappear
// concurrently; close errors are logged and ignored.
func (r *Registry) CloseAll() {
    for _, t := range r.ToArray() {
        if err := t.Close(); err != nil {
            r.log.Debug("close transport", zap.Stringer("endpoint", t.Remote()), zap.Error(err))
        }
    }
}

// CloseEndpoint closes and removes every transport to ep and returns how
// many there were.
func (r *Registry) CloseEndpoint(ep netip.AddrPort) int {
    ts := r.GetAll(ep)
    for _, t := range ts {
        r.Remove(t)
        _ = t.Close()
    }
    return len(ts)
}
