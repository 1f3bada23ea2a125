package transport

import (
    "net/netip"
    "sync"

    "pvnet/pkg/protocol"
)

// Fanout delivers one transport's events to every holder of that transport.
// Holders are compared by identity, so register pointers.
type Fanout struct {
    mu        sync.RWMutex
    holders   []Handler
    connected Transport
}

// Add registers h and returns the new holder count. A holder added after
// the transport connected is told so immediately.
func (f *Fanout) Add(h Handler) int {
    f.mu.Lock()
    for _, x := range f.holders {
        if x == h {
            n := len(f.holders)
            f.mu.Unlock()
            return n
        }
    }
    f.holders = append(f.holders, h)
    n := len(f.holders)
    t := f.connected
    f.mu.Unlock()
    if t != nil { h.OnConnected(t) }
    return n
}

// Remove unregisters h and returns the remaining holder count.
func (f *Fanout) Remove(h Handler) int {
    f.mu.Lock()
    defer f.mu.Unlock()
    for i, x := range f.holders {
        if x == h {
            f.holders = append(f.holders[:i], f.holders[i+1:]...)
            break
        }
    }
    return len(f.holders)
}

// Len returns the number of holders.
func (f *Fanout) Len() int {
    f.mu.RLock()
    defer f.mu.RUnlock()
    return len(f.holders)
}

func (f *Fanout) snapshot() []Handler {
    f.mu.RLock()
    defer f.mu.RUnlock()
    return append([]Handler(nil), f.holders...)
}

func (f *Fanout) OnConnected(t Transport) {
    f.mu.Lock()
    f.connected = t
    f.mu.Unlock()
    for _, h := range f.snapshot() { h.OnConnected(t) }
}

func (f *Fanout) OnMessage(t Transport, msg protocol.Message, from netip.AddrPort) {
    for _, h := range f.snapshot() { h.OnMessage(t, msg, from) }
}

func (f *Fanout) OnDisconnected(t Transport, err error) {
    f.mu.Lock()
    f.connected = nil
    f.mu.Unlock()
    for _, h := range f.snapshot() { h.OnDisconnected(t, err) }
}
